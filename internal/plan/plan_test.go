package plan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entitlementFragment(trackingID, app, account, name, value string) *Plan {
	return &Plan{
		TrackingID: trackingID,
		Accounts: []AccountRequest{{
			Application:    app,
			NativeIdentity: account,
			Op:             AccountOpModify,
			Attributes: []AttributeRequest{{
				Name:  name,
				Value: value,
				Op:    AttributeOpRemove,
			}},
		}},
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	master := &Plan{}
	fragment := entitlementFragment("item-1", "payroll", "alice", "groups", "admins")

	master.Merge(fragment)
	master.Merge(fragment)

	require.Len(t, master.Accounts, 1)
	require.Len(t, master.Accounts[0].Attributes, 1)
	require.Equal(t, []string{"item-1"}, master.Accounts[0].Attributes[0].TrackingIDs)
}

func TestMergeUnionsTrackingAcrossItems(t *testing.T) {
	master := &Plan{}
	master.Merge(entitlementFragment("item-1", "payroll", "alice", "groups", "admins"))
	master.Merge(entitlementFragment("item-2", "payroll", "alice", "groups", "admins"))

	require.Len(t, master.Accounts, 1)
	require.Len(t, master.Accounts[0].Attributes, 1, "identical requests collapse")
	require.Equal(t, []string{"item-1", "item-2"}, master.Accounts[0].Attributes[0].TrackingIDs)
}

func TestMergeDeleteSubsumesModify(t *testing.T) {
	master := &Plan{}
	master.Merge(entitlementFragment("item-1", "payroll", "alice", "groups", "admins"))
	master.Merge(&Plan{
		TrackingID: "item-2",
		Accounts: []AccountRequest{{
			Application:    "payroll",
			NativeIdentity: "alice",
			Op:             AccountOpDelete,
		}},
	})

	require.Len(t, master.Accounts, 1)
	require.Equal(t, AccountOpDelete, master.Accounts[0].Op)
	require.Empty(t, master.Accounts[0].Attributes)
	require.Equal(t, []string{"item-1", "item-2"}, master.Accounts[0].TrackingIDs)

	// Modify arriving after the delete is moot too.
	master.Merge(entitlementFragment("item-3", "payroll", "alice", "groups", "auditors"))
	require.Equal(t, AccountOpDelete, master.Accounts[0].Op)
	require.Empty(t, master.Accounts[0].Attributes)
}

func TestMergeOrderIsDeterministic(t *testing.T) {
	build := func(order []string) *Plan {
		master := &Plan{}
		for _, app := range order {
			master.Merge(entitlementFragment("item-1", app, "alice", "groups", "admins"))
		}
		return master
	}

	forward := build([]string{"vpn", "payroll", "ldap"})
	backward := build([]string{"ldap", "payroll", "vpn"})
	require.Equal(t, forward, backward)
}

func TestFilterTrackingItemizes(t *testing.T) {
	master := &Plan{}
	master.Merge(entitlementFragment("item-1", "payroll", "alice", "groups", "admins"))
	master.Merge(entitlementFragment("item-2", "payroll", "alice", "groups", "auditors"))
	master.Merge(&Plan{
		TrackingID: "item-3",
		Accounts: []AccountRequest{{
			Application:    "vpn",
			NativeIdentity: "alice",
			Op:             AccountOpDelete,
		}},
	})

	first := master.FilterTracking("item-1")
	require.Len(t, first.Accounts, 1)
	require.Len(t, first.Accounts[0].Attributes, 1)
	require.Equal(t, "admins", first.Accounts[0].Attributes[0].Value)

	third := master.FilterTracking("item-3")
	require.Len(t, third.Accounts, 1)
	require.Equal(t, AccountOpDelete, third.Accounts[0].Op)

	require.True(t, master.FilterTracking("unknown").IsEmpty())
}

func TestTrackingIDs(t *testing.T) {
	master := &Plan{}
	master.Merge(entitlementFragment("item-b", "payroll", "alice", "groups", "admins"))
	master.Merge(entitlementFragment("item-a", "vpn", "alice", "profiles", "remote"))

	require.Equal(t, []string{"item-a", "item-b"}, master.TrackingIDs())
	require.Empty(t, (*Plan)(nil).TrackingIDs())
}

func TestIsEmpty(t *testing.T) {
	require.True(t, (*Plan)(nil).IsEmpty())
	require.True(t, (&Plan{}).IsEmpty())
	require.False(t, entitlementFragment("i", "a", "b", "c", "d").IsEmpty())
}
