package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akvistad/attest/internal/models"
)

func testItem(t *testing.T, itemType models.ItemType, payload any) *models.Item {
	t.Helper()
	item := &models.Item{
		ID:         "item-1",
		CampaignID: "campaign-1",
		Type:       itemType,
	}
	require.NoError(t, item.SetPayload(payload))
	return item
}

func TestCalculateEntitlementRemoval(t *testing.T) {
	item := testItem(t, models.ItemTypeEntitlement, models.EntitlementPayload{
		Application:    "payroll",
		NativeIdentity: "alice",
		AttributeName:  "groups",
		AttributeValue: "admins",
	})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Subject: "alice"})
	require.NoError(t, err)
	require.NotNil(t, fragment)
	require.Equal(t, "item-1", fragment.TrackingID)
	require.Len(t, fragment.Accounts, 1)

	account := fragment.Accounts[0]
	require.Equal(t, AccountOpModify, account.Op)
	require.Equal(t, []AttributeRequest{{
		Name:  "groups",
		Value: "admins",
		Op:    AttributeOpRemove,
	}}, account.Attributes)
}

func TestCalculateAccountRevokeWidensToDelete(t *testing.T) {
	item := testItem(t, models.ItemTypeEntitlement, models.EntitlementPayload{
		Application:    "payroll",
		NativeIdentity: "alice",
		AttributeName:  "groups",
		AttributeValue: "admins",
	})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{RevokeAccount: true})
	require.NoError(t, err)
	require.Len(t, fragment.Accounts, 1)
	require.Equal(t, AccountOpDelete, fragment.Accounts[0].Op)
	require.Empty(t, fragment.Accounts[0].Attributes)
}

func TestCalculateApprovalIsUsuallyEmpty(t *testing.T) {
	item := testItem(t, models.ItemTypeEntitlement, models.EntitlementPayload{
		Application:    "payroll",
		NativeIdentity: "alice",
	})

	fragment, err := Calculate(item, models.ActionStatusApproved, Options{})
	require.NoError(t, err)
	require.Nil(t, fragment, "approving existing access changes nothing")

	fragment, err = Calculate(item, models.ActionStatusMitigated, Options{})
	require.NoError(t, err)
	require.Nil(t, fragment)
}

func TestCalculateApprovedRoleGrantProvisionsRequirements(t *testing.T) {
	item := testItem(t, models.ItemTypeRoleGrant, models.RoleGrantPayload{
		RoleName:            "analyst",
		MissingRequirements: []string{"base-access", "vpn-user"},
	})

	fragment, err := Calculate(item, models.ActionStatusApproved, Options{Subject: "alice"})
	require.NoError(t, err)
	require.NotNil(t, fragment)
	require.Len(t, fragment.Accounts, 1)

	account := fragment.Accounts[0]
	require.Equal(t, IdentityApplication, account.Application)
	require.Equal(t, "alice", account.NativeIdentity)
	require.Len(t, account.Attributes, 2)
	for _, attr := range account.Attributes {
		require.Equal(t, AttrAssignedRoles, attr.Name)
		require.Equal(t, AttributeOpAdd, attr.Op)
	}
}

func TestCalculateAssignedRoleRemovalExpands(t *testing.T) {
	roles := StaticRoles{
		"analyst":     {Name: "analyst", Inherits: []string{"reader"}, Requires: []string{"base-access"}},
		"reader":      {Name: "reader"},
		"base-access": {Name: "base-access"},
	}
	item := testItem(t, models.ItemTypeRoleGrant, models.RoleGrantPayload{RoleName: "analyst"})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Subject: "alice", Roles: roles})
	require.NoError(t, err)
	require.Len(t, fragment.Accounts, 1)

	values := make(map[string]AttributeOp)
	for _, attr := range fragment.Accounts[0].Attributes {
		require.Equal(t, AttrAssignedRoles, attr.Name)
		values[attr.Value] = attr.Op
	}
	require.Equal(t, map[string]AttributeOp{
		"analyst":     AttributeOpRemove,
		"reader":      AttributeOpRemove,
		"base-access": AttributeOpRemove,
	}, values)
}

func TestCalculateDetectedRoleUsesRevoke(t *testing.T) {
	roles := StaticRoles{
		"analyst": {Name: "analyst", Inherits: []string{"reader"}},
		"reader":  {Name: "reader"},
	}
	item := testItem(t, models.ItemTypeRoleGrant, models.RoleGrantPayload{RoleName: "analyst", Detected: true})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Subject: "alice", Roles: roles})
	require.NoError(t, err)
	require.Len(t, fragment.Accounts, 1)
	require.Equal(t, []AttributeRequest{{
		Name:  AttrDetectedRoles,
		Value: "analyst",
		Op:    AttributeOpRevoke,
	}}, fragment.Accounts[0].Attributes, "detected grants revoke without expansion")
}

func TestCalculateDeletedRoleLeavesNothing(t *testing.T) {
	item := testItem(t, models.ItemTypeRoleGrant, models.RoleGrantPayload{RoleName: "ghost"})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Roles: StaticRoles{}})
	require.NoError(t, err)
	require.Nil(t, fragment)
}

func TestCalculateRoleRelationRemoval(t *testing.T) {
	roles := StaticRoles{"admin": {Name: "admin"}}
	item := testItem(t, models.ItemTypeRoleHierarchy, models.RoleRelationPayload{
		ParentRole: "admin",
		ChildName:  "superuser",
	})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Roles: roles})
	require.NoError(t, err)
	require.Empty(t, fragment.Accounts)
	require.Len(t, fragment.Objects, 1)

	object := fragment.Objects[0]
	require.Equal(t, ObjectTypeRole, object.ObjectType)
	require.Equal(t, "admin", object.ObjectName)
	require.Equal(t, []AttributeRequest{{
		Name:  "inheritance",
		Value: "superuser",
		Op:    AttributeOpRemove,
	}}, object.Attributes)
}

func TestCalculateViolationWithMarkedRemediation(t *testing.T) {
	item := testItem(t, models.ItemTypeViolation, models.ViolationPayload{
		PolicyName: "sod",
		RemediationRoles: []models.ViolationRemediationRole{
			{RoleName: "payments-approver"},
		},
		RemediationEntitlements: []models.EntitlementPayload{{
			Application:    "payroll",
			NativeIdentity: "alice",
			AttributeName:  "groups",
			AttributeValue: "approvers",
		}},
	})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, fragment.Accounts, 2)
}

func TestCalculateEffectiveViolationLeavesNothing(t *testing.T) {
	item := testItem(t, models.ItemTypeViolation, models.ViolationPayload{
		PolicyName: "sod",
		Effective:  true,
	})

	fragment, err := Calculate(item, models.ActionStatusRemediated, Options{})
	require.NoError(t, err)
	require.Nil(t, fragment, "nothing directly assignable means no plan")
}

func TestClassifyRemediation(t *testing.T) {
	automatable := entitlementFragment("i", "payroll", "alice", "groups", "admins")
	unmanaged := entitlementFragment("i", "legacy", "alice", "groups", "admins")

	require.Equal(t, models.RemediationActionNone, ClassifyRemediation(nil, nil, false))
	require.Equal(t, models.RemediationActionProvision, ClassifyRemediation(automatable, nil, false))
	require.Equal(t, models.RemediationActionWorkItem, ClassifyRemediation(automatable, unmanaged, false))
	require.Equal(t, models.RemediationActionWorkItem, ClassifyRemediation(nil, nil, true))
}

func TestExpandStopsOnCycles(t *testing.T) {
	roles := StaticRoles{
		"a": {Name: "a", Inherits: []string{"b"}},
		"b": {Name: "b", Requires: []string{"a", "c"}},
		"c": {Name: "c"},
	}
	require.ElementsMatch(t, []string{"b", "c"}, expand(roles, "a"))
}

func TestRoleCacheMemoizesMisses(t *testing.T) {
	calls := 0
	cache := NewRoleCache(func(name string) (*Role, bool) {
		calls++
		if name == "known" {
			return &Role{Name: name}, true
		}
		return nil, false
	})

	for i := 0; i < 3; i++ {
		_, ok := cache.Role("known")
		require.True(t, ok)
		_, ok = cache.Role("missing")
		require.False(t, ok)
	}
	require.Equal(t, 2, calls, "one fetch per name, hits and misses alike")

	cache.Reset()
	_, _ = cache.Role("known")
	require.Equal(t, 3, calls)
}
