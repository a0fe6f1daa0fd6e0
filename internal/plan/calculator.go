package plan

import (
	"fmt"

	"github.com/akvistad/attest/internal/models"
)

// Attribute names used for role grants on the identity.
const (
	AttrAssignedRoles = "assignedRoles"
	AttrDetectedRoles = "detectedRoles"
)

// IdentityApplication is the pseudo-application carrying role
// attributes on the reviewed identity itself.
const IdentityApplication = "identity"

// ObjectTypeRole is the managed-object type for role definitions.
const ObjectTypeRole = "role"

// Options parameterizes a calculation without making it stateful.
type Options struct {
	// RevokeAccount widens a remediation to the whole account.
	RevokeAccount bool

	// Subject is the reviewed identity's name, the account holder for
	// role changes.
	Subject string

	// Roles resolves role definitions for expansion and existence
	// checks. Nil skips both.
	Roles RoleResolver
}

// Calculate translates a decided item into a plan fragment. It is pure:
// no I/O, no locks, no mutation of the item. A nil plan with nil error
// means there is nothing to provision — either the decision needs no
// remediation, or the referenced object no longer exists, or the
// violation has no directly assignable remediation.
func Calculate(item *models.Item, status models.ActionStatus, opts Options) (*Plan, error) {
	switch status {
	case models.ActionStatusApproved:
		return calculateApproval(item, opts)
	case models.ActionStatusRemediated:
		return calculateRemediation(item, opts)
	default:
		return nil, nil
	}
}

// calculateApproval only provisions missing required roles when a role
// grant is approved; every other approval leaves access untouched.
func calculateApproval(item *models.Item, opts Options) (*Plan, error) {
	if item.Type != models.ItemTypeRoleGrant {
		return nil, nil
	}
	payload, err := item.GetRoleGrantPayload()
	if err != nil {
		return nil, fmt.Errorf("role grant payload: %w", err)
	}
	if len(payload.MissingRequirements) == 0 {
		return nil, nil
	}

	result := newFragment(item)
	account := AccountRequest{
		Application:    IdentityApplication,
		NativeIdentity: opts.Subject,
		Op:             AccountOpModify,
	}
	for _, required := range payload.MissingRequirements {
		account.Attributes = append(account.Attributes, AttributeRequest{
			Name:  AttrAssignedRoles,
			Value: required,
			Op:    AttributeOpAdd,
		})
	}
	result.Accounts = append(result.Accounts, account)
	return finish(result), nil
}

func calculateRemediation(item *models.Item, opts Options) (*Plan, error) {
	switch item.Type {
	case models.ItemTypeEntitlement, models.ItemTypeAccount, models.ItemTypeDataOwner:
		return calculateEntitlementRemoval(item, opts)
	case models.ItemTypeRoleGrant:
		return calculateRoleRemoval(item, opts)
	case models.ItemTypeViolation:
		return calculateViolationRemediation(item, opts)
	default:
		if item.Type.RoleRelation() != "" {
			return calculateRelationRemoval(item, opts)
		}
		return nil, fmt.Errorf("unsupported item type %q", item.Type)
	}
}

func calculateEntitlementRemoval(item *models.Item, opts Options) (*Plan, error) {
	payload, err := item.GetEntitlementPayload()
	if err != nil {
		return nil, fmt.Errorf("entitlement payload: %w", err)
	}

	result := newFragment(item)
	account := AccountRequest{
		Application:    payload.Application,
		NativeIdentity: payload.NativeIdentity,
		Op:             AccountOpModify,
	}

	if opts.RevokeAccount || item.Type == models.ItemTypeAccount {
		account.Op = AccountOpDelete
	} else if payload.AttributeName != "" {
		account.Attributes = append(account.Attributes, AttributeRequest{
			Name:       payload.AttributeName,
			Value:      payload.AttributeValue,
			Op:         AttributeOpRemove,
			Permission: payload.Permission,
		})
	}

	result.Accounts = append(result.Accounts, account)
	return finish(result), nil
}

func calculateRoleRemoval(item *models.Item, opts Options) (*Plan, error) {
	payload, err := item.GetRoleGrantPayload()
	if err != nil {
		return nil, fmt.Errorf("role grant payload: %w", err)
	}

	// A role deleted since campaign generation leaves nothing to
	// remediate.
	if opts.Roles != nil {
		if _, ok := opts.Roles.Role(payload.RoleName); !ok {
			return nil, nil
		}
	}

	result := newFragment(item)
	account := AccountRequest{
		Application:    IdentityApplication,
		NativeIdentity: opts.Subject,
		Op:             AccountOpModify,
	}
	account.Attributes = append(account.Attributes, roleRemovalAttribute(payload.RoleName, payload.Detected))

	// Removing an assigned role takes its inherited, required and
	// hard-permitted roles with it.
	if !payload.Detected {
		for _, related := range expand(opts.Roles, payload.RoleName) {
			account.Attributes = append(account.Attributes, roleRemovalAttribute(related, false))
		}
	}

	result.Accounts = append(result.Accounts, account)
	return finish(result), nil
}

func calculateRelationRemoval(item *models.Item, opts Options) (*Plan, error) {
	payload, err := item.GetRoleRelationPayload()
	if err != nil {
		return nil, fmt.Errorf("role relation payload: %w", err)
	}

	if opts.Roles != nil {
		if _, ok := opts.Roles.Role(payload.ParentRole); !ok {
			return nil, nil
		}
	}

	result := newFragment(item)
	result.Objects = append(result.Objects, ObjectRequest{
		ObjectType: ObjectTypeRole,
		ObjectName: payload.ParentRole,
		Attributes: []AttributeRequest{{
			Name:  item.Type.RoleRelation(),
			Value: payload.ChildName,
			Op:    AttributeOpRemove,
		}},
	})
	return finish(result), nil
}

func calculateViolationRemediation(item *models.Item, opts Options) (*Plan, error) {
	payload, err := item.GetViolationPayload()
	if err != nil {
		return nil, fmt.Errorf("violation payload: %w", err)
	}

	// Effective violations with no directly assignable remediation need
	// a human, not a plan.
	if len(payload.RemediationRoles) == 0 && len(payload.RemediationEntitlements) == 0 {
		return nil, nil
	}

	result := newFragment(item)

	if len(payload.RemediationRoles) > 0 {
		account := AccountRequest{
			Application:    IdentityApplication,
			NativeIdentity: opts.Subject,
			Op:             AccountOpModify,
		}
		for _, marked := range payload.RemediationRoles {
			if opts.Roles != nil {
				if _, ok := opts.Roles.Role(marked.RoleName); !ok {
					continue
				}
			}
			account.Attributes = append(account.Attributes, roleRemovalAttribute(marked.RoleName, marked.Detected))
			if !marked.Detected {
				for _, related := range expand(opts.Roles, marked.RoleName) {
					account.Attributes = append(account.Attributes, roleRemovalAttribute(related, false))
				}
			}
		}
		if len(account.Attributes) > 0 {
			result.Accounts = append(result.Accounts, account)
		}
	}

	for _, entitlement := range payload.RemediationEntitlements {
		result.mergeAccount(AccountRequest{
			Application:    entitlement.Application,
			NativeIdentity: entitlement.NativeIdentity,
			Op:             AccountOpModify,
			Attributes: []AttributeRequest{{
				Name:       entitlement.AttributeName,
				Value:      entitlement.AttributeValue,
				Op:         AttributeOpRemove,
				Permission: entitlement.Permission,
			}},
		}, "")
	}

	return finish(result), nil
}

func roleRemovalAttribute(roleName string, detected bool) AttributeRequest {
	attr := AttributeRequest{Value: roleName}
	if detected {
		attr.Name = AttrDetectedRoles
		attr.Op = AttributeOpRevoke
	} else {
		attr.Name = AttrAssignedRoles
		attr.Op = AttributeOpRemove
	}
	return attr
}

func newFragment(item *models.Item) *Plan {
	return &Plan{
		TrackingID: item.ID,
		Source:     item.CampaignID,
	}
}

func finish(p *Plan) *Plan {
	if p.IsEmpty() {
		return nil
	}
	p.normalize()
	return p
}

// ClassifyRemediation maps a compiled plan split into the action that
// carries it out. forceWorkItem keeps a human in the loop even when the
// plan is empty (policy violations with nothing assignable).
func ClassifyRemediation(automatable, unmanaged *Plan, forceWorkItem bool) models.RemediationAction {
	if forceWorkItem {
		return models.RemediationActionWorkItem
	}
	if unmanaged.IsEmpty() {
		if automatable.IsEmpty() {
			return models.RemediationActionNone
		}
		return models.RemediationActionProvision
	}
	return models.RemediationActionWorkItem
}
