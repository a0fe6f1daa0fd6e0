package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Item validation errors.
var (
	ErrInvalidItemPayload = errors.New("item payload does not match item type")
)

// ItemType identifies what kind of access grant an item reviews.
type ItemType string

const (
	// ItemTypeEntitlement is an exception entitlement on an account
	// (attribute value or permission).
	ItemTypeEntitlement ItemType = "entitlement"

	// ItemTypeRoleGrant is an assigned or detected role held by the subject.
	ItemTypeRoleGrant ItemType = "role_grant"

	// ItemTypeAccount is a whole account under review.
	ItemTypeAccount ItemType = "account"

	// ItemTypeViolation is a policy violation attributed to the subject.
	ItemTypeViolation ItemType = "violation"

	// ItemTypeDataOwner is an entitlement reviewed from the owning
	// application's side.
	ItemTypeDataOwner ItemType = "data_owner"

	// Role-structure items review one relationship inside a role
	// definition.
	ItemTypeRoleHierarchy   ItemType = "role_hierarchy"
	ItemTypeRolePermit      ItemType = "role_permit"
	ItemTypeRoleRequirement ItemType = "role_requirement"
	ItemTypeRoleProfile     ItemType = "role_profile"
	ItemTypeRoleCapability  ItemType = "role_capability"
	ItemTypeRoleScope       ItemType = "role_scope"
)

// RoleRelation reports which role-definition relationship a
// role-structure item reviews, or "" for other item types.
func (t ItemType) RoleRelation() string {
	switch t {
	case ItemTypeRoleHierarchy:
		return "inheritance"
	case ItemTypeRolePermit:
		return "permits"
	case ItemTypeRoleRequirement:
		return "requirements"
	case ItemTypeRoleProfile:
		return "profiles"
	case ItemTypeRoleCapability:
		return "capabilities"
	case ItemTypeRoleScope:
		return "scopes"
	default:
		return ""
	}
}

// Item is the smallest decidable unit of access under review.
type Item struct {
	// ID is the unique identifier for the item.
	ID string `json:"id"`

	// CampaignID references the owning campaign.
	CampaignID string `json:"campaign_id"`

	// EntityID references the owning entity.
	EntityID string `json:"entity_id"`

	// Type identifies the reviewed grant kind.
	Type ItemType `json:"type"`

	// Phase is the item-level lifecycle stage.
	Phase Phase `json:"phase"`

	// Action is the current decision outcome, nil when undecided.
	Action *Action `json:"action,omitempty"`

	// Delegation is the active item-level delegation, if any.
	Delegation *Delegation `json:"delegation,omitempty"`

	// Challenge is the dispute record for a revoke, if one was opened.
	Challenge *Challenge `json:"challenge,omitempty"`

	// ReadyForRemediation marks the item for the next remediation flush.
	ReadyForRemediation bool `json:"ready_for_remediation"`

	// Payload contains grant details (type-specific).
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the item was generated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the item was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// EntitlementPayload is the payload for entitlement, account and
// data-owner items.
type EntitlementPayload struct {
	// Application is the target application name.
	Application string `json:"application"`

	// NativeIdentity is the account identifier on the application.
	NativeIdentity string `json:"native_identity"`

	// AttributeName is the granted attribute, empty for account items.
	AttributeName string `json:"attribute_name,omitempty"`

	// AttributeValue is the granted value.
	AttributeValue string `json:"attribute_value,omitempty"`

	// Permission marks the grant as a permission rather than an
	// attribute value.
	Permission bool `json:"permission,omitempty"`
}

// RoleGrantPayload is the payload for role-grant items.
type RoleGrantPayload struct {
	// RoleName is the granted role.
	RoleName string `json:"role_name"`

	// AssignmentID identifies the assignment record for manual grants.
	AssignmentID string `json:"assignment_id,omitempty"`

	// Detected marks the grant as rule-derived rather than manually
	// assigned.
	Detected bool `json:"detected,omitempty"`

	// MissingRequirements lists required roles the subject lacks;
	// approving provisions them.
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// RoleRelationPayload is the payload for role-structure items.
type RoleRelationPayload struct {
	// ParentRole is the role definition being reviewed.
	ParentRole string `json:"parent_role"`

	// ChildName is the related object (inherited role, permitted role,
	// profile, capability or scope).
	ChildName string `json:"child_name"`
}

// ViolationRemediationRole marks a role chosen for remediation on a
// policy violation.
type ViolationRemediationRole struct {
	RoleName string `json:"role_name"`
	Detected bool   `json:"detected,omitempty"`
}

// ViolationPayload is the payload for policy-violation items.
type ViolationPayload struct {
	// PolicyName and ConstraintName identify the violated rule.
	PolicyName     string `json:"policy_name"`
	ConstraintName string `json:"constraint_name,omitempty"`

	// Effective marks violations caused indirectly, with nothing
	// directly assignable to remove.
	Effective bool `json:"effective,omitempty"`

	// RemediationRoles are the roles explicitly marked for removal.
	RemediationRoles []ViolationRemediationRole `json:"remediation_roles,omitempty"`

	// RemediationEntitlements are the entitlements explicitly marked
	// for removal.
	RemediationEntitlements []EntitlementPayload `json:"remediation_entitlements,omitempty"`
}

// GetEntitlementPayload extracts the entitlement payload.
func (i *Item) GetEntitlementPayload() (*EntitlementPayload, error) {
	switch i.Type {
	case ItemTypeEntitlement, ItemTypeAccount, ItemTypeDataOwner:
	default:
		return nil, ErrInvalidItemPayload
	}
	var payload EntitlementPayload
	if err := json.Unmarshal(i.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetRoleGrantPayload extracts the role-grant payload.
func (i *Item) GetRoleGrantPayload() (*RoleGrantPayload, error) {
	if i.Type != ItemTypeRoleGrant {
		return nil, ErrInvalidItemPayload
	}
	var payload RoleGrantPayload
	if err := json.Unmarshal(i.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetRoleRelationPayload extracts the role-structure payload.
func (i *Item) GetRoleRelationPayload() (*RoleRelationPayload, error) {
	if i.Type.RoleRelation() == "" {
		return nil, ErrInvalidItemPayload
	}
	var payload RoleRelationPayload
	if err := json.Unmarshal(i.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// GetViolationPayload extracts the policy-violation payload.
func (i *Item) GetViolationPayload() (*ViolationPayload, error) {
	if i.Type != ItemTypeViolation {
		return nil, ErrInvalidItemPayload
	}
	var payload ViolationPayload
	if err := json.Unmarshal(i.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SetPayload marshals payload into the item.
func (i *Item) SetPayload(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	i.Payload = raw
	return nil
}

// Decided reports whether the item carries a substantive outcome. A
// delegated action is a handoff, not a decision, so it does not count.
func (i *Item) Decided() bool {
	if i.Action == nil {
		return false
	}
	switch i.Action.Status {
	case ActionStatusCleared, ActionStatusDelegated:
		return false
	default:
		return true
	}
}

// Delegated reports whether the item has an active, unrevoked delegation.
func (i *Item) Delegated() bool {
	return i.Delegation != nil && i.Delegation.Active()
}

// AwaitingDelegationReview reports whether a finished delegation still
// needs the original reviewer's accept/reject.
func (i *Item) AwaitingDelegationReview() bool {
	return i.Delegation != nil && i.Delegation.AwaitingReview()
}

// Challenged reports whether an open challenge window blocks remediation.
func (i *Item) Challenged() bool {
	return i.Challenge != nil && i.Challenge.Active()
}
