package models

import (
	"time"
)

// EntityKind is the kind of reviewed subject an entity represents.
type EntityKind string

const (
	EntityKindIdentity     EntityKind = "identity"
	EntityKindAccountGroup EntityKind = "account_group"
	EntityKindRole         EntityKind = "role"
)

// Entity is one reviewed subject grouping decidable items.
type Entity struct {
	// ID is the unique identifier for the entity.
	ID string `json:"id"`

	// CampaignID references the owning campaign.
	CampaignID string `json:"campaign_id"`

	// Kind is the subject kind.
	Kind EntityKind `json:"kind"`

	// TargetName is the reviewed subject's name (identity name, group
	// name, role name). Used for self-certification checks and
	// remediation bucketing.
	TargetName string `json:"target_name"`

	// TargetID is the reviewed subject's identifier in the source system.
	TargetID string `json:"target_id,omitempty"`

	// Reviewer is the identity currently responsible for deciding the
	// entity's items. Reassignment moves it.
	Reviewer string `json:"reviewer,omitempty"`

	// Reassignments counts ownership transfers, bounded by configuration.
	Reassignments int `json:"reassignments,omitempty"`

	// Delegation is the active entity-level delegation, if any.
	Delegation *Delegation `json:"delegation,omitempty"`

	// Completed marks every item on the entity as decided.
	Completed bool `json:"completed"`

	// CreatedAt is when the entity was generated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Delegated reports whether the entity has an active, unrevoked delegation.
func (e *Entity) Delegated() bool {
	return e.Delegation != nil && e.Delegation.Active()
}
