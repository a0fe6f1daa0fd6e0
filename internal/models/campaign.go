package models

import (
	"time"
)

// CampaignType determines how entities and items are generated and how
// remediation work is bucketed.
type CampaignType string

const (
	// CampaignTypeIdentity reviews access held by identities.
	CampaignTypeIdentity CampaignType = "identity"

	// CampaignTypeAccountGroup reviews membership of account groups.
	CampaignTypeAccountGroup CampaignType = "account_group"

	// CampaignTypeRoleComposition reviews the structure of role definitions.
	CampaignTypeRoleComposition CampaignType = "role_composition"

	// CampaignTypeDataOwner reviews entitlements from the owning
	// application's point of view.
	CampaignTypeDataOwner CampaignType = "data_owner"
)

// Phase is a lifecycle stage of a campaign or of a single item.
type Phase string

const (
	// PhaseActive is the review window where decisions are made.
	PhaseActive Phase = "active"

	// PhaseChallenge is the window where affected subjects may dispute
	// a revoke before it is finalized.
	PhaseChallenge Phase = "challenge"

	// PhaseRemediation is the window where decided revokes are carried out.
	PhaseRemediation Phase = "remediation"

	// PhaseClosed is terminal.
	PhaseClosed Phase = "closed"
)

// Next returns the phase following p in the fixed lifecycle order.
// Closed is a fixed point.
func (p Phase) Next() Phase {
	switch p {
	case PhaseActive:
		return PhaseChallenge
	case PhaseChallenge:
		return PhaseRemediation
	case PhaseRemediation:
		return PhaseClosed
	default:
		return PhaseClosed
	}
}

// PhaseConfig controls how a campaign moves through its lifecycle.
type PhaseConfig struct {
	// Rolling advances each item independently once its own decision is
	// final, instead of moving all items with the campaign.
	Rolling bool `json:"rolling" yaml:"rolling"`

	// SkipChallenge removes the challenge window entirely.
	SkipChallenge bool `json:"skip_challenge" yaml:"skip_challenge"`

	// SkipRemediation removes the remediation window entirely.
	SkipRemediation bool `json:"skip_remediation" yaml:"skip_remediation"`

	// ChallengeDuration is how long the challenge window stays open.
	ChallengeDuration time.Duration `json:"challenge_duration" yaml:"challenge_duration"`

	// RemediationDuration is how long the remediation window stays open.
	RemediationDuration time.Duration `json:"remediation_duration" yaml:"remediation_duration"`
}

// Campaign is one review cycle containing entities and items awaiting
// decisions.
type Campaign struct {
	// ID is the unique identifier for the campaign.
	ID string `json:"id"`

	// Name is the human-readable campaign name.
	Name string `json:"name"`

	// Type determines generation and remediation bucketing behavior.
	Type CampaignType `json:"type"`

	// Phase is the campaign-level lifecycle stage.
	Phase Phase `json:"phase"`

	// PhaseConfig controls lifecycle progression.
	PhaseConfig PhaseConfig `json:"phase_config"`

	// PhaseEnd is when the current fixed-period phase expires (nil for
	// rolling campaigns and for closed campaigns).
	PhaseEnd *time.Time `json:"phase_end,omitempty"`

	// Signed marks the campaign as signed off. Terminal: no decision may
	// be applied afterwards.
	Signed bool `json:"signed"`

	// SignedAt is when sign-off happened.
	SignedAt *time.Time `json:"signed_at,omitempty"`

	// Statistics recomputed after every decision batch.
	CompletedItems    int `json:"completed_items"`
	TotalItems        int `json:"total_items"`
	CompletedEntities int `json:"completed_entities"`
	TotalEntities     int `json:"total_entities"`
	ActiveDelegations int `json:"active_delegations"`

	// CreatedAt is when the campaign was generated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the campaign was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadyForSignoff reports whether every item and entity is complete and
// no delegation is still pending.
func (c *Campaign) ReadyForSignoff() bool {
	return !c.Signed &&
		c.CompletedItems == c.TotalItems &&
		c.CompletedEntities == c.TotalEntities &&
		c.ActiveDelegations == 0
}

// SubjectBucketed reports whether remediation work for this campaign is
// grouped per reviewed subject rather than per item.
func (c *Campaign) SubjectBucketed() bool {
	return c.Type == CampaignTypeIdentity || c.Type == CampaignTypeDataOwner
}
