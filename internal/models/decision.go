package models

import (
	"time"
)

// DecisionKind is the operation a decision requests.
type DecisionKind string

const (
	DecisionKindApprove   DecisionKind = "approve"
	DecisionKindRemediate DecisionKind = "remediate"
	DecisionKindMitigate  DecisionKind = "mitigate"
	DecisionKindDelegate  DecisionKind = "delegate"
	DecisionKindReassign  DecisionKind = "reassign"
	DecisionKindUndo      DecisionKind = "undo"

	// DecisionKindChallenge is filed by the affected subject inside the
	// open window, disputing a revoke. It moves the challenge to the
	// challenged state, where the reviewer owes an accept or reject.
	DecisionKindChallenge       DecisionKind = "challenge"
	DecisionKindChallengeAccept DecisionKind = "challenge_accept"
	DecisionKindChallengeReject DecisionKind = "challenge_reject"

	// Priority kinds: these resolve a prior delegate's choice and must be
	// applied before any generic decision in the same batch.
	DecisionKindDelegationRevoke DecisionKind = "delegation_revoke"
	DecisionKindReviewAccept     DecisionKind = "delegation_review_accept"
	DecisionKindReviewReject     DecisionKind = "delegation_review_reject"
)

// Priority reports whether the kind must be applied before generic
// decisions in the same batch.
func (k DecisionKind) Priority() bool {
	switch k {
	case DecisionKindDelegationRevoke, DecisionKindReviewAccept, DecisionKindReviewReject:
		return true
	default:
		return false
	}
}

// ItemFilter is a store-side predicate over items.
type ItemFilter struct {
	// CampaignID scopes the filter, always set by the processor.
	CampaignID string `json:"campaign_id,omitempty" yaml:"campaign_id"`

	// EntityID restricts to one entity.
	EntityID string `json:"entity_id,omitempty" yaml:"entity_id"`

	// Type restricts to one item type.
	Type ItemType `json:"type,omitempty" yaml:"type"`

	// Undecided restricts to items without a non-cleared action.
	Undecided bool `json:"undecided,omitempty" yaml:"undecided"`

	// ReadyForRemediation restricts to items awaiting a flush.
	ReadyForRemediation bool `json:"ready_for_remediation,omitempty" yaml:"ready_for_remediation"`
}

// Equal reports whether two filters describe the same predicate.
func (f ItemFilter) Equal(other ItemFilter) bool {
	return f == other
}

// Selection names the items a decision targets: an explicit id list, a
// filter with exclusions, a union of sub-selections, or any mix.
type Selection struct {
	// ItemIDs are explicitly chosen items.
	ItemIDs []string `json:"item_ids,omitempty" yaml:"item_ids"`

	// Filter selects all matching items when set.
	Filter *ItemFilter `json:"filter,omitempty" yaml:"filter"`

	// Exclusions removes ids from the filter result.
	Exclusions []string `json:"exclusions,omitempty" yaml:"exclusions"`

	// Children are sub-selections resolved independently and unioned.
	Children []Selection `json:"children,omitempty" yaml:"children"`
}

// Explicit reports whether the selection names ids directly, without a
// filter anywhere in the tree.
func (s Selection) Explicit() bool {
	if s.Filter != nil {
		return false
	}
	for _, child := range s.Children {
		if !child.Explicit() {
			return false
		}
	}
	return true
}

// Decision is one input request against a campaign. It is constructed
// per request and consumed once; only the resulting Action persists.
type Decision struct {
	// Kind is the requested operation.
	Kind DecisionKind `json:"kind" yaml:"kind"`

	// Selection names the targeted items or entities.
	Selection Selection `json:"selection" yaml:"selection"`

	// Decider is the acting identity.
	Decider string `json:"decider" yaml:"decider"`

	// Recipient is the delegation or reassignment target.
	Recipient string `json:"recipient,omitempty" yaml:"recipient"`

	// Comments accompany the recorded action.
	Comments string `json:"comments,omitempty" yaml:"comments"`

	// Description is shown on any work item the decision produces.
	Description string `json:"description,omitempty" yaml:"description"`

	// RevokeAccount widens a remediate to the whole account.
	RevokeAccount bool `json:"revoke_account,omitempty" yaml:"revoke_account"`

	// MitigationExpiry bounds a mitigation, nil for open-ended.
	MitigationExpiry *time.Time `json:"mitigation_expiry,omitempty" yaml:"mitigation_expiry"`

	// NewStatus lets a one-step challenge decision set a replacement
	// status in the same request.
	NewStatus ActionStatus `json:"new_status,omitempty" yaml:"new_status"`

	// ReviewRequired makes a delegation's outcome subject to the
	// delegator's accept/reject before it sticks.
	ReviewRequired bool `json:"review_required,omitempty" yaml:"review_required"`

	// RevokeDelegation bundles an explicit delegation revoke with the
	// new decision, allowing it past an active delegation.
	RevokeDelegation bool `json:"revoke_delegation,omitempty" yaml:"revoke_delegation"`

	// WorkItemID is set when the decision is made from within a
	// delegation's own work item.
	WorkItemID string `json:"work_item_id,omitempty" yaml:"work_item_id"`

	// WholeEntity applies a delegate or reassign to the entity rather
	// than single items.
	WholeEntity bool `json:"whole_entity,omitempty" yaml:"whole_entity"`
}
