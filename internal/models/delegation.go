package models

import (
	"time"
)

// Delegation forwards an item or a whole entity to another reviewer.
type Delegation struct {
	// ID is the unique identifier for the delegation.
	ID string `json:"id"`

	// Delegator is the reviewer who handed the decision off.
	Delegator string `json:"delegator"`

	// Recipient is the reviewer the decision was handed to.
	Recipient string `json:"recipient"`

	// Description is shown on the recipient's work item.
	Description string `json:"description,omitempty"`

	// Comments were supplied with the delegation.
	Comments string `json:"comments,omitempty"`

	// WorkItemID references the recipient's task.
	WorkItemID string `json:"work_item_id,omitempty"`

	// Revoked marks the delegation as withdrawn by the delegator.
	Revoked bool `json:"revoked,omitempty"`

	// DecisionMade marks that the recipient recorded a decision.
	DecisionMade bool `json:"decision_made,omitempty"`

	// ReviewRequired makes the delegator confirm the recipient's
	// decision before it sticks.
	ReviewRequired bool `json:"review_required,omitempty"`

	// Reviewed marks the delegator's accept/reject as recorded.
	Reviewed bool `json:"reviewed,omitempty"`

	// CreatedAt is when the delegation was created.
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the delegation still blocks decisions from
// anyone but the recipient.
func (d *Delegation) Active() bool {
	if d == nil || d.Revoked {
		return false
	}
	if d.DecisionMade && (!d.ReviewRequired || d.Reviewed) {
		return false
	}
	return !d.AwaitingReview()
}

// AwaitingReview reports whether the recipient has decided but the
// delegator has not yet accepted or rejected that decision.
func (d *Delegation) AwaitingReview() bool {
	return d != nil && !d.Revoked && d.DecisionMade && d.ReviewRequired && !d.Reviewed
}
