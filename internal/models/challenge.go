package models

import (
	"time"
)

// ChallengeState tracks a subject's dispute of a revoke.
type ChallengeState string

const (
	// ChallengeStateOpen means the window exists but the subject has not
	// acted yet.
	ChallengeStateOpen ChallengeState = "open"

	// ChallengeStateChallenged means the subject disputed the revoke and
	// the reviewer owes an accept/reject.
	ChallengeStateChallenged ChallengeState = "challenged"

	// ChallengeStateAccepted means the reviewer conceded; the item needs
	// a fresh decision.
	ChallengeStateAccepted ChallengeState = "accepted"

	// ChallengeStateRejected means the reviewer upheld the revoke.
	ChallengeStateRejected ChallengeState = "rejected"

	// ChallengeStateExpired means the window closed without resolution;
	// the original decision stands.
	ChallengeStateExpired ChallengeState = "expired"
)

// Challenge is a time-boxed dispute window on a revoked item.
type Challenge struct {
	// ID is the unique identifier for the challenge.
	ID string `json:"id"`

	// Subject is the affected identity who may dispute.
	Subject string `json:"subject"`

	// State is the current dispute state.
	State ChallengeState `json:"state"`

	// Comments is the subject's dispute text.
	Comments string `json:"comments,omitempty"`

	// DecisionComments is the reviewer's accept/reject text.
	DecisionComments string `json:"decision_comments,omitempty"`

	// WorkItemID references the subject's dispute task.
	WorkItemID string `json:"work_item_id,omitempty"`

	// CreatedAt is when the window opened.
	CreatedAt time.Time `json:"created_at"`

	// DecidedAt is when the reviewer resolved the dispute.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Active reports whether the challenge still blocks remediation.
func (c *Challenge) Active() bool {
	if c == nil {
		return false
	}
	return c.State == ChallengeStateOpen || c.State == ChallengeStateChallenged
}

// Disputed reports whether the subject acted on the window.
func (c *Challenge) Disputed() bool {
	return c != nil && c.State != ChallengeStateOpen
}
