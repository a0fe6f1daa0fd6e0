package models

import (
	"time"
)

// ActionStatus is the recorded outcome of a decision on an item.
type ActionStatus string

const (
	// ActionStatusApproved keeps the access.
	ActionStatusApproved ActionStatus = "approved"

	// ActionStatusRemediated revokes the access. An account-level revoke
	// is this status with RevokeAccount set, never a distinct status.
	ActionStatusRemediated ActionStatus = "remediated"

	// ActionStatusMitigated allows the access temporarily, optionally
	// until an expiration date.
	ActionStatusMitigated ActionStatus = "mitigated"

	// ActionStatusDelegated forwards the decision to another reviewer.
	ActionStatusDelegated ActionStatus = "delegated"

	// ActionStatusCleared is the post-undo state: the action row survives
	// only until history is recorded, then the item reads as undecided.
	ActionStatusCleared ActionStatus = "cleared"
)

// RemediationAction classifies how a revoke is carried out.
type RemediationAction string

const (
	// RemediationActionNone means nothing is left to do.
	RemediationActionNone RemediationAction = "no_action_required"

	// RemediationActionProvision sends the plan to the provisioning
	// integration.
	RemediationActionProvision RemediationAction = "send_provision_request"

	// RemediationActionWorkItem opens (or joins) a manual task.
	RemediationActionWorkItem RemediationAction = "open_work_item"

	// RemediationActionTicket files a ticket in an external tracker.
	RemediationActionTicket RemediationAction = "open_ticket"
)

// Action is the durable outcome of a decision on an item. Exactly one
// non-cleared action exists per item at a time.
type Action struct {
	// ID is the unique identifier for the action.
	ID string `json:"id"`

	// Status is the decided outcome.
	Status ActionStatus `json:"status"`

	// Actor is the deciding identity.
	Actor string `json:"actor"`

	// Comments were supplied with the decision.
	Comments string `json:"comments,omitempty"`

	// RevokeAccount widens a remediation to the whole account.
	RevokeAccount bool `json:"revoke_account,omitempty"`

	// MitigationExpiresAt bounds a mitigation, nil for open-ended.
	MitigationExpiresAt *time.Time `json:"mitigation_expires_at,omitempty"`

	// RemediationAction is set by the remediation manager once the item
	// is classified.
	RemediationAction RemediationAction `json:"remediation_action,omitempty"`

	// WorkItemID references the manual task carrying out the
	// remediation, if one was opened.
	WorkItemID string `json:"work_item_id,omitempty"`

	// RemediationKickedOff marks the outcome as durably dispatched.
	RemediationKickedOff bool `json:"remediation_kicked_off,omitempty"`

	// RemediationCompleted marks the downstream change as finished.
	RemediationCompleted bool `json:"remediation_completed,omitempty"`

	// CreatedAt is when the decision was applied.
	CreatedAt time.Time `json:"created_at"`
}

// Revokes reports whether the action removes access.
func (a *Action) Revokes() bool {
	return a != nil && a.Status == ActionStatusRemediated
}

// RevokesAccount reports whether the action removes the whole account.
func (a *Action) RevokesAccount() bool {
	return a.Revokes() && a.RevokeAccount
}
