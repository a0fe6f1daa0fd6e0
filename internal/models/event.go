package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Campaign events
	EventTypeCampaignSigned      EventType = "campaign.signed"
	EventTypePhaseTransitioned   EventType = "campaign.phase_transitioned"
	EventTypeCampaignStatsUpdate EventType = "campaign.stats_updated"

	// Decision events
	EventTypeDecisionApplied  EventType = "decision.applied"
	EventTypeDecisionCleared  EventType = "decision.cleared"
	EventTypeDecisionRejected EventType = "decision.rejected"

	// Delegation events
	EventTypeDelegationCreated  EventType = "delegation.created"
	EventTypeDelegationRevoked  EventType = "delegation.revoked"
	EventTypeDelegationReviewed EventType = "delegation.reviewed"

	// Challenge events
	EventTypeChallengeOpened   EventType = "challenge.opened"
	EventTypeChallengeDisputed EventType = "challenge.disputed"
	EventTypeChallengeDecided  EventType = "challenge.decided"
	EventTypeChallengeExpired  EventType = "challenge.expired"

	// Remediation events
	EventTypeRemediationDispatched EventType = "remediation.dispatched"
	EventTypeRemediationCompleted  EventType = "remediation.completed"
	EventTypeWorkItemOpened        EventType = "work_item.opened"
	EventTypeWorkItemClosed        EventType = "work_item.closed"

	// Audit events
	EventTypeAudit EventType = "audit"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeCampaign EntityType = "campaign"
	EntityTypeEntity   EntityType = "entity"
	EntityTypeItem     EntityType = "item"
	EntityTypeWorkItem EntityType = "work_item"
	EntityTypeSystem   EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Actor is the identity that caused the event, if any.
	Actor string `json:"actor,omitempty"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DecisionAppliedPayload is the payload for decision.applied events.
type DecisionAppliedPayload struct {
	Kind      DecisionKind `json:"kind"`
	Status    ActionStatus `json:"status"`
	ItemID    string       `json:"item_id"`
	Decider   string       `json:"decider"`
	Recipient string       `json:"recipient,omitempty"`
}

// PhaseTransitionedPayload is the payload for phase_transitioned events.
type PhaseTransitionedPayload struct {
	From Phase `json:"from"`
	To   Phase `json:"to"`
}

// RemediationDispatchedPayload is the payload for remediation.dispatched
// events.
type RemediationDispatchedPayload struct {
	ItemID     string            `json:"item_id"`
	Action     RemediationAction `json:"action"`
	WorkItemID string            `json:"work_item_id,omitempty"`
}

// AuditPayload is the payload for audit events.
type AuditPayload struct {
	Action         string `json:"action"`
	Target         string `json:"target"`
	Classification string `json:"classification,omitempty"`
	OwnerBefore    string `json:"owner_before,omitempty"`
	OwnerAfter     string `json:"owner_after,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
