// Package audit records decision and remediation outcomes to the event
// log.
package audit

import (
	"context"
	"encoding/json"

	"github.com/akvistad/attest/internal/events"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/models"
)

// Auditor records durable audit entries.
type Auditor interface {
	// Record writes one audit entry. target is the affected item or
	// entity id; classification is the remediation action or decision
	// status; extra carries before/after context.
	Record(ctx context.Context, actor, action, target, classification string, extra map[string]string) error
}

// EventAuditor writes audit entries through the event publisher, which
// persists them alongside all other campaign events.
type EventAuditor struct {
	publisher events.Publisher
}

// NewEventAuditor creates an Auditor over publisher.
func NewEventAuditor(publisher events.Publisher) *EventAuditor {
	return &EventAuditor{publisher: publisher}
}

// Record implements Auditor.
func (a *EventAuditor) Record(ctx context.Context, actor, action, target, classification string, extra map[string]string) error {
	payload := models.AuditPayload{
		Action:         action,
		Target:         target,
		Classification: classification,
	}
	if extra != nil {
		payload.OwnerBefore = extra["owner_before"]
		payload.OwnerAfter = extra["owner_after"]
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	a.publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeAudit,
		EntityType: models.EntityTypeItem,
		EntityID:   target,
		Actor:      actor,
		Payload:    raw,
		Metadata:   extra,
	})
	return nil
}

// LogAuditor logs audit entries without persisting them, used in tests
// and previews.
type LogAuditor struct{}

// Record implements Auditor.
func (LogAuditor) Record(ctx context.Context, actor, action, target, classification string, extra map[string]string) error {
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("component", "audit").
		Str("actor", actor).
		Str("action", action).
		Str("target", target).
		Str("classification", classification).
		Msg("audit record")
	return nil
}
