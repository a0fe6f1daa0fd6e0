package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/akvistad/attest/internal/events"
	"github.com/akvistad/attest/internal/models"
)

func TestEventAuditorPublishesAuditEvent(t *testing.T) {
	publisher := events.NewInMemoryPublisher()
	var published []*models.Event
	if err := publisher.Subscribe("capture", events.Filter{
		EventTypes: []models.EventType{models.EventTypeAudit},
	}, func(event *models.Event) { published = append(published, event) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	auditor := NewEventAuditor(publisher)
	err := auditor.Record(context.Background(), "reviewer", "remediation_dispatched", "item-a",
		"send_provision_request", map[string]string{
			"owner_before": "alice",
			"owner_after":  "bob",
		})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(published) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(published))
	}
	event := published[0]
	if event.Actor != "reviewer" || event.EntityID != "item-a" {
		t.Errorf("event = %+v", event)
	}

	var payload models.AuditPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Action != "remediation_dispatched" {
		t.Errorf("action = %q", payload.Action)
	}
	if payload.Classification != "send_provision_request" {
		t.Errorf("classification = %q", payload.Classification)
	}
	if payload.OwnerBefore != "alice" || payload.OwnerAfter != "bob" {
		t.Errorf("owners = %q -> %q", payload.OwnerBefore, payload.OwnerAfter)
	}
}

func TestLogAuditorNeverFails(t *testing.T) {
	if err := (LogAuditor{}).Record(context.Background(), "reviewer", "decision_applied", "item-a", "approved", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
