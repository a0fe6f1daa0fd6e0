package events

import (
	"context"
	"errors"
	"testing"

	"github.com/akvistad/attest/internal/models"
)

type captureRepo struct {
	events []*models.Event
	err    error
}

func (r *captureRepo) Create(ctx context.Context, event *models.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	publisher := NewInMemoryPublisher()

	var decisions, everything []*models.Event
	err := publisher.Subscribe("decisions", Filter{
		EventTypes: []models.EventType{models.EventTypeDecisionApplied},
	}, func(event *models.Event) { decisions = append(decisions, event) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := publisher.Subscribe("all", Filter{}, func(event *models.Event) {
		everything = append(everything, event)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeDecisionApplied,
		EntityType: models.EntityTypeItem,
		EntityID:   "item-a",
	})
	publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeCampaignSigned,
		EntityType: models.EntityTypeCampaign,
		EntityID:   "campaign-1",
	})

	if len(decisions) != 1 || decisions[0].EntityID != "item-a" {
		t.Errorf("filtered subscriber got %d events", len(decisions))
	}
	if len(everything) != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", len(everything))
	}
}

func TestPublishPersistsThroughRepository(t *testing.T) {
	repo := &captureRepo{}
	publisher := NewInMemoryPublisher(WithRepository(repo))

	publisher.Publish(context.Background(), &models.Event{
		Type:       models.EventTypeAudit,
		EntityType: models.EntityTypeItem,
		EntityID:   "item-a",
	})
	if len(repo.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(repo.events))
	}

	// Persistence is best effort: a failing repository never blocks
	// delivery.
	repo.err = errors.New("disk full")
	delivered := 0
	if err := publisher.Subscribe("counter", Filter{}, func(*models.Event) { delivered++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	publisher.Publish(context.Background(), &models.Event{
		Type:       models.EventTypeAudit,
		EntityType: models.EntityTypeItem,
		EntityID:   "item-b",
	})
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestSubscribeValidation(t *testing.T) {
	publisher := NewInMemoryPublisher()
	handler := func(*models.Event) {}

	if err := publisher.Subscribe("", Filter{}, handler); !errors.Is(err, ErrInvalidSubscriptionID) {
		t.Errorf("empty id: %v", err)
	}
	if err := publisher.Subscribe("x", Filter{}, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("nil handler: %v", err)
	}
	if err := publisher.Subscribe("x", Filter{}, handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := publisher.Subscribe("x", Filter{}, handler); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("duplicate id: %v", err)
	}
	if publisher.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d", publisher.SubscriberCount())
	}

	if err := publisher.Unsubscribe("x"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := publisher.Unsubscribe("x"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("double unsubscribe: %v", err)
	}
}

func TestFilterMatches(t *testing.T) {
	event := &models.Event{
		Type:       models.EventTypeChallengeOpened,
		EntityType: models.EntityTypeItem,
		EntityID:   "item-a",
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches all", Filter{}, true},
		{"type match", Filter{EventTypes: []models.EventType{models.EventTypeChallengeOpened}}, true},
		{"type mismatch", Filter{EventTypes: []models.EventType{models.EventTypeCampaignSigned}}, false},
		{"entity type match", Filter{EntityTypes: []models.EntityType{models.EntityTypeItem}}, true},
		{"entity id mismatch", Filter{EntityID: "item-b"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(event); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}

	if (&Filter{}).Matches(nil) {
		t.Error("nil event must not match")
	}
}
