package db

import (
	"context"
	"testing"

	"github.com/akvistad/attest/internal/models"
)

func TestSessionCommitWritesEverything(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	entity := createTestEntity(t, database, campaign.ID, "alice")
	item := createTestItem(t, database, "item-a", campaign, entity, nil)

	session := NewSession(database)

	action := &models.Action{ID: "a1", Status: models.ActionStatusRemediated, Actor: "reviewer"}
	item.Action = action
	session.SaveItem(item)
	session.RecordHistory(item.ID, action)

	entity.Completed = true
	session.SaveEntity(entity)

	campaign.CompletedItems = 1
	session.SaveCampaign(campaign)

	session.QueueWorkItem(&models.WorkItem{
		ID:         "task-1",
		Type:       models.WorkItemTypeRemediation,
		Owner:      "remediator",
		CampaignID: campaign.ID,
		ItemIDs:    []string{item.ID},
	})
	session.RecordEvent(&models.Event{
		Type:       models.EventTypeDecisionApplied,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
		Actor:      "reviewer",
	})

	if got := session.DirtyCount(); got != 6 {
		t.Fatalf("DirtyCount = %d, want 6", got)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := session.DirtyCount(); got != 0 {
		t.Fatalf("DirtyCount after commit = %d, want 0", got)
	}

	savedItem, err := NewItemRepository(database).Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if savedItem.Action == nil || savedItem.Action.Status != models.ActionStatusRemediated {
		t.Errorf("item action not persisted: %+v", savedItem.Action)
	}

	history, err := NewItemRepository(database).ListHistory(ctx, item.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].ID != "a1" {
		t.Errorf("history = %+v", history)
	}

	savedEntity, err := NewEntityRepository(database).Get(ctx, entity.ID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if !savedEntity.Completed {
		t.Error("entity completion not persisted")
	}

	savedCampaign, err := NewCampaignRepository(database).Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if savedCampaign.CompletedItems != 1 {
		t.Errorf("campaign completed_items = %d", savedCampaign.CompletedItems)
	}

	workItem, err := NewWorkItemRepository(database).Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	if workItem.State != models.WorkItemStateOpen {
		t.Errorf("work item state = %q", workItem.State)
	}

	events, err := NewEventRepository(database).Query(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != item.ID {
		t.Errorf("events = %+v", events)
	}
}

func TestSessionCommitNoopWhenClean(t *testing.T) {
	database := setupTestDB(t)

	session := NewSession(database)
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("Commit on clean session: %v", err)
	}
}

func TestSessionCachesLoads(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	entity := createTestEntity(t, database, campaign.ID, "alice")
	createTestItem(t, database, "item-a", campaign, entity, nil)

	session := NewSession(database)

	first, err := session.Item(ctx, "item-a")
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	second, err := session.Item(ctx, "item-a")
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached pointer on the second load")
	}

	session.Release()
	third, err := session.Item(ctx, "item-a")
	if err != nil {
		t.Fatalf("Item after release: %v", err)
	}
	if third == first {
		t.Fatal("expected a fresh load after Release")
	}
}

func TestSessionReleaseDropsUncommitted(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	entity := createTestEntity(t, database, campaign.ID, "alice")
	item := createTestItem(t, database, "item-a", campaign, entity, nil)

	session := NewSession(database)
	item.Phase = models.PhaseRemediation
	session.SaveItem(item)
	session.RecordEvent(&models.Event{
		Type:       models.EventTypeDecisionApplied,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
	})

	session.Release()
	if got := session.DirtyCount(); got != 0 {
		t.Fatalf("DirtyCount after release = %d, want 0", got)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	saved, err := NewItemRepository(database).Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if saved.Phase != models.PhaseActive {
		t.Errorf("released mutation leaked: phase = %q", saved.Phase)
	}
}
