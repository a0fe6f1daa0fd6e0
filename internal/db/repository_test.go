package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akvistad/attest/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return database
}

func createTestCampaign(t *testing.T, database *DB, phaseConfig models.PhaseConfig) *models.Campaign {
	t.Helper()
	campaign := &models.Campaign{
		Name:        "q3 access review",
		Type:        models.CampaignTypeIdentity,
		PhaseConfig: phaseConfig,
	}
	if err := NewCampaignRepository(database).Create(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return campaign
}

func createTestEntity(t *testing.T, database *DB, campaignID, targetName string) *models.Entity {
	t.Helper()
	entity := &models.Entity{
		CampaignID: campaignID,
		Kind:       models.EntityKindIdentity,
		TargetName: targetName,
	}
	if err := NewEntityRepository(database).Create(context.Background(), entity); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return entity
}

func createTestItem(t *testing.T, database *DB, id string, campaign *models.Campaign, entity *models.Entity, action *models.Action) *models.Item {
	t.Helper()
	item := &models.Item{
		ID:         id,
		CampaignID: campaign.ID,
		EntityID:   entity.ID,
		Type:       models.ItemTypeEntitlement,
		Phase:      campaign.Phase,
		Action:     action,
	}
	if err := NewItemRepository(database).Create(context.Background(), item); err != nil {
		t.Fatalf("create item %s: %v", id, err)
	}
	return item
}

func TestCampaignRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewCampaignRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{
		SkipChallenge:       true,
		ChallengeDuration:   72 * time.Hour,
		RemediationDuration: 14 * 24 * time.Hour,
	})

	loaded, err := repo.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Name != "q3 access review" {
		t.Errorf("name = %q", loaded.Name)
	}
	if loaded.Phase != models.PhaseActive {
		t.Errorf("phase = %q, want active", loaded.Phase)
	}
	if !loaded.PhaseConfig.SkipChallenge {
		t.Error("skip_challenge not persisted")
	}
	if loaded.PhaseConfig.ChallengeDuration != 72*time.Hour {
		t.Errorf("challenge duration = %v", loaded.PhaseConfig.ChallengeDuration)
	}

	loaded.Phase = models.PhaseRemediation
	loaded.Signed = true
	signedAt := time.Now().UTC().Truncate(time.Second)
	loaded.SignedAt = &signedAt
	if err := repo.Save(ctx, loaded); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, err := repo.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("Get after save: %v", err)
	}
	if again.Phase != models.PhaseRemediation || !again.Signed || again.SignedAt == nil {
		t.Errorf("save not persisted: phase=%q signed=%v signed_at=%v", again.Phase, again.Signed, again.SignedAt)
	}
}

func TestCampaignGetNotFound(t *testing.T) {
	database := setupTestDB(t)

	_, err := NewCampaignRepository(database).Get(context.Background(), "missing")
	if !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestListPhaseDue(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewCampaignRepository(database)
	now := time.Now().UTC()

	setPhaseEnd := func(campaign *models.Campaign, end time.Time) {
		campaign.PhaseEnd = &end
		if err := repo.Save(ctx, campaign); err != nil {
			t.Fatalf("save campaign: %v", err)
		}
	}

	due := createTestCampaign(t, database, models.PhaseConfig{})
	setPhaseEnd(due, now.Add(-time.Hour))

	future := createTestCampaign(t, database, models.PhaseConfig{})
	setPhaseEnd(future, now.Add(time.Hour))

	closed := createTestCampaign(t, database, models.PhaseConfig{})
	closed.Phase = models.PhaseClosed
	setPhaseEnd(closed, now.Add(-time.Hour))

	// Rolling campaigns carry no phase_end and never show up.
	createTestCampaign(t, database, models.PhaseConfig{Rolling: true})

	campaigns, err := repo.ListPhaseDue(ctx, now)
	if err != nil {
		t.Fatalf("ListPhaseDue: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 due campaign, got %d", len(campaigns))
	}
	if campaigns[0].ID != due.ID {
		t.Errorf("due campaign = %s, want %s", campaigns[0].ID, due.ID)
	}
}

func TestItemFindIDsFilters(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewItemRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	alice := createTestEntity(t, database, campaign.ID, "alice")
	bob := createTestEntity(t, database, campaign.ID, "bob")

	decided := &models.Action{ID: "a1", Status: models.ActionStatusRemediated, Actor: "reviewer"}
	createTestItem(t, database, "item-a", campaign, alice, decided)
	createTestItem(t, database, "item-b", campaign, alice, nil)
	ready := createTestItem(t, database, "item-c", campaign, bob, decided)

	ready.ReadyForRemediation = true
	if err := repo.Save(ctx, ready); err != nil {
		t.Fatalf("save item: %v", err)
	}

	ids, err := repo.FindIDs(ctx, models.ItemFilter{CampaignID: campaign.ID}, 0, 0)
	if err != nil {
		t.Fatalf("FindIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != "item-a" || ids[2] != "item-c" {
		t.Fatalf("unfiltered ids = %v", ids)
	}

	ids, err = repo.FindIDs(ctx, models.ItemFilter{CampaignID: campaign.ID, Undecided: true}, 0, 0)
	if err != nil {
		t.Fatalf("FindIDs undecided: %v", err)
	}
	if len(ids) != 1 || ids[0] != "item-b" {
		t.Errorf("undecided ids = %v", ids)
	}

	ids, err = repo.FindIDs(ctx, models.ItemFilter{CampaignID: campaign.ID, ReadyForRemediation: true}, 0, 0)
	if err != nil {
		t.Fatalf("FindIDs ready: %v", err)
	}
	if len(ids) != 1 || ids[0] != "item-c" {
		t.Errorf("ready ids = %v", ids)
	}

	ids, err = repo.FindIDs(ctx, models.ItemFilter{CampaignID: campaign.ID, EntityID: alice.ID}, 0, 0)
	if err != nil {
		t.Fatalf("FindIDs entity: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("entity ids = %v", ids)
	}

	// Paging walks the same stable order.
	ids, err = repo.FindIDs(ctx, models.ItemFilter{CampaignID: campaign.ID}, 2, 1)
	if err != nil {
		t.Fatalf("FindIDs paged: %v", err)
	}
	if len(ids) != 2 || ids[0] != "item-b" || ids[1] != "item-c" {
		t.Errorf("paged ids = %v", ids)
	}
}

func TestItemStats(t *testing.T) {
	database := setupTestDB(t)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	entity := createTestEntity(t, database, campaign.ID, "alice")

	createTestItem(t, database, "item-a", campaign, entity,
		&models.Action{ID: "a1", Status: models.ActionStatusApproved, Actor: "reviewer"})
	createTestItem(t, database, "item-b", campaign, entity, nil)
	// Delegated is a handoff, not a decision.
	createTestItem(t, database, "item-c", campaign, entity,
		&models.Action{ID: "a2", Status: models.ActionStatusDelegated, Actor: "reviewer"})

	stats, err := NewItemRepository(database).Stats(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.Decided != 1 {
		t.Errorf("decided = %d, want 1", stats.Decided)
	}
}

func TestActionHistoryOrder(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewItemRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	entity := createTestEntity(t, database, campaign.ID, "alice")
	item := createTestItem(t, database, "item-a", campaign, entity, nil)

	// The snapshots land within the same second; ordering must still
	// follow insertion order.
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range ids {
		action := &models.Action{ID: id, Status: models.ActionStatusRemediated, Actor: "reviewer"}
		if err := repo.RecordHistory(ctx, item.ID, action); err != nil {
			t.Fatalf("RecordHistory: %v", err)
		}
	}

	actions, err := repo.ListHistory(ctx, item.ID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(actions) != len(ids) {
		t.Fatalf("expected %d snapshots, got %d", len(ids), len(actions))
	}
	for i, action := range actions {
		if action.ID != ids[i] {
			t.Errorf("history out of order at %d: got %s, want %s", i, action.ID, ids[i])
		}
	}
}

func TestEntityStats(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEntityRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	done := createTestEntity(t, database, campaign.ID, "alice")
	createTestEntity(t, database, campaign.ID, "bob")

	done.Completed = true
	if err := repo.Save(ctx, done); err != nil {
		t.Fatalf("save entity: %v", err)
	}

	stats, err := repo.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkItemFindOpen(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewWorkItemRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})

	found, err := repo.FindOpen(ctx, campaign.ID, models.WorkItemTypeRemediation, "remediator")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil before any work item exists, got %+v", found)
	}

	workItem := &models.WorkItem{
		Type:       models.WorkItemTypeRemediation,
		Owner:      "remediator",
		CampaignID: campaign.ID,
		ItemIDs:    []string{"item-a"},
	}
	if err := repo.Create(ctx, workItem); err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err = repo.FindOpen(ctx, campaign.ID, models.WorkItemTypeRemediation, "remediator")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if found == nil || found.ID != workItem.ID {
		t.Fatalf("expected %s, got %+v", workItem.ID, found)
	}
	if len(found.ItemIDs) != 1 || found.ItemIDs[0] != "item-a" {
		t.Errorf("item ids = %v", found.ItemIDs)
	}

	// A finished task no longer matches.
	found.State = models.WorkItemStateFinished
	if err := repo.Save(ctx, found); err != nil {
		t.Fatalf("Save: %v", err)
	}
	found, err = repo.FindOpen(ctx, campaign.ID, models.WorkItemTypeRemediation, "remediator")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil after finish, got %+v", found)
	}
}

func TestWorkItemDelete(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewWorkItemRepository(database)

	campaign := createTestCampaign(t, database, models.PhaseConfig{})
	workItem := &models.WorkItem{
		Type:       models.WorkItemTypeChallenge,
		Owner:      "alice",
		CampaignID: campaign.ID,
	}
	if err := repo.Create(ctx, workItem); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Delete(ctx, workItem.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, workItem.ID); !errors.Is(err, ErrWorkItemNotFound) {
		t.Fatalf("expected ErrWorkItemNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, workItem.ID); !errors.Is(err, ErrWorkItemNotFound) {
		t.Fatalf("expected ErrWorkItemNotFound on double delete, got %v", err)
	}
}

func TestEventQueryFilters(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEventRepository(database)

	base := time.Now().UTC().Add(-time.Hour)
	events := []*models.Event{
		{Type: models.EventTypeDecisionApplied, EntityType: models.EntityTypeItem, EntityID: "item-a", Actor: "reviewer", Timestamp: base},
		{Type: models.EventTypeDecisionApplied, EntityType: models.EntityTypeItem, EntityID: "item-b", Actor: "reviewer", Timestamp: base.Add(time.Minute)},
		{Type: models.EventTypeCampaignSigned, EntityType: models.EntityTypeCampaign, EntityID: "campaign-1", Actor: "owner", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, event := range events {
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	eventType := models.EventTypeDecisionApplied
	decisions, err := repo.Query(ctx, EventQuery{Type: &eventType})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decision events, got %d", len(decisions))
	}
	if decisions[0].EntityID != "item-a" {
		t.Errorf("events out of order: %s first", decisions[0].EntityID)
	}

	since := base.Add(90 * time.Second)
	recent, err := repo.Query(ctx, EventQuery{Since: &since})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(recent) != 1 || recent[0].Type != models.EventTypeCampaignSigned {
		t.Fatalf("recent = %+v", recent)
	}

	if err := repo.Create(ctx, &models.Event{Type: models.EventTypeAudit}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
