package phase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/notify"
)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return database
}

func seedCampaign(t *testing.T, database *db.DB, phase models.Phase, cfg models.PhaseConfig) (*models.Campaign, *models.Entity) {
	t.Helper()
	ctx := context.Background()

	campaign := &models.Campaign{
		Name:        "q3 review",
		Type:        models.CampaignTypeIdentity,
		Phase:       phase,
		PhaseConfig: cfg,
	}
	require.NoError(t, db.NewCampaignRepository(database).Create(ctx, campaign))

	entity := &models.Entity{CampaignID: campaign.ID, Kind: models.EntityKindIdentity, TargetName: "alice"}
	require.NoError(t, db.NewEntityRepository(database).Create(ctx, entity))
	return campaign, entity
}

func seedItem(t *testing.T, database *db.DB, campaign *models.Campaign, entity *models.Entity, phase models.Phase, action *models.Action) *models.Item {
	t.Helper()
	item := &models.Item{
		CampaignID: campaign.ID,
		EntityID:   entity.ID,
		Type:       models.ItemTypeEntitlement,
		Phase:      phase,
		Action:     action,
	}
	require.NoError(t, item.SetPayload(models.EntitlementPayload{
		Application:    "payroll",
		NativeIdentity: "alice",
		AttributeName:  "groups",
		AttributeValue: "admins",
	}))
	require.NoError(t, db.NewItemRepository(database).Create(context.Background(), item))
	return item
}

func revoked(actor string) *models.Action {
	return &models.Action{
		ID:        uuid.New().String(),
		Status:    models.ActionStatusRemediated,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestMachine(t *testing.T, database *db.DB) (*Machine, *notify.Recorder) {
	t.Helper()
	recorder := &notify.Recorder{}
	return NewMachine(db.NewSession(database), Config{Notifier: recorder}), recorder
}

func TestAdvanceOpensChallengeWindow(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{
		ChallengeDuration: 72 * time.Hour,
	})
	item := seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))

	m, recorder := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(context.Background(), campaign.ID))

	reloadedCampaign, err := db.NewCampaignRepository(database).Get(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseChallenge, reloadedCampaign.Phase)
	require.NotNil(t, reloadedCampaign.PhaseEnd)

	reloaded, err := db.NewItemRepository(database).Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseChallenge, reloaded.Phase)
	require.NotNil(t, reloaded.Challenge)
	require.Equal(t, models.ChallengeStateOpen, reloaded.Challenge.State)
	require.Equal(t, "alice", reloaded.Challenge.Subject)

	workItem, err := db.NewWorkItemRepository(database).Get(context.Background(), reloaded.Challenge.WorkItemID)
	require.NoError(t, err)
	require.Equal(t, models.WorkItemTypeChallenge, workItem.Type)
	require.Equal(t, "alice", workItem.Owner)

	batches := recorder.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, notify.TemplateChallengeOpened, batches[0].Template)
	require.Equal(t, []string{"alice"}, batches[0].Recipients)
}

func TestApprovedItemGetsNoChallenge(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{})
	item := seedItem(t, database, campaign, entity, models.PhaseActive, &models.Action{
		ID:        uuid.New().String(),
		Status:    models.ActionStatusApproved,
		Actor:     "bob",
		CreatedAt: time.Now().UTC(),
	})

	m, recorder := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(context.Background(), campaign.ID))

	reloaded, err := db.NewItemRepository(database).Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseChallenge, reloaded.Phase)
	require.Nil(t, reloaded.Challenge)
	require.Empty(t, recorder.Batches())
}

func TestChallengeDeduplicatedPerAccount(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{})
	first := seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))
	second := seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(context.Background(), campaign.ID))

	itemRepo := db.NewItemRepository(database)
	firstReloaded, err := itemRepo.Get(context.Background(), first.ID)
	require.NoError(t, err)
	secondReloaded, err := itemRepo.Get(context.Background(), second.ID)
	require.NoError(t, err)

	challenged := 0
	if firstReloaded.Challenge != nil {
		challenged++
	}
	if secondReloaded.Challenge != nil {
		challenged++
	}
	require.Equal(t, 1, challenged, "one challenge per account, not per item")
}

func TestAdvanceSkipsPhases(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{
		SkipChallenge:   true,
		SkipRemediation: true,
	})
	item := seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(context.Background(), campaign.ID))

	reloadedCampaign, err := db.NewCampaignRepository(database).Get(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseClosed, reloadedCampaign.Phase)
	require.Nil(t, reloadedCampaign.PhaseEnd)

	reloaded, err := db.NewItemRepository(database).Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseClosed, reloaded.Phase)
	require.Nil(t, reloaded.Challenge)
}

func TestSignedCampaignSkipsChallenge(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{})
	seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))

	ctx := context.Background()
	campaignRepo := db.NewCampaignRepository(database)
	stored, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	stored.Signed = true
	stored.SignedAt = &now
	require.NoError(t, campaignRepo.Save(ctx, stored))

	m, recorder := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(ctx, campaign.ID))

	reloaded, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseRemediation, reloaded.Phase)
	require.Empty(t, recorder.Batches())
}

func TestExitChallengeExpiresUnresolved(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseChallenge, models.PhaseConfig{})
	item := seedItem(t, database, campaign, entity, models.PhaseChallenge, revoked("bob"))

	ctx := context.Background()
	workItem := &models.WorkItem{
		ID:         uuid.New().String(),
		Type:       models.WorkItemTypeChallenge,
		State:      models.WorkItemStateOpen,
		Owner:      "alice",
		CampaignID: campaign.ID,
		EntityID:   entity.ID,
		ItemIDs:    []string{item.ID},
	}
	require.NoError(t, db.NewWorkItemRepository(database).Create(ctx, workItem))

	itemRepo := db.NewItemRepository(database)
	stored, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	stored.Challenge = &models.Challenge{
		ID:         uuid.New().String(),
		Subject:    "alice",
		State:      models.ChallengeStateOpen,
		WorkItemID: workItem.ID,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, itemRepo.Save(ctx, stored))

	m, recorder := newTestMachine(t, database)
	require.NoError(t, m.AdvanceCampaign(ctx, campaign.ID))

	reloaded, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseRemediation, reloaded.Phase)
	require.Equal(t, models.ChallengeStateExpired, reloaded.Challenge.State)

	_, err = db.NewWorkItemRepository(database).Get(ctx, workItem.ID)
	require.ErrorIs(t, err, db.ErrWorkItemNotFound)

	batches := recorder.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, notify.TemplateChallengeExpired, batches[0].Template)
}

func TestRollingDecidedItemsAdvanceAlone(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{Rolling: true})
	decided := seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))
	undecided := seedItem(t, database, campaign, entity, models.PhaseActive, nil)

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.RollingTick(context.Background(), campaign.ID))

	itemRepo := db.NewItemRepository(database)
	decidedReloaded, err := itemRepo.Get(context.Background(), decided.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseChallenge, decidedReloaded.Phase)
	require.NotNil(t, decidedReloaded.Challenge, "a revoke entering the window gets its challenge")

	undecidedReloaded, err := itemRepo.Get(context.Background(), undecided.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseActive, undecidedReloaded.Phase)
}

func TestRollingRewindOnAcceptedChallenge(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{Rolling: true})
	item := seedItem(t, database, campaign, entity, models.PhaseChallenge, nil)

	ctx := context.Background()
	itemRepo := db.NewItemRepository(database)
	stored, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	stored.Challenge = &models.Challenge{
		ID:        uuid.New().String(),
		Subject:   "alice",
		State:     models.ChallengeStateAccepted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, itemRepo.Save(ctx, stored))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.RollingTick(ctx, campaign.ID))

	reloaded, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseActive, reloaded.Phase, "conceded challenges need a fresh decision")
}

func TestRollingRejectedChallengeAdvances(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{Rolling: true})
	item := seedItem(t, database, campaign, entity, models.PhaseChallenge, revoked("bob"))

	ctx := context.Background()
	itemRepo := db.NewItemRepository(database)
	stored, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	stored.Challenge = &models.Challenge{
		ID:        uuid.New().String(),
		Subject:   "alice",
		State:     models.ChallengeStateRejected,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, itemRepo.Save(ctx, stored))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.RollingTick(ctx, campaign.ID))

	reloaded, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseRemediation, reloaded.Phase)
}

func TestRollingChallengeExpiresByDuration(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{
		Rolling:           true,
		ChallengeDuration: time.Hour,
	})
	item := seedItem(t, database, campaign, entity, models.PhaseChallenge, revoked("bob"))

	ctx := context.Background()
	itemRepo := db.NewItemRepository(database)
	stored, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	stored.Challenge = &models.Challenge{
		ID:        uuid.New().String(),
		Subject:   "alice",
		State:     models.ChallengeStateOpen,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, itemRepo.Save(ctx, stored))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.RollingTick(ctx, campaign.ID))

	reloaded, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, models.ChallengeStateExpired, reloaded.Challenge.State)
	require.Equal(t, models.PhaseRemediation, reloaded.Phase)
}

func TestRollingClosesFinishedItems(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{Rolling: true})
	item := seedItem(t, database, campaign, entity, models.PhaseRemediation, revoked("bob"))

	m, _ := newTestMachine(t, database)
	require.NoError(t, m.RollingTick(context.Background(), campaign.ID))

	reloaded, err := db.NewItemRepository(database).Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseClosed, reloaded.Phase)
}

func TestSignOff(t *testing.T) {
	database := newTestStore(t)
	campaign, _ := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{})

	ctx := context.Background()
	campaignRepo := db.NewCampaignRepository(database)
	stored, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	stored.TotalItems = 2
	stored.CompletedItems = 1
	require.NoError(t, campaignRepo.Save(ctx, stored))

	m, _ := newTestMachine(t, database)
	require.ErrorIs(t, m.SignOff(ctx, campaign.ID, "bob"), ErrNotReadyForSignoff)

	stored.CompletedItems = 2
	require.NoError(t, campaignRepo.Save(ctx, stored))
	require.NoError(t, m.SignOff(ctx, campaign.ID, "bob"))

	reloaded, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	require.True(t, reloaded.Signed)
	require.NotNil(t, reloaded.SignedAt)

	// Signing twice is a no-op.
	require.NoError(t, m.SignOff(ctx, campaign.ID, "bob"))
}
