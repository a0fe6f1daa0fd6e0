package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/notify"
	"github.com/akvistad/attest/internal/provision"
	"github.com/akvistad/attest/internal/remediation"
)

func newTestScheduler(t *testing.T, database *db.DB) (*Scheduler, *provision.LocalEngine) {
	t.Helper()
	engine := provision.NewLocalEngine(nil)
	machine := NewMachine(db.NewSession(database), Config{Notifier: &notify.Recorder{}})
	manager := remediation.NewManager(db.NewSession(database), remediation.Config{
		Engine:   engine,
		Notifier: &notify.Recorder{},
	})
	return NewScheduler(db.NewSession(database), machine, manager, time.Minute), engine
}

func TestTickAdvancesDueCampaigns(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{SkipChallenge: true})
	seedItem(t, database, campaign, entity, models.PhaseActive, revoked("bob"))

	ctx := context.Background()
	campaignRepo := db.NewCampaignRepository(database)
	stored, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	stored.PhaseEnd = &past
	require.NoError(t, campaignRepo.Save(ctx, stored))

	s, _ := newTestScheduler(t, database)
	s.Tick(ctx)

	reloaded, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseRemediation, reloaded.Phase)
}

func TestTickLeavesUndueCampaignsAlone(t *testing.T) {
	database := newTestStore(t)
	campaign, _ := seedCampaign(t, database, models.PhaseActive, models.PhaseConfig{})

	ctx := context.Background()
	campaignRepo := db.NewCampaignRepository(database)
	stored, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	stored.PhaseEnd = &future
	require.NoError(t, campaignRepo.Save(ctx, stored))

	s, _ := newTestScheduler(t, database)
	s.Tick(ctx)

	reloaded, err := campaignRepo.Get(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseActive, reloaded.Phase)
}

func TestTickFlushesRemediationCampaigns(t *testing.T) {
	database := newTestStore(t)
	campaign, entity := seedCampaign(t, database, models.PhaseRemediation, models.PhaseConfig{})

	item := seedItem(t, database, campaign, entity, models.PhaseRemediation, revoked("bob"))
	ctx := context.Background()
	itemRepo := db.NewItemRepository(database)
	stored, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	stored.ReadyForRemediation = true
	require.NoError(t, itemRepo.Save(ctx, stored))

	s, engine := newTestScheduler(t, database)
	s.Tick(ctx)

	reloaded, err := itemRepo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, reloaded.Action.RemediationKickedOff)
	require.Len(t, engine.Executed(), 1)
}
