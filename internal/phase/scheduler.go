package phase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/remediation"
)

// DefaultTickInterval is how often the scheduler looks for work when
// the config does not say otherwise.
const DefaultTickInterval = time.Minute

// Scheduler polls for campaigns whose phase deadline has passed,
// advances rolling items, and flushes remediation-phase campaigns.
type Scheduler struct {
	session  *db.Session
	machine  *Machine
	manager  *remediation.Manager
	interval time.Duration

	now func() time.Time
	log zerolog.Logger
}

// NewScheduler creates a Scheduler driving machine and manager over
// session. A non-positive interval falls back to DefaultTickInterval.
func NewScheduler(session *db.Session, machine *Machine, manager *remediation.Manager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		session:  session,
		machine:  machine,
		manager:  manager,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component("scheduler"),
	}
}

// Run ticks until ctx is cancelled. One tick runs immediately on start.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Failures on one campaign never stop
// the others.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.session.Campaigns().ListPhaseDue(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("list due campaigns")
		return
	}
	for _, campaign := range due {
		if err := s.machine.AdvanceCampaign(ctx, campaign.ID); err != nil {
			s.log.Error().Err(err).Str("campaign_id", campaign.ID).Msg("advance campaign")
		}
	}

	campaigns, err := s.session.Campaigns().List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list campaigns")
		return
	}
	for _, campaign := range campaigns {
		if campaign.Phase == models.PhaseClosed {
			continue
		}
		if campaign.PhaseConfig.Rolling {
			if err := s.machine.RollingTick(ctx, campaign.ID); err != nil {
				s.log.Error().Err(err).Str("campaign_id", campaign.ID).Msg("rolling tick")
			}
		}
		if s.flushable(ctx, campaign) {
			if err := s.manager.Flush(ctx, campaign.ID); err != nil {
				s.log.Error().Err(err).Str("campaign_id", campaign.ID).Msg("remediation flush")
			}
		}
	}
}

// flushable reports whether the campaign has a remediation window open
// right now. Rolling campaigns flush whenever any item is waiting.
func (s *Scheduler) flushable(ctx context.Context, campaign *models.Campaign) bool {
	if campaign.Phase == models.PhaseRemediation {
		return true
	}
	if !campaign.PhaseConfig.Rolling || campaign.PhaseConfig.SkipRemediation {
		return false
	}
	ids, err := s.session.Items().FindIDs(ctx, models.ItemFilter{
		CampaignID:          campaign.ID,
		ReadyForRemediation: true,
	}, 1, 0)
	if err != nil {
		s.log.Error().Err(err).Str("campaign_id", campaign.ID).Msg("probe remediation items")
		return false
	}
	return len(ids) > 0
}
