// Package phase drives campaigns and items through the review
// lifecycle: active review, an optional challenge window, an optional
// remediation window, then closure.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/notify"
)

// Machine errors.
var (
	ErrNotReadyForSignoff = errors.New("campaign is not ready for signoff")
)

// Config tunes a Machine.
type Config struct {
	// Notifier delivers challenge window notifications.
	Notifier notify.Notifier
}

// Machine applies phase transitions to campaigns and items.
type Machine struct {
	session  *db.Session
	notifier notify.Notifier

	now func() time.Time
	log zerolog.Logger
}

// NewMachine creates a Machine over session.
func NewMachine(session *db.Session, cfg Config) *Machine {
	m := &Machine{
		session:  session,
		notifier: cfg.Notifier,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component("phase"),
	}
	if m.notifier == nil {
		m.notifier = notify.LogNotifier{}
	}
	return m
}

// IsSkipped reports whether the campaign skips the phase. The challenge
// window is skipped once the campaign is signed, since no further
// dispute is meaningful.
func (m *Machine) IsSkipped(campaign *models.Campaign, phase models.Phase) bool {
	switch phase {
	case models.PhaseChallenge:
		return campaign.PhaseConfig.SkipChallenge || campaign.Signed
	case models.PhaseRemediation:
		return campaign.PhaseConfig.SkipRemediation
	default:
		return false
	}
}

// nextPhase returns the phase after from, skipping skipped phases.
func (m *Machine) nextPhase(campaign *models.Campaign, from models.Phase) models.Phase {
	next := from.Next()
	for next != models.PhaseClosed && m.IsSkipped(campaign, next) {
		next = next.Next()
	}
	return next
}

// AdvanceCampaign exits the campaign's current phase and enters the
// next one. Fixed-period campaigns move every open item with them;
// rolling campaigns leave item phases to RollingTick.
func (m *Machine) AdvanceCampaign(ctx context.Context, campaignID string) error {
	defer m.session.Release()

	campaign, err := m.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Phase == models.PhaseClosed {
		return nil
	}

	items, err := m.session.Items().ListByCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	if campaign.Phase == models.PhaseChallenge {
		if err := m.exitChallenge(ctx, campaign, items); err != nil {
			return err
		}
	}

	from := campaign.Phase
	to := m.nextPhase(campaign, from)
	campaign.Phase = to
	campaign.PhaseEnd = m.phaseEnd(campaign, to)

	if !campaign.PhaseConfig.Rolling {
		for _, item := range items {
			if item.Phase != models.PhaseClosed {
				item.Phase = to
				m.session.SaveItem(item)
			}
		}
	}

	if to == models.PhaseChallenge {
		if err := m.enterChallenge(ctx, campaign, items); err != nil {
			return err
		}
	}

	m.recordTransition(campaign, from, to)
	m.session.SaveCampaign(campaign)
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit phase transition: %w", err)
	}

	m.log.Info().
		Str("campaign_id", campaign.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("campaign phase transitioned")
	return nil
}

// phaseEnd schedules the end of a fixed-period phase. Rolling campaigns
// and terminal phases carry no deadline.
func (m *Machine) phaseEnd(campaign *models.Campaign, to models.Phase) *time.Time {
	if campaign.PhaseConfig.Rolling {
		return nil
	}
	var duration time.Duration
	switch to {
	case models.PhaseChallenge:
		duration = campaign.PhaseConfig.ChallengeDuration
	case models.PhaseRemediation:
		duration = campaign.PhaseConfig.RemediationDuration
	default:
		return nil
	}
	if duration <= 0 {
		return nil
	}
	end := m.now().Add(duration)
	return &end
}

// enterChallenge opens a challenge window on every revoked item in the
// challenge phase. One challenge per account: a second item on an
// already-challenged account never generates a duplicate.
func (m *Machine) enterChallenge(ctx context.Context, campaign *models.Campaign, items []*models.Item) error {
	generated := make(map[string]bool)
	for _, item := range items {
		if item.Challenge == nil {
			continue
		}
		if key, ok := accountKey(item); ok {
			generated[key] = true
		}
	}

	var subjects []string
	seenSubjects := make(map[string]bool)

	for _, item := range items {
		if item.Phase != models.PhaseChallenge || item.Challenge != nil {
			continue
		}
		if !item.Action.Revokes() {
			continue
		}
		key, hasKey := accountKey(item)
		if hasKey && generated[key] {
			continue
		}

		entity, err := m.session.Entity(ctx, item.EntityID)
		if err != nil {
			return fmt.Errorf("load entity %s: %w", item.EntityID, err)
		}

		workItem := &models.WorkItem{
			ID:          uuid.New().String(),
			Type:        models.WorkItemTypeChallenge,
			State:       models.WorkItemStateOpen,
			Owner:       entity.TargetName,
			CampaignID:  campaign.ID,
			EntityID:    entity.ID,
			ItemIDs:     []string{item.ID},
			Description: "your access is being revoked; you may dispute the decision",
			ExpiresAt:   campaign.PhaseEnd,
		}
		m.session.QueueWorkItem(workItem)

		item.Challenge = &models.Challenge{
			ID:         uuid.New().String(),
			Subject:    entity.TargetName,
			State:      models.ChallengeStateOpen,
			WorkItemID: workItem.ID,
			CreatedAt:  m.now(),
		}
		m.session.SaveItem(item)
		m.recordChallengeEvent(item, models.EventTypeChallengeOpened)

		if hasKey {
			generated[key] = true
		}
		if !seenSubjects[entity.TargetName] {
			seenSubjects[entity.TargetName] = true
			subjects = append(subjects, entity.TargetName)
		}
	}

	return m.notifySubjects(ctx, notify.TemplateChallengeOpened, subjects, campaign.ID)
}

// exitChallenge expires every unresolved challenge: unacted windows and
// undecided disputes both lapse, the original decision stands, and the
// stale tasks are deleted.
func (m *Machine) exitChallenge(ctx context.Context, campaign *models.Campaign, items []*models.Item) error {
	var subjects []string
	seenSubjects := make(map[string]bool)

	for _, item := range items {
		challenge := item.Challenge
		if challenge == nil || !challenge.Active() {
			continue
		}

		challenge.State = models.ChallengeStateExpired
		if challenge.WorkItemID != "" {
			if err := m.session.WorkItems().Delete(ctx, challenge.WorkItemID); err != nil && !errors.Is(err, db.ErrWorkItemNotFound) {
				return fmt.Errorf("delete challenge task: %w", err)
			}
		}
		m.session.SaveItem(item)
		m.recordChallengeEvent(item, models.EventTypeChallengeExpired)

		if !seenSubjects[challenge.Subject] {
			seenSubjects[challenge.Subject] = true
			subjects = append(subjects, challenge.Subject)
		}
	}

	return m.notifySubjects(ctx, notify.TemplateChallengeExpired, subjects, campaign.ID)
}

// expireRollingChallenge lapses an unacted rolling challenge once its
// window has run out. Disputed challenges wait for the reviewer.
func (m *Machine) expireRollingChallenge(ctx context.Context, campaign *models.Campaign, item *models.Item) {
	challenge := item.Challenge
	duration := campaign.PhaseConfig.ChallengeDuration
	if challenge == nil || challenge.State != models.ChallengeStateOpen || duration <= 0 {
		return
	}
	if m.now().Before(challenge.CreatedAt.Add(duration)) {
		return
	}
	challenge.State = models.ChallengeStateExpired
	if challenge.WorkItemID != "" {
		if err := m.session.WorkItems().Delete(ctx, challenge.WorkItemID); err != nil && !errors.Is(err, db.ErrWorkItemNotFound) {
			m.log.Error().Err(err).Str("item_id", item.ID).Msg("delete expired challenge task")
		}
	}
	m.session.SaveItem(item)
	m.recordChallengeEvent(item, models.EventTypeChallengeExpired)
}

// HandleRollingTransition reconciles one item in a rolling campaign:
// an accepted challenge with no replacement decision rewinds the item
// to active review; an inactive challenge lets it advance exactly once.
func (m *Machine) HandleRollingTransition(campaign *models.Campaign, item *models.Item) {
	if item.Challenge != nil &&
		item.Challenge.State == models.ChallengeStateAccepted &&
		item.Action == nil &&
		item.Phase != models.PhaseActive {
		item.Phase = models.PhaseActive
		m.session.SaveItem(item)
		return
	}

	if item.Phase == models.PhaseChallenge && !item.Challenged() {
		item.Phase = m.nextPhase(campaign, models.PhaseChallenge)
		m.session.SaveItem(item)
	}
}

// RollingTick advances every item of a rolling campaign that has
// reached its next phase boundary.
func (m *Machine) RollingTick(ctx context.Context, campaignID string) error {
	defer m.session.Release()

	campaign, err := m.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.PhaseConfig.Rolling || campaign.Phase == models.PhaseClosed {
		return nil
	}

	items, err := m.session.Items().ListByCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	// Decided items leave active review on their own schedule.
	for _, item := range items {
		if item.Phase == models.PhaseActive && item.Decided() {
			item.Phase = m.nextPhase(campaign, models.PhaseActive)
			m.session.SaveItem(item)
		}
	}

	if err := m.enterChallenge(ctx, campaign, items); err != nil {
		return err
	}

	for _, item := range items {
		switch item.Phase {
		case models.PhaseChallenge:
			m.expireRollingChallenge(ctx, campaign, item)
			m.HandleRollingTransition(campaign, item)
		case models.PhaseRemediation:
			// Nothing pending means the item is done.
			if !item.ReadyForRemediation {
				item.Phase = models.PhaseClosed
				m.session.SaveItem(item)
			}
		}
	}

	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit rolling transitions: %w", err)
	}
	return nil
}

// SignOff marks a complete campaign as signed. Terminal: no decision
// may be applied afterwards.
func (m *Machine) SignOff(ctx context.Context, campaignID, actor string) error {
	defer m.session.Release()

	campaign, err := m.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Signed {
		return nil
	}
	if !campaign.ReadyForSignoff() {
		return ErrNotReadyForSignoff
	}

	now := m.now()
	campaign.Signed = true
	campaign.SignedAt = &now
	m.session.SaveCampaign(campaign)
	m.session.RecordEvent(&models.Event{
		Type:       models.EventTypeCampaignSigned,
		EntityType: models.EntityTypeCampaign,
		EntityID:   campaign.ID,
		Actor:      actor,
	})
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit signoff: %w", err)
	}

	m.log.Info().Str("campaign_id", campaign.ID).Str("actor", actor).Msg("campaign signed off")
	return nil
}

func (m *Machine) notifySubjects(ctx context.Context, template string, subjects []string, campaignID string) error {
	if len(subjects) == 0 {
		return nil
	}
	sort.Strings(subjects)
	if err := m.notifier.SendBatch(ctx, template, subjects, map[string]string{"campaign_id": campaignID}); err != nil {
		return fmt.Errorf("notify subjects: %w", err)
	}
	return nil
}

func (m *Machine) recordTransition(campaign *models.Campaign, from, to models.Phase) {
	payload, err := json.Marshal(models.PhaseTransitionedPayload{From: from, To: to})
	if err != nil {
		payload = nil
	}
	m.session.RecordEvent(&models.Event{
		Type:       models.EventTypePhaseTransitioned,
		EntityType: models.EntityTypeCampaign,
		EntityID:   campaign.ID,
		Payload:    payload,
	})
}

func (m *Machine) recordChallengeEvent(item *models.Item, eventType models.EventType) {
	m.session.RecordEvent(&models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
	})
}

// accountKey identifies the account an item reviews, for per-account
// challenge deduplication.
func accountKey(item *models.Item) (string, bool) {
	payload, err := item.GetEntitlementPayload()
	if err != nil {
		return "", false
	}
	return payload.Application + "\x00" + payload.NativeIdentity, true
}
