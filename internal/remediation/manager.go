// Package remediation turns decided revokes into dispatched work:
// provisioning requests for integrated applications, manual tasks for
// everything else.
package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akvistad/attest/internal/audit"
	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/models"
	"github.com/akvistad/attest/internal/notify"
	"github.com/akvistad/attest/internal/plan"
	"github.com/akvistad/attest/internal/provision"
)

// Config tunes a Manager. Nil collaborators fall back to local
// implementations.
type Config struct {
	// Engine compiles and executes plans downstream.
	Engine provision.Engine

	// Notifier delivers task notifications.
	Notifier notify.Notifier

	// Auditor records dispatch outcomes.
	Auditor audit.Auditor

	// Hooks customizes work item routing.
	Hooks hooks.Runner

	// Roles resolves role definitions for plan calculation.
	Roles plan.RoleResolver

	// DefaultRemediator owns manual tasks when no other owner applies.
	DefaultRemediator string

	// BatchSize bounds dirty state between commits.
	BatchSize int
}

const defaultBatchSize = 100

// Manager flushes items marked ready for remediation.
type Manager struct {
	session  *db.Session
	engine   provision.Engine
	notifier notify.Notifier
	auditor  audit.Auditor
	hooks    hooks.Runner
	roles    plan.RoleResolver

	defaultRemediator string
	batchSize         int

	now func() time.Time
	log zerolog.Logger
}

// NewManager creates a Manager over session.
func NewManager(session *db.Session, cfg Config) *Manager {
	m := &Manager{
		session:           session,
		engine:            cfg.Engine,
		notifier:          cfg.Notifier,
		auditor:           cfg.Auditor,
		hooks:             cfg.Hooks,
		roles:             cfg.Roles,
		defaultRemediator: cfg.DefaultRemediator,
		batchSize:         cfg.BatchSize,
		now:               func() time.Time { return time.Now().UTC() },
		log:               logging.Component("remediation"),
	}
	if m.engine == nil {
		m.engine = provision.NewLocalEngine(nil)
	}
	if m.notifier == nil {
		m.notifier = notify.LogNotifier{}
	}
	if m.auditor == nil {
		m.auditor = audit.LogAuditor{}
	}
	if m.hooks == nil {
		m.hooks = hooks.NopRunner{}
	}
	if m.batchSize <= 0 {
		m.batchSize = defaultBatchSize
	}
	return m
}

// bucket is a transient grouping of items sharing one remediation
// subject.
type bucket struct {
	key     string
	subject string
	items   []*models.Item
}

// flushState is the per-call working state of one Flush.
type flushState struct {
	pendingWorkItems map[string]*models.WorkItem
	kickedRevokes    []*models.Item
	processed        int
}

// Flush dispatches everything marked ready for remediation in the
// campaign. Re-running over unchanged input is a no-op: readiness flags
// are cleared only after each outcome is durably recorded, so a crash
// mid-flush is recovered by flushing again.
func (m *Manager) Flush(ctx context.Context, campaignID string) error {
	defer m.session.Release()

	campaign, err := m.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}

	ready, err := m.session.Items().ListReady(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list ready items: %w", err)
	}

	eligible := make([]*models.Item, 0, len(ready))
	for _, item := range ready {
		if eligibleForDispatch(item) {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		return m.notifyPending(ctx, campaignID)
	}

	buckets, err := m.bucketize(ctx, campaign, eligible)
	if err != nil {
		return err
	}

	state := &flushState{pendingWorkItems: make(map[string]*models.WorkItem)}
	if state.kickedRevokes, err = m.seedKickedRevokes(ctx, campaignID); err != nil {
		return err
	}

	for _, b := range buckets {
		if err := m.flushBucket(ctx, state, campaign, b); err != nil {
			return err
		}
	}
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}

	m.log.Info().
		Str("campaign_id", campaignID).
		Int("items", state.processed).
		Int("buckets", len(buckets)).
		Msg("remediation flush complete")

	return m.notifyPending(ctx, campaignID)
}

// eligibleForDispatch applies the dispatch preconditions: a decided,
// undelegated item with no open challenge window.
func eligibleForDispatch(item *models.Item) bool {
	if item.Action == nil {
		return false
	}
	if item.Delegated() || item.AwaitingDelegationReview() {
		return false
	}
	if item.Challenged() {
		return false
	}
	return true
}

// bucketize groups items per reviewed subject for subject-bucketed
// campaigns, one item per bucket otherwise. Bucket order is stable so
// repeated runs process identically.
func (m *Manager) bucketize(ctx context.Context, campaign *models.Campaign, items []*models.Item) ([]*bucket, error) {
	byKey := make(map[string]*bucket)

	for _, item := range items {
		entity, err := m.session.Entity(ctx, item.EntityID)
		if err != nil {
			return nil, fmt.Errorf("load entity %s: %w", item.EntityID, err)
		}

		key := item.ID
		if campaign.SubjectBucketed() {
			key = entity.TargetName
		}
		b, ok := byKey[key]
		if !ok {
			b = &bucket{key: key, subject: entity.TargetName}
			byKey[key] = b
		}
		b.items = append(b.items, item)
	}

	buckets := make([]*bucket, 0, len(byKey))
	for _, b := range byKey {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].key < buckets[j].key })
	return buckets, nil
}

// seedKickedRevokes collects account-level revokes already dispatched
// in earlier flushes, so items sharing those accounts are subsumed
// instead of re-dispatched.
func (m *Manager) seedKickedRevokes(ctx context.Context, campaignID string) ([]*models.Item, error) {
	all, err := m.session.Items().ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign items: %w", err)
	}
	var kicked []*models.Item
	for _, item := range all {
		if item.Action.RevokesAccount() && item.Action.RemediationKickedOff {
			kicked = append(kicked, item)
		}
	}
	return kicked, nil
}

// flushBucket assembles the bucket's master plan, compiles it, and
// records one outcome per item.
func (m *Manager) flushBucket(ctx context.Context, state *flushState, campaign *models.Campaign, b *bucket) error {
	// Plans are always recalculated from the current decision state;
	// stale stored remediation detail is never trusted.
	var resolver plan.RoleResolver
	if m.roles != nil {
		resolver = plan.NewRoleCache(m.roles.Role)
	}

	master := &plan.Plan{Source: campaign.ID}
	fragments := make(map[string]*plan.Plan, len(b.items))
	calculated := make([]*models.Item, 0, len(b.items))

	for _, item := range b.items {
		fragment, err := plan.Calculate(item, item.Action.Status, plan.Options{
			RevokeAccount: item.Action.RevokeAccount,
			Subject:       b.subject,
			Roles:         resolver,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("item_id", item.ID).Msg("plan calculation failed, item left for retry")
			m.recordError(item, err, "plan calculation")
			continue
		}
		fragments[item.ID] = fragment
		if fragment != nil {
			master.Merge(fragment)
		}
		calculated = append(calculated, item)
	}

	project, err := m.engine.Compile(ctx, master)
	if err != nil {
		// Readiness flags stay set, so the next flush retries the whole
		// bucket. Other buckets keep flushing.
		m.log.Warn().Err(err).Str("bucket", b.key).Msg("plan compilation failed, bucket left for retry")
		for _, item := range calculated {
			m.recordError(item, err, "plan compilation")
		}
		return nil
	}
	itemized := m.engine.Itemize(project)

	var provisioned []*models.Item
	for _, item := range calculated {
		pushed, err := m.recordOutcome(ctx, state, campaign, item, fragments[item.ID], itemized[item.ID])
		if err != nil {
			return err
		}
		if pushed {
			provisioned = append(provisioned, item)
		}
		state.processed++
		if err := m.maybeCommit(ctx, state); err != nil {
			return err
		}
	}

	// Outcomes land durably before anything is pushed downstream.
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit bucket %s: %w", b.key, err)
	}
	if !project.Automatable.IsEmpty() {
		if err := m.engine.Execute(ctx, project); err != nil {
			// The outcomes are already committed, so the items will not
			// be picked up by a re-run. Reroute them to manual tasks
			// rather than stranding the revokes.
			m.log.Warn().Err(err).Str("bucket", b.key).Msg("provisioning push failed, rerouting to work items")
			return m.fallbackToWorkItems(ctx, state, campaign, provisioned, err)
		}
	}
	return nil
}

// fallbackToWorkItems downgrades items whose provisioning push failed
// into manual remediation tasks.
func (m *Manager) fallbackToWorkItems(ctx context.Context, state *flushState, campaign *models.Campaign, items []*models.Item, cause error) error {
	for _, item := range items {
		workItem, err := m.dispatchWorkItem(ctx, state, campaign, item)
		if err != nil {
			return err
		}
		item.Action.RemediationAction = models.RemediationActionWorkItem
		item.Action.WorkItemID = workItem.ID
		m.session.SaveItem(item)
		m.recordError(item, cause, "provisioning push")
		m.recordDispatch(ctx, item)
	}
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit work item fallback: %w", err)
	}
	return nil
}

// recordOutcome classifies one item's remediation and records it. The
// pushed result reports whether the item rides on the bucket's
// provisioning push.
func (m *Manager) recordOutcome(ctx context.Context, state *flushState, campaign *models.Campaign, item *models.Item, fragment *plan.Plan, parts *provision.ItemizedPlan) (pushed bool, err error) {
	// An account-level revoke already dispatched on the same account
	// subsumes this item: mirror that outcome instead of dispatching a
	// second action.
	for _, prior := range state.kickedRevokes {
		if prior.ID == item.ID || !sameAccountItems(prior, item) {
			continue
		}
		item.Action.RemediationAction = prior.Action.RemediationAction
		item.Action.WorkItemID = prior.Action.WorkItemID
		item.Action.RemediationKickedOff = true
		item.Action.RemediationCompleted = prior.Action.RemediationCompleted
		item.ReadyForRemediation = false
		m.session.SaveItem(item)
		m.recordDispatch(ctx, item)
		return false, nil
	}

	var automatable, unmanaged *plan.Plan
	if parts != nil {
		automatable = parts.Automatable
		unmanaged = parts.Unmanaged
	}

	// A revoked policy violation with nothing directly assignable still
	// needs a human, even with an empty plan.
	forced := item.Type == models.ItemTypeViolation && item.Action.Revokes() && fragment.IsEmpty()

	remediationAction := plan.ClassifyRemediation(automatable, unmanaged, forced)
	switch remediationAction {
	case models.RemediationActionNone:
		item.Action.RemediationCompleted = true
	case models.RemediationActionWorkItem:
		workItem, err := m.dispatchWorkItem(ctx, state, campaign, item)
		if err != nil {
			return false, err
		}
		item.Action.WorkItemID = workItem.ID
	}

	item.Action.RemediationAction = remediationAction
	item.Action.RemediationKickedOff = true
	item.ReadyForRemediation = false
	if item.Action.RevokesAccount() {
		state.kickedRevokes = append(state.kickedRevokes, item)
	}

	m.session.SaveItem(item)
	m.recordDispatch(ctx, item)
	return remediationAction == models.RemediationActionProvision, nil
}

// dispatchWorkItem routes the item into the owner's open remediation
// task, creating one only when none exists.
func (m *Manager) dispatchWorkItem(ctx context.Context, state *flushState, campaign *models.Campaign, item *models.Item) (*models.WorkItem, error) {
	owner := m.defaultRemediator
	if owner == "" {
		owner = item.Action.Actor
	}
	description := fmt.Sprintf("carry out entitlement changes for campaign %s", campaign.Name)

	hookResult, err := m.hooks.CustomizeWorkItem(ctx, &hooks.WorkItemParams{
		CampaignID:  campaign.ID,
		Owner:       owner,
		Description: description,
	})
	if err != nil {
		return nil, fmt.Errorf("customize work item hook: %w", err)
	}
	if hookResult != nil {
		if hookResult.Owner != "" {
			owner = hookResult.Owner
		}
		if hookResult.Description != "" {
			description = hookResult.Description
		}
	}

	workItem, err := m.findOrQueueWorkItem(ctx, state, campaign.ID, owner, item.Action.Actor, description)
	if err != nil {
		return nil, err
	}
	if !workItem.HasItem(item.ID) {
		workItem.ItemIDs = append(workItem.ItemIDs, item.ID)
	}

	if err := m.auditor.Record(ctx, item.Action.Actor, "remediation_dispatched", item.ID,
		string(models.RemediationActionWorkItem), map[string]string{"owner_after": owner}); err != nil {
		m.log.Warn().Err(err).Str("item_id", item.ID).Msg("audit record failed")
	}
	return workItem, nil
}

// findOrQueueWorkItem prefers an uncommitted pending task, then an open
// stored one, before queueing a new task for the batched create pass.
func (m *Manager) findOrQueueWorkItem(ctx context.Context, state *flushState, campaignID, owner, requester, description string) (*models.WorkItem, error) {
	if pending, ok := state.pendingWorkItems[owner]; ok {
		return pending, nil
	}

	existing, err := m.session.WorkItems().FindOpen(ctx, campaignID, models.WorkItemTypeRemediation, owner)
	if err != nil {
		return nil, fmt.Errorf("find remediation task: %w", err)
	}
	if existing != nil {
		state.pendingWorkItems[owner] = existing
		m.session.SaveWorkItem(existing)
		return existing, nil
	}

	workItem := &models.WorkItem{
		ID:          uuid.New().String(),
		Type:        models.WorkItemTypeRemediation,
		State:       models.WorkItemStateOpen,
		Owner:       owner,
		Requester:   requester,
		CampaignID:  campaignID,
		Description: description,
	}
	state.pendingWorkItems[owner] = workItem
	m.session.QueueWorkItem(workItem)
	return workItem, nil
}

func (m *Manager) maybeCommit(ctx context.Context, state *flushState) error {
	if state.processed%m.batchSize != 0 {
		return nil
	}
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("batch commit: %w", err)
	}
	state.pendingWorkItems = make(map[string]*models.WorkItem)
	return nil
}

// notifyPending sends one batched notification per owner for tasks not
// yet notified, marking them only after a successful send.
func (m *Manager) notifyPending(ctx context.Context, campaignID string) error {
	open, err := m.session.WorkItems().ListOpenByCampaign(ctx, campaignID, models.WorkItemTypeRemediation)
	if err != nil {
		return fmt.Errorf("list open tasks: %w", err)
	}

	var pending []*models.WorkItem
	recipients := make([]string, 0)
	seen := make(map[string]bool)
	for _, workItem := range open {
		if workItem.NotificationSent {
			continue
		}
		pending = append(pending, workItem)
		if !seen[workItem.Owner] {
			seen[workItem.Owner] = true
			recipients = append(recipients, workItem.Owner)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Strings(recipients)

	err = m.notifier.SendBatch(ctx, notify.TemplateRemediationWorkItem, recipients, map[string]string{
		"campaign_id": campaignID,
	})
	if err != nil {
		return fmt.Errorf("notify remediation tasks: %w", err)
	}

	for _, workItem := range pending {
		workItem.NotificationSent = true
		m.session.SaveWorkItem(workItem)
	}
	if err := m.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (m *Manager) recordDispatch(ctx context.Context, item *models.Item) {
	payload, err := json.Marshal(models.RemediationDispatchedPayload{
		ItemID:     item.ID,
		Action:     item.Action.RemediationAction,
		WorkItemID: item.Action.WorkItemID,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("item_id", item.ID).Msg("could not marshal dispatch payload")
		payload = nil
	}
	m.session.RecordEvent(&models.Event{
		Type:       models.EventTypeRemediationDispatched,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
		Actor:      item.Action.Actor,
		Payload:    payload,
	})

	if err := m.auditor.Record(ctx, item.Action.Actor, "remediation", item.ID,
		string(item.Action.RemediationAction), nil); err != nil {
		m.log.Warn().Err(err).Str("item_id", item.ID).Msg("audit record failed")
	}
}

func (m *Manager) recordError(item *models.Item, cause error, context string) {
	payload, err := json.Marshal(models.ErrorPayload{
		Error:   cause.Error(),
		Context: context,
	})
	if err != nil {
		payload = nil
	}
	m.session.RecordEvent(&models.Event{
		Type:       models.EventTypeError,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
		Payload:    payload,
	})
}

// sameAccountItems is the consolidated same-account predicate: two
// items match when their payloads reference the same application and
// native identity.
func sameAccountItems(a, b *models.Item) bool {
	keyA, okA := accountKey(a)
	keyB, okB := accountKey(b)
	return okA && okB && keyA == keyB
}

func accountKey(item *models.Item) (string, bool) {
	payload, err := item.GetEntitlementPayload()
	if err != nil {
		return "", false
	}
	return payload.Application + "\x00" + payload.NativeIdentity, true
}
