// Package decision applies batches of reviewer decisions to a campaign
// under an exclusive per-campaign lock, with bounded-memory commits and
// per-item error isolation.
package decision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/models"
)

// Status is the batch-level outcome of a Decide call.
type Status string

const (
	// StatusApplied means the batch ran; per-item failures, if any, are
	// listed in the results.
	StatusApplied Status = "applied"

	// StatusSigned means the campaign is terminal and nothing was
	// mutated.
	StatusSigned Status = "campaign_signed"

	// StatusTimedOut means the campaign lock could not be acquired
	// within the bounded wait and nothing was mutated.
	StatusTimedOut Status = "timed_out"
)

// Results summarizes a Decide call. Errors and warnings are aggregated
// and de-duplicated; per-item rejections land in InvalidItemIDs.
type Results struct {
	Status         Status   `json:"status"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	InvalidItemIDs []string `json:"invalid_item_ids,omitempty"`

	// Progress counters, omitted for lightweight calls.
	CompletedItems    int  `json:"completed_items"`
	TotalItems        int  `json:"total_items"`
	CompletedEntities int  `json:"completed_entities"`
	TotalEntities     int  `json:"total_entities"`
	ActiveDelegations int  `json:"active_delegations"`
	ReadyForSignoff   bool `json:"ready_for_signoff"`
}

// Config tunes a Processor. Zero values fall back to defaults.
type Config struct {
	// BatchSize is how many applied items accumulate before a commit
	// and working-set release.
	BatchSize int

	// ChunkSize bounds store-side id resolution queries.
	ChunkSize int

	// LockWait bounds the wait for the campaign lock.
	LockWait time.Duration

	// ReassignmentLimit caps ownership transfers per entity.
	ReassignmentLimit int

	// Hooks runs deployment extension points. Nil disables them.
	Hooks hooks.Runner

	// SelfCert overrides the self-certification relation.
	SelfCert SelfCertFunc

	// Locks shares a lock table across processors. Nil creates one.
	Locks *LockTable
}

const (
	defaultBatchSize     = 100
	defaultChunkSize     = 200
	defaultLockWait      = 5 * time.Second
	defaultReassignLimit = 3
)

// Processor applies decision batches against one store.
type Processor struct {
	session *db.Session
	locks   *LockTable
	hooks   hooks.Runner

	selfCert      SelfCertFunc
	batchSize     int
	chunkSize     int
	lockWait      time.Duration
	reassignLimit int

	now func() time.Time
	log zerolog.Logger
}

// NewProcessor creates a Processor over session.
func NewProcessor(session *db.Session, cfg Config) *Processor {
	p := &Processor{
		session:       session,
		locks:         cfg.Locks,
		hooks:         cfg.Hooks,
		selfCert:      cfg.SelfCert,
		batchSize:     cfg.BatchSize,
		chunkSize:     cfg.ChunkSize,
		lockWait:      cfg.LockWait,
		reassignLimit: cfg.ReassignmentLimit,
		now:           func() time.Time { return time.Now().UTC() },
		log:           logging.Component("decision"),
	}
	if p.locks == nil {
		p.locks = NewLockTable()
	}
	if p.hooks == nil {
		p.hooks = hooks.NopRunner{}
	}
	if p.selfCert == nil {
		p.selfCert = defaultSelfCert
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.chunkSize <= 0 {
		p.chunkSize = defaultChunkSize
	}
	if p.lockWait <= 0 {
		p.lockWait = defaultLockWait
	}
	if p.reassignLimit <= 0 {
		p.reassignLimit = defaultReassignLimit
	}
	return p
}

// Decide applies decisions against the campaign and returns full
// results including progress counters.
func (p *Processor) Decide(ctx context.Context, campaignID string, decisions []models.Decision) (*Results, error) {
	return p.decide(ctx, campaignID, decisions, false)
}

// DecideLightweight applies decisions but skips the progress counter
// recomputation in the returned results.
func (p *Processor) DecideLightweight(ctx context.Context, campaignID string, decisions []models.Decision) (*Results, error) {
	return p.decide(ctx, campaignID, decisions, true)
}

// batchState is the per-call working state of one Decide.
type batchState struct {
	campaign *models.Campaign
	results  *Results

	seenErrors   map[string]bool
	seenWarnings map[string]bool

	// pendingUndo defers clears to the second pass.
	pendingUndo []string

	// touchedEntities need completion recomputation.
	touchedEntities map[string]bool

	// pendingWorkItems indexes work items queued but not yet committed,
	// keyed by type+owner, so merge-before-create sees them.
	pendingWorkItems map[string]*models.WorkItem

	applied int
}

func (b *batchState) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if b.seenErrors[msg] {
		return
	}
	b.seenErrors[msg] = true
	b.results.Errors = append(b.results.Errors, msg)
}

func (b *batchState) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if b.seenWarnings[msg] {
		return
	}
	b.seenWarnings[msg] = true
	b.results.Warnings = append(b.results.Warnings, msg)
}

func (b *batchState) reject(itemID string) {
	b.results.InvalidItemIDs = append(b.results.InvalidItemIDs, itemID)
}

func (p *Processor) decide(ctx context.Context, campaignID string, decisions []models.Decision, lightweight bool) (*Results, error) {
	campaign, err := p.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Signed {
		return signedResults(campaignID), nil
	}

	outcome, release := p.locks.Acquire(ctx, campaignID, p.lockWait)
	if outcome != LockAcquired {
		return &Results{Status: StatusTimedOut}, nil
	}
	defer release()
	defer p.session.Release()

	// Re-read under the lock: a sign-off can land between the unlocked
	// pre-check and acquisition.
	campaign, err = p.session.Campaigns().Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Signed {
		return signedResults(campaignID), nil
	}

	state := &batchState{
		campaign:         campaign,
		results:          &Results{Status: StatusApplied},
		seenErrors:       make(map[string]bool),
		seenWarnings:     make(map[string]bool),
		touchedEntities:  make(map[string]bool),
		pendingWorkItems: make(map[string]*models.WorkItem),
	}

	priority, generic := splitPriority(decisions)
	for _, d := range priority {
		if err := p.applyDecision(ctx, state, d); err != nil {
			return nil, err
		}
	}
	for _, d := range generic {
		if err := p.applyDecision(ctx, state, d); err != nil {
			return nil, err
		}
	}

	if err := p.applyUndos(ctx, state); err != nil {
		return nil, err
	}
	if err := p.session.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit decisions: %w", err)
	}

	if err := p.recomputeStats(ctx, state); err != nil {
		return nil, err
	}
	if !lightweight {
		state.results.CompletedItems = campaign.CompletedItems
		state.results.TotalItems = campaign.TotalItems
		state.results.CompletedEntities = campaign.CompletedEntities
		state.results.TotalEntities = campaign.TotalEntities
		state.results.ActiveDelegations = campaign.ActiveDelegations
		state.results.ReadyForSignoff = campaign.ReadyForSignoff()
	}

	p.log.Info().
		Str("campaign_id", campaignID).
		Int("decisions", len(decisions)).
		Int("applied", state.applied).
		Int("rejected", len(state.results.InvalidItemIDs)).
		Msg("decision batch applied")

	return state.results, nil
}

func signedResults(campaignID string) *Results {
	return &Results{
		Status: StatusSigned,
		Errors: []string{fmt.Sprintf("campaign %s is signed and accepts no decisions", campaignID)},
	}
}

// splitPriority separates delegation-resolution kinds from generic
// ones, preserving input order within each class. A review accept or
// reject must land before any new decision supersedes it.
func splitPriority(decisions []models.Decision) (priority, generic []models.Decision) {
	for _, d := range decisions {
		if d.Kind.Priority() {
			priority = append(priority, d)
		} else {
			generic = append(generic, d)
		}
	}
	return priority, generic
}

// applyDecision resolves one decision's selection and applies it item
// by item. Only infrastructure failures propagate; item-level problems
// are recorded in the results and processing continues.
func (p *Processor) applyDecision(ctx context.Context, state *batchState, d models.Decision) error {
	resolved, err := p.resolveSelection(ctx, state.campaign.ID, d.Selection)
	if err != nil {
		state.errorf("selection could not be resolved: %v", err)
		return nil
	}

	entityDone := make(map[string]bool)
	selfCertCount := 0

	for _, itemID := range resolved.IDs() {
		item, err := p.session.Item(ctx, itemID)
		if err != nil {
			state.reject(itemID)
			state.errorf("item %s could not be loaded: %v", itemID, err)
			continue
		}
		entity, err := p.session.Entity(ctx, item.EntityID)
		if err != nil {
			state.reject(itemID)
			state.errorf("entity %s could not be loaded: %v", item.EntityID, err)
			continue
		}

		excluded, err := p.hookExcluded(ctx, state, item)
		if err != nil {
			state.reject(itemID)
			state.errorf("item %s: exclusion hook: %v", itemID, err)
			continue
		}
		if excluded {
			continue
		}

		// A dispute is filed by the affected subject themselves, so the
		// self-certification guard does not apply to that kind.
		if d.Kind != models.DecisionKindChallenge && p.selfCert(d.Decider, entity.TargetName) {
			state.reject(itemID)
			selfCertCount++
			continue
		}

		if d.Kind == models.DecisionKindUndo {
			if reason := p.checkUndo(item); reason != "" {
				state.reject(itemID)
				state.errorf("item %s: %s", itemID, reason)
				continue
			}
			state.pendingUndo = append(state.pendingUndo, itemID)
			continue
		}

		// Entity-scoped kinds run once per entity, not once per item.
		if entityScoped(d) {
			if entityDone[entity.ID] {
				continue
			}
			entityDone[entity.ID] = true
			if err := p.applyToEntity(ctx, state, &d, entity); err != nil {
				state.reject(itemID)
				state.errorf("%v", err)
				continue
			}
		} else if err := p.applyToItem(ctx, state, &d, item, entity); err != nil {
			state.reject(itemID)
			state.errorf("%v", err)
			continue
		}

		state.touchedEntities[entity.ID] = true
		state.applied++
		if err := p.maybeCommit(ctx, state); err != nil {
			return err
		}
	}

	if selfCertCount > 0 {
		state.warnf("%d item(s) skipped: %s cannot certify their own access", selfCertCount, d.Decider)
	}
	return nil
}

// hookExcluded consults the deployment's exclusion hook for one item.
// Excluded items are skipped, with the hook's explanation surfaced as a
// warning; they are not rejections.
func (p *Processor) hookExcluded(ctx context.Context, state *batchState, item *models.Item) (bool, error) {
	result, err := p.hooks.Exclusions(ctx, &hooks.ExclusionParams{
		CampaignID: item.CampaignID,
		EntityID:   item.EntityID,
		ItemID:     item.ID,
		ItemType:   string(item.Type),
	})
	if err != nil {
		return false, err
	}
	if result == nil || !result.Exclude {
		return false, nil
	}
	explanation := result.Explanation
	if explanation == "" {
		explanation = "excluded by deployment rule"
	}
	state.warnf("item %s excluded: %s", item.ID, explanation)
	return true, nil
}

func entityScoped(d models.Decision) bool {
	if d.Kind == models.DecisionKindReassign {
		return true
	}
	return d.WholeEntity && (d.Kind == models.DecisionKindDelegate || d.Kind == models.DecisionKindDelegationRevoke)
}

// maybeCommit commits and releases the working set every batchSize
// applied items, bounding memory on large campaigns.
func (p *Processor) maybeCommit(ctx context.Context, state *batchState) error {
	if state.applied%p.batchSize != 0 {
		return nil
	}
	if err := p.session.Commit(ctx); err != nil {
		return fmt.Errorf("batch commit: %w", err)
	}
	p.session.Release()
	state.pendingWorkItems = make(map[string]*models.WorkItem)
	return nil
}

// applyUndos is the second pass: history rows are recorded for the
// outgoing actions and only then are the actions cleared.
func (p *Processor) applyUndos(ctx context.Context, state *batchState) error {
	for _, itemID := range state.pendingUndo {
		item, err := p.session.Item(ctx, itemID)
		if err != nil {
			state.reject(itemID)
			state.errorf("item %s could not be loaded: %v", itemID, err)
			continue
		}
		if item.Action == nil {
			continue
		}

		cleared := *item.Action
		cleared.Status = models.ActionStatusCleared
		p.session.RecordHistory(item.ID, &cleared)

		item.Action = nil
		item.ReadyForRemediation = false
		p.session.SaveItem(item)
		p.recordEvent(item, models.EventTypeDecisionCleared, "", nil)

		state.touchedEntities[item.EntityID] = true
		state.applied++
		if err := p.maybeCommit(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) checkUndo(item *models.Item) string {
	if readOnly, reason := itemReadOnly(item); readOnly {
		return reason
	}
	if item.Action == nil {
		return "nothing to undo"
	}
	return ""
}

// recomputeStats refreshes entity completion for every touched entity,
// then recomputes the campaign counters from the store.
func (p *Processor) recomputeStats(ctx context.Context, state *batchState) error {
	campaign := state.campaign

	for _, entityID := range sortedIDs(state.touchedEntities) {
		entity, err := p.session.Entity(ctx, entityID)
		if err != nil {
			return fmt.Errorf("load entity %s: %w", entityID, err)
		}
		undecided, err := p.session.Items().FindIDs(ctx, models.ItemFilter{
			CampaignID: campaign.ID,
			EntityID:   entityID,
			Undecided:  true,
		}, 1, 0)
		if err != nil {
			return fmt.Errorf("count undecided items: %w", err)
		}
		entity.Completed = len(undecided) == 0

		// An entity-level delegation is fulfilled once every item is
		// decided.
		if entity.Completed && entity.Delegation != nil && entity.Delegation.Active() {
			entity.Delegation.DecisionMade = true
		}
		p.session.SaveEntity(entity)
	}
	if err := p.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit entity completion: %w", err)
	}

	itemStats, err := p.session.Items().Stats(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("item stats: %w", err)
	}
	entityStats, err := p.session.Entities().Stats(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("entity stats: %w", err)
	}

	campaign.TotalItems = itemStats.Total
	campaign.CompletedItems = itemStats.Decided
	campaign.TotalEntities = entityStats.Total
	campaign.CompletedEntities = entityStats.Completed
	campaign.ActiveDelegations = itemStats.ActiveDelegations + entityStats.ActiveDelegations

	p.session.SaveCampaign(campaign)
	if err := p.session.Commit(ctx); err != nil {
		return fmt.Errorf("commit campaign stats: %w", err)
	}
	return nil
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
