package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/models"
)

// applyToItem applies one non-undo, item-scoped decision kind. Errors
// are item-local: the caller records them and moves on.
func (p *Processor) applyToItem(ctx context.Context, state *batchState, d *models.Decision, item *models.Item, entity *models.Entity) error {
	if readOnly, reason := itemReadOnly(item); readOnly {
		return fmt.Errorf("item %s: %s", item.ID, reason)
	}

	switch d.Kind {
	case models.DecisionKindApprove:
		return p.applyStatus(ctx, state, d, item, entity, models.ActionStatusApproved)
	case models.DecisionKindRemediate:
		return p.applyStatus(ctx, state, d, item, entity, models.ActionStatusRemediated)
	case models.DecisionKindMitigate:
		return p.applyStatus(ctx, state, d, item, entity, models.ActionStatusMitigated)
	case models.DecisionKindDelegate:
		return p.applyDelegate(ctx, state, d, item, entity)
	case models.DecisionKindDelegationRevoke:
		return p.applyDelegationRevoke(ctx, d, item, entity)
	case models.DecisionKindReviewAccept, models.DecisionKindReviewReject:
		return p.applyDelegationReview(d, item)
	case models.DecisionKindChallenge:
		return p.applyChallengeDispute(ctx, d, item)
	case models.DecisionKindChallengeAccept, models.DecisionKindChallengeReject:
		return p.applyChallengeDecision(ctx, state, d, item, entity)
	default:
		return fmt.Errorf("item %s: unsupported decision kind %q", item.ID, d.Kind)
	}
}

// applyStatus records an approve, remediate or mitigate outcome.
func (p *Processor) applyStatus(ctx context.Context, state *batchState, d *models.Decision, item *models.Item, entity *models.Entity, status models.ActionStatus) error {
	if item.AwaitingDelegationReview() {
		return fmt.Errorf("item %s: delegated decision awaits review", item.ID)
	}
	if delegationBlocked(item, entity, d) {
		return fmt.Errorf("item %s: active delegation blocks the decision", item.ID)
	}
	if d.RevokeDelegation {
		p.revokeDelegations(ctx, item, entity)
	}

	p.setAction(item, d, status)

	// A decision made from within a delegation's work item fulfils the
	// delegation.
	if d.WorkItemID != "" && item.Delegation != nil && item.Delegation.WorkItemID == d.WorkItemID {
		item.Delegation.DecisionMade = true
		p.detachFromWorkItem(ctx, d.WorkItemID, item.ID)
	}

	p.session.SaveItem(item)
	p.recordApplied(item, d, status)
	return nil
}

// setAction replaces the item's action, snapshotting any prior one to
// history first.
func (p *Processor) setAction(item *models.Item, d *models.Decision, status models.ActionStatus) {
	if item.Action != nil {
		p.session.RecordHistory(item.ID, item.Action)
	}

	action := &models.Action{
		ID:        uuid.New().String(),
		Status:    status,
		Actor:     d.Decider,
		Comments:  d.Comments,
		CreatedAt: p.now(),
	}
	switch status {
	case models.ActionStatusRemediated:
		action.RevokeAccount = d.RevokeAccount
	case models.ActionStatusMitigated:
		action.MitigationExpiresAt = d.MitigationExpiry
	}

	item.Action = action
	item.ReadyForRemediation = p.needsRemediation(item, status)
}

// needsRemediation marks items for the next flush: every revoke, plus
// approvals of role grants whose required roles still need provisioning.
func (p *Processor) needsRemediation(item *models.Item, status models.ActionStatus) bool {
	switch status {
	case models.ActionStatusRemediated:
		return true
	case models.ActionStatusApproved:
		if item.Type != models.ItemTypeRoleGrant {
			return false
		}
		payload, err := item.GetRoleGrantPayload()
		if err != nil {
			return false
		}
		return len(payload.MissingRequirements) > 0
	default:
		return false
	}
}

// applyDelegate forwards a single item to another reviewer.
func (p *Processor) applyDelegate(ctx context.Context, state *batchState, d *models.Decision, item *models.Item, entity *models.Entity) error {
	if item.Delegated() {
		return fmt.Errorf("item %s: already delegated", item.ID)
	}
	delegation, err := p.buildDelegation(ctx, state, d, entity, item.ID)
	if err != nil {
		return fmt.Errorf("item %s: %w", item.ID, err)
	}

	item.Delegation = delegation
	p.setAction(item, d, models.ActionStatusDelegated)
	item.ReadyForRemediation = false

	p.session.SaveItem(item)
	p.recordEvent(item, models.EventTypeDelegationCreated, d.Decider, map[string]string{
		"recipient": delegation.Recipient,
	})
	return nil
}

// buildDelegation runs the pre-delegation hook and attaches the
// delegation to the recipient's open work item, creating one if needed.
func (p *Processor) buildDelegation(ctx context.Context, state *batchState, d *models.Decision, entity *models.Entity, itemID string) (*models.Delegation, error) {
	if d.Recipient == "" {
		return nil, errors.New("delegation recipient is required")
	}
	if p.selfCert(d.Recipient, entity.TargetName) {
		return nil, fmt.Errorf("recipient %s cannot certify their own access", d.Recipient)
	}

	recipient := d.Recipient
	description := d.Description
	hookResult, err := p.hooks.PreDelegation(ctx, &hooks.PreDelegationParams{
		CampaignID:  entity.CampaignID,
		EntityID:    entity.ID,
		Requester:   d.Decider,
		Recipient:   recipient,
		Description: description,
		Comments:    d.Comments,
	})
	if err != nil {
		return nil, fmt.Errorf("pre-delegation hook: %w", err)
	}
	if hookResult != nil {
		if hookResult.Veto {
			return nil, fmt.Errorf("delegation vetoed: %s", hookResult.Reason)
		}
		if hookResult.Recipient != "" {
			recipient = hookResult.Recipient
		}
	}

	workItem, err := p.findOrQueueWorkItem(ctx, state, entity.CampaignID, models.WorkItemTypeDelegation, recipient, d)
	if err != nil {
		return nil, err
	}
	if itemID != "" && !workItem.HasItem(itemID) {
		workItem.ItemIDs = append(workItem.ItemIDs, itemID)
	}

	return &models.Delegation{
		ID:             uuid.New().String(),
		Delegator:      d.Decider,
		Recipient:      recipient,
		Description:    description,
		Comments:       d.Comments,
		WorkItemID:     workItem.ID,
		ReviewRequired: d.ReviewRequired,
		CreatedAt:      p.now(),
	}, nil
}

// applyToEntity applies entity-scoped kinds: whole-entity delegation
// and revocation, and reassignment.
func (p *Processor) applyToEntity(ctx context.Context, state *batchState, d *models.Decision, entity *models.Entity) error {
	switch d.Kind {
	case models.DecisionKindDelegate:
		if entity.Delegated() {
			return fmt.Errorf("entity %s: already delegated", entity.ID)
		}
		delegation, err := p.buildDelegation(ctx, state, d, entity, "")
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity.ID, err)
		}
		entity.Delegation = delegation
		p.session.SaveEntity(entity)
		return nil

	case models.DecisionKindDelegationRevoke:
		if !entity.Delegated() {
			return fmt.Errorf("entity %s: no active delegation", entity.ID)
		}
		entity.Delegation.Revoked = true
		p.closeWorkItem(ctx, entity.Delegation.WorkItemID)
		p.session.SaveEntity(entity)
		return nil

	case models.DecisionKindReassign:
		return p.applyReassign(ctx, d, entity)

	default:
		return fmt.Errorf("entity %s: unsupported decision kind %q", entity.ID, d.Kind)
	}
}

// applyReassign transfers review ownership of an entity.
func (p *Processor) applyReassign(ctx context.Context, d *models.Decision, entity *models.Entity) error {
	if d.Recipient == "" {
		return fmt.Errorf("entity %s: reassignment recipient is required", entity.ID)
	}
	if p.selfCert(d.Recipient, entity.TargetName) {
		return fmt.Errorf("entity %s: recipient %s cannot certify their own access", entity.ID, d.Recipient)
	}
	if entity.Reassignments >= p.reassignLimit {
		return fmt.Errorf("entity %s: reassignment limit (%d) reached", entity.ID, p.reassignLimit)
	}

	// The shared guard applies to every item moving with the entity.
	items, err := p.session.Items().ListByEntity(ctx, entity.ID)
	if err != nil {
		return fmt.Errorf("entity %s: list items: %w", entity.ID, err)
	}
	for _, item := range items {
		if readOnly, reason := itemReadOnly(item); readOnly {
			return fmt.Errorf("entity %s: item %s: %s", entity.ID, item.ID, reason)
		}
	}

	before := entity.Reviewer
	entity.Reviewer = d.Recipient
	entity.Reassignments++
	p.session.SaveEntity(entity)

	payload, err := json.Marshal(models.AuditPayload{
		Action:      "reassign",
		Target:      entity.ID,
		OwnerBefore: before,
		OwnerAfter:  d.Recipient,
	})
	if err != nil {
		return fmt.Errorf("entity %s: marshal audit payload: %w", entity.ID, err)
	}
	p.session.RecordEvent(&models.Event{
		Type:       models.EventTypeAudit,
		EntityType: models.EntityTypeEntity,
		EntityID:   entity.ID,
		Actor:      d.Decider,
		Payload:    payload,
	})
	return nil
}

// applyDelegationRevoke withdraws an item-level delegation. Whole
// entity revokes route through applyToEntity.
func (p *Processor) applyDelegationRevoke(ctx context.Context, d *models.Decision, item *models.Item, entity *models.Entity) error {
	if !item.Delegated() && !item.AwaitingDelegationReview() {
		return fmt.Errorf("item %s: no active delegation", item.ID)
	}

	p.revokeDelegations(ctx, item, nil)
	if item.Action != nil && item.Action.Status == models.ActionStatusDelegated {
		p.session.RecordHistory(item.ID, item.Action)
		item.Action = nil
	}
	p.session.SaveItem(item)
	p.recordEvent(item, models.EventTypeDelegationRevoked, d.Decider, nil)
	return nil
}

// applyDelegationReview records the delegator's accept or reject of a
// delegate's decision.
func (p *Processor) applyDelegationReview(d *models.Decision, item *models.Item) error {
	if !item.AwaitingDelegationReview() {
		return fmt.Errorf("item %s: no delegation awaiting review", item.ID)
	}

	item.Delegation.Reviewed = true
	if d.Kind == models.DecisionKindReviewReject {
		// Rejecting discards the delegate's decision and returns the
		// item to the delegator undecided.
		item.Delegation.Revoked = true
		if item.Action != nil {
			p.session.RecordHistory(item.ID, item.Action)
			item.Action = nil
		}
		item.ReadyForRemediation = false
	}
	p.session.SaveItem(item)
	p.recordEvent(item, models.EventTypeDelegationReviewed, d.Decider, map[string]string{
		"accepted": fmt.Sprintf("%t", d.Kind == models.DecisionKindReviewAccept),
	})
	return nil
}

// applyChallengeDispute files the affected subject's dispute of a
// revoke while the challenge window is open. The reviewer then owes an
// accept or reject.
func (p *Processor) applyChallengeDispute(ctx context.Context, d *models.Decision, item *models.Item) error {
	challenge := item.Challenge
	if challenge == nil || challenge.State != models.ChallengeStateOpen {
		return fmt.Errorf("item %s: no open challenge window", item.ID)
	}
	if d.Decider != "" && !strings.EqualFold(d.Decider, challenge.Subject) {
		return fmt.Errorf("item %s: only %s may dispute this item", item.ID, challenge.Subject)
	}

	challenge.State = models.ChallengeStateChallenged
	challenge.Comments = d.Comments

	// The subject's dispute task is fulfilled; the decision now sits
	// with the reviewer.
	p.closeWorkItem(ctx, challenge.WorkItemID)
	p.session.SaveItem(item)
	p.recordEvent(item, models.EventTypeChallengeDisputed, d.Decider, nil)
	return nil
}

// applyChallengeDecision resolves a subject's dispute of a revoke.
func (p *Processor) applyChallengeDecision(ctx context.Context, state *batchState, d *models.Decision, item *models.Item, entity *models.Entity) error {
	challenge := item.Challenge
	if challenge == nil || challenge.State != models.ChallengeStateChallenged {
		return fmt.Errorf("item %s: no challenge awaiting a decision", item.ID)
	}

	now := p.now()
	challenge.DecisionComments = d.Comments
	challenge.DecidedAt = &now

	switch d.Kind {
	case models.DecisionKindChallengeAccept:
		challenge.State = models.ChallengeStateAccepted
		if item.Action != nil {
			p.session.RecordHistory(item.ID, item.Action)
			item.Action = nil
		}
		item.ReadyForRemediation = false
		// One-step variant: the accept carries the replacement decision.
		if d.NewStatus != "" {
			p.setAction(item, d, d.NewStatus)
		}
	case models.DecisionKindChallengeReject:
		challenge.State = models.ChallengeStateRejected
	}

	p.closeWorkItem(ctx, challenge.WorkItemID)
	p.session.SaveItem(item)
	p.recordEvent(item, models.EventTypeChallengeDecided, d.Decider, map[string]string{
		"state": string(challenge.State),
	})
	return nil
}

// revokeDelegations withdraws the active delegations covering the item.
func (p *Processor) revokeDelegations(ctx context.Context, item *models.Item, entity *models.Entity) {
	if item.Delegation != nil && (item.Delegation.Active() || item.Delegation.AwaitingReview()) {
		item.Delegation.Revoked = true
		p.detachFromWorkItem(ctx, item.Delegation.WorkItemID, item.ID)
	}
	if entity != nil && entity.Delegated() {
		entity.Delegation.Revoked = true
		p.closeWorkItem(ctx, entity.Delegation.WorkItemID)
		p.session.SaveEntity(entity)
	}
}

// findOrQueueWorkItem returns the recipient's open work item of the
// given type, preferring a pending uncommitted one, then an existing
// stored one, before creating a new one.
func (p *Processor) findOrQueueWorkItem(ctx context.Context, state *batchState, campaignID string, workItemType models.WorkItemType, owner string, d *models.Decision) (*models.WorkItem, error) {
	key := string(workItemType) + "\x00" + owner
	if pending, ok := state.pendingWorkItems[key]; ok {
		return pending, nil
	}

	existing, err := p.session.WorkItems().FindOpen(ctx, campaignID, workItemType, owner)
	if err != nil {
		return nil, fmt.Errorf("find work item: %w", err)
	}
	if existing != nil {
		state.pendingWorkItems[key] = existing
		p.session.SaveWorkItem(existing)
		return existing, nil
	}

	workItem := &models.WorkItem{
		ID:          uuid.New().String(),
		Type:        workItemType,
		State:       models.WorkItemStateOpen,
		Owner:       owner,
		Requester:   d.Decider,
		CampaignID:  campaignID,
		Description: d.Description,
	}
	state.pendingWorkItems[key] = workItem
	p.session.QueueWorkItem(workItem)
	return workItem, nil
}

// detachFromWorkItem removes an item from a task, finishing the task
// when it empties. A task already gone is not an error.
func (p *Processor) detachFromWorkItem(ctx context.Context, workItemID, itemID string) {
	if workItemID == "" {
		return
	}
	workItem, err := p.session.WorkItems().Get(ctx, workItemID)
	if err != nil {
		if !errors.Is(err, db.ErrWorkItemNotFound) {
			p.log.Warn().Err(err).Str("work_item_id", workItemID).Msg("could not load work item")
		}
		return
	}

	kept := workItem.ItemIDs[:0]
	for _, id := range workItem.ItemIDs {
		if id != itemID {
			kept = append(kept, id)
		}
	}
	workItem.ItemIDs = kept
	if len(workItem.ItemIDs) == 0 {
		workItem.State = models.WorkItemStateFinished
	}
	p.session.SaveWorkItem(workItem)
}

// closeWorkItem finishes a task outright.
func (p *Processor) closeWorkItem(ctx context.Context, workItemID string) {
	if workItemID == "" {
		return
	}
	workItem, err := p.session.WorkItems().Get(ctx, workItemID)
	if err != nil {
		if !errors.Is(err, db.ErrWorkItemNotFound) {
			p.log.Warn().Err(err).Str("work_item_id", workItemID).Msg("could not load work item")
		}
		return
	}
	if workItem.State == models.WorkItemStateOpen {
		workItem.State = models.WorkItemStateFinished
		p.session.SaveWorkItem(workItem)
	}
}

func (p *Processor) recordApplied(item *models.Item, d *models.Decision, status models.ActionStatus) {
	payload, err := json.Marshal(models.DecisionAppliedPayload{
		Kind:      d.Kind,
		Status:    status,
		ItemID:    item.ID,
		Decider:   d.Decider,
		Recipient: d.Recipient,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("item_id", item.ID).Msg("could not marshal decision payload")
		payload = nil
	}
	p.session.RecordEvent(&models.Event{
		Type:       models.EventTypeDecisionApplied,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
		Actor:      d.Decider,
		Payload:    payload,
	})
}

func (p *Processor) recordEvent(item *models.Item, eventType models.EventType, actor string, metadata map[string]string) {
	p.session.RecordEvent(&models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeItem,
		EntityID:   item.ID,
		Actor:      actor,
		Metadata:   metadata,
	})
}
