package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/akvistad/attest/internal/models"
)

// Session is a bounded working set over the database. Loads are cached,
// saves are buffered, and Commit writes everything dirty in a single
// transaction. Release drops the accumulated state so long-running
// batch operations keep memory bounded.
type Session struct {
	db *DB

	campaigns *CampaignRepository
	entities  *EntityRepository
	items     *ItemRepository
	workItems *WorkItemRepository
	events    *EventRepository

	cachedItems    map[string]*models.Item
	cachedEntities map[string]*models.Entity

	dirtyCampaigns map[string]*models.Campaign
	dirtyEntities  map[string]*models.Entity
	dirtyItems     map[string]*models.Item
	dirtyWorkItems map[string]*models.WorkItem
	newWorkItems   []*models.WorkItem

	pendingHistory []pendingHistory
	pendingEvents  []*models.Event
}

type pendingHistory struct {
	itemID string
	action *models.Action
}

// NewSession creates a working set over db.
func NewSession(db *DB) *Session {
	s := &Session{
		db:        db,
		campaigns: NewCampaignRepository(db),
		entities:  NewEntityRepository(db),
		items:     NewItemRepository(db),
		workItems: NewWorkItemRepository(db),
		events:    NewEventRepository(db),
	}
	s.Release()
	return s
}

// Campaigns exposes the campaign repository for read paths.
func (s *Session) Campaigns() *CampaignRepository { return s.campaigns }

// Items exposes the item repository for read paths.
func (s *Session) Items() *ItemRepository { return s.items }

// Entities exposes the entity repository for read paths.
func (s *Session) Entities() *EntityRepository { return s.entities }

// WorkItems exposes the work item repository for read paths.
func (s *Session) WorkItems() *WorkItemRepository { return s.workItems }

// Item loads an item through the working-set cache.
func (s *Session) Item(ctx context.Context, id string) (*models.Item, error) {
	if item, ok := s.cachedItems[id]; ok {
		return item, nil
	}
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachedItems[id] = item
	return item, nil
}

// Entity loads an entity through the working-set cache.
func (s *Session) Entity(ctx context.Context, id string) (*models.Entity, error) {
	if entity, ok := s.cachedEntities[id]; ok {
		return entity, nil
	}
	entity, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachedEntities[id] = entity
	return entity, nil
}

// SaveCampaign buffers a campaign update until the next Commit.
func (s *Session) SaveCampaign(campaign *models.Campaign) {
	s.dirtyCampaigns[campaign.ID] = campaign
}

// SaveEntity buffers an entity update until the next Commit.
func (s *Session) SaveEntity(entity *models.Entity) {
	s.cachedEntities[entity.ID] = entity
	s.dirtyEntities[entity.ID] = entity
}

// SaveItem buffers an item update until the next Commit.
func (s *Session) SaveItem(item *models.Item) {
	s.cachedItems[item.ID] = item
	s.dirtyItems[item.ID] = item
}

// SaveWorkItem buffers a work item update until the next Commit.
func (s *Session) SaveWorkItem(workItem *models.WorkItem) {
	s.dirtyWorkItems[workItem.ID] = workItem
}

// QueueWorkItem buffers a brand-new work item until the next Commit.
func (s *Session) QueueWorkItem(workItem *models.WorkItem) {
	s.newWorkItems = append(s.newWorkItems, workItem)
}

// RecordHistory buffers an action-history snapshot. The snapshot is
// written in the same transaction as the item mutation it protects.
func (s *Session) RecordHistory(itemID string, action *models.Action) {
	snapshot := *action
	s.pendingHistory = append(s.pendingHistory, pendingHistory{itemID: itemID, action: &snapshot})
}

// RecordEvent buffers an event until the next Commit.
func (s *Session) RecordEvent(event *models.Event) {
	s.pendingEvents = append(s.pendingEvents, event)
}

// DirtyCount reports how many buffered mutations the next Commit writes.
func (s *Session) DirtyCount() int {
	return len(s.dirtyCampaigns) + len(s.dirtyEntities) + len(s.dirtyItems) +
		len(s.dirtyWorkItems) + len(s.newWorkItems) +
		len(s.pendingHistory) + len(s.pendingEvents)
}

// Commit writes every buffered mutation in one transaction and clears
// the dirty sets. The read cache survives; call Release to drop it.
func (s *Session) Commit(ctx context.Context) error {
	if s.DirtyCount() == 0 {
		return nil
	}

	err := s.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		// History first: an action snapshot must exist before the
		// mutation that clears it lands.
		for _, record := range s.pendingHistory {
			if err := s.items.RecordHistoryTx(ctx, tx, record.itemID, record.action); err != nil {
				return err
			}
		}
		for _, id := range sortedKeys(s.dirtyItems) {
			if err := s.items.SaveTx(ctx, tx, s.dirtyItems[id]); err != nil {
				return fmt.Errorf("item %s: %w", id, err)
			}
		}
		for _, id := range sortedKeys(s.dirtyEntities) {
			if err := s.entities.SaveTx(ctx, tx, s.dirtyEntities[id]); err != nil {
				return fmt.Errorf("entity %s: %w", id, err)
			}
		}
		for _, workItem := range s.newWorkItems {
			if err := s.workItems.CreateTx(ctx, tx, workItem); err != nil {
				return err
			}
		}
		for _, id := range sortedKeys(s.dirtyWorkItems) {
			if err := s.workItems.SaveTx(ctx, tx, s.dirtyWorkItems[id]); err != nil {
				return fmt.Errorf("work item %s: %w", id, err)
			}
		}
		for _, id := range sortedKeys(s.dirtyCampaigns) {
			if err := s.campaigns.SaveTx(ctx, tx, s.dirtyCampaigns[id]); err != nil {
				return fmt.Errorf("campaign %s: %w", id, err)
			}
		}
		for _, event := range s.pendingEvents {
			if err := s.events.CreateTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dirtyCampaigns = make(map[string]*models.Campaign)
	s.dirtyEntities = make(map[string]*models.Entity)
	s.dirtyItems = make(map[string]*models.Item)
	s.dirtyWorkItems = make(map[string]*models.WorkItem)
	s.newWorkItems = nil
	s.pendingHistory = nil
	s.pendingEvents = nil
	return nil
}

// Release drops the read cache and any uncommitted mutations, bounding
// memory across large batches.
func (s *Session) Release() {
	s.cachedItems = make(map[string]*models.Item)
	s.cachedEntities = make(map[string]*models.Entity)
	s.dirtyCampaigns = make(map[string]*models.Campaign)
	s.dirtyEntities = make(map[string]*models.Entity)
	s.dirtyItems = make(map[string]*models.Item)
	s.dirtyWorkItems = make(map[string]*models.WorkItem)
	s.newWorkItems = nil
	s.pendingHistory = nil
	s.pendingEvents = nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
