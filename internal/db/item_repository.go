package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akvistad/attest/internal/models"
)

// Item repository errors.
var (
	ErrItemNotFound = errors.New("item not found")
)

const itemColumns = `id, campaign_id, entity_id, type, phase,
	ready_for_remediation, action_json, delegation_json, challenge_json, payload_json,
	created_at, updated_at`

// ItemRepository handles item and action-history persistence.
type ItemRepository struct {
	db *DB
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create adds a new item.
func (r *ItemRepository) Create(ctx context.Context, item *models.Item) error {
	if item.CampaignID == "" {
		return fmt.Errorf("item campaign id is required")
	}
	if item.EntityID == "" {
		return fmt.Errorf("item entity id is required")
	}
	if item.Type == "" {
		return fmt.Errorf("item type is required")
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Phase == "" {
		item.Phase = models.PhaseActive
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	columns, err := itemJSONColumns(item)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO items (
			id, campaign_id, entity_id, type, phase,
			ready_for_remediation, decided, delegation_active,
			action_json, delegation_json, challenge_json, payload_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.CampaignID,
		item.EntityID,
		string(item.Type),
		string(item.Phase),
		boolToInt(item.ReadyForRemediation),
		boolToInt(item.Decided()),
		boolToInt(item.Delegated()),
		columns.action,
		columns.delegation,
		columns.challenge,
		columns.payload,
		item.CreatedAt.Format(time.RFC3339),
		item.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}

	return nil
}

// Get loads an item by id.
func (r *ItemRepository) Get(ctx context.Context, id string) (*models.Item, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = ?
	`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return item, err
}

// FindIDs resolves a filter to item ids in stable id order. Limit and
// offset page through large result sets so callers can chunk.
func (r *ItemRepository) FindIDs(ctx context.Context, filter models.ItemFilter, limit, offset int) ([]string, error) {
	where := []string{"campaign_id = ?"}
	args := []any{filter.CampaignID}

	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Undecided {
		where = append(where, "decided = 0")
	}
	if filter.ReadyForRemediation {
		where = append(where, "ready_for_remediation = 1")
	}

	query := "SELECT id FROM items WHERE " + strings.Join(where, " AND ") + " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query item ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item ids: %w", err)
	}
	return ids, nil
}

// ListByEntity returns an entity's items in stable id order.
func (r *ItemRepository) ListByEntity(ctx context.Context, entityID string) ([]*models.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE entity_id = ?
		ORDER BY id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListReady returns a campaign's items awaiting remediation, in stable
// id order.
func (r *ItemRepository) ListReady(ctx context.Context, campaignID string) ([]*models.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE campaign_id = ? AND ready_for_remediation = 1
		ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListByCampaign returns all of a campaign's items in stable id order.
func (r *ItemRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE campaign_id = ?
		ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ItemStats summarizes item progress for one campaign.
type ItemStats struct {
	Total             int
	Decided           int
	ActiveDelegations int
}

// Stats computes item counters for a campaign.
func (r *ItemRepository) Stats(ctx context.Context, campaignID string) (ItemStats, error) {
	var stats ItemStats
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(decided), 0),
			COALESCE(SUM(delegation_active), 0)
		FROM items
		WHERE campaign_id = ?
	`, campaignID)
	if err := row.Scan(&stats.Total, &stats.Decided, &stats.ActiveDelegations); err != nil {
		return ItemStats{}, fmt.Errorf("failed to scan item stats: %w", err)
	}
	return stats, nil
}

// Save updates an existing item.
func (r *ItemRepository) Save(ctx context.Context, item *models.Item) error {
	return r.saveIn(ctx, r.db, item)
}

// SaveTx updates an existing item inside a transaction.
func (r *ItemRepository) SaveTx(ctx context.Context, tx *sql.Tx, item *models.Item) error {
	return r.saveIn(ctx, tx, item)
}

func (r *ItemRepository) saveIn(ctx context.Context, e execer, item *models.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}

	item.UpdatedAt = time.Now().UTC()

	columns, err := itemJSONColumns(item)
	if err != nil {
		return err
	}

	result, err := e.ExecContext(ctx, `
		UPDATE items
		SET phase = ?, ready_for_remediation = ?, decided = ?, delegation_active = ?,
			action_json = ?, delegation_json = ?, challenge_json = ?, payload_json = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(item.Phase),
		boolToInt(item.ReadyForRemediation),
		boolToInt(item.Decided()),
		boolToInt(item.Delegated()),
		columns.action,
		columns.delegation,
		columns.challenge,
		columns.payload,
		item.UpdatedAt.Format(time.RFC3339),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}

	return nil
}

// RecordHistory appends a snapshot of an item's action. Undo clears the
// stored action only after its history row exists.
func (r *ItemRepository) RecordHistory(ctx context.Context, itemID string, action *models.Action) error {
	return r.recordHistoryIn(ctx, r.db, itemID, action)
}

// RecordHistoryTx appends an action snapshot inside a transaction.
func (r *ItemRepository) RecordHistoryTx(ctx context.Context, tx *sql.Tx, itemID string, action *models.Action) error {
	return r.recordHistoryIn(ctx, tx, itemID, action)
}

func (r *ItemRepository) recordHistoryIn(ctx context.Context, e execer, itemID string, action *models.Action) error {
	if itemID == "" {
		return fmt.Errorf("item id is required")
	}
	if action == nil {
		return fmt.Errorf("action is required")
	}

	actionJSON, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO action_history (id, item_id, action_json, recorded_at)
		VALUES (?, ?, ?, ?)
	`,
		uuid.New().String(),
		itemID,
		string(actionJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action history: %w", err)
	}
	return nil
}

// ListHistory returns an item's action snapshots, oldest first. Sorted
// by rowid: recorded_at only has second resolution, so it cannot break
// ties between snapshots taken in the same second.
func (r *ItemRepository) ListHistory(ctx context.Context, itemID string) ([]*models.Action, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_json
		FROM action_history
		WHERE item_id = ?
		ORDER BY rowid
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action history: %w", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		var actionJSON string
		if err := rows.Scan(&actionJSON); err != nil {
			return nil, fmt.Errorf("failed to scan action history: %w", err)
		}
		var action models.Action
		if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action history: %w", err)
		}
		actions = append(actions, &action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action history: %w", err)
	}
	return actions, nil
}

type itemJSON struct {
	action     *string
	delegation *string
	challenge  *string
	payload    *string
}

func itemJSONColumns(item *models.Item) (itemJSON, error) {
	var columns itemJSON
	var err error

	if item.Action != nil {
		if columns.action, err = marshalJSONPtr(item.Action); err != nil {
			return columns, fmt.Errorf("failed to marshal action: %w", err)
		}
	}
	if item.Delegation != nil {
		if columns.delegation, err = marshalJSONPtr(item.Delegation); err != nil {
			return columns, fmt.Errorf("failed to marshal delegation: %w", err)
		}
	}
	if item.Challenge != nil {
		if columns.challenge, err = marshalJSONPtr(item.Challenge); err != nil {
			return columns, fmt.Errorf("failed to marshal challenge: %w", err)
		}
	}
	if len(item.Payload) > 0 {
		s := string(item.Payload)
		columns.payload = &s
	}

	return columns, nil
}

func scanItems(rows *sql.Rows) ([]*models.Item, error) {
	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var itemType, phase string
	var ready int
	var actionJSON, delegationJSON, challengeJSON, payloadJSON sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&item.ID,
		&item.CampaignID,
		&item.EntityID,
		&itemType,
		&phase,
		&ready,
		&actionJSON,
		&delegationJSON,
		&challengeJSON,
		&payloadJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Type = models.ItemType(itemType)
	item.Phase = models.Phase(phase)
	item.ReadyForRemediation = ready != 0

	if actionJSON.Valid && actionJSON.String != "" {
		var action models.Action
		if err := unmarshalJSON(actionJSON, &action); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action: %w", err)
		}
		item.Action = &action
	}
	if delegationJSON.Valid && delegationJSON.String != "" {
		var delegation models.Delegation
		if err := unmarshalJSON(delegationJSON, &delegation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delegation: %w", err)
		}
		item.Delegation = &delegation
	}
	if challengeJSON.Valid && challengeJSON.String != "" {
		var challenge models.Challenge
		if err := unmarshalJSON(challengeJSON, &challenge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
		}
		item.Challenge = &challenge
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		item.Payload = json.RawMessage(payloadJSON.String)
	}

	var err error
	if item.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &item, nil
}
