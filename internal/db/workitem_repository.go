package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akvistad/attest/internal/models"
)

// Work item repository errors.
var (
	ErrWorkItemNotFound = errors.New("work item not found")
)

const workItemColumns = `id, type, state, owner, requester, campaign_id, entity_id,
	item_ids_json, description, notification_sent, expires_at, created_at, updated_at`

// WorkItemRepository handles work item persistence.
type WorkItemRepository struct {
	db *DB
}

// NewWorkItemRepository creates a new WorkItemRepository.
func NewWorkItemRepository(db *DB) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

// Create adds a new work item.
func (r *WorkItemRepository) Create(ctx context.Context, workItem *models.WorkItem) error {
	return r.createIn(ctx, r.db, workItem)
}

// CreateTx adds a new work item inside a transaction.
func (r *WorkItemRepository) CreateTx(ctx context.Context, tx *sql.Tx, workItem *models.WorkItem) error {
	return r.createIn(ctx, tx, workItem)
}

func (r *WorkItemRepository) createIn(ctx context.Context, e execer, workItem *models.WorkItem) error {
	if workItem.Type == "" {
		return fmt.Errorf("work item type is required")
	}
	if workItem.Owner == "" {
		return fmt.Errorf("work item owner is required")
	}
	if workItem.CampaignID == "" {
		return fmt.Errorf("work item campaign id is required")
	}

	if workItem.ID == "" {
		workItem.ID = uuid.New().String()
	}
	if workItem.State == "" {
		workItem.State = models.WorkItemStateOpen
	}

	now := time.Now().UTC()
	workItem.CreatedAt = now
	workItem.UpdatedAt = now

	var itemIDsJSON *string
	if workItem.ItemIDs != nil {
		var err error
		if itemIDsJSON, err = marshalJSONPtr(workItem.ItemIDs); err != nil {
			return fmt.Errorf("failed to marshal item ids: %w", err)
		}
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO work_items (
			id, type, state, owner, requester, campaign_id, entity_id,
			item_ids_json, description, notification_sent, expires_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		workItem.ID,
		string(workItem.Type),
		string(workItem.State),
		workItem.Owner,
		workItem.Requester,
		workItem.CampaignID,
		workItem.EntityID,
		itemIDsJSON,
		workItem.Description,
		boolToInt(workItem.NotificationSent),
		stringTimePtr(workItem.ExpiresAt),
		workItem.CreatedAt.Format(time.RFC3339),
		workItem.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}

	return nil
}

// Get loads a work item by id.
func (r *WorkItemRepository) Get(ctx context.Context, id string) (*models.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE id = ?
	`, id)

	workItem, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkItemNotFound
	}
	return workItem, err
}

// FindOpen returns the oldest open work item of the given type for one
// owner on one campaign, or nil when none exists. The remediation
// manager appends to this instead of opening a second task.
func (r *WorkItemRepository) FindOpen(ctx context.Context, campaignID string, workItemType models.WorkItemType, owner string) (*models.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE campaign_id = ? AND type = ? AND owner = ? AND state = 'open'
		ORDER BY created_at, id
		LIMIT 1
	`, campaignID, string(workItemType), owner)

	workItem, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return workItem, err
}

// ListOpenByCampaign returns a campaign's open work items, optionally
// restricted to one type.
func (r *WorkItemRepository) ListOpenByCampaign(ctx context.Context, campaignID string, workItemType models.WorkItemType) ([]*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE campaign_id = ? AND state = 'open'`
	args := []any{campaignID}
	if workItemType != "" {
		query += ` AND type = ?`
		args = append(args, string(workItemType))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	var workItems []*models.WorkItem
	for rows.Next() {
		workItem, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		workItems = append(workItems, workItem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}
	return workItems, nil
}

// Save updates an existing work item.
func (r *WorkItemRepository) Save(ctx context.Context, workItem *models.WorkItem) error {
	return r.saveIn(ctx, r.db, workItem)
}

// SaveTx updates an existing work item inside a transaction.
func (r *WorkItemRepository) SaveTx(ctx context.Context, tx *sql.Tx, workItem *models.WorkItem) error {
	return r.saveIn(ctx, tx, workItem)
}

func (r *WorkItemRepository) saveIn(ctx context.Context, e execer, workItem *models.WorkItem) error {
	if workItem.ID == "" {
		return fmt.Errorf("work item id is required")
	}

	workItem.UpdatedAt = time.Now().UTC()

	var itemIDsJSON *string
	if workItem.ItemIDs != nil {
		var err error
		if itemIDsJSON, err = marshalJSONPtr(workItem.ItemIDs); err != nil {
			return fmt.Errorf("failed to marshal item ids: %w", err)
		}
	}

	result, err := e.ExecContext(ctx, `
		UPDATE work_items
		SET state = ?, owner = ?, requester = ?, entity_id = ?,
			item_ids_json = ?, description = ?, notification_sent = ?, expires_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(workItem.State),
		workItem.Owner,
		workItem.Requester,
		workItem.EntityID,
		itemIDsJSON,
		workItem.Description,
		boolToInt(workItem.NotificationSent),
		stringTimePtr(workItem.ExpiresAt),
		workItem.UpdatedAt.Format(time.RFC3339),
		workItem.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkItemNotFound
	}

	return nil
}

// Delete removes a work item, used when a stale challenge task is
// cleaned up on phase exit.
func (r *WorkItemRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete work item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkItemNotFound
	}
	return nil
}

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var workItem models.WorkItem
	var workItemType, state string
	var requester, entityID, itemIDsJSON, description sql.NullString
	var notificationSent int
	var expiresAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&workItem.ID,
		&workItemType,
		&state,
		&workItem.Owner,
		&requester,
		&workItem.CampaignID,
		&entityID,
		&itemIDsJSON,
		&description,
		&notificationSent,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	workItem.Type = models.WorkItemType(workItemType)
	workItem.State = models.WorkItemState(state)
	workItem.NotificationSent = notificationSent != 0
	if requester.Valid {
		workItem.Requester = requester.String
	}
	if entityID.Valid {
		workItem.EntityID = entityID.String
	}
	if description.Valid {
		workItem.Description = description.String
	}
	if err := unmarshalJSON(itemIDsJSON, &workItem.ItemIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item ids: %w", err)
	}

	var err error
	if workItem.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if workItem.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if workItem.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &workItem, nil
}
