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

// Entity repository errors.
var (
	ErrEntityNotFound = errors.New("entity not found")
)

// EntityRepository handles entity persistence.
type EntityRepository struct {
	db *DB
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db *DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Create adds a new entity.
func (r *EntityRepository) Create(ctx context.Context, entity *models.Entity) error {
	if entity.CampaignID == "" {
		return fmt.Errorf("entity campaign id is required")
	}
	if entity.TargetName == "" {
		return fmt.Errorf("entity target name is required")
	}

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	delegationJSON, err := delegationColumn(entity.Delegation)
	if err != nil {
		return fmt.Errorf("failed to marshal delegation: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (
			id, campaign_id, kind, target_name, target_id,
			reviewer, reassignments,
			delegation_json, delegation_active, completed,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entity.ID,
		entity.CampaignID,
		string(entity.Kind),
		entity.TargetName,
		entity.TargetID,
		entity.Reviewer,
		entity.Reassignments,
		delegationJSON,
		boolToInt(entity.Delegated()),
		boolToInt(entity.Completed),
		entity.CreatedAt.Format(time.RFC3339),
		entity.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	return nil
}

// Get loads an entity by id.
func (r *EntityRepository) Get(ctx context.Context, id string) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, kind, target_name, target_id,
			reviewer, reassignments,
			delegation_json, completed, created_at, updated_at
		FROM entities
		WHERE id = ?
	`, id)

	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return entity, err
}

// ListByCampaign returns a campaign's entities in stable target-name
// order.
func (r *EntityRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, kind, target_name, target_id,
			reviewer, reassignments,
			delegation_json, completed, created_at, updated_at
		FROM entities
		WHERE campaign_id = ?
		ORDER BY target_name, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// EntityStats summarizes entity progress for one campaign.
type EntityStats struct {
	Total             int
	Completed         int
	ActiveDelegations int
}

// Stats computes entity counters for a campaign.
func (r *EntityRepository) Stats(ctx context.Context, campaignID string) (EntityStats, error) {
	var stats EntityStats
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(delegation_active), 0)
		FROM entities
		WHERE campaign_id = ?
	`, campaignID)
	if err := row.Scan(&stats.Total, &stats.Completed, &stats.ActiveDelegations); err != nil {
		return EntityStats{}, fmt.Errorf("failed to scan entity stats: %w", err)
	}
	return stats, nil
}

// Save updates an existing entity.
func (r *EntityRepository) Save(ctx context.Context, entity *models.Entity) error {
	return r.saveIn(ctx, r.db, entity)
}

// SaveTx updates an existing entity inside a transaction.
func (r *EntityRepository) SaveTx(ctx context.Context, tx *sql.Tx, entity *models.Entity) error {
	return r.saveIn(ctx, tx, entity)
}

func (r *EntityRepository) saveIn(ctx context.Context, e execer, entity *models.Entity) error {
	if entity.ID == "" {
		return fmt.Errorf("entity id is required")
	}

	entity.UpdatedAt = time.Now().UTC()

	delegationJSON, err := delegationColumn(entity.Delegation)
	if err != nil {
		return fmt.Errorf("failed to marshal delegation: %w", err)
	}

	result, err := e.ExecContext(ctx, `
		UPDATE entities
		SET kind = ?, target_name = ?, target_id = ?,
			reviewer = ?, reassignments = ?,
			delegation_json = ?, delegation_active = ?, completed = ?, updated_at = ?
		WHERE id = ?
	`,
		string(entity.Kind),
		entity.TargetName,
		entity.TargetID,
		entity.Reviewer,
		entity.Reassignments,
		delegationJSON,
		boolToInt(entity.Delegated()),
		boolToInt(entity.Completed),
		entity.UpdatedAt.Format(time.RFC3339),
		entity.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func delegationColumn(delegation *models.Delegation) (*string, error) {
	if delegation == nil {
		return nil, nil
	}
	return marshalJSONPtr(delegation)
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var entity models.Entity
	var kind string
	var targetID, reviewer sql.NullString
	var delegationJSON sql.NullString
	var completed int
	var createdAt, updatedAt string

	if err := row.Scan(
		&entity.ID,
		&entity.CampaignID,
		&kind,
		&entity.TargetName,
		&targetID,
		&reviewer,
		&entity.Reassignments,
		&delegationJSON,
		&completed,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	entity.Kind = models.EntityKind(kind)
	entity.Completed = completed != 0
	if targetID.Valid {
		entity.TargetID = targetID.String
	}
	if reviewer.Valid {
		entity.Reviewer = reviewer.String
	}

	if delegationJSON.Valid && delegationJSON.String != "" {
		var delegation models.Delegation
		if err := unmarshalJSON(delegationJSON, &delegation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delegation: %w", err)
		}
		entity.Delegation = &delegation
	}

	var err error
	if entity.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if entity.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &entity, nil
}
