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

// Campaign repository errors.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
)

// CampaignRepository handles campaign persistence.
type CampaignRepository struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create adds a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	if campaign.Name == "" {
		return fmt.Errorf("campaign name is required")
	}
	if campaign.Type == "" {
		return fmt.Errorf("campaign type is required")
	}

	if campaign.ID == "" {
		campaign.ID = uuid.New().String()
	}
	if campaign.Phase == "" {
		campaign.Phase = models.PhaseActive
	}

	now := time.Now().UTC()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, name, type, phase, phase_end,
			rolling, skip_challenge, skip_remediation,
			challenge_duration_seconds, remediation_duration_seconds,
			signed, signed_at,
			completed_items, total_items, completed_entities, total_entities, active_delegations,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		campaign.ID,
		campaign.Name,
		string(campaign.Type),
		string(campaign.Phase),
		stringTimePtr(campaign.PhaseEnd),
		boolToInt(campaign.PhaseConfig.Rolling),
		boolToInt(campaign.PhaseConfig.SkipChallenge),
		boolToInt(campaign.PhaseConfig.SkipRemediation),
		int(campaign.PhaseConfig.ChallengeDuration/time.Second),
		int(campaign.PhaseConfig.RemediationDuration/time.Second),
		boolToInt(campaign.Signed),
		stringTimePtr(campaign.SignedAt),
		campaign.CompletedItems,
		campaign.TotalItems,
		campaign.CompletedEntities,
		campaign.TotalEntities,
		campaign.ActiveDelegations,
		campaign.CreatedAt.Format(time.RFC3339),
		campaign.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}

	return nil
}

// Get loads a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			id, name, type, phase, phase_end,
			rolling, skip_challenge, skip_remediation,
			challenge_duration_seconds, remediation_duration_seconds,
			signed, signed_at,
			completed_items, total_items, completed_entities, total_entities, active_delegations,
			created_at, updated_at
		FROM campaigns
		WHERE id = ?
	`, id)

	campaign, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	return campaign, err
}

// List returns all campaigns ordered by creation time.
func (r *CampaignRepository) List(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, name, type, phase, phase_end,
			rolling, skip_challenge, skip_remediation,
			challenge_duration_seconds, remediation_duration_seconds,
			signed, signed_at,
			completed_items, total_items, completed_entities, total_entities, active_delegations,
			created_at, updated_at
		FROM campaigns
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	return campaigns, nil
}

// ListPhaseDue returns unsigned, unclosed campaigns whose fixed phase
// window expired at or before now, for the phase scheduler.
func (r *CampaignRepository) ListPhaseDue(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, name, type, phase, phase_end,
			rolling, skip_challenge, skip_remediation,
			challenge_duration_seconds, remediation_duration_seconds,
			signed, signed_at,
			completed_items, total_items, completed_entities, total_entities, active_delegations,
			created_at, updated_at
		FROM campaigns
		WHERE phase != 'closed' AND phase_end IS NOT NULL AND phase_end <= ?
		ORDER BY phase_end
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	return campaigns, nil
}

// Save updates an existing campaign.
func (r *CampaignRepository) Save(ctx context.Context, campaign *models.Campaign) error {
	return r.saveIn(ctx, r.db, campaign)
}

// SaveTx updates an existing campaign inside a transaction.
func (r *CampaignRepository) SaveTx(ctx context.Context, tx *sql.Tx, campaign *models.Campaign) error {
	return r.saveIn(ctx, tx, campaign)
}

func (r *CampaignRepository) saveIn(ctx context.Context, e execer, campaign *models.Campaign) error {
	if campaign.ID == "" {
		return fmt.Errorf("campaign id is required")
	}

	campaign.UpdatedAt = time.Now().UTC()

	result, err := e.ExecContext(ctx, `
		UPDATE campaigns
		SET name = ?, type = ?, phase = ?, phase_end = ?,
			rolling = ?, skip_challenge = ?, skip_remediation = ?,
			challenge_duration_seconds = ?, remediation_duration_seconds = ?,
			signed = ?, signed_at = ?,
			completed_items = ?, total_items = ?, completed_entities = ?, total_entities = ?, active_delegations = ?,
			updated_at = ?
		WHERE id = ?
	`,
		campaign.Name,
		string(campaign.Type),
		string(campaign.Phase),
		stringTimePtr(campaign.PhaseEnd),
		boolToInt(campaign.PhaseConfig.Rolling),
		boolToInt(campaign.PhaseConfig.SkipChallenge),
		boolToInt(campaign.PhaseConfig.SkipRemediation),
		int(campaign.PhaseConfig.ChallengeDuration/time.Second),
		int(campaign.PhaseConfig.RemediationDuration/time.Second),
		boolToInt(campaign.Signed),
		stringTimePtr(campaign.SignedAt),
		campaign.CompletedItems,
		campaign.TotalItems,
		campaign.CompletedEntities,
		campaign.TotalEntities,
		campaign.ActiveDelegations,
		campaign.UpdatedAt.Format(time.RFC3339),
		campaign.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCampaignNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var campaign models.Campaign
	var campaignType, phase string
	var phaseEnd, signedAt sql.NullString
	var rolling, skipChallenge, skipRemediation, signed int
	var challengeSeconds, remediationSeconds int64
	var createdAt, updatedAt string

	if err := row.Scan(
		&campaign.ID,
		&campaign.Name,
		&campaignType,
		&phase,
		&phaseEnd,
		&rolling,
		&skipChallenge,
		&skipRemediation,
		&challengeSeconds,
		&remediationSeconds,
		&signed,
		&signedAt,
		&campaign.CompletedItems,
		&campaign.TotalItems,
		&campaign.CompletedEntities,
		&campaign.TotalEntities,
		&campaign.ActiveDelegations,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}

	campaign.Type = models.CampaignType(campaignType)
	campaign.Phase = models.Phase(phase)
	campaign.Signed = signed != 0
	campaign.PhaseConfig = models.PhaseConfig{
		Rolling:             rolling != 0,
		SkipChallenge:       skipChallenge != 0,
		SkipRemediation:     skipRemediation != 0,
		ChallengeDuration:   time.Duration(challengeSeconds) * time.Second,
		RemediationDuration: time.Duration(remediationSeconds) * time.Second,
	}

	var err error
	if campaign.PhaseEnd, err = parseTimePtr(phaseEnd); err != nil {
		return nil, fmt.Errorf("failed to parse phase_end: %w", err)
	}
	if campaign.SignedAt, err = parseTimePtr(signedAt); err != nil {
		return nil, fmt.Errorf("failed to parse signed_at: %w", err)
	}
	if campaign.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if campaign.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &campaign, nil
}
