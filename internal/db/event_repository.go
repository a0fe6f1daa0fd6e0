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

// Event repository errors.
var (
	ErrInvalidEvent = errors.New("invalid event")
)

// EventRepository handles event-log persistence.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery defines filters for querying events.
type EventQuery struct {
	Type       *models.EventType
	EntityType *models.EntityType
	EntityID   *string
	Actor      *string
	Since      *time.Time // events at or after this time (inclusive)
	Limit      int
}

// Create appends a new event to the event log.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.createIn(ctx, r.db, event)
}

// CreateTx appends a new event using an existing transaction.
func (r *EventRepository) CreateTx(ctx context.Context, tx *sql.Tx, event *models.Event) error {
	return r.createIn(ctx, tx, event)
}

func (r *EventRepository) createIn(ctx context.Context, e execer, event *models.Event) error {
	if event.Type == "" || event.EntityType == "" || event.EntityID == "" {
		return ErrInvalidEvent
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	var payloadJSON *string
	if len(event.Payload) > 0 {
		s := string(event.Payload)
		payloadJSON = &s
	}

	var metadataJSON *string
	if event.Metadata != nil {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO events (
			id, timestamp, type, entity_type, entity_id, actor, payload_json, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.Format(time.RFC3339),
		string(event.Type),
		string(event.EntityType),
		event.EntityID,
		event.Actor,
		payloadJSON,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// Query returns events matching the query, oldest first.
func (r *EventRepository) Query(ctx context.Context, query EventQuery) ([]*models.Event, error) {
	where := []string{"1=1"}
	var args []any

	if query.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*query.Type))
	}
	if query.EntityType != nil {
		where = append(where, "entity_type = ?")
		args = append(args, string(*query.EntityType))
	}
	if query.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, *query.EntityID)
	}
	if query.Actor != nil {
		where = append(where, "actor = ?")
		args = append(args, *query.Actor)
	}
	if query.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339))
	}

	sqlQuery := `
		SELECT id, timestamp, type, entity_type, entity_id, actor, payload_json, metadata_json
		FROM events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY timestamp, id`
	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var event models.Event
	var timestamp, eventType, entityType string
	var actor, payloadJSON, metadataJSON sql.NullString

	if err := rows.Scan(
		&event.ID,
		&timestamp,
		&eventType,
		&entityType,
		&event.EntityID,
		&actor,
		&payloadJSON,
		&metadataJSON,
	); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	if actor.Valid {
		event.Actor = actor.String
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		event.Payload = json.RawMessage(payloadJSON.String)
	}
	if err := unmarshalJSON(metadataJSON, &event.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	parsed, err := parseTime("timestamp", timestamp)
	if err != nil {
		return nil, err
	}
	event.Timestamp = parsed

	return &event, nil
}
