package db

// schemaStatements is the full schema, applied in order. Statements are
// idempotent so Migrate can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		phase TEXT NOT NULL,
		phase_end TEXT,
		rolling INTEGER NOT NULL DEFAULT 0,
		skip_challenge INTEGER NOT NULL DEFAULT 0,
		skip_remediation INTEGER NOT NULL DEFAULT 0,
		challenge_duration_seconds INTEGER NOT NULL DEFAULT 0,
		remediation_duration_seconds INTEGER NOT NULL DEFAULT 0,
		signed INTEGER NOT NULL DEFAULT 0,
		signed_at TEXT,
		completed_items INTEGER NOT NULL DEFAULT 0,
		total_items INTEGER NOT NULL DEFAULT 0,
		completed_entities INTEGER NOT NULL DEFAULT 0,
		total_entities INTEGER NOT NULL DEFAULT 0,
		active_delegations INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		kind TEXT NOT NULL,
		target_name TEXT NOT NULL,
		target_id TEXT,
		reviewer TEXT,
		reassignments INTEGER NOT NULL DEFAULT 0,
		delegation_json TEXT,
		delegation_active INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_campaign ON entities(campaign_id, target_name)`,

	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		entity_id TEXT NOT NULL REFERENCES entities(id),
		type TEXT NOT NULL,
		phase TEXT NOT NULL,
		ready_for_remediation INTEGER NOT NULL DEFAULT 0,
		decided INTEGER NOT NULL DEFAULT 0,
		delegation_active INTEGER NOT NULL DEFAULT 0,
		action_json TEXT,
		delegation_json TEXT,
		challenge_json TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_campaign ON items(campaign_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_entity ON items(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_ready ON items(campaign_id, ready_for_remediation)`,

	`CREATE TABLE IF NOT EXISTS action_history (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES items(id),
		action_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_action_history_item ON action_history(item_id, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		owner TEXT NOT NULL,
		requester TEXT,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		entity_id TEXT,
		item_ids_json TEXT,
		description TEXT,
		notification_sent INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_owner ON work_items(campaign_id, owner, type, state)`,

	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor TEXT,
		payload_json TEXT,
		metadata_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
}
