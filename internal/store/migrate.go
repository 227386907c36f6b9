// Package store: database schema migration management.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// migration is one schema step. Migrations are additive-only and applied in
// ascending version order at startup.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial_schema",
		SQL: `
CREATE TABLE IF NOT EXISTS entities (
	local_id TEXT PRIMARY KEY,
	remote_id TEXT UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('conversation', 'preferences', 'progress')),
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	sync_status TEXT NOT NULL CHECK(sync_status IN ('pending', 'synced', 'conflict'))
);

CREATE TABLE IF NOT EXISTS messages (
	local_id TEXT PRIMARY KEY,
	remote_id TEXT UNIQUE,
	conversation_local_id TEXT NOT NULL
		REFERENCES entities(local_id) ON DELETE CASCADE,
	sequence_index INTEGER NOT NULL,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	sync_status TEXT NOT NULL CHECK(sync_status IN ('pending', 'synced', 'conflict')),
	UNIQUE(conversation_local_id, sequence_index)
);

CREATE VIRTUAL TABLE IF NOT EXISTS entity_search USING fts5(
	local_id UNINDEXED,
	title,
	body
);

CREATE TABLE IF NOT EXISTS sync_state (
	kind TEXT PRIMARY KEY,
	last_synced_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict_log (
	id TEXT PRIMARY KEY,
	entity_local_id TEXT NOT NULL,
	local_timestamp INTEGER NOT NULL,
	remote_timestamp INTEGER NOT NULL,
	resolution TEXT NOT NULL,
	detected_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "query_indexes",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_entities_kind_updated ON entities(kind, updated_at);
CREATE INDEX IF NOT EXISTS idx_entities_sync_status ON entities(sync_status);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_local_id, sequence_index);
CREATE INDEX IF NOT EXISTS idx_messages_sync_status ON messages(sync_status);
`,
	},
}

// Migrator applies pending schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations in ascending version order.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.Version, err)
		}
	}
	return nil
}

// apply executes one migration and records it, in a single transaction.
func (m *Migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(mig.SQL))
	checksum := hex.EncodeToString(hash[:])

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
