// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, embedded schema history. New schema changes
// append a new entry; entries are never edited once shipped.
var migrations = []Migration{
	{
		Version:     1,
		Description: "records and pending operation queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS records (
			local_id    TEXT PRIMARY KEY,
			remote_id   TEXT,
			kind        TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL DEFAULT '{}',
			version     INTEGER NOT NULL DEFAULT 1 CHECK(version > 0),
			status      TEXT NOT NULL DEFAULT 'draft',
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_remote_id
			ON records(remote_id) WHERE remote_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS pending_operations (
			operation_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			kind             TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
			local_id         TEXT NOT NULL REFERENCES records(local_id),
			payload_snapshot TEXT,
			base_version     INTEGER NOT NULL DEFAULT 0,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			last_attempt_at  INTEGER NOT NULL DEFAULT 0,
			enqueued_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_operations_local_id
			ON pending_operations(local_id);
		`,
	},
	{
		Version:     2,
		Description: "conflict and change logs",
		SQL: `
		CREATE TABLE IF NOT EXISTS conflict_log (
			id               TEXT PRIMARY KEY,
			local_id         TEXT NOT NULL,
			local_version    INTEGER NOT NULL,
			remote_version   INTEGER NOT NULL,
			local_timestamp  INTEGER NOT NULL,
			remote_timestamp INTEGER NOT NULL,
			resolution       TEXT NOT NULL,
			detected_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS change_log (
			id        TEXT PRIMARY KEY,
			local_id  TEXT NOT NULL,
			operation TEXT NOT NULL,
			version   INTEGER NOT NULL,
			origin    TEXT NOT NULL DEFAULT 'local',
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_change_log_local_id
			ON change_log(local_id);
		`,
	},
	{
		Version:     3,
		Description: "sync credentials",
		SQL: `
		CREATE TABLE IF NOT EXISTS sync_credentials (
			id              TEXT PRIMARY KEY,
			endpoint        TEXT NOT NULL,
			device_id       TEXT NOT NULL,
			token_encrypted TEXT NOT NULL,
			is_enabled      INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
		`,
	},
}

// Migrator applies the embedded schema history.
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
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
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

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}
