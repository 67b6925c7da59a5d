package store

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// Migrate ensures the SQLite schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			task_context TEXT NOT NULL DEFAULT '',
			first_message TEXT NOT NULL,
			transcript TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL,
			worker_session_id TEXT NOT NULL DEFAULT '',
			last_applied_event_id INTEGER NOT NULL DEFAULT 0,
			pending_event TEXT NULL,
			cooldown_started_at TEXT NULL,
			wake_at TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: create conversations table: %w", err)
	}

	// The due-wake-up index: the runner scans active conversations whose
	// wake_at has passed.
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conversations_status_wake ON conversations(status, wake_at);`)
	if err != nil {
		return fmt.Errorf("migrate: create idx_conversations_status_wake: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}
