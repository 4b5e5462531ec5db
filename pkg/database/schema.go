package database

import (
	"database/sql"
	"fmt"
)

// migrations is the ordered list of schema steps. Each entry runs inside a
// transaction exactly once, tracked by the schema_version table. Append
// only; never edit an applied step.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id            TEXT PRIMARY KEY,
		registered_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		market_id      TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		online         INTEGER NOT NULL DEFAULT 1,
		joined_at      DATETIME NOT NULL,
		PRIMARY KEY (market_id, participant_id),
		FOREIGN KEY (market_id) REFERENCES markets(id)
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		commit_id    TEXT PRIMARY KEY,
		market_id    TEXT NOT NULL,
		buyer_id     TEXT NOT NULL,
		seller_id    TEXT NOT NULL,
		status       TEXT NOT NULL,
		delivered_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_market ON participants(market_id)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_market ON settlements(market_id, delivered_at)`,
}

// ApplySchema brings the database up to the current schema version.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
