package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application. Insertion order is
// the implicit rowid: jobs are listed in the order they were added.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		spec                TEXT    NOT NULL,
		command             TEXT    NOT NULL,
		args                TEXT    NOT NULL DEFAULT '[]',
		timeout_ns          INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT    NOT NULL,
		last_fire           TEXT    NOT NULL DEFAULT '',
		outcome_status      TEXT    NOT NULL DEFAULT '',
		outcome_exit        INTEGER NOT NULL DEFAULT 0,
		outcome_error       TEXT    NOT NULL DEFAULT '',
		outcome_started     TEXT    NOT NULL DEFAULT '',
		outcome_duration_ns INTEGER NOT NULL DEFAULT 0
	)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
