package batchstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the batch schema in-place.
//
// Tables:
//   - batch: one row per submitted unit, keyed by id
//   - job: one row per run directory, keyed by (batch_id, job_index)
//   - batch_param: numeric scan parameters used by operator filters
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS batch (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			-- job_number is the scheduler id; NULL until the batch is queued.
			job_number TEXT,
			note TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_state ON batch(state, id);`,

		`CREATE TABLE IF NOT EXISTS job (
			batch_id INTEGER NOT NULL,
			job_index INTEGER NOT NULL,
			state TEXT NOT NULL,
			note TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(batch_id, job_index),
			FOREIGN KEY(batch_id) REFERENCES batch(id)
		);`,

		`CREATE TABLE IF NOT EXISTS batch_param (
			batch_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY(batch_id, name),
			FOREIGN KEY(batch_id) REFERENCES batch(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_param_name ON batch_param(name, value);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("batch store schema v%d is newer than this binary (v%d)", current, SchemaVersion)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
