package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is an ordered, append-only list of forward-only SQL scripts.
// The "version" row in meta records how many have been applied; never edit
// or remove an entry once it has shipped — add a new one instead.
var migrations = []string{
	// 0: core job queue + key/value metadata
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		input_path TEXT NOT NULL,
		output_path TEXT,
		command_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER NOT NULL DEFAULT 0,
		queue_position INTEGER,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		started_at TEXT,
		ended_at TEXT,
		total_frames INTEGER,
		error_message TEXT,
		config_key TEXT,
		config_snapshot TEXT,
		retried INTEGER NOT NULL DEFAULT 0,
		cleared INTEGER NOT NULL DEFAULT 0,
		assigned_worker TEXT,
		worker_last_seen TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_position ON jobs(queue_position);
	CREATE INDEX IF NOT EXISTS idx_jobs_cleared ON jobs(cleared);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,

	// 1: application settings (envelope-encryption key material) and secrets
	`CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		nonce TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	// 2: content-addressed configuration blobs and multi-file submission bookkeeping
	`CREATE TABLE IF NOT EXISTS config_blobs (
		key TEXT PRIMARY KEY,
		paths_json TEXT NOT NULL,
		config_json TEXT NOT NULL,
		picker_state_json TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS job_creation_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		total_files INTEGER NOT NULL,
		created_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		config_key TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

const versionKey = "version"

// migrate applies every migration with index >= the current version, all
// inside one transaction, then bumps the version meta row. It never rewrites
// a prior script.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("ensure meta table: %w", err)
	}

	version := 0
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, versionKey).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		version = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
			return fmt.Errorf("parse schema version %q: %w", raw, err)
		}
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	newVersion := fmt.Sprintf("%d", len(migrations))
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, versionKey, newVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}
