package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The database holds the minion-data cache
// (grains/pillar documents) and the job store (jobs plus per-minion returns).
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS minion_data (
  bucket     TEXT NOT NULL,
  minion_id  TEXT NOT NULL,
  doc        JSON NOT NULL DEFAULT '{}',
  updated_at TEXT,
  PRIMARY KEY (bucket, minion_id)
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  jid         TEXT PRIMARY KEY,
  function    TEXT NOT NULL,
  arguments   JSON,
  target      TEXT NOT NULL,
  target_type TEXT NOT NULL,
  requester   TEXT NOT NULL,
  minions     JSON NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_returns (
  jid         TEXT NOT NULL,
  minion_id   TEXT NOT NULL,
  return      JSON,
  retcode     INTEGER NOT NULL DEFAULT 0,
  success     INTEGER NOT NULL DEFAULT 0,
  returned_at TEXT NOT NULL,
  PRIMARY KEY (jid, minion_id)
);`,
		`CREATE INDEX IF NOT EXISTS minion_data_bucket_idx ON minion_data(bucket);`,
		`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs(created_at);`,
		`CREATE INDEX IF NOT EXISTS job_returns_jid_idx ON job_returns(jid);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
