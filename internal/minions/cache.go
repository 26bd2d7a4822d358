// Package minions is the master-side minion data cache: one JSON document
// per (bucket, minion). The targeting subsystem only reads it; writes happen
// on the registration/refresh path when a minion reports in.
package minions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Buckets the core uses. Callers may define additional ones.
const (
	BucketGrains = "grains"
	BucketPillar = "pillar"
)

const DefaultMaxDocBytes = 1 << 20 // 1 MiB

// Cache stores per-minion data documents in SQLite.
type Cache struct {
	db          *sql.DB
	maxDocBytes int
}

// NewCache creates a Cache over an opened database.
func NewCache(db *sql.DB) *Cache {
	return &Cache{
		db:          db,
		maxDocBytes: DefaultMaxDocBytes,
	}
}

// Fetch returns the document for (bucket, id). ok is false when no document
// exists — the distinction matters to greedy targeting, which treats a
// missing document differently from an empty one.
func (c *Cache) Fetch(ctx context.Context, bucket, id string) (doc json.RawMessage, ok bool, err error) {
	if bucket == "" || id == "" {
		return nil, false, fmt.Errorf("bucket and minion id are required")
	}

	var raw string
	err = c.db.QueryRowContext(ctx,
		"SELECT doc FROM minion_data WHERE bucket = ? AND minion_id = ?;", bucket, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read minion data: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, false, fmt.Errorf("stored document is invalid JSON for bucket=%q minion=%q", bucket, id)
	}
	return json.RawMessage(raw), true, nil
}

// List returns the set of minion ids with a document in bucket.
func (c *Cache) List(ctx context.Context, bucket string) (map[string]struct{}, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	rows, err := c.db.QueryContext(ctx,
		"SELECT minion_id FROM minion_data WHERE bucket = ?;", bucket)
	if err != nil {
		return nil, fmt.Errorf("list minion data: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan minion id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate minion data: %w", err)
	}
	return out, nil
}

// Refresh applies updates to (bucket, id) as a shallow merge (top-level keys
// replaced). The merged document is persisted and returned.
func (c *Cache) Refresh(ctx context.Context, bucket, id string, updates json.RawMessage) (json.RawMessage, error) {
	if bucket == "" || id == "" {
		return nil, fmt.Errorf("bucket and minion id are required")
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx,
		"SELECT doc FROM minion_data WHERE bucket = ? AND minion_id = ?;", bucket, id).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read minion data: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}

	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged document: %w", err)
	}
	if len(merged) > c.maxDocBytes {
		return nil, fmt.Errorf("minion document exceeds max size (%d bytes)", c.maxDocBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO minion_data(bucket, minion_id, doc, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(bucket, minion_id) DO UPDATE SET
  doc = excluded.doc,
  updated_at = excluded.updated_at;
`, bucket, id, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert minion data: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// Drop removes every document for a minion across all buckets, typically
// after its key is rejected.
func (c *Cache) Drop(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("minion id is required")
	}
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM minion_data WHERE minion_id = ?;", id); err != nil {
		return fmt.Errorf("drop minion data: %w", err)
	}
	return nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
