package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetwright/drover/internal/target"
)

var ErrNotFound = errors.New("job not found")

// Store persists jobs and their per-minion returns.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save records a dispatched job.
func (s *Store) Save(ctx context.Context, spec Spec) error {
	if spec.JID == "" {
		return fmt.Errorf("jid is empty")
	}
	if spec.Function == "" {
		return fmt.Errorf("function is empty")
	}

	args, err := json.Marshal(spec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	minions, err := json.Marshal(spec.Minions)
	if err != nil {
		return fmt.Errorf("marshal minions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs(jid, function, arguments, target, target_type, requester, minions, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, spec.JID, spec.Function, string(args), spec.Target, string(spec.TargetType),
		spec.Requester, string(minions), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// RecordReturn stores one minion's return, overwriting an earlier one for
// the same (jid, minion) pair so a re-delivered return is not an error.
func (s *Store) RecordReturn(ctx context.Context, ret Return) error {
	if ret.JID == "" || ret.ID == "" {
		return fmt.Errorf("return missing jid or minion id")
	}
	payload, err := json.Marshal(ret.Return)
	if err != nil {
		return fmt.Errorf("marshal return: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_returns(jid, minion_id, return, retcode, success, returned_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(jid, minion_id) DO UPDATE SET
  return = excluded.return,
  retcode = excluded.retcode,
  success = excluded.success,
  returned_at = excluded.returned_at;
`, ret.JID, ret.ID, string(payload), ret.Retcode, boolToInt(ret.Success),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record return: %w", err)
	}
	return nil
}

// Record is a stored job with whatever returns have arrived.
type Record struct {
	Spec      Spec
	CreatedAt time.Time
	Returns   map[string]Return
}

// Get loads one job and its returns.
func (s *Store) Get(ctx context.Context, jid string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT jid, function, arguments, target, target_type, requester, minions, created_at
FROM jobs WHERE jid = ?;
`, jid)

	var (
		rec        Record
		args       sql.NullString
		minions    string
		targetType string
		createdAt  string
	)
	err := row.Scan(&rec.Spec.JID, &rec.Spec.Function, &args, &rec.Spec.Target,
		&targetType, &rec.Spec.Requester, &minions, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	rec.Spec.TargetType = target.Kind(targetType)
	if args.Valid {
		_ = json.Unmarshal([]byte(args.String), &rec.Spec.Arguments)
	}
	_ = json.Unmarshal([]byte(minions), &rec.Spec.Minions)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}

	rec.Returns = make(map[string]Return)
	rows, err := s.db.QueryContext(ctx, `
SELECT minion_id, return, retcode, success FROM job_returns WHERE jid = ?;
`, jid)
	if err != nil {
		return nil, fmt.Errorf("load returns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ret     Return
			payload sql.NullString
			success int
		)
		if err := rows.Scan(&ret.ID, &payload, &ret.Retcode, &success); err != nil {
			return nil, fmt.Errorf("scan return: %w", err)
		}
		ret.JID = jid
		ret.Success = success != 0
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &ret.Return)
		}
		rec.Returns[ret.ID] = ret
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate returns: %w", err)
	}
	return &rec, nil
}

// ListRecent returns the newest jobs first, without their returns.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT jid, function, target, target_type, requester, created_at
FROM jobs ORDER BY created_at DESC, jid DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			targetType string
			createdAt  string
		)
		if err := rows.Scan(&rec.Spec.JID, &rec.Spec.Function, &rec.Spec.Target,
			&targetType, &rec.Spec.Requester, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.Spec.TargetType = target.Kind(targetType)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes jobs (and their returns) created before cutoff. Returns the
// number of jobs removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffS := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM job_returns WHERE jid IN (SELECT jid FROM jobs WHERE created_at < ?);
`, cutoffS); err != nil {
		return 0, fmt.Errorf("prune returns: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?;`, cutoffS)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
