package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptforge/internal/errs"
	"promptforge/internal/optimizer"
)

// SaveRun inserts or replaces a test run row.
func (s *Store) SaveRun(ctx context.Context, r *optimizer.TestRun) error {
	variants, err := json.Marshal(r.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	results, err := json.Marshal(r.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_runs
			(id, target, pattern_id, variants, results, status, created_at, expires_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			results = excluded.results,
			status = excluded.status,
			decided_at = excluded.decided_at,
			decided_by = excluded.decided_by`,
		r.ID, r.Target, r.PatternID, string(variants), string(results),
		string(r.Status), r.CreatedAt, r.ExpiresAt, nullTime(r.DecidedAt), nullString(r.DecidedBy))
	if err != nil {
		return fmt.Errorf("save test run: %w", err)
	}
	return nil
}

// GetRun returns the test run with the given id.
func (s *Store) GetRun(ctx context.Context, id string) (*optimizer.TestRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "test run", ID: id}
	}
	return r, err
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status optimizer.RunStatus) ([]*optimizer.TestRun, error) {
	query := runSelect
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list test runs: %w", err)
	}
	defer rows.Close()

	var runs []*optimizer.TestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const runSelect = `
	SELECT id, target, pattern_id, variants, results, status, created_at, expires_at, decided_at, decided_by
	FROM test_runs`

func scanRun(row rowScanner) (*optimizer.TestRun, error) {
	var (
		r         optimizer.TestRun
		variants  string
		results   string
		status    string
		decidedAt sql.NullTime
		decidedBy sql.NullString
	)
	err := row.Scan(&r.ID, &r.Target, &r.PatternID, &variants, &results, &status,
		&r.CreatedAt, &r.ExpiresAt, &decidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}

	r.Status = optimizer.RunStatus(status)
	if err := json.Unmarshal([]byte(variants), &r.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results for %s: %w", r.ID, err)
	}
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	r.DecidedBy = decidedBy.String
	return &r, nil
}
