package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promptforge/internal/errs"
	"promptforge/internal/optimizer"
)

// SavePattern inserts or replaces a failure pattern row.
func (s *Store) SavePattern(ctx context.Context, p *optimizer.FailurePattern) error {
	queries, err := json.Marshal(p.SampleQueries)
	if err != nil {
		return fmt.Errorf("marshal sample queries: %w", err)
	}
	responses, err := json.Marshal(p.SampleResponses)
	if err != nil {
		return fmt.Errorf("marshal sample responses: %w", err)
	}
	hypotheses, err := json.Marshal(p.Hypotheses)
	if err != nil {
		return fmt.Errorf("marshal hypotheses: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns
			(id, target, criterion_id, pattern_type, description, frequency, avg_score,
			 sample_queries, sample_responses, hypotheses, status,
			 created_at, updated_at, review_expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			frequency = excluded.frequency,
			avg_score = excluded.avg_score,
			sample_queries = excluded.sample_queries,
			sample_responses = excluded.sample_responses,
			hypotheses = excluded.hypotheses,
			status = excluded.status,
			updated_at = excluded.updated_at,
			review_expires_at = excluded.review_expires_at,
			resolved_at = excluded.resolved_at`,
		p.ID, p.Target, p.CriterionID, string(p.Type), p.Description, p.Frequency, p.AvgScore,
		string(queries), string(responses), string(hypotheses), string(p.Status),
		p.CreatedAt, p.UpdatedAt, nullTime(p.ReviewExpiresAt), nullTime(p.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// GetPattern returns the pattern with the given id.
func (s *Store) GetPattern(ctx context.Context, id string) (*optimizer.FailurePattern, error) {
	row := s.db.QueryRowContext(ctx, patternSelect+" WHERE id = ?", id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "failure pattern", ID: id}
	}
	return p, err
}

// PatternByKey returns the newest non-terminal pattern for a
// (target, criterion) pair, or nil when none exists.
func (s *Store) PatternByKey(ctx context.Context, target, criterionID string) (*optimizer.FailurePattern, error) {
	row := s.db.QueryRowContext(ctx,
		patternSelect+` WHERE target = ? AND criterion_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		target, criterionID, string(optimizer.StatusResolved), string(optimizer.StatusRejected))
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPatterns returns patterns newest first, optionally filtered by
// target and status.
func (s *Store) ListPatterns(ctx context.Context, target string, status optimizer.PatternStatus) ([]*optimizer.FailurePattern, error) {
	query := patternSelect + " WHERE 1=1"
	var args []any
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*optimizer.FailurePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ExpireStaleReviews reverts patterns whose review window has passed
// back to detected and returns how many were reverted.
func (s *Store) ExpireStaleReviews(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE failure_patterns
		SET status = ?, review_expires_at = NULL, updated_at = ?
		WHERE status = ? AND review_expires_at IS NOT NULL AND review_expires_at < ?`,
		string(optimizer.StatusDetected), now, string(optimizer.StatusReviewing), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale reviews: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const patternSelect = `
	SELECT id, target, criterion_id, pattern_type, description, frequency, avg_score,
	       sample_queries, sample_responses, hypotheses, status,
	       created_at, updated_at, review_expires_at, resolved_at
	FROM failure_patterns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*optimizer.FailurePattern, error) {
	var (
		p          optimizer.FailurePattern
		ptype      string
		status     string
		queries    string
		responses  string
		hypotheses string
		reviewExp  sql.NullTime
		resolvedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Target, &p.CriterionID, &ptype, &p.Description, &p.Frequency, &p.AvgScore,
		&queries, &responses, &hypotheses, &status,
		&p.CreatedAt, &p.UpdatedAt, &reviewExp, &resolvedAt)
	if err != nil {
		return nil, err
	}

	p.Type = optimizer.PatternType(ptype)
	p.Status = optimizer.PatternStatus(status)
	if err := json.Unmarshal([]byte(queries), &p.SampleQueries); err != nil {
		return nil, fmt.Errorf("unmarshal sample queries for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(responses), &p.SampleResponses); err != nil {
		return nil, fmt.Errorf("unmarshal sample responses for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(hypotheses), &p.Hypotheses); err != nil {
		return nil, fmt.Errorf("unmarshal hypotheses for %s: %w", p.ID, err)
	}
	if reviewExp.Valid {
		p.ReviewExpiresAt = &reviewExp.Time
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Time
	}
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
