package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"promptforge/internal/critic"
)

// SaveEvaluation appends one evaluation. Evaluations are never updated
// or deleted.
func (s *Store) SaveEvaluation(ctx context.Context, ev *critic.Evaluation) error {
	scores, err := json.Marshal(ev.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, target, query, response, scores, composite_score, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Target, ev.Query, ev.Response, string(scores), ev.Composite, ev.Feedback, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// LowScoring returns the newest evaluations with a composite below
// threshold, optionally filtered by target, capped at limit.
func (s *Store) LowScoring(ctx context.Context, target string, threshold float64, limit int) ([]*critic.Evaluation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, target, query, response, scores, composite_score, feedback, created_at
		FROM evaluations
		WHERE composite_score < ?`
	args := []any{threshold}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query low-scoring evaluations: %w", err)
	}
	defer rows.Close()

	return scanEvaluations(rows)
}

// RecentEvaluations returns the newest evaluations for a target.
func (s *Store) RecentEvaluations(ctx context.Context, target string, limit int) ([]*critic.Evaluation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, query, response, scores, composite_score, feedback, created_at
		FROM evaluations
		WHERE target = ?
		ORDER BY created_at DESC LIMIT ?`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent evaluations: %w", err)
	}
	defer rows.Close()

	return scanEvaluations(rows)
}

// EvaluationStats summarizes one target's evaluation history.
type EvaluationStats struct {
	Target       string  `json:"target"`
	Count        int     `json:"count"`
	AvgComposite float64 `json:"avg_composite"`
	MinComposite float64 `json:"min_composite"`
	MaxComposite float64 `json:"max_composite"`
}

// Stats aggregates evaluation counts and composite bounds per target.
func (s *Store) Stats(ctx context.Context) ([]EvaluationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, COUNT(*), AVG(composite_score), MIN(composite_score), MAX(composite_score)
		FROM evaluations
		GROUP BY target
		ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("query evaluation stats: %w", err)
	}
	defer rows.Close()

	var stats []EvaluationStats
	for rows.Next() {
		var st EvaluationStats
		if err := rows.Scan(&st.Target, &st.Count, &st.AvgComposite, &st.MinComposite, &st.MaxComposite); err != nil {
			return nil, fmt.Errorf("scan evaluation stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func scanEvaluations(rows *sql.Rows) ([]*critic.Evaluation, error) {
	var evals []*critic.Evaluation
	for rows.Next() {
		var (
			ev        critic.Evaluation
			scoresRaw string
		)
		if err := rows.Scan(&ev.ID, &ev.Target, &ev.Query, &ev.Response, &scoresRaw, &ev.Composite, &ev.Feedback, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(scoresRaw), &ev.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores for %s: %w", ev.ID, err)
		}
		evals = append(evals, &ev)
	}
	return evals, rows.Err()
}
