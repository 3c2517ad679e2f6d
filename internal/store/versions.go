package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"promptforge/internal/errs"
	"promptforge/internal/registry"
)

// SaveVersion inserts a new prompt version row. Versions are immutable
// outside of ActivateVersion.
func (s *Store) SaveVersion(ctx context.Context, v *registry.PromptVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_versions
			(id, target, version, content, content_hash, path, is_active, user_approved,
			 parent_id, pattern_id, performance_delta, test_summary, rationale,
			 created_at, approved_at, approved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Target, v.Version, v.Content, v.ContentHash, v.Path,
		boolToInt(v.IsActive), boolToInt(v.UserApproved),
		nullString(v.ParentID), nullString(v.PatternID),
		v.PerformanceDelta, nullString(v.TestSummary), v.Rationale,
		v.CreatedAt, nullTime(v.ApprovedAt), nullString(v.ApprovedBy))
	if err != nil {
		return fmt.Errorf("insert prompt version: %w", err)
	}
	return nil
}

// GetVersion returns the version with the given id.
func (s *Store) GetVersion(ctx context.Context, id string) (*registry.PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+" WHERE id = ?", id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "prompt version", ID: id}
	}
	return v, err
}

// ActiveVersion returns the active version for target, or nil when the
// target has none.
func (s *Store) ActiveVersion(ctx context.Context, target string) (*registry.PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+" WHERE target = ? AND is_active = 1", target)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// History returns all versions for target, newest first.
func (s *Store) History(ctx context.Context, target string) ([]*registry.PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		versionSelect+" WHERE target = ? ORDER BY created_at DESC, id DESC", target)
	if err != nil {
		return nil, fmt.Errorf("query version history: %w", err)
	}
	defer rows.Close()

	var versions []*registry.PromptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ActivateVersion flips the active version for the target in a single
// transaction: the version must exist (NotFoundError) and must not
// already be active (ConcurrencyError); the incumbent is deactivated and
// the new version activated, approved, and stamped.
func (s *Store) ActivateVersion(ctx context.Context, versionID, approver string, at time.Time) (*registry.PromptVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, versionSelect+" WHERE id = ?", versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "prompt version", ID: versionID}
	}
	if err != nil {
		return nil, err
	}
	if v.IsActive {
		return nil, &errs.ConcurrencyError{
			Target: v.Target,
			Reason: fmt.Sprintf("version %s is already active", versionID),
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET is_active = 0 WHERE target = ? AND is_active = 1`,
		v.Target); err != nil {
		return nil, fmt.Errorf("deactivate incumbent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE prompt_versions
		SET is_active = 1, user_approved = 1, approved_at = ?, approved_by = ?
		WHERE id = ?`,
		at, approver, versionID); err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activation: %w", err)
	}

	v.IsActive = true
	v.UserApproved = true
	v.ApprovedAt = &at
	v.ApprovedBy = approver
	return v, nil
}

const versionSelect = `
	SELECT id, target, version, content, content_hash, path, is_active, user_approved,
	       parent_id, pattern_id, performance_delta, test_summary, rationale,
	       created_at, approved_at, approved_by
	FROM prompt_versions`

func scanVersion(row rowScanner) (*registry.PromptVersion, error) {
	var (
		v           registry.PromptVersion
		isActive    int
		approved    int
		parentID    sql.NullString
		patternID   sql.NullString
		testSummary sql.NullString
		approvedAt  sql.NullTime
		approvedBy  sql.NullString
	)
	err := row.Scan(&v.ID, &v.Target, &v.Version, &v.Content, &v.ContentHash, &v.Path,
		&isActive, &approved, &parentID, &patternID,
		&v.PerformanceDelta, &testSummary, &v.Rationale,
		&v.CreatedAt, &approvedAt, &approvedBy)
	if err != nil {
		return nil, err
	}

	v.IsActive = isActive == 1
	v.UserApproved = approved == 1
	v.ParentID = parentID.String
	v.PatternID = patternID.String
	v.TestSummary = testSummary.String
	v.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		v.ApprovedAt = &approvedAt.Time
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
