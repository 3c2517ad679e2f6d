// Package store provides SQLite persistence for evaluations, failure
// patterns, prompt versions, and test runs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the durable backend for the optimization loop. It satisfies
// critic.EvaluationStore, optimizer.PatternStore, optimizer.RunStore,
// and registry.VersionStore.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// New opens (or creates) the SQLite database at path and initializes
// the schema.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logger.Debug("failed to enable sqlite foreign_keys", zap.Error(err))
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store initialized", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := []string{
		// Append-only audit trail. No UPDATE or DELETE is ever issued
		// against this table.
		`CREATE TABLE IF NOT EXISTS evaluations (
			id              TEXT PRIMARY KEY,
			target          TEXT NOT NULL,
			query           TEXT NOT NULL,
			response        TEXT NOT NULL,
			scores          TEXT NOT NULL,
			composite_score REAL NOT NULL,
			feedback        TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_target_score
			ON evaluations(target, composite_score)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_created
			ON evaluations(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS failure_patterns (
			id                TEXT PRIMARY KEY,
			target            TEXT NOT NULL,
			criterion_id      TEXT NOT NULL,
			pattern_type      TEXT NOT NULL,
			description       TEXT NOT NULL,
			frequency         INTEGER NOT NULL,
			avg_score         REAL NOT NULL,
			sample_queries    TEXT NOT NULL,
			sample_responses  TEXT NOT NULL,
			hypotheses        TEXT NOT NULL,
			status            TEXT NOT NULL,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL,
			review_expires_at TIMESTAMP,
			resolved_at       TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_target_status
			ON failure_patterns(target, status)`,

		`CREATE TABLE IF NOT EXISTS prompt_versions (
			id                TEXT PRIMARY KEY,
			target            TEXT NOT NULL,
			version           TEXT NOT NULL,
			content           TEXT NOT NULL,
			content_hash      TEXT NOT NULL,
			path              TEXT NOT NULL,
			is_active         INTEGER NOT NULL DEFAULT 0,
			user_approved     INTEGER NOT NULL DEFAULT 0,
			parent_id         TEXT,
			pattern_id        TEXT,
			performance_delta REAL NOT NULL DEFAULT 0,
			test_summary      TEXT,
			rationale         TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMP NOT NULL,
			approved_at       TIMESTAMP,
			approved_by       TEXT
		)`,
		// The schema itself backs the one-active-version-per-target
		// invariant.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_versions_active
			ON prompt_versions(target) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_versions_target
			ON prompt_versions(target, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS test_runs (
			id         TEXT PRIMARY KEY,
			target     TEXT NOT NULL,
			pattern_id TEXT NOT NULL,
			variants   TEXT NOT NULL,
			results    TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			decided_at TIMESTAMP,
			decided_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_runs_status
			ON test_runs(status, expires_at)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
