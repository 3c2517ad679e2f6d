// Package registry provides versioned prompt storage with activation,
// rollback, and history. It is the sole mutator of the active flag.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptforge/internal/errs"
)

// PromptVersion is a committed, addressable prompt configuration.
// Versions are immutable values; a change is always a new version
// chained to its parent, never an in-place edit.
type PromptVersion struct {
	ID               string     `json:"id"` // pv:<target>@<semver>
	Target           string     `json:"target"`
	Version          string     `json:"version"` // semver
	Content          string     `json:"content"`
	ContentHash      string     `json:"content_hash"`
	Path             string     `json:"path"`
	IsActive         bool       `json:"is_active"`
	UserApproved     bool       `json:"user_approved"`
	ParentID         string     `json:"parent_id,omitempty"`
	PatternID        string     `json:"pattern_id,omitempty"`
	PerformanceDelta float64    `json:"performance_delta"`
	TestSummary      string     `json:"test_summary,omitempty"`
	Rationale        string     `json:"rationale"`
	CreatedAt        time.Time  `json:"created_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
}

// VersionStore is the durable backend for prompt versions. ActivateVersion
// must perform the whole flip in one transaction: verify the version
// exists (NotFoundError), reject an already-active version
// (ConcurrencyError), deactivate the incumbent, and activate + approve
// the new version.
type VersionStore interface {
	SaveVersion(ctx context.Context, v *PromptVersion) error
	GetVersion(ctx context.Context, id string) (*PromptVersion, error)
	ActiveVersion(ctx context.Context, target string) (*PromptVersion, error)
	History(ctx context.Context, target string) ([]*PromptVersion, error)
	ActivateVersion(ctx context.Context, versionID, approver string, at time.Time) (*PromptVersion, error)
}

// Registry manages prompt versions for all targets. Activation and
// rollback are serialized per target; every other operation is lock-free.
type Registry struct {
	store      VersionStore
	promptsDir string
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry writing prompt files under promptsDir.
func New(store VersionStore, promptsDir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		promptsDir: promptsDir,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (r *Registry) targetLock(target string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[target] = lock
	}
	return lock
}

// CreateVersion commits a new inactive, unapproved version. The version
// label is a patch bump from the highest version on record (1.0.0 when
// the target has none), so back-to-back creates without an activation in
// between still get distinct labels. The parent defaults to the current
// active version.
func (r *Registry) CreateVersion(ctx context.Context, target, content, parentID, patternID, rationale string, performanceDelta float64, testSummary string) (*PromptVersion, error) {
	if content == "" {
		return nil, &errs.ValidationError{Subject: "prompt content", Reason: "empty"}
	}

	current, err := r.store.ActiveVersion(ctx, target)
	if err != nil {
		return nil, err
	}
	history, err := r.store.History(ctx, target)
	if err != nil {
		return nil, err
	}

	version := "1.0.0"
	if len(history) > 0 {
		version = bumpPatch(newestVersion(history))
	}
	if parentID == "" && current != nil {
		parentID = current.ID
	}

	v := &PromptVersion{
		ID:               fmt.Sprintf("pv:%s@%s", target, version),
		Target:           target,
		Version:          version,
		Content:          content,
		ContentHash:      hashContent(content),
		Path:             filepath.Join(target, "v"+version+".txt"),
		ParentID:         parentID,
		PatternID:        patternID,
		PerformanceDelta: performanceDelta,
		TestSummary:      testSummary,
		Rationale:        rationale,
		CreatedAt:        time.Now().UTC(),
	}

	// The store is the source of truth; the prompt file is a mirror. Write
	// the row first so a failed insert never leaves an orphan file.
	if err := r.store.SaveVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := r.writePromptFile(v.Path, content); err != nil {
		r.logger.Warn("failed to write prompt file mirror",
			zap.String("version_id", v.ID), zap.Error(err))
	}

	r.logger.Info("prompt version created",
		zap.String("target", target),
		zap.String("version_id", v.ID),
		zap.String("hash", v.ContentHash))
	return v, nil
}

// Activate makes versionID the sole active version for its target.
// Concurrent activations for the same target are not queued: the losing
// caller gets a ConcurrencyError immediately and must retry against the
// refreshed state.
func (r *Registry) Activate(ctx context.Context, versionID, approver string) error {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}

	lock := r.targetLock(v.Target)
	if !lock.TryLock() {
		return &errs.ConcurrencyError{
			Target: v.Target,
			Reason: "another activation is in progress",
		}
	}
	defer lock.Unlock()

	activated, err := r.store.ActivateVersion(ctx, versionID, approver, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := r.writePromptFile(filepath.Join(v.Target, "current.txt"), activated.Content); err != nil {
		r.logger.Warn("failed to refresh current prompt file",
			zap.String("target", v.Target), zap.Error(err))
	}

	r.logger.Info("prompt version activated",
		zap.String("target", v.Target),
		zap.String("version_id", versionID),
		zap.String("approver", approver))
	return nil
}

// Rollback activates toVersionID, or the parent of the current active
// version when toVersionID is empty. An explicit version must belong to
// target. A current version without a parent returns (false, nil) and
// mutates nothing.
func (r *Registry) Rollback(ctx context.Context, target, toVersionID string) (bool, error) {
	if toVersionID == "" {
		current, err := r.store.ActiveVersion(ctx, target)
		if err != nil {
			return false, err
		}
		if current == nil || current.ParentID == "" {
			return false, nil
		}
		toVersionID = current.ParentID
	} else {
		v, err := r.store.GetVersion(ctx, toVersionID)
		if err != nil {
			return false, err
		}
		if v.Target != target {
			return false, &errs.ValidationError{
				Subject: fmt.Sprintf("rollback of %s", target),
				Reason:  fmt.Sprintf("version %s belongs to %s", toVersionID, v.Target),
			}
		}
	}

	if err := r.Activate(ctx, toVersionID, "rollback"); err != nil {
		return false, err
	}
	return true, nil
}

// History returns all versions for target, newest first.
func (r *Registry) History(ctx context.Context, target string) ([]*PromptVersion, error) {
	return r.store.History(ctx, target)
}

// ActiveVersion returns the active version for target, or nil when the
// target has none.
func (r *Registry) ActiveVersion(ctx context.Context, target string) (*PromptVersion, error) {
	return r.store.ActiveVersion(ctx, target)
}

// ActivePrompt returns the content of the active version. Used as the
// baseline by the variant generator and test runner.
func (r *Registry) ActivePrompt(ctx context.Context, target string) (string, error) {
	v, err := r.store.ActiveVersion(ctx, target)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", &errs.NotFoundError{Kind: "active prompt version", ID: target}
	}
	return v.Content, nil
}

// InitializeFromFile bootstraps a target from an existing prompt file,
// creating and activating v1.0.0. A target that already has an active
// version is returned unchanged.
func (r *Registry) InitializeFromFile(ctx context.Context, target, path string) (*PromptVersion, error) {
	current, err := r.store.ActiveVersion(ctx, target)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return current, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", path, err)
	}

	v, err := r.CreateVersion(ctx, target, string(content), "", "", "initial version imported from "+filepath.Base(path), 0, "")
	if err != nil {
		return nil, err
	}
	if err := r.Activate(ctx, v.ID, "initialization"); err != nil {
		return nil, err
	}
	return r.store.GetVersion(ctx, v.ID)
}

func (r *Registry) writePromptFile(rel, content string) error {
	path := filepath.Join(r.promptsDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prompt dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write prompt file: %w", err)
	}
	return nil
}

// hashContent is the first 16 hex chars of the SHA-256 of content.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// newestVersion returns the highest version label in history without
// relying on the store's ordering.
func newestVersion(history []*PromptVersion) string {
	newest := history[0].Version
	for _, v := range history[1:] {
		if semverLess(newest, v.Version) {
			newest = v.Version
		}
	}
	return newest
}

func semverLess(a, b string) bool {
	ma := semverPattern.FindStringSubmatch(a)
	mb := semverPattern.FindStringSubmatch(b)
	if ma == nil || mb == nil {
		return mb != nil
	}
	for i := 1; i <= 3; i++ {
		na, _ := strconv.Atoi(ma[i])
		nb, _ := strconv.Atoi(mb[i])
		if na != nb {
			return na < nb
		}
	}
	return false
}

func bumpPatch(version string) string {
	m := semverPattern.FindStringSubmatch(version)
	if m == nil {
		return "1.0.1"
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}
