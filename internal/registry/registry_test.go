package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"promptforge/internal/errs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory VersionStore with the same activation
// contract as the SQLite implementation.
type memStore struct {
	mu      sync.Mutex
	byID    map[string]*PromptVersion
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*PromptVersion)}
}

func (m *memStore) SaveVersion(ctx context.Context, v *PromptVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *v
	m.byID[v.ID] = &cp
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, id string) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "prompt version", ID: id}
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) ActiveVersion(ctx context.Context, target string) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.byID {
		if v.Target == target && v.IsActive {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) History(ctx context.Context, target string) ([]*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PromptVersion
	for _, v := range m.byID {
		if v.Target == target {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ActivateVersion(ctx context.Context, versionID, approver string, at time.Time) (*PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[versionID]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "prompt version", ID: versionID}
	}
	if v.IsActive {
		return nil, &errs.ConcurrencyError{Target: v.Target, Reason: "already active"}
	}
	for _, other := range m.byID {
		if other.Target == v.Target && other.IsActive {
			other.IsActive = false
		}
	}
	v.IsActive = true
	v.UserApproved = true
	v.ApprovedAt = &at
	v.ApprovedBy = approver
	cp := *v
	return &cp, nil
}

func (m *memStore) activeCount(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.byID {
		if v.Target == target && v.IsActive {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *memStore, string) {
	t.Helper()
	store := newMemStore()
	dir := t.TempDir()
	return New(store, dir, nil), store, dir
}

func TestCreateVersion(t *testing.T) {
	reg, _, dir := newTestRegistry(t)
	ctx := context.Background()

	v, err := reg.CreateVersion(ctx, "synthesizer", "answer from the graph", "", "", "initial", 0, "")
	require.NoError(t, err)

	assert.Equal(t, "pv:synthesizer@1.0.0", v.ID)
	assert.Equal(t, "1.0.0", v.Version)
	assert.False(t, v.IsActive, "new versions start inactive")
	assert.False(t, v.UserApproved)
	assert.Len(t, v.ContentHash, 16)

	data, err := os.ReadFile(filepath.Join(dir, "synthesizer", "v1.0.0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "answer from the graph", string(data))
}

func TestCreateVersionRejectsEmptyContent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateVersion(context.Background(), "synthesizer", "", "", "", "r", 0, "")
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestCreateVersionBumpsPatchAndChainsParent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	v1, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v1.ID, "initialization"))

	v2, err := reg.CreateVersion(ctx, "synthesizer", "prompt two", "", "fp:x", "citation fix", 0.12, `{"cases":4}`)
	require.NoError(t, err)
	assert.Equal(t, "pv:synthesizer@1.0.1", v2.ID)
	assert.Equal(t, v1.ID, v2.ParentID, "parent defaults to the active version")
	assert.Equal(t, "fp:x", v2.PatternID)
	assert.Equal(t, 0.12, v2.PerformanceDelta)
}

func TestCreateVersionSequentialLabelsWithoutActivation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	v1, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v1.ID, "alice"))

	// Two candidates committed back to back with no activation in between
	// must not collide on the version label.
	v2, err := reg.CreateVersion(ctx, "synthesizer", "prompt two", "", "", "candidate a", 0, "")
	require.NoError(t, err)
	v3, err := reg.CreateVersion(ctx, "synthesizer", "prompt three", "", "", "candidate b", 0, "")
	require.NoError(t, err)

	assert.Equal(t, "pv:synthesizer@1.0.1", v2.ID)
	assert.Equal(t, "pv:synthesizer@1.0.2", v3.ID)
	assert.Equal(t, v1.ID, v2.ParentID)
	assert.Equal(t, v1.ID, v3.ParentID, "parent is still the active version")

	history, err := reg.History(ctx, "synthesizer")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestCreateVersionFailedSaveLeavesNoFile(t *testing.T) {
	reg, store, dir := newTestRegistry(t)
	store.saveErr = errors.New("disk full")

	_, err := reg.CreateVersion(context.Background(), "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "synthesizer", "v1.0.0.txt"))
	assert.True(t, os.IsNotExist(statErr), "prompt file written despite failed insert")
}

func TestActivateMirrorsCurrentFile(t *testing.T) {
	reg, store, dir := newTestRegistry(t)
	ctx := context.Background()

	v, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v.ID, "alice"))

	active, err := reg.ActiveVersion(ctx, "synthesizer")
	require.NoError(t, err)
	assert.True(t, active.UserApproved)
	assert.Equal(t, "alice", active.ApprovedBy)
	assert.NotNil(t, active.ApprovedAt)
	assert.Equal(t, 1, store.activeCount("synthesizer"))

	data, err := os.ReadFile(filepath.Join(dir, "synthesizer", "current.txt"))
	require.NoError(t, err)
	assert.Equal(t, "prompt one", string(data))
}

func TestActivateUnknownVersion(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.Activate(context.Background(), "pv:synthesizer@9.9.9", "alice")
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestActivationFlipKeepsOneActive(t *testing.T) {
	reg, store, dir := newTestRegistry(t)
	ctx := context.Background()

	v1, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v1.ID, "alice"))

	v2, err := reg.CreateVersion(ctx, "synthesizer", "prompt two", "", "", "fix", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v2.ID, "alice"))

	assert.Equal(t, 1, store.activeCount("synthesizer"))
	active, _ := reg.ActiveVersion(ctx, "synthesizer")
	assert.Equal(t, v2.ID, active.ID)

	// Reactivating the previous version flips back in one step.
	require.NoError(t, reg.Activate(ctx, v1.ID, "alice"))
	assert.Equal(t, 1, store.activeCount("synthesizer"))
	active, _ = reg.ActiveVersion(ctx, "synthesizer")
	assert.Equal(t, v1.ID, active.ID)

	data, err := os.ReadFile(filepath.Join(dir, "synthesizer", "current.txt"))
	require.NoError(t, err)
	assert.Equal(t, "prompt one", string(data))
}

func TestActivateWhileLockHeld(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	v, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)

	lock := reg.targetLock("synthesizer")
	lock.Lock()
	err = reg.Activate(ctx, v.ID, "bob")
	lock.Unlock()
	assert.True(t, errs.IsConcurrency(err), "got %v", err)
	assert.Equal(t, 0, store.activeCount("synthesizer"))

	require.NoError(t, reg.Activate(ctx, v.ID, "bob"))
	assert.Equal(t, 1, store.activeCount("synthesizer"))
}

func TestConcurrentActivationOneWinner(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	v1, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)

	// Both goroutines race to activate the same version. The store
	// rejects the second flip as already active, whichever ordering the
	// lock produces.
	errsCh := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- reg.Activate(ctx, v1.ID, "racer")
		}()
	}
	wg.Wait()
	close(errsCh)

	var ok, conflicts int
	for err := range errsCh {
		switch {
		case err == nil:
			ok++
		case errs.IsConcurrency(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one activation succeeds")
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, store.activeCount("synthesizer"))
}

func TestRollback(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	t.Run("no active version is a no-op", func(t *testing.T) {
		rolled, err := reg.Rollback(ctx, "intent_classifier", "")
		require.NoError(t, err)
		assert.False(t, rolled)
	})

	v1, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v1.ID, "alice"))

	t.Run("active version without parent is a no-op", func(t *testing.T) {
		rolled, err := reg.Rollback(ctx, "synthesizer", "")
		require.NoError(t, err)
		assert.False(t, rolled)
	})

	v2, err := reg.CreateVersion(ctx, "synthesizer", "prompt two", "", "", "fix", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v2.ID, "alice"))

	t.Run("defaults to the parent", func(t *testing.T) {
		rolled, err := reg.Rollback(ctx, "synthesizer", "")
		require.NoError(t, err)
		assert.True(t, rolled)
		active, _ := reg.ActiveVersion(ctx, "synthesizer")
		assert.Equal(t, v1.ID, active.ID)
		assert.Equal(t, "rollback", active.ApprovedBy)
	})

	t.Run("explicit version id", func(t *testing.T) {
		rolled, err := reg.Rollback(ctx, "synthesizer", v2.ID)
		require.NoError(t, err)
		assert.True(t, rolled)
		active, _ := reg.ActiveVersion(ctx, "synthesizer")
		assert.Equal(t, v2.ID, active.ID)
	})

	t.Run("explicit version of another target is rejected", func(t *testing.T) {
		other, err := reg.CreateVersion(ctx, "intent_classifier", "classify the query", "", "", "initial", 0, "")
		require.NoError(t, err)

		rolled, err := reg.Rollback(ctx, "synthesizer", other.ID)
		assert.False(t, rolled)
		assert.True(t, errs.IsValidation(err), "got %v", err)

		active, _ := reg.ActiveVersion(ctx, "synthesizer")
		assert.Equal(t, v2.ID, active.ID, "active version must be untouched")
	})
}

func TestActivePrompt(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.ActivePrompt(ctx, "synthesizer")
	assert.True(t, errs.IsNotFound(err), "got %v", err)

	v, err := reg.CreateVersion(ctx, "synthesizer", "prompt one", "", "", "initial", 0, "")
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, v.ID, "alice"))

	content, err := reg.ActivePrompt(ctx, "synthesizer")
	require.NoError(t, err)
	assert.Equal(t, "prompt one", content)
}

func TestInitializeFromFile(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "synthesizer.txt")
	require.NoError(t, os.WriteFile(path, []byte("seed prompt"), 0o644))

	v, err := reg.InitializeFromFile(ctx, "synthesizer", path)
	require.NoError(t, err)
	assert.Equal(t, "pv:synthesizer@1.0.0", v.ID)
	assert.True(t, v.IsActive)
	assert.Equal(t, "initialization", v.ApprovedBy)
	assert.Equal(t, "seed prompt", v.Content)

	// A second call is idempotent: the active version is returned as is.
	again, err := reg.InitializeFromFile(ctx, "synthesizer", path)
	require.NoError(t, err)
	assert.Equal(t, v.ID, again.ID)

	history, err := reg.History(ctx, "synthesizer")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHashContent(t *testing.T) {
	h := hashContent("answer from the graph")
	assert.Len(t, h, 16)
	assert.Equal(t, h, hashContent("answer from the graph"))
	assert.NotEqual(t, h, hashContent("answer from the graph "))
}

func TestBumpPatch(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1.0.0", "1.0.1"},
		{"1.0.9", "1.0.10"},
		{"2.3.4", "2.3.5"},
		{"garbage", "1.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, bumpPatch(tt.in))
		})
	}
}

func TestNewestVersion(t *testing.T) {
	history := []*PromptVersion{
		{Version: "1.0.9"},
		{Version: "1.0.10"},
		{Version: "1.0.2"},
	}
	assert.Equal(t, "1.0.10", newestVersion(history))
}

func TestSemverLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0.9", "1.0.10", true},
		{"1.0.10", "1.0.9", false},
		{"1.0.2", "1.1.0", true},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "1.0.0", false},
		{"garbage", "1.0.0", true},
		{"1.0.0", "garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"<"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, semverLess(tt.a, tt.b))
		})
	}
}
