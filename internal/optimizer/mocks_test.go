package optimizer

import (
	"context"
	"sync"
	"time"

	"promptforge/internal/critic"
	"promptforge/internal/errs"
	"promptforge/internal/registry"
)

// memPatterns is an in-memory PatternStore.
type memPatterns struct {
	mu       sync.Mutex
	byID     map[string]*FailurePattern
	saveErrs int
}

func newMemPatterns() *memPatterns {
	return &memPatterns{byID: make(map[string]*FailurePattern)}
}

func (m *memPatterns) SavePattern(ctx context.Context, p *FailurePattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byID[p.ID] = &cp
	return nil
}

func (m *memPatterns) GetPattern(ctx context.Context, id string) (*FailurePattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "failure pattern", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (m *memPatterns) PatternByKey(ctx context.Context, target, criterionID string) (*FailurePattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Target == target && p.CriterionID == criterionID && !p.Status.Terminal() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPatterns) ListPatterns(ctx context.Context, target string, status PatternStatus) ([]*FailurePattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FailurePattern
	for _, p := range m.byID {
		if target != "" && p.Target != target {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memPatterns) ExpireStaleReviews(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.byID {
		if p.Status == StatusReviewing && p.ReviewExpiresAt != nil && p.ReviewExpiresAt.Before(now) {
			p.Status = StatusDetected
			p.ReviewExpiresAt = nil
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// memRuns is an in-memory RunStore.
type memRuns struct {
	mu   sync.Mutex
	byID map[string]*TestRun
}

func newMemRuns() *memRuns {
	return &memRuns{byID: make(map[string]*TestRun)}
}

func (m *memRuns) SaveRun(ctx context.Context, r *TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memRuns) GetRun(ctx context.Context, id string) (*TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "test run", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) ListRuns(ctx context.Context, status RunStatus) ([]*TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TestRun
	for _, r := range m.byID {
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// memEvals is an in-memory EvaluationSource.
type memEvals struct {
	evals []*critic.Evaluation
}

func (m *memEvals) LowScoring(ctx context.Context, target string, threshold float64, limit int) ([]*critic.Evaluation, error) {
	var out []*critic.Evaluation
	for _, ev := range m.evals {
		if target != "" && ev.Target != target {
			continue
		}
		if ev.Composite >= threshold {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memVersions is an in-memory registry.VersionStore.
type memVersions struct {
	mu   sync.Mutex
	byID map[string]*registry.PromptVersion
}

func newMemVersions() *memVersions {
	return &memVersions{byID: make(map[string]*registry.PromptVersion)}
}

func (m *memVersions) SaveVersion(ctx context.Context, v *registry.PromptVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.byID[v.ID] = &cp
	return nil
}

func (m *memVersions) GetVersion(ctx context.Context, id string) (*registry.PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "prompt version", ID: id}
	}
	cp := *v
	return &cp, nil
}

func (m *memVersions) ActiveVersion(ctx context.Context, target string) (*registry.PromptVersion, error) {
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

func (m *memVersions) History(ctx context.Context, target string) ([]*registry.PromptVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*registry.PromptVersion
	for _, v := range m.byID {
		if v.Target == target {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memVersions) ActivateVersion(ctx context.Context, versionID, approver string, at time.Time) (*registry.PromptVersion, error) {
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

// racyVersions wraps memVersions and, once armed, fails the next
// activation with a ConcurrencyError before delegating normally again.
type racyVersions struct {
	*memVersions
	mu    sync.Mutex
	armed bool
}

func (r *racyVersions) armActivationConflict() {
	r.mu.Lock()
	r.armed = true
	r.mu.Unlock()
}

func (r *racyVersions) ActivateVersion(ctx context.Context, versionID, approver string, at time.Time) (*registry.PromptVersion, error) {
	r.mu.Lock()
	if r.armed {
		r.armed = false
		r.mu.Unlock()
		return nil, &errs.ConcurrencyError{Target: "synthesizer", Reason: "lost the activation race"}
	}
	r.mu.Unlock()
	return r.memVersions.ActivateVersion(ctx, versionID, approver, at)
}

func countActive(m *memVersions, target string) int {
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
