package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"promptforge/internal/errs"
	"promptforge/internal/registry"
)

// Pipeline drives the optimization loop through its two human-approval
// gates. Gate 1 approves (possibly edited) hypotheses and produces
// variants; Gate 2 approves one tested variant and activates it. Both
// gates are durable records with a TTL, never blocked threads.
type Pipeline struct {
	analyzer  *Analyzer
	generator *Generator
	runner    *Runner
	registry  *registry.Registry
	patterns  PatternStore
	runs      RunStore
	suites    map[string][]TestCase
	reviewTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline wires the loop. suites is the regression suite per target;
// reviewTTL bounds both pending gates.
func NewPipeline(analyzer *Analyzer, generator *Generator, runner *Runner, reg *registry.Registry, patterns PatternStore, runs RunStore, suites map[string][]TestCase, reviewTTL time.Duration, logger *zap.Logger) *Pipeline {
	if reviewTTL <= 0 {
		reviewTTL = 72 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		analyzer:  analyzer,
		generator: generator,
		runner:    runner,
		registry:  reg,
		patterns:  patterns,
		runs:      runs,
		suites:    suites,
		reviewTTL: reviewTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Analyze mines the evaluation history for failure patterns.
func (p *Pipeline) Analyze(ctx context.Context, target string) ([]*FailurePattern, error) {
	return p.analyzer.Analyze(ctx, target)
}

// OpenReview opens Gate 1 on a detected pattern. The review expires back
// to detected after the TTL.
func (p *Pipeline) OpenReview(ctx context.Context, patternID string) (*FailurePattern, error) {
	return p.analyzer.Transition(ctx, patternID, StatusReviewing, p.reviewTTL)
}

// ApproveHypotheses closes Gate 1: the edited hypotheses are persisted,
// the pattern moves to addressing, and variants are generated against
// the current baseline. A review past its TTL is expired on the spot,
// reverting the pattern to detected, whether or not a sweep ran first.
// An empty hypotheses argument keeps the pattern's existing ones. An
// empty variant list carries an explicit reason.
func (p *Pipeline) ApproveHypotheses(ctx context.Context, patternID string, hypotheses []string) ([]PromptVariant, string, error) {
	pattern, err := p.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return nil, "", err
	}
	if pattern.Status == StatusReviewing && pattern.ReviewExpiresAt != nil && p.now().UTC().After(*pattern.ReviewExpiresAt) {
		if _, err := p.analyzer.Transition(ctx, patternID, StatusDetected, 0); err != nil {
			return nil, "", err
		}
		return nil, "", &errs.ValidationError{
			Subject: fmt.Sprintf("pattern %s", patternID),
			Reason:  "review expired awaiting approval",
		}
	}
	if err := ValidateTransition(pattern.Status, StatusAddressing); err != nil {
		return nil, "", err
	}

	if len(hypotheses) > 0 {
		pattern.Hypotheses = hypotheses
	}
	pattern.Status = StatusAddressing
	pattern.UpdatedAt = p.now().UTC()
	pattern.ReviewExpiresAt = nil
	if err := p.patterns.SavePattern(ctx, pattern); err != nil {
		return nil, "", err
	}

	p.logger.Info("hypotheses approved",
		zap.String("pattern_id", patternID),
		zap.Int("hypotheses", len(pattern.Hypotheses)))

	return p.generator.Generate(ctx, pattern, pattern.Hypotheses)
}

// RunTests executes the regression suite for the pattern's target against
// the given variants and records a pending Gate-2 run.
func (p *Pipeline) RunTests(ctx context.Context, patternID string, variants []PromptVariant) (*TestRun, error) {
	pattern, err := p.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if pattern.Status != StatusAddressing {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("pattern %s", patternID),
			Reason:  fmt.Sprintf("tests require status addressing, got %s", pattern.Status),
		}
	}

	suite := p.suites[pattern.Target]
	return p.runner.RunTests(ctx, pattern.Target, patternID, variants, suite)
}

// ApproveVariant closes Gate 2: it commits the chosen variant as a new
// prompt version, activates it, resolves the pattern, and closes the
// run. Until this call no PromptVersion exists for the run.
func (p *Pipeline) ApproveVariant(ctx context.Context, runID, variantID, approver string) (*registry.PromptVersion, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunPending {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("test run %s", runID),
			Reason:  fmt.Sprintf("already %s", run.Status),
		}
	}
	now := p.now().UTC()
	if now.After(run.ExpiresAt) {
		if err := p.expireRun(ctx, run, now); err != nil {
			return nil, err
		}
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("test run %s", runID),
			Reason:  "expired awaiting approval",
		}
	}

	variant, ok := run.Variant(variantID)
	if !ok {
		return nil, &errs.NotFoundError{Kind: "variant in run " + runID, ID: variantID}
	}

	var delta float64
	var summary string
	for _, res := range run.Results {
		if res.VariantID == variantID {
			delta = res.AggregateDelta
			summary = marshalSummary(res)
			break
		}
	}

	version, err := p.registry.CreateVersion(ctx, run.Target, variant.Content, "", run.PatternID, variant.Rationale, delta, summary)
	if err != nil {
		return nil, err
	}
	if err := p.registry.Activate(ctx, version.ID, approver); err != nil {
		if !errs.IsConcurrency(err) {
			return nil, err
		}
		// A lost activation race gets one retry against fresh state.
		p.logger.Warn("activation lost a race, retrying",
			zap.String("version_id", version.ID), zap.Error(err))
		if err := p.registry.Activate(ctx, version.ID, approver); err != nil {
			return nil, err
		}
	}

	run.Status = RunApproved
	run.DecidedAt = &now
	run.DecidedBy = approver
	if err := p.runs.SaveRun(ctx, run); err != nil {
		return nil, &errs.PersistenceError{Op: "close test run", Err: err}
	}

	if run.PatternID != "" {
		if _, err := p.analyzer.Transition(ctx, run.PatternID, StatusResolved, 0); err != nil {
			p.logger.Warn("pattern could not be resolved",
				zap.String("pattern_id", run.PatternID), zap.Error(err))
		}
	}

	p.logger.Info("variant approved and activated",
		zap.String("run_id", runID),
		zap.String("variant_id", variantID),
		zap.String("version_id", version.ID),
		zap.Float64("delta", delta))
	return p.registry.ActiveVersion(ctx, run.Target)
}

// RejectRun closes Gate 2 without side effects: the run is marked
// rejected and the pattern returns to rejected. No version is created.
func (p *Pipeline) RejectRun(ctx context.Context, runID, decidedBy string) error {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunPending {
		return &errs.ValidationError{
			Subject: fmt.Sprintf("test run %s", runID),
			Reason:  fmt.Sprintf("already %s", run.Status),
		}
	}

	now := p.now().UTC()
	run.Status = RunRejected
	run.DecidedAt = &now
	run.DecidedBy = decidedBy
	if err := p.runs.SaveRun(ctx, run); err != nil {
		return &errs.PersistenceError{Op: "close test run", Err: err}
	}

	if run.PatternID != "" {
		if _, err := p.analyzer.Transition(ctx, run.PatternID, StatusRejected, 0); err != nil {
			p.logger.Warn("pattern could not be rejected",
				zap.String("pattern_id", run.PatternID), zap.Error(err))
		}
	}
	return nil
}

// RejectPattern closes a pattern at Gate 1 without side effects.
func (p *Pipeline) RejectPattern(ctx context.Context, patternID string) error {
	_, err := p.analyzer.Transition(ctx, patternID, StatusRejected, 0)
	return err
}

// ExpireStaleGates sweeps both pending gates: reviews past their TTL
// revert to detected, and pending runs past their TTL are closed with
// their patterns reverted to detected so they can be picked up again.
func (p *Pipeline) ExpireStaleGates(ctx context.Context) (reviews, runs int, err error) {
	now := p.now().UTC()

	reviews, err = p.patterns.ExpireStaleReviews(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	pending, err := p.runs.ListRuns(ctx, RunPending)
	if err != nil {
		return reviews, 0, err
	}
	for _, run := range pending {
		if !now.After(run.ExpiresAt) {
			continue
		}
		if err := p.expireRun(ctx, run, now); err != nil {
			return reviews, runs, err
		}
		runs++
	}

	if reviews > 0 || runs > 0 {
		p.logger.Info("stale gates expired",
			zap.Int("reviews", reviews),
			zap.Int("runs", runs))
	}
	return reviews, runs, nil
}

func (p *Pipeline) expireRun(ctx context.Context, run *TestRun, now time.Time) error {
	run.Status = RunExpired
	run.DecidedAt = &now
	if err := p.runs.SaveRun(ctx, run); err != nil {
		return &errs.PersistenceError{Op: "expire test run", Err: err}
	}
	if run.PatternID != "" {
		if _, err := p.analyzer.Transition(ctx, run.PatternID, StatusDetected, 0); err != nil {
			p.logger.Warn("pattern could not revert to detected",
				zap.String("pattern_id", run.PatternID), zap.Error(err))
		}
	}
	return nil
}

// marshalSummary records the headline numbers for a result, dropping the
// per-case detail.
func marshalSummary(res TestResult) string {
	summary := map[string]any{
		"aggregate_delta": res.AggregateDelta,
		"pass_rate":       res.PassRate(),
		"passed":          res.PassedCount,
		"failed":          res.FailedCount,
		"cases":           res.CaseCount,
		"deltas":          res.Deltas,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(data)
}
