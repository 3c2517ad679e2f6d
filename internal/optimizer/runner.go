package optimizer

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"promptforge/internal/agent"
	"promptforge/internal/critic"
	"promptforge/internal/errs"
)

// CaseScorer scores one response against a target's criteria without
// sampling or persistence. Satisfied by *critic.Evaluator.
type CaseScorer interface {
	ScoreCriteria(ctx context.Context, target, query, response string, evalContext map[string]any) ([]critic.CriterionScore, float64, error)
}

// RunStore persists Gate-2 test runs.
type RunStore interface {
	SaveRun(ctx context.Context, r *TestRun) error
	GetRun(ctx context.Context, id string) (*TestRun, error)
	ListRuns(ctx context.Context, status RunStatus) ([]*TestRun, error)
}

type suiteFile struct {
	Suites map[string][]TestCase `yaml:"suites"`
}

// LoadSuite reads the regression suite YAML, keyed by target.
func LoadSuite(path string) (map[string][]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("test suite %s", path),
			Reason:  err.Error(),
		}
	}
	var file suiteFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("test suite %s", path),
			Reason:  fmt.Sprintf("malformed YAML: %v", err),
		}
	}
	return file.Suites, nil
}

// Runner executes the regression suite against the baseline prompt and
// each variant, ranks variants by improvement, and persists the ranked
// results as a pending Gate-2 run.
type Runner struct {
	executor    agent.Executor
	scorer      CaseScorer
	runs        RunStore
	concurrency int
	ttl         time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunner wires a runner. ttl bounds how long the resulting run waits
// at Gate 2 before expiring.
func NewRunner(executor agent.Executor, scorer CaseScorer, runs RunStore, concurrency int, ttl time.Duration, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		executor:    executor,
		scorer:      scorer,
		runs:        runs,
		concurrency: concurrency,
		ttl:         ttl,
		logger:      logger,
		now:         time.Now,
	}
}

// RunTests evaluates the baseline once, then each variant under its
// prompt override, and returns a pending run with results ranked by
// (aggregate delta desc, pass rate desc, variant index asc). The ranking
// is deterministic for identical inputs regardless of scheduling.
func (r *Runner) RunTests(ctx context.Context, target, patternID string, variants []PromptVariant, suite []TestCase) (*TestRun, error) {
	if len(suite) == 0 {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("test suite for target %q", target),
			Reason:  "no test cases",
		}
	}
	if len(variants) == 0 {
		return nil, &errs.ValidationError{
			Subject: "variants",
			Reason:  "nothing to test",
		}
	}

	r.logger.Info("running baseline suite",
		zap.String("target", target),
		zap.Int("cases", len(suite)))
	_, baselineScores, err := r.runSuite(ctx, target, "", suite)
	if err != nil {
		return nil, fmt.Errorf("baseline run: %w", err)
	}

	results := make([]TestResult, len(variants))
	for i, v := range variants {
		r.logger.Info("running variant suite",
			zap.String("variant_id", v.ID),
			zap.Int("index", i))
		perCase, variantScores, err := r.runSuite(ctx, target, v.Content, suite)
		if err != nil {
			return nil, fmt.Errorf("variant %s run: %w", v.ID, err)
		}

		deltas := make(map[string]float64, len(baselineScores))
		sum := 0.0
		for criterionID, baseScore := range baselineScores {
			variantScore, ok := variantScores[criterionID]
			if !ok {
				variantScore = baseScore
			}
			d := variantScore - baseScore
			deltas[criterionID] = d
			sum += d
		}
		aggregate := 0.0
		if len(deltas) > 0 {
			aggregate = sum / float64(len(deltas))
		}

		passed := 0
		for _, cr := range perCase {
			if cr.Passed {
				passed++
			}
		}

		results[i] = TestResult{
			VariantID:      v.ID,
			VariantIndex:   i,
			BaselineScores: baselineScores,
			VariantScores:  variantScores,
			Deltas:         deltas,
			AggregateDelta: aggregate,
			PassedCount:    passed,
			FailedCount:    len(perCase) - passed,
			CaseCount:      len(perCase),
			PerCase:        perCase,
		}
	}

	rankResults(results)

	now := r.now().UTC()
	run := &TestRun{
		ID:        "run:" + uuid.NewString(),
		Target:    target,
		PatternID: patternID,
		Variants:  variants,
		Results:   results,
		Status:    RunPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if err := r.runs.SaveRun(ctx, run); err != nil {
		return nil, &errs.PersistenceError{Op: "save test run", Err: err}
	}

	r.logger.Info("test run recorded",
		zap.String("run_id", run.ID),
		zap.String("best_variant", results[0].VariantID),
		zap.Float64("best_delta", results[0].AggregateDelta))
	return run, nil
}

// runSuite executes every case on a bounded pool, scoring each response.
// Results are keyed by case index so concurrency cannot perturb totals.
func (r *Runner) runSuite(ctx context.Context, target, promptOverride string, suite []TestCase) ([]CaseResult, map[string]float64, error) {
	perCase := make([]CaseResult, len(suite))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, tc := range suite {
		g.Go(func() error {
			result, err := r.executor.Run(gctx, target, promptOverride, tc.Query)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				perCase[i] = CaseResult{Query: tc.Query, Passed: false, Error: err.Error()}
				return nil
			}

			scores, composite, err := r.scorer.ScoreCriteria(gctx, target, tc.Query, result.Response, result.Context)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				perCase[i] = CaseResult{Query: tc.Query, Passed: false, Error: err.Error()}
				return nil
			}

			scoreMap := make(map[string]float64, len(scores))
			for _, s := range scores {
				scoreMap[s.CriterionID] = s.Score
			}
			perCase[i] = CaseResult{
				Query:     tc.Query,
				Scores:    scoreMap,
				Composite: composite,
				Passed:    checkExpectations(tc, result),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return perCase, averageScores(perCase), nil
}

// checkExpectations verifies a case's declared assertions against the
// execution result, independent of composite scores.
func checkExpectations(tc TestCase, result agent.Result) bool {
	evalCtx := result.Context

	if len(tc.ExpectedEntities) > 0 {
		extracted := stringSlice(evalCtx["entities"])
		for _, want := range tc.ExpectedEntities {
			if !contains(extracted, want) {
				return false
			}
		}
	}

	if tc.MinConfidence > 0 {
		confidence, _ := evalCtx["confidence"].(float64)
		if confidence < tc.MinConfidence {
			return false
		}
	}
	if len(stringSlice(evalCtx["sources"])) < tc.MinSources {
		return false
	}
	if sliceLen(evalCtx["kg_results"]) < tc.MinResults {
		return false
	}
	if tc.NoError {
		if errVal, ok := evalCtx["error"]; ok && errVal != nil && errVal != "" {
			return false
		}
	}
	return true
}

// averageScores computes the per-criterion mean over every case that
// scored that criterion.
func averageScores(perCase []CaseResult) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, cr := range perCase {
		for id, score := range cr.Scores {
			sums[id] += score
			counts[id]++
		}
	}
	avgs := make(map[string]float64, len(sums))
	for id, sum := range sums {
		avgs[id] = sum / float64(counts[id])
	}
	return avgs
}

// rankResults sorts best-first on (aggregate delta desc, pass rate desc,
// variant index asc). The index tie-break pins the order to the input
// slice, never map or scheduling order.
func rankResults(results []TestResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !almostEqual(a.AggregateDelta, b.AggregateDelta) {
			return a.AggregateDelta > b.AggregateDelta
		}
		if !almostEqual(a.PassRate(), b.PassRate()) {
			return a.PassRate() > b.PassRate()
		}
		return a.VariantIndex < b.VariantIndex
	})
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func sliceLen(v any) int {
	switch s := v.(type) {
	case []any:
		return len(s)
	case []string:
		return len(s)
	case []map[string]any:
		return len(s)
	case int:
		return s
	}
	return 0
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
