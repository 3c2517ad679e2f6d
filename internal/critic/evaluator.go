package critic

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promptforge/internal/errs"
	"promptforge/internal/oracle"
)

// Evaluation is one scored agent output. Records are append-only.
type Evaluation struct {
	ID        string           `json:"id"`
	Target    string           `json:"target"`
	Query     string           `json:"query"`
	Response  string           `json:"response"`
	Scores    []CriterionScore `json:"scores"`
	Composite float64          `json:"composite_score"`
	Feedback  string           `json:"feedback,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ScoreFor returns the score recorded for a criterion id.
func (e *Evaluation) ScoreFor(criterionID string) (CriterionScore, bool) {
	for _, s := range e.Scores {
		if s.CriterionID == criterionID {
			return s, true
		}
	}
	return CriterionScore{}, false
}

// EvaluationStore persists evaluations durably.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, ev *Evaluation) error
}

// CriterionScorer scores one response against one criterion.
type CriterionScorer interface {
	Score(ctx context.Context, criterion Criterion, query, response string, evalContext map[string]any) (CriterionScore, error)
}

// Evaluator aggregates per-criterion scores into a composite and persists
// the result.
type Evaluator struct {
	criteria    *CriterionStore
	scorer      CriterionScorer
	oracle      oracle.Oracle
	store       EvaluationStore
	concurrency int
	retry       errs.RetryConfig
	logger      *zap.Logger

	// sample overrides rand.Float64 in tests.
	sample func() float64
}

// NewEvaluator wires an evaluator. The oracle is used only for feedback
// generation and may be nil; concurrency bounds parallel criterion scoring.
func NewEvaluator(criteria *CriterionStore, scorer CriterionScorer, o oracle.Oracle, store EvaluationStore, concurrency int, logger *zap.Logger) *Evaluator {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		criteria:    criteria,
		scorer:      scorer,
		oracle:      o,
		store:       store,
		concurrency: concurrency,
		retry:       errs.DefaultRetryConfig(),
		logger:      logger,
		sample:      rand.Float64,
	}
}

// Evaluate scores response against every criterion registered for target
// and persists the result. Returns (nil, nil) when the sampling rate
// excludes this execution. A degraded criterion keeps its weight; a
// criterion whose scorer fails outright is excluded and the remaining
// weights renormalize.
func (e *Evaluator) Evaluate(ctx context.Context, target, query, response string, evalContext map[string]any) (*Evaluation, error) {
	settings, err := e.criteria.Settings()
	if err != nil {
		return nil, err
	}

	if settings.EvaluationSampleRate < 1.0 && e.sample() > settings.EvaluationSampleRate {
		return nil, nil
	}

	included, composite, err := e.ScoreCriteria(ctx, target, query, response, evalContext)
	if err != nil {
		return nil, err
	}

	criteria, err := e.criteria.Load(target)
	if err != nil {
		return nil, err
	}

	feedback := ""
	if settings.FeedbackEnabled && composite < settings.MinCompositeScore {
		feedback = e.generateFeedback(ctx, criteria, included, query, response)
	}

	ev := &Evaluation{
		ID:        uuid.NewString(),
		Target:    target,
		Query:     query,
		Response:  truncate(response, settings.MaxResponseLength),
		Scores:    included,
		Composite: composite,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.persist(ctx, ev); err != nil {
		return nil, err
	}

	e.logger.Info("evaluation recorded",
		zap.String("target", target),
		zap.String("evaluation_id", ev.ID),
		zap.Float64("composite", composite))
	return ev, nil
}

// EvaluatePipeline evaluates several agent roles from one end-to-end
// execution. Targets are independent; a sampled-out target simply
// contributes no evaluation.
func (e *Evaluator) EvaluatePipeline(ctx context.Context, targets []string, query string, responsesByTarget map[string]string, contextsByTarget map[string]map[string]any) ([]*Evaluation, error) {
	var (
		mu          sync.Mutex
		evaluations []*Evaluation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, target := range targets {
		response, ok := responsesByTarget[target]
		if !ok || response == "" {
			continue
		}
		g.Go(func() error {
			ev, err := e.Evaluate(gctx, target, query, response, contextsByTarget[target])
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", target, err)
			}
			if ev != nil {
				mu.Lock()
				evaluations = append(evaluations, ev)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(evaluations, func(i, j int) bool { return evaluations[i].Target < evaluations[j].Target })
	return evaluations, nil
}

// ScoreCriteria scores response against every criterion for target and
// returns the included per-criterion scores with their weighted
// composite. It never samples, persists, or generates feedback; the test
// runner uses it directly so regression runs score every case.
func (e *Evaluator) ScoreCriteria(ctx context.Context, target, query, response string, evalContext map[string]any) ([]CriterionScore, float64, error) {
	criteria, err := e.criteria.Load(target)
	if err != nil {
		return nil, 0, err
	}

	scores, scoreErrs := e.scoreAll(ctx, criteria, query, response, evalContext)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	included := make([]CriterionScore, 0, len(criteria))
	var weightedSum, weightSum float64
	for i, c := range criteria {
		if scoreErrs[i] != nil {
			e.logger.Warn("criterion excluded from composite",
				zap.String("target", target),
				zap.String("criterion", c.ID),
				zap.Error(scoreErrs[i]))
			continue
		}
		included = append(included, scores[i])
		weightedSum += scores[i].Score * c.Weight
		weightSum += c.Weight
	}
	if len(included) == 0 {
		return nil, 0, fmt.Errorf("all %d criteria failed to score for target %s", len(criteria), target)
	}
	return included, weightedSum / weightSum, nil
}

// scoreAll fans criterion scoring out on a bounded pool. Results and
// errors are keyed by criterion index so output order is stable.
func (e *Evaluator) scoreAll(ctx context.Context, criteria []Criterion, query, response string, evalContext map[string]any) ([]CriterionScore, []error) {
	scores := make([]CriterionScore, len(criteria))
	scoreErrs := make([]error, len(criteria))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, c := range criteria {
		g.Go(func() error {
			score, err := e.scorer.Score(gctx, c, query, response, evalContext)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				scoreErrs[i] = err
				return nil
			}
			scores[i] = score
			return nil
		})
	}
	// The only propagated error is context cancellation, checked by the
	// caller via ctx.Err().
	_ = g.Wait()

	return scores, scoreErrs
}

func (e *Evaluator) persist(ctx context.Context, ev *Evaluation) error {
	err := errs.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.store.SaveEvaluation(ctx, ev)
	})
	if err != nil {
		return &errs.PersistenceError{Op: "save evaluation", Err: err}
	}
	return nil
}

// generateFeedback asks the oracle for improvement suggestions when the
// composite falls below the configured floor, with a templated fallback.
func (e *Evaluator) generateFeedback(ctx context.Context, criteria []Criterion, scores []CriterionScore, query, response string) string {
	byID := make(map[string]Criterion, len(criteria))
	for _, c := range criteria {
		byID[c.ID] = c
	}

	var low []lowScore
	for _, s := range scores {
		if s.Score < 0.6 {
			low = append(low, lowScore{byID[s.CriterionID], s.Score})
		}
	}
	if len(low) == 0 {
		return ""
	}
	sort.Slice(low, func(i, j int) bool { return low[i].score < low[j].score })
	if len(low) > 3 {
		low = low[:3]
	}

	if e.oracle == nil {
		return heuristicFeedback(low)
	}

	var summary strings.Builder
	for _, ls := range low {
		fmt.Fprintf(&summary, "- %s: %.2f (%s)\n", ls.criterion.Name, ls.score, ls.criterion.Description)
	}

	prompt := fmt.Sprintf(`Based on the evaluation scores below, provide brief improvement suggestions.

Query: %s
Response: %s

Low-scoring criteria:
%s
Provide 2-3 specific, actionable suggestions to improve the response.
Keep it concise (under 100 words).`,
		query, truncate(response, 500), summary.String())

	feedback, err := e.oracle.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("feedback generation failed", zap.Error(err))
		return heuristicFeedback(low)
	}
	return strings.TrimSpace(feedback)
}

type lowScore struct {
	criterion Criterion
	score     float64
}

func heuristicFeedback(low []lowScore) string {
	names := make([]string, 0, len(low))
	for _, ls := range low {
		names = append(names, ls.criterion.Name)
	}
	return "Consider improving: " + strings.Join(names, ", ")
}
