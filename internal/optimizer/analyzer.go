package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"promptforge/internal/critic"
	"promptforge/internal/oracle"
)

// EvaluationSource supplies the low-score history mined for patterns.
type EvaluationSource interface {
	LowScoring(ctx context.Context, target string, threshold float64, limit int) ([]*critic.Evaluation, error)
}

// PatternStore persists failure patterns.
type PatternStore interface {
	SavePattern(ctx context.Context, p *FailurePattern) error
	GetPattern(ctx context.Context, id string) (*FailurePattern, error)
	PatternByKey(ctx context.Context, target, criterionID string) (*FailurePattern, error)
	ListPatterns(ctx context.Context, target string, status PatternStatus) ([]*FailurePattern, error)
	ExpireStaleReviews(ctx context.Context, now time.Time) (int, error)
}

// AnalyzerConfig bounds pattern detection.
type AnalyzerConfig struct {
	Threshold   float64 // scores below this are failures
	MinSamples  int     // failures required before a pattern is emitted
	QueryLimit  int     // evaluation window size
	SampleLimit int     // representative pairs kept per pattern
}

// Analyzer clusters historical low scores into failure patterns with
// oracle-seeded root-cause hypotheses. It only ever writes patterns in
// the detected state; every later transition is an explicit caller action.
type Analyzer struct {
	evals    EvaluationSource
	patterns PatternStore
	oracle   oracle.Oracle
	cfg      AnalyzerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewAnalyzer wires an analyzer. The oracle may be nil, in which case
// hypotheses fall back to criterion-family templates.
func NewAnalyzer(evals EvaluationSource, patterns PatternStore, o oracle.Oracle, cfg AnalyzerConfig, logger *zap.Logger) *Analyzer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.6
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 100
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		evals:    evals,
		patterns: patterns,
		oracle:   o,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type failureSample struct {
	query    string
	response string
	score    float64
}

// Analyze mines the evaluation window for recurring failures, grouped by
// (target, criterion) over per-criterion scores below the threshold. A
// group becomes a pattern only when its count reaches MinSamples. An
// empty target analyzes every target. A (target, criterion) pair that
// already has a non-terminal pattern is refreshed in place rather than
// duplicated.
func (a *Analyzer) Analyze(ctx context.Context, target string) ([]*FailurePattern, error) {
	evals, err := a.evals.LowScoring(ctx, target, a.cfg.Threshold, a.cfg.QueryLimit)
	if err != nil {
		return nil, err
	}
	if len(evals) == 0 {
		a.logger.Debug("no low-scoring evaluations in window", zap.String("target", target))
		return nil, nil
	}

	grouped := make(map[string][]failureSample)
	for _, ev := range evals {
		for _, s := range ev.Scores {
			if s.Score >= a.cfg.Threshold {
				continue
			}
			key := ev.Target + "\x00" + s.CriterionID
			grouped[key] = append(grouped[key], failureSample{
				query:    ev.Query,
				response: ev.Response,
				score:    s.Score,
			})
		}
	}

	keys := make([]string, 0, len(grouped))
	for key, failures := range grouped {
		if len(failures) >= a.cfg.MinSamples {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var patterns []*FailurePattern
	for _, key := range keys {
		parts := strings.SplitN(key, "\x00", 2)
		p, err := a.upsertPattern(ctx, parts[0], parts[1], grouped[key])
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func (a *Analyzer) upsertPattern(ctx context.Context, target, criterionID string, failures []failureSample) (*FailurePattern, error) {
	sum := 0.0
	for _, f := range failures {
		sum += f.score
	}
	avg := sum / float64(len(failures))

	var sampleQueries, sampleResponses []string
	for _, f := range failures {
		if len(sampleQueries) == a.cfg.SampleLimit {
			break
		}
		sampleQueries = append(sampleQueries, f.query)
		if f.response != "" {
			sampleResponses = append(sampleResponses, truncate(f.response, 200))
		}
	}

	now := a.now().UTC()
	description := fmt.Sprintf("%s consistently scores low on %s (avg: %.2f)", target, criterionID, avg)

	existing, err := a.patterns.PatternByKey(ctx, target, criterionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Frequency = len(failures)
		existing.AvgScore = avg
		existing.Description = description
		existing.SampleQueries = sampleQueries
		existing.SampleResponses = sampleResponses
		existing.UpdatedAt = now
		if err := a.patterns.SavePattern(ctx, existing); err != nil {
			return nil, err
		}
		a.logger.Info("failure pattern refreshed",
			zap.String("pattern_id", existing.ID),
			zap.Int("frequency", existing.Frequency))
		return existing, nil
	}

	hypotheses := a.generateHypotheses(ctx, target, criterionID, sampleQueries, sampleResponses, avg)

	p := &FailurePattern{
		ID:              fmt.Sprintf("fp:%s:%s:%s", target, shortCriterion(criterionID), now.Format("2006-01")),
		Target:          target,
		CriterionID:     criterionID,
		Type:            InferPatternType(criterionID),
		Description:     description,
		Frequency:       len(failures),
		AvgScore:        avg,
		SampleQueries:   sampleQueries,
		SampleResponses: sampleResponses,
		Hypotheses:      hypotheses,
		Status:          StatusDetected,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.patterns.SavePattern(ctx, p); err != nil {
		return nil, err
	}

	a.logger.Info("failure pattern detected",
		zap.String("pattern_id", p.ID),
		zap.String("criterion", criterionID),
		zap.Int("frequency", p.Frequency),
		zap.Float64("avg_score", avg))
	return p, nil
}

// Transition moves a pattern along one legal state-machine edge and
// persists it. Illegal edges return a ValidationError and leave the
// stored state untouched.
func (a *Analyzer) Transition(ctx context.Context, patternID string, to PatternStatus, reviewTTL time.Duration) (*FailurePattern, error) {
	p, err := a.patterns.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(p.Status, to); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	p.Status = to
	p.UpdatedAt = now
	p.ReviewExpiresAt = nil
	switch to {
	case StatusReviewing:
		expires := now.Add(reviewTTL)
		p.ReviewExpiresAt = &expires
	case StatusResolved:
		p.ResolvedAt = &now
	}

	if err := a.patterns.SavePattern(ctx, p); err != nil {
		return nil, err
	}
	a.logger.Info("pattern status changed",
		zap.String("pattern_id", patternID),
		zap.String("status", string(to)))
	return p, nil
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// generateHypotheses asks the oracle for 2-3 prompt-level root causes,
// seeded with the sampled failures. Falls back to criterion-family
// templates when the oracle is unavailable or returns junk.
func (a *Analyzer) generateHypotheses(ctx context.Context, target, criterionID string, queries, responses []string, avgScore float64) []string {
	if a.oracle == nil {
		return fallbackHypotheses(criterionID)
	}

	var samples strings.Builder
	for i, q := range queries {
		fmt.Fprintf(&samples, "\nQuery %d: %s\n", i+1, q)
		if i < len(responses) && responses[i] != "" {
			fmt.Fprintf(&samples, "Response excerpt: %s\n", truncate(responses[i], 150))
		}
	}

	prompt := fmt.Sprintf(`The %s agent consistently scores low on the %q criterion.
Average score: %.2f (threshold: %.2f)

Sample failing cases:
%s

Generate 2-3 hypotheses for why the %s prompt might be causing this issue.
Focus on prompt-level issues that could be fixed by modifying the prompt text.

Output as a JSON list of strings:
["hypothesis 1", "hypothesis 2", "hypothesis 3"]

Only output the JSON, no other text.`,
		target, criterionID, avgScore, a.cfg.Threshold, samples.String(), target)

	raw, err := a.oracle.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("hypothesis generation failed, using fallback",
			zap.String("criterion", criterionID), zap.Error(err))
		return fallbackHypotheses(criterionID)
	}

	match := jsonArrayPattern.FindString(raw)
	if match == "" {
		return fallbackHypotheses(criterionID)
	}
	var hypotheses []string
	if err := json.Unmarshal([]byte(match), &hypotheses); err != nil || len(hypotheses) == 0 {
		return fallbackHypotheses(criterionID)
	}
	if len(hypotheses) > 3 {
		hypotheses = hypotheses[:3]
	}
	return hypotheses
}

var hypothesisTemplates = map[string][]string{
	"source-citation": {
		"Prompt may not explicitly instruct to cite KG sources",
		"Source formatting instructions may be unclear",
	},
	"answer-relevance": {
		"Prompt may lack clear instruction to directly answer the question",
		"Context formatting may be confusing the model",
	},
	"reasoning-steps": {
		"Prompt may not require explicit reasoning steps",
		"Chain-of-thought instruction may be missing",
	},
	"completeness": {
		"Prompt may not emphasize including all relevant information",
		"Instructions for handling multiple results may be unclear",
	},
	"factual-accuracy": {
		"Prompt may allow too much creative interpretation",
		"Grounding instructions may be insufficiently strong",
	},
	"intent-accuracy": {
		"Intent categories may not be clearly described",
		"Examples for each intent type may be insufficient",
	},
	"entity-extraction": {
		"Entity extraction instructions may be too vague",
		"Entity format examples may be missing",
	},
	"template-selection": {
		"Template selection criteria may be unclear",
		"Intent-to-template mapping may need more examples",
	},
}

func fallbackHypotheses(criterionID string) []string {
	if h, ok := hypothesisTemplates[shortCriterion(criterionID)]; ok {
		return h
	}
	return []string{
		fmt.Sprintf("Responses for %s consistently miss the signal the criterion rewards", criterionID),
		"Prompt instructions may be unclear or ambiguous",
	}
}

// shortCriterion strips the namespace prefix from a criterion id
// (ec:source-citation -> source-citation).
func shortCriterion(criterionID string) string {
	if i := strings.LastIndex(criterionID, ":"); i >= 0 {
		return criterionID[i+1:]
	}
	return criterionID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
