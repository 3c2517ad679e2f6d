package critic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"promptforge/internal/oracle"
)

// CriterionScore is the outcome of scoring one response against one criterion.
type CriterionScore struct {
	CriterionID string  `json:"criterion_id"`
	Score       float64 `json:"score"`
	Degraded    bool    `json:"degraded,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Scorer evaluates a single response against a single criterion. Oracle
// failures degrade to a heuristic score; Score never fails except on
// context cancellation.
type Scorer struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

// NewScorer creates a scorer. A nil oracle forces heuristic scoring.
func NewScorer(o oracle.Oracle, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{oracle: o, logger: logger}
}

// Score returns a value in [0,1]. Oracle failures fall back to a heuristic
// score with Degraded set; only context cancellation is returned as an error.
func (s *Scorer) Score(ctx context.Context, criterion Criterion, query, response string, evalContext map[string]any) (CriterionScore, error) {
	if err := ctx.Err(); err != nil {
		return CriterionScore{}, err
	}

	if s.oracle == nil {
		score := heuristicScore(criterion, response, evalContext)
		return CriterionScore{
			CriterionID: criterion.ID,
			Score:       score,
			Degraded:    true,
			Reason:      "no oracle configured",
		}, nil
	}

	prompt := buildScoringPrompt(criterion, query, response, evalContext)
	raw, err := s.oracle.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return CriterionScore{}, ctx.Err()
		}
		s.logger.Warn("oracle scoring failed, using heuristic",
			zap.String("criterion", criterion.ID),
			zap.Error(err))
		return CriterionScore{
			CriterionID: criterion.ID,
			Score:       heuristicScore(criterion, response, evalContext),
			Degraded:    true,
			Reason:      fmt.Sprintf("oracle error: %v", err),
		}, nil
	}

	score, parsed := parseScore(raw)
	result := CriterionScore{CriterionID: criterion.ID, Score: score}
	if !parsed {
		result.Degraded = true
		result.Reason = fmt.Sprintf("non-numeric oracle output %q", truncate(raw, 80))
	}
	return result, nil
}

// buildScoringPrompt produces the deterministic rubric prompt for one
// criterion. Retrieval counts from the execution context are included
// so citation and grounding criteria can be judged.
func buildScoringPrompt(criterion Criterion, query, response string, evalContext map[string]any) string {
	var contextStr string
	if len(evalContext) > 0 {
		contextStr = fmt.Sprintf(`
Context:
- KG results retrieved: %d
- Vector results retrieved: %d
- Sources cited: %d
`,
			contextLen(evalContext, "kg_results"),
			contextLen(evalContext, "vector_results"),
			contextLen(evalContext, "sources"))
	}

	return fmt.Sprintf(`You are evaluating an AI assistant's response quality.

Criterion: %s
Description: %s

Scoring Rubric:
%s

User Query: %s

Assistant Response: %s
%s
Based on the rubric above, assign a score from 0.0 to 1.0.
Output ONLY the numeric score (e.g., "0.8"). No explanation needed.

Score:`,
		criterion.Name,
		criterion.Description,
		criterion.ScoringRubric,
		query,
		truncate(response, 1000),
		contextStr)
}

var scorePattern = regexp.MustCompile(`(\d+\.?\d*)`)

// parseScore extracts the first number from oracle output. Values above 1
// are treated as percentages; the result is clamped to [0,1]. The bool
// reports whether a number was found.
func parseScore(raw string) (float64, bool) {
	match := scorePattern.FindString(strings.TrimSpace(raw))
	if match == "" {
		return 0.5, false
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0.5, false
	}
	if score > 1.0 {
		score /= 100.0
	}
	return clamp01(score), true
}

// heuristicScore approximates a score from response and context signals
// when the oracle is unavailable. The criterion id and name are matched
// against signal families.
func heuristicScore(criterion Criterion, response string, evalContext map[string]any) float64 {
	key := strings.ToLower(criterion.ID + " " + criterion.Name)

	switch {
	case containsAny(key, "relevance", "answer"):
		if len(response) < 20 {
			return 0.2
		}
		return 0.7

	case containsAny(key, "citation", "source"):
		switch n := contextLen(evalContext, "sources"); {
		case n >= 2:
			return 0.9
		case n == 1:
			return 0.6
		default:
			return 0.3
		}

	case containsAny(key, "accuracy", "factual", "grounding"):
		if contextLen(evalContext, "kg_results") > 0 {
			return 0.7
		}
		return 0.5

	case containsAny(key, "reasoning", "steps"):
		lower := strings.ToLower(response)
		for _, kw := range []string{"because", "therefore", "since", "thus", "hence"} {
			if strings.Contains(lower, kw) {
				return 0.7
			}
		}
		return 0.4

	case containsAny(key, "completeness", "coverage"):
		if contextLen(evalContext, "kg_results") > 0 && len(response) > 200 {
			return 0.7
		}
		return 0.5

	case containsAny(key, "conciseness", "brevity"):
		switch {
		case len(response) > 2000:
			return 0.4
		case len(response) > 1000:
			return 0.6
		default:
			return 0.8
		}

	case containsAny(key, "entity", "extraction"):
		if contextLen(evalContext, "entities") > 0 {
			return 0.8
		}
		return 0.4

	case containsAny(key, "execution", "retrieval"):
		if errVal, ok := evalContext["error"]; ok && errVal != nil && errVal != "" {
			return 0.0
		}
		if contextLen(evalContext, "kg_results") > 0 {
			return 1.0
		}
		return 0.5

	case containsAny(key, "safety"):
		return 1.0
	}

	return 0.5
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// contextLen returns the element count of a slice-valued context key.
func contextLen(evalContext map[string]any, key string) int {
	if evalContext == nil {
		return 0
	}
	switch v := evalContext[key].(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	case []string:
		return len(v)
	case []map[string]any:
		return len(v)
	case int:
		return v
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
