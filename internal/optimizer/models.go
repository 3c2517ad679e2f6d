// Package optimizer mines evaluation history for failure patterns,
// generates candidate prompt variants, and tests them against a
// regression suite through two human-approval gates.
package optimizer

import (
	"fmt"
	"strings"
	"time"

	"promptforge/internal/errs"
)

// PatternStatus is the lifecycle state of a failure pattern.
type PatternStatus string

const (
	StatusDetected   PatternStatus = "detected"
	StatusReviewing  PatternStatus = "reviewing"
	StatusAddressing PatternStatus = "addressing"
	StatusResolved   PatternStatus = "resolved"
	StatusRejected   PatternStatus = "rejected"
)

// legalTransitions enumerates the allowed state-machine edges. The
// analyzer only ever writes detected; everything past that requires an
// explicit caller action. The edges back to detected are the gate TTL
// expiry paths.
var legalTransitions = map[PatternStatus][]PatternStatus{
	StatusDetected:   {StatusReviewing, StatusRejected},
	StatusReviewing:  {StatusAddressing, StatusRejected, StatusDetected},
	StatusAddressing: {StatusResolved, StatusRejected, StatusDetected},
}

// ValidateTransition returns a ValidationError naming the illegal edge
// when from→to is not allowed. Terminal states have no outgoing edges.
func ValidateTransition(from, to PatternStatus) error {
	for _, next := range legalTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &errs.ValidationError{
		Subject: "pattern status",
		Reason:  fmt.Sprintf("illegal transition %s -> %s", from, to),
	}
}

// Terminal reports whether the status has no outgoing edges.
func (s PatternStatus) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// PatternType categorizes what kind of failure a pattern represents.
type PatternType string

const (
	PatternOutputQuality  PatternType = "output_quality"
	PatternReasoning      PatternType = "reasoning"
	PatternRetrieval      PatternType = "retrieval"
	PatternClassification PatternType = "classification"
)

// InferPatternType maps a criterion id onto a failure category.
func InferPatternType(criterionID string) PatternType {
	c := strings.ToLower(criterionID)
	switch {
	case containsAny(c, "source", "citation", "grounding", "accuracy"):
		return PatternOutputQuality
	case containsAny(c, "reasoning", "steps", "completeness"):
		return PatternReasoning
	case containsAny(c, "retrieval", "query", "result", "template"):
		return PatternRetrieval
	case containsAny(c, "intent", "entity", "scope"):
		return PatternClassification
	}
	return PatternOutputQuality
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FailurePattern is a recurring low-score cluster on one
// (target, criterion) pair.
type FailurePattern struct {
	ID              string        `json:"id"`
	Target          string        `json:"target"`
	CriterionID     string        `json:"criterion_id"`
	Type            PatternType   `json:"pattern_type"`
	Description     string        `json:"description"`
	Frequency       int           `json:"frequency"`
	AvgScore        float64       `json:"avg_score"`
	SampleQueries   []string      `json:"sample_queries"`
	SampleResponses []string      `json:"sample_responses"`
	Hypotheses      []string      `json:"hypotheses"`
	Status          PatternStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ReviewExpiresAt *time.Time    `json:"review_expires_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
}

// Key is the grouping key target:criterion.
func (p *FailurePattern) Key() string {
	return p.Target + ":" + p.CriterionID
}

// PromptVariant is one candidate replacement prompt. Variants live inside
// their TestRun; only an approved variant becomes a PromptVersion.
type PromptVariant struct {
	ID                  string    `json:"id"`
	PatternID           string    `json:"pattern_id"`
	Target              string    `json:"target"`
	Content             string    `json:"content"`
	Rationale           string    `json:"rationale"`
	AddressesHypotheses []int     `json:"addresses_hypotheses"`
	CreatedAt           time.Time `json:"created_at"`
}

// TestCase declares one regression query and its pass expectations,
// checked independently of composite scores.
type TestCase struct {
	Query            string   `yaml:"query" json:"query"`
	ExpectedEntities []string `yaml:"expected_entities" json:"expected_entities,omitempty"`
	MinConfidence    float64  `yaml:"min_confidence" json:"min_confidence,omitempty"`
	MinSources       int      `yaml:"min_sources" json:"min_sources,omitempty"`
	MinResults       int      `yaml:"min_results" json:"min_results,omitempty"`
	NoError          bool     `yaml:"no_error" json:"no_error"`
}

// CaseResult is the outcome of one test case under one prompt.
type CaseResult struct {
	Query     string             `json:"query"`
	Scores    map[string]float64 `json:"scores"`
	Composite float64            `json:"composite_score"`
	Passed    bool               `json:"passed"`
	Error     string             `json:"error,omitempty"`
}

// TestResult compares one variant against the baseline over the full
// suite. Pass rate and score delta are reported separately; neither
// subsumes the other.
type TestResult struct {
	VariantID      string             `json:"variant_id"`
	VariantIndex   int                `json:"variant_index"`
	BaselineScores map[string]float64 `json:"baseline_scores"`
	VariantScores  map[string]float64 `json:"variant_scores"`
	Deltas         map[string]float64 `json:"deltas"`
	AggregateDelta float64            `json:"aggregate_delta"`
	PassedCount    int                `json:"passed_count"`
	FailedCount    int                `json:"failed_count"`
	CaseCount      int                `json:"case_count"`
	PerCase        []CaseResult       `json:"per_case"`
}

// PassRate is the fraction of cases that met their expectations.
func (r *TestResult) PassRate() float64 {
	if r.CaseCount == 0 {
		return 0
	}
	return float64(r.PassedCount) / float64(r.CaseCount)
}

// RunStatus is the Gate-2 state of a test run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunApproved RunStatus = "approved"
	RunRejected RunStatus = "rejected"
	RunExpired  RunStatus = "expired"
)

// TestRun is the durable Gate-2 record: the tested variants and their
// ranked results, awaiting a human decision until the TTL expires.
type TestRun struct {
	ID        string          `json:"id"`
	Target    string          `json:"target"`
	PatternID string          `json:"pattern_id"`
	Variants  []PromptVariant `json:"variants"`
	Results   []TestResult    `json:"results"`
	Status    RunStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	DecidedBy string          `json:"decided_by,omitempty"`
}

// Variant returns the run's variant with the given id.
func (r *TestRun) Variant(variantID string) (PromptVariant, bool) {
	for _, v := range r.Variants {
		if v.ID == variantID {
			return v, true
		}
	}
	return PromptVariant{}, false
}
