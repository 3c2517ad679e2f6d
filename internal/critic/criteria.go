// Package critic scores agent responses against weighted rubrics and
// aggregates them into persisted evaluations.
package critic

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"promptforge/internal/errs"
)

// weightEpsilon is the tolerance for the per-target weight sum.
const weightEpsilon = 1e-6

// Criterion is one measurable quality dimension for a target agent.
type Criterion struct {
	ID            string  `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	Description   string  `yaml:"description" json:"description"`
	Weight        float64 `yaml:"weight" json:"weight"`
	ScoringRubric string  `yaml:"scoring_rubric" json:"scoring_rubric"`

	// Target is the agent role this criterion applies to. Populated from
	// the YAML grouping key, not the entry itself.
	Target string `yaml:"-" json:"target"`
}

// Settings are the global evaluation knobs from the criteria file.
type Settings struct {
	MinCompositeScore    float64 `yaml:"min_composite_score"`
	EvaluationSampleRate float64 `yaml:"evaluation_sample_rate"`
	MaxResponseLength    int     `yaml:"max_response_length"`
	FeedbackEnabled      bool    `yaml:"feedback_enabled"`
}

type criteriaFile struct {
	Criteria map[string][]Criterion `yaml:"criteria"`
	Settings *Settings              `yaml:"settings"`
}

// CriterionStore loads weighted rubrics from a YAML file, validates them,
// and caches them. Criteria are immutable at runtime.
type CriterionStore struct {
	path string

	mu       sync.RWMutex
	criteria map[string][]Criterion
	settings Settings
	loaded   bool
}

// NewCriterionStore creates a store reading from the given YAML path.
func NewCriterionStore(path string) *CriterionStore {
	return &CriterionStore{path: path}
}

// Load returns the validated criteria for target. An unknown target, an
// empty criterion set, or weights that do not sum to 1.0 within epsilon
// are configuration errors surfaced as ValidationError.
func (s *CriterionStore) Load(target string) ([]Criterion, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	criteria, ok := s.criteria[target]
	if !ok || len(criteria) == 0 {
		return nil, &errs.ValidationError{
			Subject: fmt.Sprintf("criteria for target %q", target),
			Reason:  "no criteria configured",
		}
	}

	out := make([]Criterion, len(criteria))
	copy(out, criteria)
	return out, nil
}

// LoadAll validates every configured target and returns the full map.
// Called at startup so misconfiguration fails fast, never at scoring time.
func (s *CriterionStore) LoadAll() (map[string][]Criterion, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Criterion, len(s.criteria))
	for target, criteria := range s.criteria {
		cp := make([]Criterion, len(criteria))
		copy(cp, criteria)
		out[target] = cp
	}
	return out, nil
}

// Targets returns the configured target names, sorted.
func (s *CriterionStore) Targets() ([]string, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]string, 0, len(s.criteria))
	for target := range s.criteria {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets, nil
}

// Settings returns the global evaluation settings.
func (s *CriterionStore) Settings() (Settings, error) {
	if err := s.ensureLoaded(); err != nil {
		return Settings{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *CriterionStore) ensureLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return &errs.ValidationError{
			Subject: fmt.Sprintf("criteria file %s", s.path),
			Reason:  err.Error(),
		}
	}

	// Defaults are seeded before unmarshal so a partial settings block
	// overlays rather than zeroes.
	file := criteriaFile{
		Settings: &Settings{
			MinCompositeScore:    0.6,
			EvaluationSampleRate: 1.0,
			MaxResponseLength:    500,
			FeedbackEnabled:      true,
		},
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return &errs.ValidationError{
			Subject: fmt.Sprintf("criteria file %s", s.path),
			Reason:  fmt.Sprintf("malformed YAML: %v", err),
		}
	}

	criteria := make(map[string][]Criterion, len(file.Criteria))
	for target, list := range file.Criteria {
		for i := range list {
			list[i].Target = target
		}
		if err := validateTarget(target, list); err != nil {
			return err
		}
		criteria[target] = list
	}

	settings := *file.Settings
	if settings.EvaluationSampleRate < 0 || settings.EvaluationSampleRate > 1 {
		return &errs.ValidationError{
			Subject: "settings.evaluation_sample_rate",
			Reason:  fmt.Sprintf("must be in [0,1], got %v", settings.EvaluationSampleRate),
		}
	}

	s.criteria = criteria
	s.settings = settings
	s.loaded = true
	return nil
}

func validateTarget(target string, criteria []Criterion) error {
	if len(criteria) == 0 {
		return &errs.ValidationError{
			Subject: fmt.Sprintf("criteria for target %q", target),
			Reason:  "empty criterion list",
		}
	}

	seen := make(map[string]struct{}, len(criteria))
	sum := 0.0
	for _, c := range criteria {
		if c.ID == "" {
			return &errs.ValidationError{
				Subject: fmt.Sprintf("criteria for target %q", target),
				Reason:  "criterion with empty id",
			}
		}
		if _, dup := seen[c.ID]; dup {
			return &errs.ValidationError{
				Subject: fmt.Sprintf("criteria for target %q", target),
				Reason:  fmt.Sprintf("duplicate criterion id %q", c.ID),
			}
		}
		seen[c.ID] = struct{}{}

		if c.Weight <= 0 || c.Weight > 1 {
			return &errs.ValidationError{
				Subject: fmt.Sprintf("criterion %s/%s", target, c.ID),
				Reason:  fmt.Sprintf("weight %v outside (0,1]", c.Weight),
			}
		}
		sum += c.Weight
	}

	if math.Abs(sum-1.0) > weightEpsilon {
		return &errs.ValidationError{
			Subject: fmt.Sprintf("criteria for target %q", target),
			Reason:  fmt.Sprintf("weights sum to %v, want 1.0", sum),
		}
	}
	return nil
}
