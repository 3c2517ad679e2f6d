package critic

import (
	"context"
	"errors"
	"testing"

	"promptforge/internal/oracle"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   float64
		parsed bool
	}{
		{"plain decimal", "0.8", 0.8, true},
		{"with whitespace", "  0.35\n", 0.35, true},
		{"embedded in prose", "The score is 0.7 overall", 0.7, true},
		{"percentage normalized", "85", 0.85, true},
		{"integer one", "1", 1.0, true},
		{"zero", "0.0", 0.0, true},
		{"non-numeric", "excellent response", 0.5, false},
		{"empty", "", 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, parsed := parseScore(tt.raw)
			if got != tt.want {
				t.Errorf("parseScore(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			if parsed != tt.parsed {
				t.Errorf("parseScore(%q) parsed = %v, want %v", tt.raw, parsed, tt.parsed)
			}
		})
	}
}

func TestScoreAlwaysInRange(t *testing.T) {
	criterion := Criterion{ID: "ec:answer-relevance", Name: "Answer Relevance"}
	outputs := []string{"0.8", "150", "-3", "nonsense", "999.9"}

	for _, out := range outputs {
		s := NewScorer(oracle.NewMock(out), nil)
		got, err := s.Score(context.Background(), criterion, "q", "a long enough response here", nil)
		if err != nil {
			t.Fatalf("Score() error = %v", err)
		}
		if got.Score < 0 || got.Score > 1 {
			t.Errorf("Score() with output %q = %v, out of [0,1]", out, got.Score)
		}
	}
}

func TestScoreDegradesOnOracleFailure(t *testing.T) {
	criterion := Criterion{ID: "ec:answer-relevance", Name: "Answer Relevance"}
	mock := oracle.NewMock().FailWith(errors.New("timeout"))

	got, err := NewScorer(mock, nil).Score(context.Background(), criterion, "q", "a reasonably long response body", nil)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if !got.Degraded {
		t.Error("Score() Degraded = false, want true after oracle failure")
	}
	if got.Score != 0.7 {
		t.Errorf("heuristic relevance score = %v, want 0.7", got.Score)
	}
}

func TestScoreFlagsNonNumericOutput(t *testing.T) {
	criterion := Criterion{ID: "ec:safety", Name: "Safety"}
	got, err := NewScorer(oracle.NewMock("looks fine to me"), nil).Score(context.Background(), criterion, "q", "r", nil)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if !got.Degraded {
		t.Error("Score() Degraded = false, want true for non-numeric output")
	}
	if got.Score != 0.5 {
		t.Errorf("Score() = %v, want neutral 0.5", got.Score)
	}
}

func TestScoreNilOracleUsesHeuristic(t *testing.T) {
	got, err := NewScorer(nil, nil).Score(context.Background(),
		Criterion{ID: "ec:source-citation", Name: "Source Citation"},
		"q", "r",
		map[string]any{"sources": []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if !got.Degraded {
		t.Error("Degraded = false, want true with nil oracle")
	}
	if got.Score != 0.9 {
		t.Errorf("citation heuristic with 3 sources = %v, want 0.9", got.Score)
	}
}

func TestScoreReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScorer(oracle.NewMock("0.5"), nil).Score(ctx, Criterion{ID: "a"}, "q", "r", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Score() error = %v, want context.Canceled", err)
	}
}

func TestHeuristicScoreFamilies(t *testing.T) {
	tests := []struct {
		name      string
		criterion Criterion
		response  string
		context   map[string]any
		want      float64
	}{
		{"short response relevance", Criterion{ID: "ec:answer-relevance"}, "hi", nil, 0.2},
		{"no sources", Criterion{ID: "ec:source-citation"}, "r", nil, 0.3},
		{"one source", Criterion{ID: "ec:source-citation"}, "r", map[string]any{"sources": []string{"s"}}, 0.6},
		{"reasoning keywords", Criterion{ID: "ec:reasoning-steps"}, "X because Y", nil, 0.7},
		{"no reasoning keywords", Criterion{ID: "ec:reasoning-steps"}, "X is Y", nil, 0.4},
		{"very long conciseness", Criterion{ID: "ec:conciseness"}, string(make([]byte, 2100)), nil, 0.4},
		{"execution error", Criterion{ID: "ec:query-execution"}, "r", map[string]any{"error": "boom"}, 0.0},
		{"safety", Criterion{ID: "ec:safety"}, "r", nil, 1.0},
		{"unknown family", Criterion{ID: "ec:mystery"}, "r", nil, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := heuristicScore(tt.criterion, tt.response, tt.context); got != tt.want {
				t.Errorf("heuristicScore() = %v, want %v", got, tt.want)
			}
		})
	}
}
