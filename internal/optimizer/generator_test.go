package optimizer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"promptforge/internal/errs"
	"promptforge/internal/oracle"
)

type stubBaseline struct {
	prompt string
	err    error
}

func (s stubBaseline) ActivePrompt(ctx context.Context, target string) (string, error) {
	return s.prompt, s.err
}

const basePrompt = "You are a synthesis agent. Answer the user question using the knowledge graph context provided."

func samplePattern() *FailurePattern {
	return &FailurePattern{
		ID:            "fp:synthesizer:source-citation:2026-08",
		Target:        "synthesizer",
		CriterionID:   "ec:source-citation",
		Type:          PatternOutputQuality,
		Description:   "synthesizer consistently scores low on ec:source-citation (avg: 0.31)",
		Frequency:     6,
		AvgScore:      0.31,
		SampleQueries: []string{"who owns acme?", "list acme subsidiaries"},
		Status:        StatusAddressing,
	}
}

func mustVariantJSON(t *testing.T, payloads []variantPayload) string {
	t.Helper()
	b, err := json.Marshal(payloads)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newTestGenerator(o oracle.Oracle, baseline BaselineSource) *Generator {
	return NewGenerator(o, baseline, GeneratorConfig{NumVariants: 3, MinEditDistance: 15}, nil)
}

func TestGenerateHappyPath(t *testing.T) {
	payloads := []variantPayload{
		{Prompt: basePrompt + " Always cite every knowledge graph node you rely on, formatted as [source: id].", Rationale: "adds explicit citation instruction", AddressesHypotheses: []int{0}},
		{Prompt: basePrompt + " End the answer with a Sources section listing each graph node consulted.", Rationale: "adds a dedicated sources section", AddressesHypotheses: []int{1}},
		{Prompt: "You answer strictly from the knowledge graph. Quote node identifiers inline after each claim and refuse uncited statements.", Rationale: "rewrites around grounding", AddressesHypotheses: []int{0, 1}},
	}
	mock := oracle.NewMock(mustVariantJSON(t, payloads))
	g := newTestGenerator(mock, stubBaseline{prompt: basePrompt})

	variants, reason, err := g.Generate(context.Background(), samplePattern(), []string{
		"prompt never asks for citations",
		"source format unspecified",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reason != "" {
		t.Fatalf("Generate() reason = %q, want empty", reason)
	}
	if len(variants) != 3 {
		t.Fatalf("got %d variants, want 3", len(variants))
	}
	for i, v := range variants {
		if v.PatternID != "fp:synthesizer:source-citation:2026-08" || v.Target != "synthesizer" {
			t.Errorf("variant %d mislabeled: %+v", i, v)
		}
		if !strings.HasPrefix(v.ID, "var:synthesizer:") {
			t.Errorf("variant %d id = %q", i, v.ID)
		}
		if v.Rationale == "" || len(v.AddressesHypotheses) == 0 {
			t.Errorf("variant %d missing rationale or hypotheses", i)
		}
	}
}

func TestGenerateEmptyHypotheses(t *testing.T) {
	g := newTestGenerator(oracle.NewMock("unused"), stubBaseline{prompt: basePrompt})
	variants, reason, err := g.Generate(context.Background(), samplePattern(), nil)
	if err != nil || variants != nil {
		t.Fatalf("Generate() = %v, %v; want nil variants, nil error", variants, err)
	}
	if reason == "" {
		t.Error("empty result must carry a reason")
	}
}

func TestGenerateMissingBaseline(t *testing.T) {
	g := newTestGenerator(oracle.NewMock("unused"), stubBaseline{
		err: &errs.NotFoundError{Kind: "active prompt version", ID: "synthesizer"},
	})
	_, _, err := g.Generate(context.Background(), samplePattern(), []string{"h0"})
	if !errs.IsNotFound(err) {
		t.Fatalf("Generate() error = %v, want NotFoundError", err)
	}
}

func TestGenerateOracleFailureIsReasonNotError(t *testing.T) {
	mock := oracle.NewMock()
	mock.FailWith(&errs.ScoringError{CriterionID: "ec:source-citation", Err: context.DeadlineExceeded})
	g := newTestGenerator(mock, stubBaseline{prompt: basePrompt})

	variants, reason, err := g.Generate(context.Background(), samplePattern(), []string{"h0"})
	if err != nil {
		t.Fatalf("Generate() error = %v, want nil", err)
	}
	if len(variants) != 0 || reason == "" {
		t.Errorf("Generate() = %v, %q; want no variants with a reason", variants, reason)
	}
}

func TestGenerateRejectsNearDuplicatesAndRegeneratesOnce(t *testing.T) {
	distinct := basePrompt + " Always cite every knowledge graph node you rely on, formatted as [source: id]."
	first := mustVariantJSON(t, []variantPayload{
		{Prompt: distinct, Rationale: "adds citations", AddressesHypotheses: []int{0}},
		{Prompt: basePrompt + ".", Rationale: "near duplicate", AddressesHypotheses: []int{0}},
	})
	second := mustVariantJSON(t, []variantPayload{
		{Prompt: basePrompt + " End the answer with a Sources section listing each graph node consulted.", Rationale: "sources section", AddressesHypotheses: []int{0}},
		{Prompt: distinct + " ", Rationale: "duplicate of a kept variant", AddressesHypotheses: []int{0}},
	})
	mock := oracle.NewMock(first, second)
	g := newTestGenerator(mock, stubBaseline{prompt: basePrompt})

	variants, reason, err := g.Generate(context.Background(), samplePattern(), []string{"h0"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reason != "" {
		t.Fatalf("reason = %q, want empty", reason)
	}
	// Two survivors, never padded up to NumVariants.
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}
	if len(mock.Calls()) != 2 {
		t.Errorf("oracle called %d times, want exactly 2 (one regeneration pass)", len(mock.Calls()))
	}
}

func TestGenerateAllNearDuplicates(t *testing.T) {
	dup := mustVariantJSON(t, []variantPayload{
		{Prompt: basePrompt + "!", Rationale: "cosmetic", AddressesHypotheses: []int{0}},
	})
	mock := oracle.NewMock(dup, dup)
	g := newTestGenerator(mock, stubBaseline{prompt: basePrompt})

	variants, reason, err := g.Generate(context.Background(), samplePattern(), []string{"h0"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(variants) != 0 {
		t.Fatalf("got %d variants, want 0", len(variants))
	}
	if reason == "" {
		t.Error("empty result must carry a reason")
	}
	if len(mock.Calls()) != 2 {
		t.Errorf("oracle called %d times, want 2", len(mock.Calls()))
	}
}

func TestGenerateDropsMalformedCandidates(t *testing.T) {
	payloads := []variantPayload{
		{Prompt: basePrompt + " Always cite every node you rely on.", Rationale: "", AddressesHypotheses: []int{0}},
		{Prompt: basePrompt + " End with a Sources section listing each node consulted.", Rationale: "sources section", AddressesHypotheses: []int{7}},
		{Prompt: basePrompt + " Quote node identifiers inline after each claim you make.", Rationale: "inline citations", AddressesHypotheses: []int{0}},
	}
	mock := oracle.NewMock(mustVariantJSON(t, payloads))
	g := newTestGenerator(mock, stubBaseline{prompt: basePrompt})

	variants, _, err := g.Generate(context.Background(), samplePattern(), []string{"h0"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("got %d variants, want 1 (missing rationale and bad index dropped)", len(variants))
	}
	if variants[0].Rationale != "inline citations" {
		t.Errorf("kept wrong candidate: %+v", variants[0])
	}
}
