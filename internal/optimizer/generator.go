package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptforge/internal/oracle"
)

// BaselineSource supplies the current active prompt for a target.
type BaselineSource interface {
	ActivePrompt(ctx context.Context, target string) (string, error)
}

// GeneratorConfig bounds variant generation.
type GeneratorConfig struct {
	NumVariants     int // how many candidates to request
	MinEditDistance int // near-duplicate floor against the baseline
}

// Generator turns an approved failure pattern into candidate replacement
// prompts. It never pads the result with duplicates: near-duplicates are
// regenerated once, then dropped, and an empty result always carries an
// explicit reason.
type Generator struct {
	oracle   oracle.Oracle
	baseline BaselineSource
	cfg      GeneratorConfig
	logger   *zap.Logger
}

// NewGenerator wires a generator.
func NewGenerator(o oracle.Oracle, baseline BaselineSource, cfg GeneratorConfig, logger *zap.Logger) *Generator {
	if cfg.NumVariants <= 0 {
		cfg.NumVariants = 3
	}
	if cfg.MinEditDistance <= 0 {
		cfg.MinEditDistance = 40
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{oracle: o, baseline: baseline, cfg: cfg, logger: logger}
}

// variantPayload is the JSON contract the oracle must honor.
type variantPayload struct {
	Prompt              string `json:"prompt"`
	Rationale           string `json:"rationale"`
	AddressesHypotheses []int  `json:"addresses_hypotheses"`
}

// Generate produces up to NumVariants candidate replacements for the
// pattern's target prompt. Each candidate must address at least one of
// the approved hypotheses, carry a rationale, and differ from the
// baseline by at least the configured edit distance. The string return
// explains an empty result.
func (g *Generator) Generate(ctx context.Context, pattern *FailurePattern, hypotheses []string) ([]PromptVariant, string, error) {
	if len(hypotheses) == 0 {
		return nil, "no approved hypotheses to address", nil
	}

	base, err := g.baseline.ActivePrompt(ctx, pattern.Target)
	if err != nil {
		return nil, "", err
	}
	if g.oracle == nil {
		return nil, "no oracle available for variant generation", nil
	}

	candidates, err := g.requestCandidates(ctx, base, pattern, hypotheses)
	if err != nil {
		return nil, fmt.Sprintf("oracle unavailable: %v", err), nil
	}

	variants, rejected := g.filter(base, pattern, hypotheses, candidates, nil)

	// One regeneration pass when near-duplicates left us short.
	if len(variants) < g.cfg.NumVariants && rejected > 0 {
		g.logger.Debug("regenerating after near-duplicate rejection",
			zap.String("pattern_id", pattern.ID),
			zap.Int("kept", len(variants)),
			zap.Int("rejected", rejected))
		more, err := g.requestCandidates(ctx, base, pattern, hypotheses)
		if err == nil {
			variants, _ = g.filter(base, pattern, hypotheses, more, variants)
		}
	}

	if len(variants) == 0 {
		return nil, "every candidate was a near-duplicate of the baseline or malformed", nil
	}
	if len(variants) > g.cfg.NumVariants {
		variants = variants[:g.cfg.NumVariants]
	}
	return variants, "", nil
}

func (g *Generator) requestCandidates(ctx context.Context, base string, pattern *FailurePattern, hypotheses []string) ([]variantPayload, error) {
	var hypothesesText strings.Builder
	for i, h := range hypotheses {
		fmt.Fprintf(&hypothesesText, "%d. %s\n", i, h)
	}

	var samplesText strings.Builder
	for i, q := range pattern.SampleQueries {
		if i == 3 {
			break
		}
		fmt.Fprintf(&samplesText, "  %d. %s\n", i+1, q)
	}

	prompt := fmt.Sprintf(`You are a prompt engineer. Your task is to improve a prompt that has a recurring issue.

## Current Prompt for %s:
---
%s
---

## Problem:
%s

Average score: %.2f on criterion: %s

## Sample failing queries:
%s
## Root cause hypotheses (indexed):
%s
## Task:
Generate %d improved versions of this prompt. Each version should:
1. Address at least one of the hypotheses above
2. Be a COMPLETE replacement prompt (not a diff)
3. Keep the same overall structure but improve the problematic areas
4. Include specific instructions or examples to fix the issue

Output as JSON:
[
  {
    "prompt": "Full improved prompt text here...",
    "rationale": "Brief explanation of what was changed and why",
    "addresses_hypotheses": [0, 1]
  }
]

Only output valid JSON, no other text.`,
		pattern.Target, truncate(base, 2000), pattern.Description,
		pattern.AvgScore, pattern.CriterionID,
		samplesText.String(), hypothesesText.String(), g.cfg.NumVariants)

	raw, err := g.oracle.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	match := jsonArrayPattern.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("no JSON array in oracle output")
	}
	var payloads []variantPayload
	if err := json.Unmarshal([]byte(match), &payloads); err != nil {
		return nil, fmt.Errorf("malformed variant JSON: %w", err)
	}
	return payloads, nil
}

// filter keeps candidates that address a real hypothesis, carry a
// rationale, and clear the edit-distance floor against both the baseline
// and the variants already kept. Returns the kept list and how many were
// rejected as near-duplicates.
func (g *Generator) filter(base string, pattern *FailurePattern, hypotheses []string, candidates []variantPayload, kept []PromptVariant) ([]PromptVariant, int) {
	rejected := 0

	for _, c := range candidates {
		if len(kept) == g.cfg.NumVariants {
			break
		}
		if c.Prompt == "" || c.Rationale == "" {
			continue
		}
		if !addressesValidHypothesis(c.AddressesHypotheses, len(hypotheses)) {
			continue
		}

		if levenshtein.ComputeDistance(base, c.Prompt) < g.cfg.MinEditDistance {
			rejected++
			continue
		}
		dup := false
		for _, k := range kept {
			if levenshtein.ComputeDistance(k.Content, c.Prompt) < g.cfg.MinEditDistance {
				dup = true
				break
			}
		}
		if dup {
			rejected++
			continue
		}

		kept = append(kept, PromptVariant{
			ID:                  "var:" + pattern.Target + ":" + uuid.NewString()[:8],
			PatternID:           pattern.ID,
			Target:              pattern.Target,
			Content:             c.Prompt,
			Rationale:           c.Rationale,
			AddressesHypotheses: c.AddressesHypotheses,
			CreatedAt:           time.Now().UTC(),
		})
	}
	return kept, rejected
}

func addressesValidHypothesis(indices []int, n int) bool {
	for _, i := range indices {
		if i >= 0 && i < n {
			return true
		}
	}
	return false
}
