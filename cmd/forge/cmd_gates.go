package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"promptforge/internal/optimizer"
)

var (
	approveHypotheses []string
	approveVariantsTo string
	decidedBy         string
)

var reviewCmd = &cobra.Command{
	Use:   "review [pattern-id]",
	Short: "Open Gate 1: move a detected pattern into review",
	Long: `Moves the pattern to reviewing and prints its hypotheses for human
inspection. The review expires back to detected after the configured TTL
if no decision is made.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

var approveHypothesesCmd = &cobra.Command{
	Use:   "approve-hypotheses [pattern-id]",
	Short: "Close Gate 1: approve hypotheses and generate prompt variants",
	Long: `Approves the pattern's hypotheses (optionally replaced via
--hypothesis, repeatable) and generates candidate prompt rewrites against
the current active prompt. Variants are written to a file for run-tests.

Example:
  forge approve-hypotheses fp:synthesizer:source-citation:2026-08 \
    --hypothesis "prompt never asks for citations"`,
	Args: cobra.ExactArgs(1),
	RunE: runApproveHypotheses,
}

var rejectCmd = &cobra.Command{
	Use:   "reject [pattern-id]",
	Short: "Reject a failure pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.pipeline.RejectPattern(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Pattern %s rejected.\n", args[0])
		return nil
	},
}

var approveVariantCmd = &cobra.Command{
	Use:   "approve-variant [run-id] [variant-id]",
	Short: "Close Gate 2: commit and activate the chosen variant",
	Long: `Creates a new prompt version from the tested variant, activates it,
resolves the pattern, and closes the run. This is the only path that
creates a prompt version from the optimization loop.`,
	Args: cobra.ExactArgs(2),
	RunE: runApproveVariant,
}

var rejectRunCmd = &cobra.Command{
	Use:   "reject-run [run-id]",
	Short: "Close Gate 2 without activating anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.pipeline.RejectRun(cmd.Context(), args[0], decidedBy); err != nil {
			return err
		}
		fmt.Printf("Run %s rejected. No version was created.\n", args[0])
		return nil
	},
}

var expireGatesCmd = &cobra.Command{
	Use:   "expire-gates",
	Short: "Sweep pending gates past their TTL",
	Long: `Reverts stale reviews to detected and closes pending test runs past
their expiry, reverting their patterns so the next analyze picks them up
again. Intended for cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		reviews, runs, err := a.pipeline.ExpireStaleGates(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d review(s) and %d run(s).\n", reviews, runs)
		return nil
	},
}

func init() {
	approveHypothesesCmd.Flags().StringArrayVar(&approveHypotheses, "hypothesis", nil, "replace the pattern's hypotheses (repeatable)")
	approveHypothesesCmd.Flags().StringVarP(&approveVariantsTo, "out", "o", "", "file for the generated variants (default .forge/variants/<pattern>.json)")
	approveVariantCmd.Flags().StringVar(&decidedBy, "by", "cli", "who approved the decision")
	rejectRunCmd.Flags().StringVar(&decidedBy, "by", "cli", "who made the decision")
	rootCmd.AddCommand(reviewCmd, approveHypothesesCmd, rejectCmd, approveVariantCmd, rejectRunCmd, expireGatesCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline.OpenReview(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printPattern(p)
	fmt.Printf("\nApprove with: forge approve-hypotheses %s\n", p.ID)
	return nil
}

func runApproveHypotheses(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	variants, reason, err := a.pipeline.ApproveHypotheses(cmd.Context(), args[0], approveHypotheses)
	if err != nil {
		return err
	}
	if reason != "" {
		fmt.Printf("No variants generated: %s\n", reason)
		return nil
	}

	path := approveVariantsTo
	if path == "" {
		path = filepath.Join(".forge", "variants", variantsFileName(args[0]))
	}
	if err := writeVariants(path, variants); err != nil {
		return err
	}

	for i, v := range variants {
		fmt.Printf("\nVariant %d: %s\n", i, v.ID)
		fmt.Printf("  rationale: %s\n", v.Rationale)
		fmt.Printf("  addresses: %v\n", v.AddressesHypotheses)
	}
	fmt.Printf("\n%d variant(s) written to %s\n", len(variants), path)
	fmt.Printf("Test with: forge run-tests %s --variants %s\n", args[0], path)
	return nil
}

func runApproveVariant(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := a.pipeline.ApproveVariant(cmd.Context(), args[0], args[1], decidedBy)
	if err != nil {
		return err
	}
	fmt.Printf("Activated %s (delta %+.3f, approved by %s)\n",
		version.ID, version.PerformanceDelta, version.ApprovedBy)
	return nil
}

func variantsFileName(patternID string) string {
	return strings.ReplaceAll(patternID, ":", "_") + ".json"
}

func writeVariants(path string, variants []optimizer.PromptVariant) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create variants dir: %w", err)
	}
	data, err := json.MarshalIndent(variants, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write variants: %w", err)
	}
	return nil
}

func readVariants(path string) ([]optimizer.PromptVariant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variants: %w", err)
	}
	var variants []optimizer.PromptVariant
	if err := json.Unmarshal(data, &variants); err != nil {
		return nil, fmt.Errorf("parse variants: %w", err)
	}
	return variants, nil
}
