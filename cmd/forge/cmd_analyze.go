package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"promptforge/internal/optimizer"
)

var (
	patternsTarget string
	patternsStatus string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [target]",
	Short: "Mine recent low-scoring evaluations for failure patterns",
	Long: `Groups the evaluation window's sub-threshold scores by (target,
criterion) and records a failure pattern for every group large enough,
seeded with root-cause hypotheses. Without an argument all targets are
analyzed. Rerunning refreshes open patterns instead of duplicating them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List failure patterns",
	RunE:  runPatterns,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show evaluation statistics per target",
	RunE:  runStats,
}

func init() {
	patternsCmd.Flags().StringVarP(&patternsTarget, "target", "t", "", "filter by target")
	patternsCmd.Flags().StringVarP(&patternsStatus, "status", "s", "", "filter by status (detected, reviewing, addressing, resolved, rejected)")
	rootCmd.AddCommand(analyzeCmd, patternsCmd, statsCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	patterns, err := a.pipeline.Analyze(cmd.Context(), target)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("No failure patterns detected.")
		return nil
	}

	for _, p := range patterns {
		printPattern(p)
	}
	fmt.Printf("\n%d pattern(s). Open Gate 1 with: forge review <pattern-id>\n", len(patterns))
	return nil
}

func runPatterns(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	patterns, err := a.store.ListPatterns(cmd.Context(), patternsTarget, optimizer.PatternStatus(patternsStatus))
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("No patterns on file.")
		return nil
	}
	for _, p := range patterns {
		printPattern(p)
	}
	return nil
}

func printPattern(p *optimizer.FailurePattern) {
	fmt.Printf("\n%s [%s]\n", p.ID, p.Status)
	fmt.Printf("  %s\n", p.Description)
	fmt.Printf("  type=%s frequency=%d avg=%.2f\n", p.Type, p.Frequency, p.AvgScore)
	if p.ReviewExpiresAt != nil {
		fmt.Printf("  review expires: %s\n", p.ReviewExpiresAt.Format("2006-01-02 15:04 MST"))
	}
	for i, h := range p.Hypotheses {
		fmt.Printf("  hypothesis %d: %s\n", i, h)
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No evaluations recorded.")
		return nil
	}

	fmt.Printf("%-24s %8s %8s %8s %8s\n", "TARGET", "COUNT", "AVG", "MIN", "MAX")
	for _, st := range stats {
		fmt.Printf("%-24s %8d %8.3f %8.3f %8.3f\n",
			st.Target, st.Count, st.AvgComposite, st.MinComposite, st.MaxComposite)
	}
	return nil
}
