package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var runTestsVariants string

var runTestsCmd = &cobra.Command{
	Use:   "run-tests [pattern-id]",
	Short: "Run the regression suite against the generated variants",
	Long: `Executes the target's regression suite once against the active prompt
and once per variant, then records a pending Gate-2 run with results
ranked by aggregate delta. The run waits for approve-variant or
reject-run until its TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunTests,
}

func init() {
	runTestsCmd.Flags().StringVar(&runTestsVariants, "variants", "", "variants file from approve-hypotheses (default .forge/variants/<pattern>.json)")
	rootCmd.AddCommand(runTestsCmd)
}

func runRunTests(cmd *cobra.Command, args []string) error {
	path := runTestsVariants
	if path == "" {
		path = filepath.Join(".forge", "variants", variantsFileName(args[0]))
	}
	variants, err := readVariants(path)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.pipeline.RunTests(cmd.Context(), args[0], variants)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (expires %s)\n", run.ID, run.ExpiresAt.Format("2006-01-02 15:04 MST"))
	for rank, res := range run.Results {
		fmt.Printf("\n#%d %s\n", rank+1, res.VariantID)
		fmt.Printf("  aggregate delta: %+.3f\n", res.AggregateDelta)
		fmt.Printf("  passed: %d/%d (%.0f%%)\n", res.PassedCount, res.CaseCount, res.PassRate()*100)
		for id, d := range res.Deltas {
			fmt.Printf("  %-28s %+.3f\n", id, d)
		}
	}
	best := run.Results[0]
	fmt.Printf("\nApprove with: forge approve-variant %s %s\n", run.ID, best.VariantID)
	return nil
}
