package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	evalTarget      string
	evalQuery       string
	evalResponse    string
	evalRespFile    string
	evalContextJSON string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score one agent response against its target's criteria",
	Long: `Scores a response on every criterion configured for the target and
records the evaluation. The composite is the weight-normalized sum; a
composite below the configured minimum gets improvement feedback attached.

Example:
  forge evaluate -t synthesizer -q "who owns acme?" -r "Acme is owned by Globex [source: kg:12]."`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalTarget, "target", "t", "", "target agent role (required)")
	evaluateCmd.Flags().StringVarP(&evalQuery, "query", "q", "", "user query (required)")
	evaluateCmd.Flags().StringVarP(&evalResponse, "response", "r", "", "agent response text")
	evaluateCmd.Flags().StringVar(&evalRespFile, "response-file", "", "read the response from a file")
	evaluateCmd.Flags().StringVar(&evalContextJSON, "context", "", "execution context as JSON (entities, sources, kg_results, confidence)")
	_ = evaluateCmd.MarkFlagRequired("target")
	_ = evaluateCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	response := evalResponse
	if evalRespFile != "" {
		data, err := os.ReadFile(evalRespFile)
		if err != nil {
			return fmt.Errorf("read response file: %w", err)
		}
		response = string(data)
	}
	if response == "" {
		return fmt.Errorf("a response is required (--response or --response-file)")
	}

	var evalContext map[string]any
	if evalContextJSON != "" {
		if err := json.Unmarshal([]byte(evalContextJSON), &evalContext); err != nil {
			return fmt.Errorf("parse --context: %w", err)
		}
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ev, err := a.evaluator.Evaluate(cmd.Context(), evalTarget, evalQuery, response, evalContext)
	if err != nil {
		return err
	}
	if ev == nil {
		fmt.Println("Skipped by sampling rate; nothing recorded.")
		return nil
	}

	fmt.Printf("Evaluation %s\n", ev.ID)
	for _, s := range ev.Scores {
		marker := ""
		if s.Degraded {
			marker = " (degraded)"
		}
		fmt.Printf("  %-28s %.2f%s\n", s.CriterionID, s.Score, marker)
	}
	fmt.Printf("Composite: %.3f\n", ev.Composite)
	if ev.Feedback != "" {
		fmt.Printf("Feedback: %s\n", ev.Feedback)
	}
	return nil
}
