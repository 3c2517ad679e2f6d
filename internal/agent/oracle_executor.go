package agent

import (
	"context"
	"fmt"

	"promptforge/internal/oracle"
)

// PromptSource supplies the active prompt for a target when no override
// is given.
type PromptSource interface {
	ActivePrompt(ctx context.Context, target string) (string, error)
}

// OracleExecutor runs each query directly against the LLM with the
// target's prompt (or the candidate override) as the system prompt. It
// stands in for a full agent pipeline during regression runs.
type OracleExecutor struct {
	oracle  oracle.Oracle
	prompts PromptSource
}

// NewOracleExecutor creates an executor backed by the given oracle.
func NewOracleExecutor(o oracle.Oracle, prompts PromptSource) *OracleExecutor {
	return &OracleExecutor{oracle: o, prompts: prompts}
}

func (e *OracleExecutor) Run(ctx context.Context, target, promptOverride, query string) (Result, error) {
	if e.oracle == nil {
		return Result{}, fmt.Errorf("no oracle configured for execution")
	}

	system := promptOverride
	if system == "" {
		var err error
		system, err = e.prompts.ActivePrompt(ctx, target)
		if err != nil {
			return Result{}, err
		}
	}

	response, err := e.oracle.CompleteWithSystem(ctx, system, query)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: response, Context: map[string]any{}}, nil
}
