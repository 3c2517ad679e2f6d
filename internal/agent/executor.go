// Package agent defines the boundary to the agent pipeline under
// evaluation. The pipeline itself is an external collaborator.
package agent

import (
	"context"
	"fmt"
	"sync"
)

// Result is one agent execution outcome.
type Result struct {
	Response string
	// Context carries retrieval artifacts (kg_results, sources, entities,
	// confidence, error) consumed by scoring heuristics and test assertions.
	Context map[string]any
}

// Executor runs the agent pipeline for a target role. PromptOverride
// substitutes a candidate prompt for the duration of one call without
// mutating shared state.
type Executor interface {
	Run(ctx context.Context, target, promptOverride, query string) (Result, error)
}

// ScriptedExecutor replays canned results keyed by query, optionally
// distinguished by prompt override. Used in tests and dry runs.
type ScriptedExecutor struct {
	mu sync.Mutex

	// Results keys are "query" or "promptOverride|query"; the more
	// specific key wins.
	Results map[string]Result
	// Errors maps queries to forced failures.
	Errors map[string]error

	calls int
}

// NewScriptedExecutor creates an executor with empty scripts.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		Results: make(map[string]Result),
		Errors:  make(map[string]error),
	}
}

// Script registers the result for query under the default prompt.
func (s *ScriptedExecutor) Script(query string, r Result) *ScriptedExecutor {
	s.Results[query] = r
	return s
}

// ScriptOverride registers the result for query when promptOverride is used.
func (s *ScriptedExecutor) ScriptOverride(promptOverride, query string, r Result) *ScriptedExecutor {
	s.Results[promptOverride+"|"+query] = r
	return s
}

func (s *ScriptedExecutor) Run(ctx context.Context, target, promptOverride, query string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err := s.Errors[query]; err != nil {
		return Result{}, err
	}
	if promptOverride != "" {
		if r, ok := s.Results[promptOverride+"|"+query]; ok {
			return r, nil
		}
	}
	if r, ok := s.Results[query]; ok {
		return r, nil
	}
	return Result{}, fmt.Errorf("no scripted result for query %q", query)
}

// Calls reports how many executions were requested.
func (s *ScriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
