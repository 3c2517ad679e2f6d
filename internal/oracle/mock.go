package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted Oracle for tests. Responses are returned in order;
// when the script runs out the last response repeats. An empty script
// returns an error on every call.
type Mock struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []string
}

// NewMock creates a mock oracle that replays the given responses.
func NewMock(responses ...string) *Mock {
	return &Mock{responses: responses}
}

// FailWith queues an error before the scripted responses.
func (m *Mock) FailWith(errors ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errors...)
	return m
}

func (m *Mock) Complete(ctx context.Context, prompt string) (string, error) {
	return m.next(ctx, prompt)
}

func (m *Mock) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.next(ctx, systemPrompt+"\n"+userPrompt)
}

// Calls returns the prompts seen so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) next(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prompt)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	if len(m.responses) == 0 {
		return "", fmt.Errorf("mock oracle: no scripted response")
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}
