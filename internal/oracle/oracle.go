// Package oracle provides LLM clients used for scoring responses and
// generating prompt variants.
package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"promptforge/internal/errs"
)

// Oracle is the interface for LLM interactions.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Retrying wraps an Oracle with per-call timeouts and exponential backoff.
type Retrying struct {
	inner   Oracle
	cfg     errs.RetryConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewRetrying builds a retrying wrapper around inner. maxRetries bounds the
// total attempts; timeout bounds each individual call.
func NewRetrying(inner Oracle, maxRetries int, timeout time.Duration, logger *zap.Logger) *Retrying {
	cfg := errs.DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, cfg: cfg, timeout: timeout, logger: logger}
}

func (r *Retrying) Complete(ctx context.Context, prompt string) (string, error) {
	return r.call(ctx, func(ctx context.Context) (string, error) {
		return r.inner.Complete(ctx, prompt)
	})
}

func (r *Retrying) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return r.call(ctx, func(ctx context.Context) (string, error) {
		return r.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (r *Retrying) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	var out string
	err := errs.Retry(ctx, r.cfg, func(ctx context.Context) error {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		resp, err := fn(callCtx)
		if err != nil {
			r.logger.Warn("oracle call failed", zap.Error(err))
			return err
		}
		out = resp
		return nil
	})
	return out, err
}
