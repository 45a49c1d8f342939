// Package retry wraps tool invocation with mode-aware exponential
// backoff. Only the text surface retries: a voice turn is
// latency-sensitive and a second round trip would desynchronize the
// spoken exchange, so voice gets exactly one attempt. This is a hard
// mode switch, not a tunable default.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/halide-studio/assistant/internal/tools"
)

// DefaultInitialDelay seeds the exponential backoff when the policy
// does not set one.
const DefaultInitialDelay = 250 * time.Millisecond

// Policy controls one retried invocation.
type Policy struct {
	Mode         tools.Mode
	MaxRetries   int
	InitialDelay time.Duration
	ToolID       string
}

// Invoke performs a single tool execution attempt.
type Invoke func(ctx context.Context) *tools.Response

// Do runs invoke under the policy. Text mode: on a retryable failure,
// sleep initialDelay·2^attempt (attempts 0-indexed) and try again, up
// to MaxRetries-1 additional attempts; the final attempt's result is
// returned unconditionally. Voice mode: one attempt, returned as-is.
// Context cancellation cuts the backoff sleep short and returns the
// last result.
func Do(ctx context.Context, logger *slog.Logger, p Policy, invoke Invoke) *tools.Response {
	if logger == nil {
		logger = slog.Default()
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}

	if p.Mode == tools.ModeVoice || p.MaxRetries <= 1 {
		return invoke(ctx)
	}

	var resp *tools.Response
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		resp = invoke(ctx)
		if resp.OK || !resp.Retryable() {
			return resp
		}
		if attempt == p.MaxRetries-1 {
			break
		}

		delay := p.InitialDelay << attempt
		logger.Debug("retrying tool after transient failure",
			"tool", p.ToolID,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"kind", resp.Err.Kind,
		)
		if !sleepCtx(ctx, delay) {
			return resp
		}
	}
	return resp
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
