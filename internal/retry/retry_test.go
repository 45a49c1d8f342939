package retry

import (
	"context"
	"testing"
	"time"

	"github.com/halide-studio/assistant/internal/tools"
)

func transientFailure() *tools.Response {
	return &tools.Response{
		OK:  false,
		Err: &tools.ErrorInfo{Kind: tools.KindTransient, Retryable: true},
	}
}

func permanentFailure() *tools.Response {
	return &tools.Response{
		OK:  false,
		Err: &tools.ErrorInfo{Kind: tools.KindValidation, Retryable: false},
	}
}

func TestVoiceNeverRetries(t *testing.T) {
	attempts := 0
	resp := Do(context.Background(), nil, Policy{
		Mode:         tools.ModeVoice,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	}, func(ctx context.Context) *tools.Response {
		attempts++
		return transientFailure()
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if resp.OK {
		t.Error("expected failure to pass through")
	}
}

func TestTextRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	resp := Do(context.Background(), nil, Policy{
		Mode:         tools.ModeText,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	}, func(ctx context.Context) *tools.Response {
		attempts++
		if attempts < 3 {
			return transientFailure()
		}
		return &tools.Response{OK: true}
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !resp.OK {
		t.Error("expected eventual success")
	}
}

func TestTextStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	resp := Do(context.Background(), nil, Policy{
		Mode:         tools.ModeText,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	}, func(ctx context.Context) *tools.Response {
		attempts++
		return permanentFailure()
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if resp.Err.Kind != tools.KindValidation {
		t.Errorf("kind = %s, want VALIDATION", resp.Err.Kind)
	}
}

func TestTextExhaustsRetries(t *testing.T) {
	attempts := 0
	resp := Do(context.Background(), nil, Policy{
		Mode:         tools.ModeText,
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	}, func(ctx context.Context) *tools.Response {
		attempts++
		return transientFailure()
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if resp.OK || resp.Err.Kind != tools.KindTransient {
		t.Errorf("final response = %+v, want last transient failure", resp)
	}
}

func TestCancelledContextCutsBackoffShort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	start := time.Now()
	resp := Do(ctx, nil, Policy{
		Mode:         tools.ModeText,
		MaxRetries:   5,
		InitialDelay: 10 * time.Second,
	}, func(ctx context.Context) *tools.Response {
		attempts++
		cancel()
		return transientFailure()
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Do blocked %v after cancellation", elapsed)
	}
	if resp == nil || resp.OK {
		t.Error("expected the last failure back")
	}
}
