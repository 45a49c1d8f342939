package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is the model provider interface consumed by the orchestrator.
type Client interface {
	// Chat sends a non-streaming chat request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a chat request. If callback is non-nil, events are
	// streamed to it; the returned response carries the final aggregate.
	ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) (*ChatResponse, error)

	// CreateContextCache asks the provider to cache the given context and
	// returns an opaque handle for reuse on later calls.
	CreateContextCache(ctx context.Context, system string, messages []Message, ttl time.Duration) (string, error)

	// LookupContextCache checks whether a handle is still valid.
	LookupContextCache(ctx context.Context, handle string) (bool, error)

	// DeleteContextCache releases a provider-side cache entry.
	DeleteContextCache(ctx context.Context, handle string) error

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
