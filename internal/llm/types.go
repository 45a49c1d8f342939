// Package llm provides the model provider client.
package llm

import "time"

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall is the named function and parsed arguments of a tool call.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned, required for result correlation
	Function FunctionCall `json:"function"`
}

// ChatResponse is the unified response from the provider. All fields use
// proper Go types — wire format conversion happens at the client boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// CacheHit is set when the request was served against a remote
	// context-cache handle.
	CacheHit bool
}

// ChatRequest carries one model call.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []map[string]any

	// CacheHandle, when non-empty, references provider-side cached
	// context (system prompt and/or summary); only messages after the
	// cached prefix need to be sent.
	CacheHandle string

	MaxTokens int
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when a complete tool call has been
	// accumulated from the stream.
	KindToolCallStart

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
