package tools

// ResponseSchemaVersion identifies the envelope shape. Bump when a field
// is added or changes meaning so downstream consumers can branch.
const ResponseSchemaVersion = 1

// IntentTiming says when a declared side effect should be applied.
type IntentTiming string

const (
	// TimingImmediate applies the intent as soon as it is seen.
	TimingImmediate IntentTiming = "immediate"

	// TimingAfterTurn defers the intent until the current turn finishes
	// (e.g. let the spoken answer complete before ending the session).
	TimingAfterTurn IntentTiming = "after_turn"
)

// Well-known intent names applied by the session collaborator.
const (
	IntentEndVoiceSession = "end_voice_session"
	IntentSuppressAudio   = "suppress_audio"
)

// Intent is a side-effect declaration returned by a handler. The
// registry never applies intents itself; the surrounding session
// controller does.
type Intent struct {
	Name   string         `json:"name"`
	Timing IntentTiming   `json:"timing"`
	Args   map[string]any `json:"args,omitempty"`
}

// ErrorInfo is the caller-facing failure detail inside a Response.
type ErrorInfo struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Meta accompanies every Response, success or failure.
type Meta struct {
	ToolID          string `json:"tool_id"`
	ToolVersion     string `json:"tool_version"`
	RegistryVersion string `json:"registry_version"`
	DurationMs      int64  `json:"duration_ms"`
	SchemaVersion   int    `json:"schema_version"`
}

// Response is the normalized result of a tool execution. Callers always
// receive a well-formed Response, never an unstructured error.
//
// Invariants: OK=false implies Err is non-nil with Retryable explicitly
// set; Intents, when present, is always a slice.
type Response struct {
	OK      bool       `json:"ok"`
	Data    any        `json:"data,omitempty"`
	Intents []Intent   `json:"intents,omitempty"`
	Err     *ErrorInfo `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// Retryable reports whether the response represents a retryable failure.
func (r *Response) Retryable() bool {
	return !r.OK && r.Err != nil && r.Err.Retryable
}

// EmptyPayload reports whether a successful response carries no usable
// data: nil, empty string, empty list, empty map, or a map whose
// "results" entry is a zero-length list. Used by loop detection.
func (r *Response) EmptyPayload() bool {
	if !r.OK {
		return false
	}
	switch v := r.Data.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		if len(v) == 0 {
			return true
		}
		if results, ok := v["results"]; ok {
			if n, isList := listLen(results); isList {
				return n == 0
			}
		}
		return false
	default:
		return false
	}
}

// listLen reports the length of any slice-typed value.
func listLen(v any) (int, bool) {
	switch s := v.(type) {
	case []any:
		return len(s), true
	case []string:
		return len(s), true
	case []map[string]any:
		return len(s), true
	}
	return 0, false
}

// failure builds a failed Response for the given structured error.
// Retryable is derived from the kind, never left unset.
func failure(te *ToolError) *Response {
	return &Response{
		OK: false,
		Err: &ErrorInfo{
			Kind:      te.Kind,
			Message:   te.Message,
			Retryable: te.Kind.Retryable(),
			Details:   te.Details,
		},
	}
}
