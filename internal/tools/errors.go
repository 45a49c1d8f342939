// Package tools provides the tool registry and execution framework.
//
// This file defines the shared failure taxonomy for tool execution.
package tools

import "fmt"

// ErrorKind classifies a tool execution failure. The taxonomy is shared
// across every surface (text, voice) so callers can react uniformly.
type ErrorKind string

const (
	// KindValidation means the arguments failed schema validation.
	KindValidation ErrorKind = "VALIDATION"

	// KindNotFound means the requested tool is not registered.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindModeRestricted means the tool is not allowed on the active surface.
	KindModeRestricted ErrorKind = "MODE_RESTRICTED"

	// KindSessionInactive means the tool requires a live session and none is.
	KindSessionInactive ErrorKind = "SESSION_INACTIVE"

	// KindConfirmationRequired means the caller must complete a
	// confirmation round-trip before the tool may run. The registry never
	// raises this on its own; enforcement belongs to the calling surface.
	KindConfirmationRequired ErrorKind = "CONFIRMATION_REQUIRED"

	// KindBudgetExceeded means a resource ceiling (tokens, documents)
	// was hit before the handler could complete.
	KindBudgetExceeded ErrorKind = "BUDGET_EXCEEDED"

	// KindTransient is a failure expected to clear on its own (network
	// blip, busy backend). Retryable.
	KindTransient ErrorKind = "TRANSIENT"

	// KindRateLimit means an upstream rejected the call for pacing.
	// Retryable.
	KindRateLimit ErrorKind = "RATE_LIMIT"

	// KindPermanent is a failure that will not clear on retry.
	KindPermanent ErrorKind = "PERMANENT"

	// KindInternal is an unclassified handler failure. The caller cannot
	// assume the handler's side effects did not partially apply.
	KindInternal ErrorKind = "INTERNAL"
)

// Retryable reports whether failures of this kind may be retried.
// Only TRANSIENT and RATE_LIMIT ever qualify.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimit
}

// ToolError is the structured error handlers return for typed
// classification. A handler that returns anything else is mapped to
// KindInternal with partial-side-effect marking.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a ToolError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
