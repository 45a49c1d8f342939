package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/halide-studio/assistant/internal/buildinfo"
)

// Category groups tools by the kind of work they do.
type Category string

const (
	CategoryRetrieval Category = "retrieval"
	CategoryAction    Category = "action"
	CategoryUtility   Category = "utility"
)

// Mode identifies a conversation surface.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// SideEffects declares whether a handler mutates anything.
type SideEffects string

const (
	SideEffectsReadOnly SideEffects = "read_only"
	SideEffectsWrites   SideEffects = "writes"
)

// SessionSnapshot is the per-invocation view of session state. The
// registry only reads it; the session store is externally owned.
type SessionSnapshot struct {
	ID     string
	Active bool
	Values map[string]string
}

// Invocation carries everything a single tool execution needs. It is
// caller-supplied, untrusted where noted, and lives for one call.
type Invocation struct {
	ClientID string

	// Arguments are provider-supplied and untrusted. They are filtered
	// and validated against the descriptor schema before the handler
	// ever sees them.
	Arguments map[string]any

	// Capabilities lists the surfaces active for this invocation.
	Capabilities []Mode

	Session SessionSnapshot

	// Notify, when non-nil, pushes an interim message to the transport
	// (e.g. a websocket) while the handler runs. Best-effort.
	Notify func(text string)
}

// HasCapability reports whether the invocation's surfaces include mode.
func (inv *Invocation) HasCapability(mode Mode) bool {
	for _, m := range inv.Capabilities {
		if m == mode {
			return true
		}
	}
	return false
}

// HandlerResult is a handler's successful payload plus any declared
// side-effect intents.
type HandlerResult struct {
	Data    any
	Intents []Intent
}

// Handler executes one tool call. Return a *ToolError for typed failure
// classification; any other error is mapped to KindInternal.
type Handler func(ctx context.Context, inv *Invocation) (*HandlerResult, error)

// Descriptor describes a registered tool. Immutable once loaded.
type Descriptor struct {
	ID           string
	Version      string
	Category     Category
	Description  string
	Schema       *Schema
	AllowedModes []Mode
	SideEffects  SideEffects
	Idempotent   bool

	// RequiresConfirmation is surfaced to callers as metadata only; the
	// registry does not enforce a confirmation round-trip.
	RequiresConfirmation bool

	// RequiresSession marks handlers that must run inside a live
	// session. Checked before the handler is invoked; handlers guard
	// again themselves.
	RequiresSession bool

	// LatencyBudget is the expected upper bound for one execution.
	// Overruns are logged, never aborted.
	LatencyBudget time.Duration

	Handler Handler
}

// Snapshot is the immutable registry identity taken at lock time.
type Snapshot struct {
	Version string
	Commit  string
	ToolIDs []string
}

// ErrRegistryLocked is returned by Load after Lock. The registry cannot
// recover; fix the load order and restart.
var ErrRegistryLocked = errors.New("tool registry is locked; load is no longer possible")

// Registry holds validated tool descriptors with a load-then-lock
// lifecycle: Load any number of times while unlocked, then Lock once
// (idempotent) to take an immutable snapshot. Execute is the sole
// external entry point for running a tool.
type Registry struct {
	mu          sync.Mutex
	locked      bool
	descriptors map[string]*Descriptor
	snapshot    Snapshot
	logger      *slog.Logger
}

// NewRegistry creates an unlocked, empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		logger:      logger.With("component", "tools"),
	}
}

// Load binds descriptors into the registry, failing fast on the first
// invalid one. Fails with ErrRegistryLocked after Lock.
func (r *Registry) Load(descriptors []*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return ErrRegistryLocked
	}

	for _, d := range descriptors {
		if err := validateDescriptor(d); err != nil {
			return fmt.Errorf("load tool %q: %w", d.ID, err)
		}
		if _, exists := r.descriptors[d.ID]; exists {
			return fmt.Errorf("load tool %q: duplicate id", d.ID)
		}
		r.descriptors[d.ID] = d
	}

	r.logger.Debug("tools loaded", "count", len(descriptors), "total", len(r.descriptors))
	return nil
}

func validateDescriptor(d *Descriptor) error {
	switch {
	case d == nil:
		return errors.New("nil descriptor")
	case d.ID == "":
		return errors.New("empty tool id")
	case d.Handler == nil:
		return errors.New("handler does not expose a callable entry point")
	case d.Schema == nil:
		return errors.New("missing parameter schema")
	case len(d.AllowedModes) == 0:
		return errors.New("no allowed modes")
	case d.LatencyBudget <= 0:
		return errors.New("latency budget must be positive")
	}
	for _, m := range d.AllowedModes {
		if m != ModeVoice && m != ModeText {
			return fmt.Errorf("unknown mode %q", m)
		}
	}
	return nil
}

// Lock freezes the registry and takes its identity snapshot. Calling
// Lock again is a no-op.
func (r *Registry) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return
	}
	r.locked = true

	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.snapshot = Snapshot{
		Version: buildinfo.Version,
		Commit:  buildinfo.GitCommit,
		ToolIDs: ids,
	}

	r.logger.Info("tool registry locked",
		"version", r.snapshot.Version,
		"commit", r.snapshot.Commit,
		"tools", len(ids),
	)
}

// Locked reports whether Lock has been called.
func (r *Registry) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Snapshot returns the identity captured at lock time. Zero before Lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Get retrieves a descriptor by id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Definitions returns the provider-format tool list for tools allowed
// in the given mode, sorted by id for stable prompts.
func (r *Registry) Definitions(mode Mode) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.descriptors))
	for id, d := range r.descriptors {
		if allowsMode(d, mode) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	result := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		d := r.descriptors[id]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.ID,
				"description": d.Description,
				"parameters":  d.Schema.ProviderSchema(),
			},
		})
	}
	return result
}

func allowsMode(d *Descriptor, mode Mode) bool {
	for _, m := range d.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Execute runs a tool by id: descriptor lookup, argument filtering,
// schema validation, policy checks, handler invocation, and
// normalization into a Response with Meta attached. It never panics
// across the boundary and never returns nil.
func (r *Registry) Execute(ctx context.Context, toolID string, inv *Invocation) *Response {
	start := time.Now()

	r.mu.Lock()
	d, ok := r.descriptors[toolID]
	snapshot := r.snapshot
	r.mu.Unlock()

	if !ok {
		return r.finish(start, toolID, nil, snapshot,
			failure(NewError(KindNotFound, "tool %q is not registered", toolID)))
	}

	// Defense against chatty providers echoing extraneous fields back on
	// chained calls: strip undeclared properties (recursively) before
	// validating what remains.
	inv.Arguments = d.Schema.FilterArgs(inv.Arguments)

	if verr := d.Schema.Validate(inv.Arguments); verr != nil {
		return r.finish(start, toolID, d, snapshot, failure(verr))
	}

	if perr := checkPolicy(d, inv); perr != nil {
		return r.finish(start, toolID, d, snapshot, failure(perr))
	}

	resp := r.invokeHandler(ctx, d, inv)
	return r.finish(start, toolID, d, snapshot, resp)
}

// invokeHandler runs the bound handler, converting structured errors to
// their kind and everything else (including panics) to KindInternal
// with partial-side-effect marking.
func (r *Registry) invokeHandler(ctx context.Context, d *Descriptor, inv *Invocation) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				"tool", d.ID,
				"panic", rec,
			)
			resp = failure(&ToolError{
				Kind:    KindInternal,
				Message: "tool execution failed",
				Details: map[string]any{"partialSideEffects": true},
			})
		}
	}()

	result, err := d.Handler(ctx, inv)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return failure(te)
		}
		// Full detail stays server-side; the caller gets a generic
		// message with no internal stack leakage.
		r.logger.Error("tool handler failed",
			"tool", d.ID,
			"error", err,
		)
		return failure(&ToolError{
			Kind:    KindInternal,
			Message: "tool execution failed",
			Details: map[string]any{"partialSideEffects": true},
		})
	}

	resp = &Response{OK: true}
	if result != nil {
		resp.Data = result.Data
		resp.Intents = result.Intents
	}
	return resp
}

// finish stamps Meta on a response and returns it.
func (r *Registry) finish(start time.Time, toolID string, d *Descriptor, snapshot Snapshot, resp *Response) *Response {
	version := ""
	if d != nil {
		version = d.Version
	}
	resp.Meta = Meta{
		ToolID:          toolID,
		ToolVersion:     version,
		RegistryVersion: snapshot.Version,
		DurationMs:      time.Since(start).Milliseconds(),
		SchemaVersion:   ResponseSchemaVersion,
	}
	return resp
}
