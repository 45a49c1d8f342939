package llm

import (
	"encoding/json"
	"strings"
)

// CallAccumulator assembles a tool call whose name and argument JSON
// arrive split across several stream deltas. Fields are merged as
// deltas arrive; the call is finalized only when the provider signals
// the block is complete. Never assume a call arrives atomically.
type CallAccumulator struct {
	id      string
	name    string
	argJSON strings.Builder
	active  bool
}

// Start begins accumulating a new call. Any in-progress state is
// discarded.
func (a *CallAccumulator) Start(id, name string) {
	a.id = id
	a.name = name
	a.argJSON.Reset()
	a.active = true
}

// Active reports whether a call is being accumulated.
func (a *CallAccumulator) Active() bool {
	return a.active
}

// AppendArgs merges an argument-JSON fragment.
func (a *CallAccumulator) AppendArgs(fragment string) {
	if !a.active {
		return
	}
	a.argJSON.WriteString(fragment)
}

// Finalize parses the accumulated fragments into a ToolCall and resets
// the accumulator. Unparseable argument JSON is preserved under a
// "_raw" key rather than dropped, so validation can reject it with the
// original text intact.
func (a *CallAccumulator) Finalize() ToolCall {
	var args map[string]any
	if raw := a.argJSON.String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{"_raw": raw}
		}
	}
	call := ToolCall{
		ID:       a.id,
		Function: FunctionCall{Name: a.name, Arguments: args},
	}
	a.id = ""
	a.name = ""
	a.argJSON.Reset()
	a.active = false
	return call
}
