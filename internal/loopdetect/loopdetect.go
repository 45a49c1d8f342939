// Package loopdetect spots a model stuck in a tool-calling rut: the
// same call repeated within a turn, or a tool returning nothing over
// and over. Findings are advisory — the orchestrator feeds them back
// to the model as a corrective message instead of failing the request.
package loopdetect

import (
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"sync"
)

// FindingKind classifies a detected loop.
type FindingKind string

const (
	// SameCallRepeated fires on the third identical (tool, arguments)
	// call within one turn.
	SameCallRepeated FindingKind = "SAME_CALL_REPEATED"

	// EmptyResultsRepeated fires once a tool has produced two
	// consecutive empty payloads within one turn, regardless of
	// arguments.
	EmptyResultsRepeated FindingKind = "EMPTY_RESULTS_REPEATED"
)

// Finding describes a detected loop with a human-readable redirect the
// orchestrator can inject into the conversation.
type Finding struct {
	Kind       FindingKind
	ToolID     string
	Suggestion string
}

// maxTurnsPerSession caps retained turn history to bound memory under
// long-lived sessions. Oldest turns are evicted first.
const maxTurnsPerSession = 5

type callRecord struct {
	toolID  string
	argHash uint64
}

type turnLog struct {
	calls       []callRecord
	emptyStreak map[string]int
}

type sessionLog struct {
	turns     map[int]*turnLog
	turnOrder []int
}

// Detector tracks per-session, per-turn tool-call history. Turn state
// never leaks across turns or sessions.
type Detector struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
}

// New creates an empty detector.
func New() *Detector {
	return &Detector{sessions: make(map[string]*sessionLog)}
}

// Check inspects the current turn's log before a call executes and
// reports a Finding if this call would be the third identical attempt,
// or if the tool's last two payloads this turn were empty. Returns nil
// when the call looks fine.
func (d *Detector) Check(sessionID string, turn int, toolID string, args map[string]any) *Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	tl := d.turn(sessionID, turn, false)
	if tl == nil {
		return nil
	}

	hash := HashArgs(args)
	identical := 0
	for _, call := range tl.calls {
		if call.toolID == toolID && call.argHash == hash {
			identical++
		}
	}
	if identical >= 2 {
		return &Finding{
			Kind:   SameCallRepeated,
			ToolID: toolID,
			Suggestion: fmt.Sprintf(
				"You have already called %s with these exact arguments twice this turn. Try a different approach or rephrase the query instead of repeating it.",
				toolID),
		}
	}

	if tl.emptyStreak[toolID] >= 2 {
		return &Finding{
			Kind:   EmptyResultsRepeated,
			ToolID: toolID,
			Suggestion: fmt.Sprintf(
				"%s has returned no results twice in a row. The information may not exist in the knowledge base; tell the user what you could not find rather than searching again.",
				toolID),
		}
	}

	return nil
}

// Record appends a completed call to the turn's log. Empty successful
// payloads extend the tool's empty streak; non-empty or failed calls
// reset it.
func (d *Detector) Record(sessionID string, turn int, toolID string, args map[string]any, resultEmpty, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tl := d.turn(sessionID, turn, true)
	tl.calls = append(tl.calls, callRecord{toolID: toolID, argHash: HashArgs(args)})

	if resultEmpty && !failed {
		tl.emptyStreak[toolID]++
	} else {
		tl.emptyStreak[toolID] = 0
	}
}

// ClearTurn drops one turn's state. Called when the model finishes a
// turn.
func (d *Detector) ClearTurn(sessionID string, turn int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sl, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	if _, exists := sl.turns[turn]; !exists {
		return
	}
	delete(sl.turns, turn)
	for i, t := range sl.turnOrder {
		if t == turn {
			sl.turnOrder = append(sl.turnOrder[:i], sl.turnOrder[i+1:]...)
			break
		}
	}
	if len(sl.turns) == 0 {
		delete(d.sessions, sessionID)
	}
}

// ClearSession drops all state for a session. Called on session end.
func (d *Detector) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// turn returns the turn log, creating session and turn state when
// create is set. Creating a turn beyond the retention cap evicts the
// oldest retained turn.
func (d *Detector) turn(sessionID string, turn int, create bool) *turnLog {
	sl, ok := d.sessions[sessionID]
	if !ok {
		if !create {
			return nil
		}
		sl = &sessionLog{turns: make(map[int]*turnLog)}
		d.sessions[sessionID] = sl
	}

	tl, ok := sl.turns[turn]
	if !ok {
		if !create {
			return nil
		}
		tl = &turnLog{emptyStreak: make(map[string]int)}
		sl.turns[turn] = tl
		sl.turnOrder = append(sl.turnOrder, turn)

		if len(sl.turnOrder) > maxTurnsPerSession {
			oldest := sl.turnOrder[0]
			sl.turnOrder = sl.turnOrder[1:]
			delete(sl.turns, oldest)
		}
	}
	return tl
}

// HashArgs computes a structural, order-sensitive hash of an argument
// map. Map keys are walked in sorted order for stability; list element
// order is significant.
func HashArgs(args map[string]any) uint64 {
	h := fnv.New64a()
	hashValue(h, args)
	return h.Sum64()
}

func hashValue(w io.Writer, v any) {
	switch val := v.(type) {
	case nil:
		fmt.Fprint(w, "nil;")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprint(w, "{")
		for _, k := range keys {
			fmt.Fprintf(w, "%s=", k)
			hashValue(w, val[k])
		}
		fmt.Fprint(w, "}")
	case []any:
		fmt.Fprint(w, "[")
		for _, item := range val {
			hashValue(w, item)
		}
		fmt.Fprint(w, "]")
	default:
		fmt.Fprintf(w, "%T:%v;", val, val)
	}
}
