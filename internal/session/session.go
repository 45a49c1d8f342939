// Package session provides the in-process session/state collaborator.
// The orchestration core treats it as externally owned: it reads a
// snapshot per tool invocation and applies declared intents through it.
// State lives for the process lifetime only.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/halide-studio/assistant/internal/tools"
)

// Session holds one conversation surface's mutable state.
type Session struct {
	mu              sync.Mutex
	id              string
	active          bool
	values          map[string]string
	audioSuppressed bool
	endFns          []func()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Active reports whether the session is still live.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Get returns a stored value, or "" when unset.
func (s *Session) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set stores a key/value pair.
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Snapshot returns the per-invocation view handed to tool executions.
// The copy is detached; later session mutations do not affect it.
func (s *Session) Snapshot() tools.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return tools.SessionSnapshot{
		ID:     s.id,
		Active: s.active,
		Values: values,
	}
}

// AudioSuppressed reports whether audio output is currently suppressed.
func (s *Session) AudioSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioSuppressed
}

// OnEnd registers a callback invoked when the session ends. Transports
// use this to close their connection when a tool declares an
// end-session intent.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endFns = append(s.endFns, fn)
}

// End marks the session inactive and fires the registered callbacks.
// Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	fns := s.endFns
	s.endFns = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Store tracks live sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewStore creates an empty session store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// Start creates and tracks a new active session. An empty id gets a
// generated one.
func (st *Store) Start(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:     id,
		active: true,
		values: make(map[string]string),
	}
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.logger.Debug("session started", "session", id)
	return s
}

// Get looks up a live session.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// End terminates a session and stops tracking it.
func (st *Store) End(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		s.End()
		st.logger.Debug("session ended", "session", id)
	}
}

// Apply executes one declared intent against the session. Unknown
// intents are logged and skipped; a tool declaring an intent the
// collaborator does not know is a version skew, not a fatal error.
func (st *Store) Apply(s *Session, intent tools.Intent) {
	switch intent.Name {
	case tools.IntentEndVoiceSession:
		st.logger.Info("applying end-session intent", "session", s.ID())
		st.End(s.ID())
	case tools.IntentSuppressAudio:
		s.mu.Lock()
		s.audioSuppressed = true
		s.mu.Unlock()
		st.logger.Debug("audio suppressed", "session", s.ID())
	default:
		st.logger.Warn("unknown intent ignored",
			"session", s.ID(),
			"intent", intent.Name,
		)
	}
}
