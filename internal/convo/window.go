// Package convo manages per-conversation context: the retained message
// window, the rolling summary of older history, the remote context
// cache, and the tool-call chain orchestrator.
package convo

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/halide-studio/assistant/internal/config"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/prompts"
)

// tokenEstimateDivisor approximates tokens from character count.
const tokenEstimateDivisor = 4

// Conversation holds the retained context for one conversation. Message
// indices are absolute: base is the absolute index of messages[0], and
// everything below summaryThrough has been folded into the summary and
// dropped from the slice.
type Conversation struct {
	id string

	mu             sync.Mutex
	base           int
	messages       []llm.Message
	summary        string
	summaryThrough int
	cache          *cacheEntry
	compacting     bool
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	return c.id
}

// Len returns the number of retained (unsummarized) messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Summary returns the current rolling summary, empty if none exists.
func (c *Conversation) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Append adds a message to the retained window.
func (c *Conversation) Append(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Manager owns all live conversations.
type Manager struct {
	cfg    config.ContextConfig
	client llm.Client
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewManager creates a conversation manager. client is used for
// summarization and remote context caching.
func NewManager(cfg config.ContextConfig, client llm.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		client:        client,
		logger:        logger.With("component", "convo"),
		conversations: make(map[string]*Conversation),
	}
}

// Get returns the conversation with the given id, creating it if
// needed. An empty id allocates a fresh conversation.
func (m *Manager) Get(id string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	c, ok := m.conversations[id]
	if !ok {
		c = &Conversation{id: id}
		m.conversations[id] = c
	}
	return c
}

// Drop removes a conversation. A live remote cache entry is released
// best-effort.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	c, ok := m.conversations[id]
	delete(m.conversations, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	var handle string
	if c.cache != nil {
		handle = c.cache.handle
	}
	c.cache = nil
	c.mu.Unlock()
	if handle != "" {
		go m.deleteCache(handle)
	}
}

// Assembled is the context handed to the model for one call: the
// summary (if any) folded into a leading message, then the retained
// window, within the token ceiling.
type Assembled struct {
	Messages    []llm.Message
	CacheHandle string

	// SummaryTrimmed and Dropped report budget enforcement for
	// observability.
	SummaryTrimmed bool
	Dropped        int
}

// Assemble builds the message list for a model call. The token ceiling
// is enforced by trimming summary words first, then dropping the oldest
// window messages; the newest message is never dropped.
func (m *Manager) Assemble(c *Conversation, system string) Assembled {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := c.summary
	window := make([]llm.Message, len(c.messages))
	copy(window, c.messages)

	var out Assembled
	if m.cfg.TokenCeiling > 0 {
		for estimateTokens(system, summary, window) > m.cfg.TokenCeiling {
			if summary != "" {
				summary = trimWords(summary, 3)
				out.SummaryTrimmed = true
				continue
			}
			if len(window) <= 1 {
				break
			}
			window = window[1:]
			out.Dropped++
			// An orphaned tool result cannot lead the window.
			for len(window) > 1 && window[0].Role == "tool" {
				window = window[1:]
				out.Dropped++
			}
		}
	}

	if summary != "" {
		out.Messages = append(out.Messages, llm.Message{
			Role:    "user",
			Content: prompts.SummaryPreamble(summary),
		})
	}
	out.Messages = append(out.Messages, window...)

	if h := m.cacheHandle(c, system, summary); h != "" {
		out.CacheHandle = h
	}
	return out
}

// estimateTokens approximates the token cost of an assembled context.
func estimateTokens(system, summary string, window []llm.Message) int {
	chars := len(system) + len(summary)
	for _, msg := range window {
		chars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Function.Name) + 32
		}
	}
	return chars / tokenEstimateDivisor
}

// trimWords removes up to n words from the end of s. Returns "" when
// fewer than n words remain.
func trimWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return ""
	}
	return strings.Join(words[:len(words)-n], " ")
}
