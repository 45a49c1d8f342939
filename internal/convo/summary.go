package convo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/prompts"
)

// summarizeTimeout bounds one summarization model call; it runs at the
// turn boundary, off the visitor's critical path.
const summarizeTimeout = 30 * time.Second

// CompactAsync runs Compact in the background so the turn's reply is
// never held up by a summarization model call. At most one compaction
// per conversation is in flight; an overlapping request is skipped and
// the next turn boundary picks the overflow up.
func (m *Manager) CompactAsync(c *Conversation) {
	c.mu.Lock()
	if c.compacting {
		c.mu.Unlock()
		return
	}
	c.compacting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.compacting = false
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
		defer cancel()
		m.Compact(ctx, c)
	}()
}

// Compact folds messages that have fallen out of the window into the
// rolling summary. It runs at turn boundaries so mid-chain model calls
// never wait on it. The summary is only regenerated when the boundary
// has actually advanced; a failed summarization keeps the old summary
// and the messages, and retries on the next boundary.
func (m *Manager) Compact(ctx context.Context, c *Conversation) {
	c.mu.Lock()
	total := c.base + len(c.messages)
	boundary := total - m.cfg.WindowSize
	if boundary <= c.summaryThrough {
		c.mu.Unlock()
		return
	}

	cut := boundary - c.base
	// Never cut between an assistant tool call and its result.
	for cut < len(c.messages) && c.messages[cut].Role == "tool" {
		cut++
	}
	boundary = c.base + cut
	if cut <= 0 || boundary <= c.summaryThrough {
		c.mu.Unlock()
		return
	}

	overflow := make([]llm.Message, cut)
	copy(overflow, c.messages[:cut])
	oldSummary := c.summary
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	summary, err := m.summarize(sctx, oldSummary, overflow)
	if err != nil {
		m.logger.Warn("summarization failed, keeping raw history",
			"conversation", c.id, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The window may have grown while we summarized; the cut point is
	// stable because messages are append-only.
	c.messages = c.messages[cut:]
	c.base = boundary
	c.summaryThrough = boundary
	c.summary = summary
	// The cached prefix included the old summary.
	if c.cache != nil && c.cache.handle != "" {
		go m.deleteCache(c.cache.handle)
	}
	c.cache = nil
}

// summarize merges the previous summary and newly overflowed messages
// into a fresh summary within the word budget.
func (m *Manager) summarize(ctx context.Context, oldSummary string, overflow []llm.Message) (string, error) {
	var sb strings.Builder
	if oldSummary != "" {
		sb.WriteString("(earlier summary) ")
		sb.WriteString(oldSummary)
		sb.WriteString("\n\n")
	}
	for _, msg := range overflow {
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		if msg.Content != "" {
			sb.WriteString(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "[called %s]", tc.Function.Name)
		}
		sb.WriteString("\n")
	}

	budget := m.cfg.SummaryWordBudget
	if budget <= 0 {
		budget = 300
	}

	resp, err := m.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: prompts.SummaryPrompt(sb.String(), budget),
		}},
		MaxTokens: budget * 2,
	})
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	// Enforce the budget even when the model overshoots.
	if words := strings.Fields(summary); len(words) > budget {
		summary = strings.Join(words[:budget], " ")
	}
	return summary, nil
}
