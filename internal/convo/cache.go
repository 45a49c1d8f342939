package convo

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/prompts"
)

// cacheCreateTimeout bounds the background cache creation call.
const cacheCreateTimeout = 10 * time.Second

// cacheEntry records a provider-side context cache of the stable prefix
// (system prompt plus summary). prefixHash detects when the prefix has
// changed and the handle no longer matches.
type cacheEntry struct {
	handle     string
	prefixHash uint64
	expires    time.Time
	creating   bool
}

// cacheHandle returns a usable cache handle for the conversation's
// current prefix, or "" to proceed uncached. The remote validity probe
// is bounded by the configured lookup timeout; on probe failure or
// timeout the request degrades to uncached rather than waiting.
// Callers hold c.mu.
func (m *Manager) cacheHandle(c *Conversation, system, summary string) string {
	if m.cfg.CacheTTLSec <= 0 {
		return ""
	}

	hash := prefixHash(system, summary)
	now := time.Now()

	e := c.cache
	if e != nil && e.handle != "" && e.prefixHash == hash && now.Before(e.expires) {
		if m.probeCache(e.handle) {
			return e.handle
		}
		c.cache = nil
		e = nil
	}

	// Kick off creation for next time. Two overlapping creations for
	// the same prefix are tolerated; the loser's handle gets deleted
	// after the install check.
	if e == nil || !e.creating || e.prefixHash != hash {
		if e != nil && e.handle != "" {
			// The remote entry no longer matches the prefix; release
			// it rather than letting it idle out its TTL.
			go m.deleteCache(e.handle)
		}
		c.cache = &cacheEntry{prefixHash: hash, creating: true}
		go m.createCache(c, system, summary, hash)
	}
	return ""
}

// deleteCache releases a superseded remote cache entry. A failed delete
// only means the orphan lives until its TTL, so errors stay at debug.
func (m *Manager) deleteCache(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheCreateTimeout)
	defer cancel()
	if err := m.client.DeleteContextCache(ctx, handle); err != nil {
		m.logger.Debug("cache delete failed", "handle", handle, "error", err)
	}
}

// probeCache checks remote handle validity within the lookup budget.
func (m *Manager) probeCache(handle string) bool {
	timeout := time.Duration(m.cfg.CacheLookupTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := m.client.LookupContextCache(ctx, handle)
	if err != nil {
		m.logger.Debug("cache probe failed, proceeding uncached", "error", err)
		return false
	}
	return ok
}

// createCache registers the prefix with the provider in the background.
func (m *Manager) createCache(c *Conversation, system, summary string, hash uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheCreateTimeout)
	defer cancel()

	ttl := time.Duration(m.cfg.CacheTTLSec) * time.Second
	handle, err := m.client.CreateContextCache(ctx, system, summaryMessages(summary), ttl)
	if err != nil {
		m.logger.Debug("cache creation failed", "conversation", c.id, "error", err)
		c.mu.Lock()
		if c.cache != nil && c.cache.prefixHash == hash {
			c.cache = nil
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	// Install only if the prefix has not moved on underneath us.
	installed := c.cache != nil && c.cache.prefixHash == hash
	if installed {
		c.cache = &cacheEntry{
			handle:     handle,
			prefixHash: hash,
			expires:    time.Now().Add(ttl),
		}
	}
	c.mu.Unlock()

	if !installed {
		m.deleteCache(handle)
	}
}

// summaryMessages shapes the cached prefix the same way Assemble
// injects it, so a cache hit reproduces the uncached context exactly.
func summaryMessages(summary string) []llm.Message {
	if summary == "" {
		return nil
	}
	return []llm.Message{{Role: "user", Content: prompts.SummaryPreamble(summary)}}
}

func prefixHash(system, summary string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(summary))
	return h.Sum64()
}
