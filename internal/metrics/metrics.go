// Package metrics is process-wide, in-memory observability for tool
// execution: latency percentiles, response-size and token-estimate
// distributions, and per-session call logs. Recording is best-effort
// and never blocks or fails a tool call; everything is discarded on
// process exit.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// latencySampleCap bounds the rolling per-tool latency history; the
// oldest sample is evicted beyond it.
const latencySampleCap = 256

// tokenEstimateDivisor approximates tokens from serialized length.
// Exactness is not required anywhere this estimate is used.
const tokenEstimateDivisor = 4

// ToolSummary is a read-time aggregation for one tool.
type ToolSummary struct {
	Executions int           `json:"executions"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	P50        time.Duration `json:"p50_ns"`
	P95        time.Duration `json:"p95_ns"`
	P99        time.Duration `json:"p99_ns"`
	AvgBytes   int           `json:"avg_bytes"`
	AvgTokens  int           `json:"avg_tokens"`
}

// SessionCall is one entry in a session's ordered tool-call log.
type SessionCall struct {
	ToolID     string        `json:"tool_id"`
	Turn       int           `json:"turn"`
	Duration   time.Duration `json:"duration_ns"`
	OK         bool          `json:"ok"`
	RecordedAt time.Time     `json:"recorded_at"`
}

type toolStats struct {
	executions int
	successes  int
	failures   int
	latencies  []time.Duration
	respBytes  []int
	respTokens []int
}

type sessionStats struct {
	turn  int
	calls []SessionCall
}

// Collector aggregates tool execution metrics. Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	tools    map[string]*toolStats
	sessions map[string]*sessionStats
	logger   *slog.Logger
}

// New creates an empty collector.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		tools:    make(map[string]*toolStats),
		sessions: make(map[string]*sessionStats),
		logger:   logger.With("component", "metrics"),
	}
}

// RecordToolExecution appends one execution to the tool's rolling
// latency sample and bumps its counters. A latency-budget overrun is
// logged and nothing more — the budget is observed, never enforced.
func (c *Collector) RecordToolExecution(toolID string, duration time.Duration, ok bool, budget time.Duration) {
	c.mu.Lock()
	ts := c.tool(toolID)
	ts.executions++
	if ok {
		ts.successes++
	} else {
		ts.failures++
	}
	ts.latencies = append(ts.latencies, duration)
	if len(ts.latencies) > latencySampleCap {
		ts.latencies = ts.latencies[1:]
	}
	c.mu.Unlock()

	if budget > 0 && duration > budget {
		c.logger.Warn("tool exceeded latency budget",
			"tool", toolID,
			"duration", duration,
			"budget", budget,
		)
	}
}

// RecordResponseMetrics estimates the serialized size and token count
// of a tool's payload and tracks both distributions.
func (c *Collector) RecordResponseMetrics(toolID string, payload any) {
	size := 0
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			size = len(data)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.tool(toolID)
	ts.respBytes = append(ts.respBytes, size)
	ts.respTokens = append(ts.respTokens, size/tokenEstimateDivisor)
	if len(ts.respBytes) > latencySampleCap {
		ts.respBytes = ts.respBytes[1:]
		ts.respTokens = ts.respTokens[1:]
	}
}

// Summary computes percentiles and averages for one tool at read time.
func (c *Collector) Summary(toolID string) (ToolSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.tools[toolID]
	if !ok {
		return ToolSummary{}, false
	}

	sorted := make([]time.Duration, len(ts.latencies))
	copy(sorted, ts.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return ToolSummary{
		Executions: ts.executions,
		Successes:  ts.successes,
		Failures:   ts.failures,
		P50:        percentile(sorted, 0.50),
		P95:        percentile(sorted, 0.95),
		P99:        percentile(sorted, 0.99),
		AvgBytes:   avg(ts.respBytes),
		AvgTokens:  avg(ts.respTokens),
	}, true
}

// ToolIDs returns all tools with recorded executions, sorted.
func (c *Collector) ToolIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tools))
	for id := range c.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartSession begins tracking a session's tool calls at turn 1.
func (c *Collector) StartSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = &sessionStats{turn: 1}
}

// StartNewTurn advances the session's turn counter and returns the new
// turn number. Unknown sessions are started implicitly.
func (c *Collector) StartNewTurn(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.sessions[sessionID]
	if !ok {
		ss = &sessionStats{}
		c.sessions[sessionID] = ss
	}
	ss.turn++
	return ss.turn
}

// CurrentTurn returns the session's turn counter (0 if unknown).
func (c *Collector) CurrentTurn(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss, ok := c.sessions[sessionID]; ok {
		return ss.turn
	}
	return 0
}

// RecordSessionToolCall appends to the session's ordered call log.
func (c *Collector) RecordSessionToolCall(sessionID, toolID string, turn int, duration time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, exists := c.sessions[sessionID]
	if !exists {
		return
	}
	ss.calls = append(ss.calls, SessionCall{
		ToolID:     toolID,
		Turn:       turn,
		Duration:   duration,
		OK:         ok,
		RecordedAt: time.Now(),
	})
}

// SessionCalls returns a copy of the session's call log.
func (c *Collector) SessionCalls(sessionID string) []SessionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]SessionCall, len(ss.calls))
	copy(out, ss.calls)
	return out
}

// EndSession discards the session's call log and turn counter entirely.
func (c *Collector) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// tool returns the stats bucket, creating it if needed. Caller holds mu.
func (c *Collector) tool(toolID string) *toolStats {
	ts, ok := c.tools[toolID]
	if !ok {
		ts = &toolStats{}
		c.tools[toolID] = ts
	}
	return ts
}

// percentile interpolates the q-th percentile over a sorted sample.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}

func avg(samples []int) int {
	if len(samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range samples {
		total += s
	}
	return total / len(samples)
}
