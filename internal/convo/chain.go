package convo

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halide-studio/assistant/internal/config"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/loopdetect"
	"github.com/halide-studio/assistant/internal/metrics"
	"github.com/halide-studio/assistant/internal/prompts"
	"github.com/halide-studio/assistant/internal/retry"
	"github.com/halide-studio/assistant/internal/session"
	"github.com/halide-studio/assistant/internal/tools"
	"github.com/halide-studio/assistant/internal/usage"
)

// maxChainDepth caps tool rounds per turn. After the last permitted
// round a budget notice is injected and one final call without tool
// definitions produces the reply.
const maxChainDepth = 5

// Status is a progress event emitted while a turn runs. Surfaces frame
// it for their transport.
type Status struct {
	Stage  string `json:"stage"`
	Tool   string `json:"tool,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Events receives streaming output during a turn. Any callback may be
// nil.
type Events struct {
	OnToken  func(token string)
	OnStatus func(s Status)
	OnNotify func(text string)
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	ConversationID string
	SessionID      string
	ClientID       string
	Mode           tools.Mode
	Message        string
}

// ToolCallReport is the per-call observability record.
type ToolCallReport struct {
	Tool        string `json:"tool"`
	DurationMs  int64  `json:"duration_ms"`
	OK          bool   `json:"ok"`
	ErrorKind   string `json:"error_kind,omitempty"`
	LoopFinding string `json:"loop_finding,omitempty"`
}

// Observability aggregates what happened during a turn.
type Observability struct {
	ConversationID  string           `json:"conversation_id"`
	Turn            int              `json:"turn"`
	ModelCalls      int              `json:"model_calls"`
	ToolCalls       []ToolCallReport `json:"tool_calls,omitempty"`
	InputTokens     int              `json:"input_tokens"`
	OutputTokens    int              `json:"output_tokens"`
	CacheHit        bool             `json:"cache_hit"`
	SummaryTrimmed  bool             `json:"summary_trimmed,omitempty"`
	DroppedMessages int              `json:"dropped_messages,omitempty"`
}

// TurnResult is the final outcome of a turn.
type TurnResult struct {
	Text            string
	EndSession      bool
	AudioSuppressed bool
	Observability   *Observability
}

// Orchestrator runs the model/tool chain for a turn: assemble context,
// stream a model call, execute requested tools under retry and loop
// detection, feed results back, repeat until the model answers in text.
type Orchestrator struct {
	cfg       *config.Config
	client    llm.Client
	registry  *tools.Registry
	detector  *loopdetect.Detector
	collector *metrics.Collector
	sessions  *session.Store
	convos    *Manager
	usage     *usage.Store
	logger    *slog.Logger
}

// NewOrchestrator wires the turn pipeline. usageStore may be nil to
// disable usage accounting.
func NewOrchestrator(
	cfg *config.Config,
	client llm.Client,
	registry *tools.Registry,
	sessions *session.Store,
	convos *Manager,
	collector *metrics.Collector,
	usageStore *usage.Store,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		detector:  loopdetect.New(),
		collector: collector,
		sessions:  sessions,
		convos:    convos,
		usage:     usageStore,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Conversations exposes the conversation manager for surfaces that need
// direct access (health reporting, teardown).
func (o *Orchestrator) Conversations() *Manager {
	return o.convos
}

// EndSession tears down all per-session state: the session itself, its
// metrics call log, its loop-detection history, and the conversation
// keyed by the session id.
func (o *Orchestrator) EndSession(sessionID string) {
	o.sessions.End(sessionID)
	o.collector.EndSession(sessionID)
	o.detector.ClearSession(sessionID)
	o.convos.Drop(sessionID)
}

// RunTurn executes one full user turn and returns the assembled reply.
// Tokens, statuses, and interim notifications stream through ev as the
// turn progresses.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, ev Events) (*TurnResult, error) {
	c := o.convos.Get(req.ConversationID)

	// Loop detection and per-session metrics share a turn scope: the
	// voice session when present, the conversation otherwise.
	scope := req.SessionID
	if scope == "" {
		scope = c.ID()
	}
	turn := o.collector.StartNewTurn(scope)

	var sess *session.Session
	if req.SessionID != "" {
		sess, _ = o.sessions.Get(req.SessionID)
	}

	c.Append(llm.Message{Role: "user", Content: req.Message})

	voice := req.Mode == tools.ModeVoice
	system := prompts.SystemPrompt(time.Now().Format("January 2, 2006"), voice)
	toolDefs := o.registry.Definitions(req.Mode)

	obs := &Observability{ConversationID: c.ID(), Turn: turn}
	result := &TurnResult{Observability: obs}
	var text strings.Builder
	var afterTurn []tools.Intent

	for depth := 1; ; depth++ {
		asm := o.convos.Assemble(c, system)
		obs.SummaryTrimmed = obs.SummaryTrimmed || asm.SummaryTrimmed
		obs.DroppedMessages += asm.Dropped

		chatReq := llm.ChatRequest{
			Model:       o.cfg.Provider.Model,
			System:      system,
			Messages:    asm.Messages,
			Tools:       toolDefs,
			CacheHandle: asm.CacheHandle,
			MaxTokens:   o.cfg.Provider.MaxTokens,
		}
		if depth > maxChainDepth {
			// Budget notice round: force a text answer.
			chatReq.Tools = nil
		}

		resp, err := o.client.ChatStream(ctx, chatReq, func(event llm.StreamEvent) {
			if event.Kind == llm.KindToken && ev.OnToken != nil {
				ev.OnToken(event.Token)
			}
		})
		if err != nil {
			return nil, err
		}

		obs.ModelCalls++
		obs.InputTokens += resp.InputTokens
		obs.OutputTokens += resp.OutputTokens
		obs.CacheHit = obs.CacheHit || resp.CacheHit
		o.recordUsage(ctx, req, c.ID(), resp)

		c.Append(resp.Message)
		if resp.Message.Content != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(resp.Message.Content)
		}

		if len(resp.Message.ToolCalls) == 0 || depth > maxChainDepth {
			break
		}

		for _, tc := range resp.Message.ToolCalls {
			c.Append(o.runToolCall(ctx, req, ev, scope, turn, sess, tc, obs, result, &afterTurn))
		}

		if depth == maxChainDepth {
			// The chain is out of budget; the next round runs with
			// tools withheld so the model answers with what it has.
			o.emitStatus(ev, Status{Stage: "chain_limit"})
			c.Append(llm.Message{
				Role: "user",
				Content: "Tool budget for this reply is exhausted. " +
					"Answer the visitor with the information already gathered.",
			})
		}
	}

	for _, intent := range afterTurn {
		o.applyIntent(sess, intent, result)
	}

	o.detector.ClearTurn(scope, turn)
	// Overflow is summarized off the reply path; the visitor never
	// waits on a summarization model call.
	o.convos.CompactAsync(c)

	result.Text = text.String()
	return result, nil
}

// runToolCall executes one requested tool call end to end and returns
// the tool-result message to feed back to the model.
func (o *Orchestrator) runToolCall(
	ctx context.Context,
	req TurnRequest,
	ev Events,
	scope string,
	turn int,
	sess *session.Session,
	tc llm.ToolCall,
	obs *Observability,
	result *TurnResult,
	afterTurn *[]tools.Intent,
) llm.Message {
	name := tc.Function.Name
	args := tc.Function.Arguments

	if finding := o.detector.Check(scope, turn, name, args); finding != nil {
		o.logger.Info("loop detected, refusing tool call",
			"tool", name, "kind", finding.Kind, "conversation", obs.ConversationID)
		o.emitStatus(ev, Status{Stage: "loop_detected", Tool: name, Detail: string(finding.Kind)})
		obs.ToolCalls = append(obs.ToolCalls, ToolCallReport{
			Tool:        name,
			LoopFinding: string(finding.Kind),
		})

		corrective := prompts.CorrectiveSameCall(name)
		if finding.Kind == loopdetect.EmptyResultsRepeated {
			corrective = prompts.CorrectiveEmptyResults(name)
		}
		return llm.Message{Role: "tool", ToolCallID: tc.ID, Content: corrective}
	}

	o.emitStatus(ev, Status{Stage: "tool_start", Tool: name})

	inv := &tools.Invocation{
		ClientID:     req.ClientID,
		Arguments:    args,
		Capabilities: []tools.Mode{req.Mode},
		Notify:       ev.OnNotify,
	}
	if sess != nil {
		inv.Session = sess.Snapshot()
	}

	policy := retry.Policy{
		Mode:         req.Mode,
		MaxRetries:   o.cfg.Retry.MaxRetries,
		InitialDelay: time.Duration(o.cfg.Retry.InitialDelayMs) * time.Millisecond,
		ToolID:       name,
	}

	start := time.Now()
	resp := retry.Do(ctx, o.logger, policy, func(ctx context.Context) *tools.Response {
		return o.registry.Execute(ctx, name, inv)
	})
	dur := time.Since(start)

	var budget time.Duration
	if d, ok := o.registry.Get(name); ok {
		budget = d.LatencyBudget
	}
	o.collector.RecordToolExecution(name, dur, resp.OK, budget)
	if resp.OK {
		o.collector.RecordResponseMetrics(name, resp.Data)
	}
	o.collector.RecordSessionToolCall(scope, name, turn, dur, resp.OK)
	o.detector.Record(scope, turn, name, args, resp.OK && resp.EmptyPayload(), !resp.OK)

	report := ToolCallReport{Tool: name, DurationMs: dur.Milliseconds(), OK: resp.OK}
	if resp.Err != nil {
		report.ErrorKind = string(resp.Err.Kind)
	}
	obs.ToolCalls = append(obs.ToolCalls, report)
	o.emitStatus(ev, Status{Stage: "tool_end", Tool: name, Detail: report.ErrorKind})

	for _, intent := range resp.Intents {
		if intent.Timing == tools.TimingImmediate {
			o.applyIntent(sess, intent, result)
			o.emitStatus(ev, Status{Stage: "intent", Detail: intent.Name})
		} else {
			*afterTurn = append(*afterTurn, intent)
		}
	}

	return llm.Message{Role: "tool", ToolCallID: tc.ID, Content: toolResultContent(resp)}
}

// applyIntent routes an intent to the session store and mirrors its
// effect onto the turn result for the surface.
func (o *Orchestrator) applyIntent(sess *session.Session, intent tools.Intent, result *TurnResult) {
	switch intent.Name {
	case tools.IntentEndVoiceSession:
		result.EndSession = true
	case tools.IntentSuppressAudio:
		result.AudioSuppressed = true
	}
	if sess != nil {
		o.sessions.Apply(sess, intent)
	}
}

// toolResultContent serializes a tool response for the model. Failures
// surface the normalized error, never handler internals.
func toolResultContent(resp *tools.Response) string {
	var payload any
	if resp.OK {
		payload = map[string]any{"ok": true, "data": resp.Data}
	} else {
		payload = map[string]any{"ok": false, "error": resp.Err}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"ok":false,"error":{"kind":"INTERNAL","message":"result serialization failed"}}`
	}
	return string(b)
}

func (o *Orchestrator) emitStatus(ev Events, s Status) {
	if ev.OnStatus != nil {
		ev.OnStatus(s)
	}
}

// recordUsage persists token accounting for one model call. Accounting
// failures are logged and never fail the turn.
func (o *Orchestrator) recordUsage(ctx context.Context, req TurnRequest, conversationID string, resp *llm.ChatResponse) {
	if o.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.cfg.Provider.Model
	}
	rec := usage.Record{
		RequestID:      uuid.NewString(),
		SessionID:      req.SessionID,
		ConversationID: conversationID,
		Model:          model,
		Surface:        string(req.Mode),
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens),
	}
	if err := o.usage.Record(ctx, rec); err != nil {
		o.logger.Warn("usage record failed", "error", err)
	}
}
