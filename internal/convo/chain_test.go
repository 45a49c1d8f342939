package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halide-studio/assistant/internal/config"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/loopdetect"
	"github.com/halide-studio/assistant/internal/metrics"
	"github.com/halide-studio/assistant/internal/session"
	"github.com/halide-studio/assistant/internal/tools"
)

type orchestratorFixture struct {
	orchestrator *Orchestrator
	client       *fakeClient
	sessions     *session.Store
	collector    *metrics.Collector
}

func newFixture(t *testing.T, client *fakeClient, descriptors ...*tools.Descriptor) *orchestratorFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Retry.InitialDelayMs = 1
	cfg.Context = testContextConfig()
	// Compaction has its own tests; keep these turns inside the window
	// so scripted clients only see the chain's own model calls.
	cfg.Context.WindowSize = 50

	registry := tools.NewRegistry(nil)
	if err := registry.Load(descriptors); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	registry.Lock()

	sessions := session.NewStore(nil)
	collector := metrics.New(nil)
	convos := NewManager(cfg.Context, client, nil)

	return &orchestratorFixture{
		orchestrator: NewOrchestrator(cfg, client, registry, sessions, convos, collector, nil, nil),
		client:       client,
		sessions:     sessions,
		collector:    collector,
	}
}

func searchDescriptor(handler tools.Handler) *tools.Descriptor {
	return &tools.Descriptor{
		ID:            "search",
		Version:       "1.0.0",
		Category:      tools.CategoryRetrieval,
		Description:   "search",
		Schema:        tools.ObjectSchema(map[string]*tools.Schema{"query": tools.StringParam("q")}, "query"),
		AllowedModes:  []tools.Mode{tools.ModeText, tools.ModeVoice},
		SideEffects:   tools.SideEffectsReadOnly,
		Idempotent:    true,
		LatencyBudget: time.Second,
		Handler:       handler,
	}
}

func resultsHandler(results ...any) tools.Handler {
	return func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		return &tools.HandlerResult{Data: map[string]any{"results": results}}, nil
	}
}

func TestRunTurnPlainText(t *testing.T) {
	fx := newFixture(t, newFakeClient(textResponse("Hello! How can I help?")),
		searchDescriptor(resultsHandler("hit")))

	var streamed strings.Builder
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "hi",
	}, Events{OnToken: func(token string) { streamed.WriteString(token) }})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if result.Text != "Hello! How can I help?" {
		t.Errorf("text = %q", result.Text)
	}
	if streamed.String() != result.Text {
		t.Errorf("streamed %q != result %q", streamed.String(), result.Text)
	}
	obs := result.Observability
	if obs.ModelCalls != 1 || len(obs.ToolCalls) != 0 {
		t.Errorf("obs = %+v", obs)
	}
	if obs.InputTokens != 10 || obs.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", obs.InputTokens, obs.OutputTokens)
	}
}

func TestRunTurnToolChain(t *testing.T) {
	client := newFakeClient(
		toolCallResponse("t1", "search", map[string]any{"query": "pricing"}),
		textResponse("We offer three tiers."),
	)
	var executions atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		executions.Add(1)
		if inv.Arguments["query"] != "pricing" {
			t.Errorf("arguments = %v", inv.Arguments)
		}
		return &tools.HandlerResult{Data: map[string]any{"results": []any{"tiers page"}}}, nil
	}))

	var stages []string
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "what does it cost?",
	}, Events{OnStatus: func(s Status) { stages = append(stages, s.Stage) }})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if executions.Load() != 1 {
		t.Errorf("executions = %d, want 1", executions.Load())
	}
	if result.Text != "We offer three tiers." {
		t.Errorf("text = %q", result.Text)
	}
	obs := result.Observability
	if obs.ModelCalls != 2 || len(obs.ToolCalls) != 1 || !obs.ToolCalls[0].OK {
		t.Errorf("obs = %+v", obs)
	}

	// The second model call carries the tool result back.
	second := client.request(1)
	var toolMsg *llm.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result message in the follow-up request")
	}
	if toolMsg.ToolCallID != "t1" || !strings.Contains(toolMsg.Content, `"ok":true`) {
		t.Errorf("tool result = %+v", toolMsg)
	}

	wantStages := []string{"tool_start", "tool_end"}
	if len(stages) != 2 || stages[0] != wantStages[0] || stages[1] != wantStages[1] {
		t.Errorf("stages = %v, want %v", stages, wantStages)
	}
}

func TestRunTurnRetriesTransientToolFailure(t *testing.T) {
	client := newFakeClient(
		toolCallResponse("t1", "search", map[string]any{"query": "x"}),
		textResponse("done"),
	)
	var attempts atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		if attempts.Add(1) < 3 {
			return nil, tools.NewError(tools.KindTransient, "backend busy")
		}
		return &tools.HandlerResult{Data: "ok"}, nil
	}))

	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "q",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if !result.Observability.ToolCalls[0].OK {
		t.Error("tool call failed despite successful retry")
	}
}

func TestVoiceTurnNeverRetriesTools(t *testing.T) {
	client := newFakeClient(
		toolCallResponse("t1", "search", map[string]any{"query": "x"}),
		textResponse("sorry, that failed"),
	)
	var attempts atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		attempts.Add(1)
		return nil, tools.NewError(tools.KindTransient, "backend busy")
	}))

	sess := fx.sessions.Start("")
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: sess.ID(),
		SessionID:      sess.ID(),
		Mode:           tools.ModeVoice,
		Message:        "q",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want exactly 1 in voice mode", attempts.Load())
	}
	report := result.Observability.ToolCalls[0]
	if report.OK || report.ErrorKind != string(tools.KindTransient) {
		t.Errorf("report = %+v", report)
	}
}

func TestSameCallLoopGetsCorrective(t *testing.T) {
	args := map[string]any{"query": "pricing"}
	client := newFakeClient(
		toolCallResponse("t1", "search", args),
		toolCallResponse("t2", "search", args),
		toolCallResponse("t3", "search", args),
		textResponse("giving up gracefully"),
	)
	var executions atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		executions.Add(1)
		return &tools.HandlerResult{Data: map[string]any{"results": []any{"page"}}}, nil
	}))

	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "price?",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	// First two identical calls execute; the third is refused.
	if executions.Load() != 2 {
		t.Errorf("executions = %d, want 2", executions.Load())
	}

	reports := result.Observability.ToolCalls
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	if reports[2].LoopFinding != string(loopdetect.SameCallRepeated) {
		t.Errorf("third report = %+v, want SAME_CALL_REPEATED", reports[2])
	}

	// The corrective message went back as the refused call's result.
	final := client.request(3)
	last := final.Messages[len(final.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "Do not repeat the call") {
		t.Errorf("corrective message = %+v", last)
	}
}

func TestEmptyResultsLoopGetsCorrective(t *testing.T) {
	client := newFakeClient(
		toolCallResponse("t1", "search", map[string]any{"query": "a"}),
		toolCallResponse("t2", "search", map[string]any{"query": "b"}),
		toolCallResponse("t3", "search", map[string]any{"query": "c"}),
		textResponse("we don't have that"),
	)
	var executions atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		executions.Add(1)
		return &tools.HandlerResult{Data: map[string]any{"results": []any{}}}, nil
	}))

	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "anything on X?",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if executions.Load() != 2 {
		t.Errorf("executions = %d, want 2 (third refused)", executions.Load())
	}
	reports := result.Observability.ToolCalls
	if reports[2].LoopFinding != string(loopdetect.EmptyResultsRepeated) {
		t.Errorf("third report = %+v, want EMPTY_RESULTS_REPEATED", reports[2])
	}

	final := client.request(3)
	last := final.Messages[len(final.Messages)-1]
	if !strings.Contains(last.Content, "returned no results") {
		t.Errorf("corrective message = %q", last.Content)
	}
}

func TestChainDepthLimit(t *testing.T) {
	client := newFakeClient()
	calls := 0
	client.onRequest = func(req llm.ChatRequest) *llm.ChatResponse {
		if req.Tools == nil {
			return textResponse("final answer")
		}
		calls++
		return toolCallResponse(
			fmt.Sprintf("t%d", calls), "search",
			map[string]any{"query": fmt.Sprintf("variation %d", calls)},
		)
	}

	var executions atomic.Int32
	fx := newFixture(t, client, searchDescriptor(func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
		executions.Add(1)
		return &tools.HandlerResult{Data: map[string]any{"results": []any{"page"}}}, nil
	}))

	var stages []string
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "deep dive",
	}, Events{OnStatus: func(s Status) { stages = append(stages, s.Stage) }})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if result.Text != "final answer" {
		t.Errorf("text = %q", result.Text)
	}
	obs := result.Observability
	if obs.ModelCalls != maxChainDepth+1 {
		t.Errorf("model calls = %d, want %d", obs.ModelCalls, maxChainDepth+1)
	}
	if executions.Load() != maxChainDepth {
		t.Errorf("executions = %d, want %d", executions.Load(), maxChainDepth)
	}

	sawLimit := false
	for _, stage := range stages {
		if stage == "chain_limit" {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Error("chain_limit status never emitted")
	}

	// The forced final call carries the budget notice and no tool
	// definitions.
	final := client.request(client.requestCount() - 1)
	if final.Tools != nil {
		t.Error("final forced call still offered tools")
	}
	notice := final.Messages[len(final.Messages)-1]
	if notice.Role != "user" || !strings.Contains(notice.Content, "budget for this reply is exhausted") {
		t.Errorf("last message before forced round = %+v", notice)
	}
}

func TestAfterTurnIntentEndsSession(t *testing.T) {
	endTool := &tools.Descriptor{
		ID:            "hang_up",
		Version:       "1.0.0",
		Category:      tools.CategoryAction,
		Description:   "end the call",
		Schema:        tools.ObjectSchema(map[string]*tools.Schema{}),
		AllowedModes:  []tools.Mode{tools.ModeVoice},
		SideEffects:   tools.SideEffectsWrites,
		LatencyBudget: time.Second,
		Handler: func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
			return &tools.HandlerResult{
				Data:    map[string]any{"status": "ending"},
				Intents: []tools.Intent{{Name: tools.IntentEndVoiceSession, Timing: tools.TimingAfterTurn}},
			}, nil
		},
	}

	client := newFakeClient(
		toolCallResponse("t1", "hang_up", map[string]any{}),
		textResponse("Goodbye!"),
	)
	fx := newFixture(t, client, endTool)

	sess := fx.sessions.Start("")
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: sess.ID(),
		SessionID:      sess.ID(),
		Mode:           tools.ModeVoice,
		Message:        "bye",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if !result.EndSession {
		t.Error("EndSession not set")
	}
	// The after-turn timing means the farewell still went out before
	// the session died, and the session is gone now.
	if result.Text != "Goodbye!" {
		t.Errorf("text = %q", result.Text)
	}
	if _, ok := fx.sessions.Get(sess.ID()); ok {
		t.Error("session still live after end intent")
	}
}

func TestImmediateIntentSuppressesAudio(t *testing.T) {
	muteTool := &tools.Descriptor{
		ID:            "mute",
		Version:       "1.0.0",
		Category:      tools.CategoryUtility,
		Description:   "stop talking",
		Schema:        tools.ObjectSchema(map[string]*tools.Schema{}),
		AllowedModes:  []tools.Mode{tools.ModeVoice},
		SideEffects:   tools.SideEffectsReadOnly,
		LatencyBudget: time.Second,
		Handler: func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
			return &tools.HandlerResult{
				Intents: []tools.Intent{{Name: tools.IntentSuppressAudio, Timing: tools.TimingImmediate}},
			}, nil
		},
	}

	client := newFakeClient(
		toolCallResponse("t1", "mute", map[string]any{}),
		textResponse("(quietly)"),
	)
	fx := newFixture(t, client, muteTool)

	sess := fx.sessions.Start("")
	result, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: sess.ID(),
		SessionID:      sess.ID(),
		Mode:           tools.ModeVoice,
		Message:        "stop talking",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}

	if !result.AudioSuppressed {
		t.Error("AudioSuppressed not set")
	}
	if !sess.AudioSuppressed() {
		t.Error("session did not record suppression")
	}
	if _, ok := fx.sessions.Get(sess.ID()); !ok {
		t.Error("suppression ended the session")
	}
}

func TestProviderErrorSurfaces(t *testing.T) {
	client := newFakeClient()
	client.chatErr = errors.New("gateway unreachable")
	fx := newFixture(t, client, searchDescriptor(resultsHandler()))

	_, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "hi",
	}, Events{})
	if err == nil {
		t.Fatal("RunTurn() = nil error, want provider failure")
	}
}

func TestEndSessionTearsDownState(t *testing.T) {
	fx := newFixture(t, newFakeClient(textResponse("ok")), searchDescriptor(resultsHandler()))

	sess := fx.sessions.Start("")
	fx.collector.StartSession(sess.ID())
	fx.collector.RecordSessionToolCall(sess.ID(), "search", 1, time.Millisecond, true)

	fx.orchestrator.EndSession(sess.ID())

	if _, ok := fx.sessions.Get(sess.ID()); ok {
		t.Error("session survived EndSession")
	}
	if calls := fx.collector.SessionCalls(sess.ID()); calls != nil {
		t.Error("metrics survived EndSession")
	}
}

func TestEndSessionReleasesConversation(t *testing.T) {
	fx := newFixture(t, newFakeClient(textResponse("hello there")), searchDescriptor(resultsHandler()))

	sess := fx.sessions.Start("")
	_, err := fx.orchestrator.RunTurn(context.Background(), TurnRequest{
		ConversationID: sess.ID(),
		SessionID:      sess.ID(),
		Mode:           tools.ModeVoice,
		Message:        "hi",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}
	if got := fx.orchestrator.Conversations().Get(sess.ID()).Len(); got != 2 {
		t.Fatalf("conversation length = %d, want 2 before teardown", got)
	}

	fx.orchestrator.EndSession(sess.ID())

	// The same id must now resolve to a fresh, empty conversation; the
	// old history is gone from the manager.
	if got := fx.orchestrator.Conversations().Get(sess.ID()).Len(); got != 0 {
		t.Errorf("conversation retained %d messages after EndSession", got)
	}
}

// gatedSummaryClient blocks summarization calls until released, so a
// test can prove the turn's reply never waits on them.
type gatedSummaryClient struct {
	*fakeClient
	started chan struct{}
	release chan struct{}
}

func (g *gatedSummaryClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return textResponse("they talked about branding"), nil
}

func TestTurnReturnsBeforeCompaction(t *testing.T) {
	client := &gatedSummaryClient{
		fakeClient: newFakeClient(textResponse("sure, here is more detail")),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}

	cfg := config.Default()
	cfg.Context = testContextConfig() // window of 4

	registry := tools.NewRegistry(nil)
	if err := registry.Load([]*tools.Descriptor{searchDescriptor(resultsHandler())}); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	registry.Lock()

	convos := NewManager(cfg.Context, client, nil)
	o := NewOrchestrator(cfg, client, registry, session.NewStore(nil), convos,
		metrics.New(nil), nil, nil)

	c := convos.Get("conv-1")
	fillConversation(c, 6)

	// The summarization call is still gated when RunTurn returns, so a
	// compaction on the reply path would hang here.
	result, err := o.RunTurn(context.Background(), TurnRequest{
		ConversationID: "conv-1",
		Mode:           tools.ModeText,
		Message:        "tell me more",
	}, Events{})
	if err != nil {
		t.Fatalf("RunTurn() = %v", err)
	}
	if result.Text != "sure, here is more detail" {
		t.Errorf("text = %q", result.Text)
	}

	select {
	case <-client.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background compaction never started")
	}
	if c.Summary() != "" {
		t.Error("summary installed while summarization still in flight")
	}

	close(client.release)
	deadline := time.Now().Add(2 * time.Second)
	for c.Summary() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.Summary(); got != "they talked about branding" {
		t.Errorf("summary = %q after compaction", got)
	}
	if got := c.Len(); got != cfg.Context.WindowSize {
		t.Errorf("retained = %d, want %d", got, cfg.Context.WindowSize)
	}
}
