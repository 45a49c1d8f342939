package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halide-studio/assistant/internal/config"
	"github.com/halide-studio/assistant/internal/convo"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/metrics"
	"github.com/halide-studio/assistant/internal/session"
	"github.com/halide-studio/assistant/internal/tools"
)

// stubClient serves scripted responses in order. Ping succeeds unless
// pingErr is set.
type stubClient struct {
	script  []*llm.ChatResponse
	next    int
	pingErr error
}

func (c *stubClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

func (c *stubClient) ChatStream(ctx context.Context, req llm.ChatRequest, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	if c.next >= len(c.script) {
		return nil, fmt.Errorf("no scripted response for request %d", c.next)
	}
	resp := c.script[c.next]
	c.next++
	if callback != nil {
		if resp.Message.Content != "" {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
		}
		for i := range resp.Message.ToolCalls {
			callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &resp.Message.ToolCalls[i]})
		}
		callback(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (c *stubClient) CreateContextCache(ctx context.Context, system string, messages []llm.Message, ttl time.Duration) (string, error) {
	return "stub-handle", nil
}

func (c *stubClient) LookupContextCache(ctx context.Context, handle string) (bool, error) {
	return true, nil
}

func (c *stubClient) DeleteContextCache(ctx context.Context, handle string) error {
	return nil
}

func (c *stubClient) Ping(ctx context.Context) error {
	return c.pingErr
}

func testServer(t *testing.T, client *stubClient, descriptors ...*tools.Descriptor) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Context.CacheTTLSec = 0 // no background cache traffic in handler tests

	registry := tools.NewRegistry(nil)
	if err := registry.Load(descriptors); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	registry.Lock()

	sessions := session.NewStore(nil)
	collector := metrics.New(nil)
	convos := convo.NewManager(cfg.Context, client, nil)
	orchestrator := convo.NewOrchestrator(cfg, client, registry, sessions, convos, collector, nil, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", 0, orchestrator, registry, collector, client, logger)
	mux := http.NewServeMux()
	srv.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postChat(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url+"/api/chat", "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("POST /api/chat: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleChat(t *testing.T) {
	client := &stubClient{script: []*llm.ChatResponse{{
		Model:        "claude-sonnet-4-20250514",
		Message:      llm.Message{Role: "assistant", Content: "We design brands and websites."},
		Done:         true,
		InputTokens:  12,
		OutputTokens: 8,
	}}}
	_, ts := testServer(t, client)

	resp := postChat(t, ts.URL, ChatRequest{Message: "what do you do?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out ChatResponse
	decodeJSON(t, resp, &out)
	if out.Response != "We design brands and websites." {
		t.Errorf("response = %q", out.Response)
	}
	if out.ConversationID == "" {
		t.Error("conversation id not assigned")
	}
	if out.Observability != nil {
		t.Error("observability present without debug")
	}
}

func TestHandleChatDebug(t *testing.T) {
	client := &stubClient{script: []*llm.ChatResponse{{
		Message:      llm.Message{Role: "assistant", Content: "Hello."},
		Done:         true,
		InputTokens:  3,
		OutputTokens: 1,
	}}}
	_, ts := testServer(t, client)

	resp := postChat(t, ts.URL, ChatRequest{Message: "hi", Debug: true})
	var out ChatResponse
	decodeJSON(t, resp, &out)
	if out.Observability == nil {
		t.Fatal("observability missing with debug")
	}
	if out.Observability.ModelCalls != 1 || out.Observability.InputTokens != 3 {
		t.Errorf("observability = %+v", out.Observability)
	}
}

func TestHandleChatBadRequests(t *testing.T) {
	_, ts := testServer(t, &stubClient{})

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", resp.StatusCode)
	}

	resp = postChat(t, ts.URL, ChatRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d", resp.StatusCode)
	}
}

func TestHandleChatStreaming(t *testing.T) {
	client := &stubClient{script: []*llm.ChatResponse{
		{
			Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{
				ID:       "t1",
				Function: llm.FunctionCall{Name: "lookup", Arguments: map[string]any{"topic": "pricing"}},
			}}},
			Done: true,
		},
		{
			Message: llm.Message{Role: "assistant", Content: "Three tiers."},
			Done:    true,
		},
	}}
	descriptor := &tools.Descriptor{
		ID:            "lookup",
		Version:       "1.0.0",
		Category:      tools.CategoryRetrieval,
		Description:   "lookup",
		Schema:        tools.ObjectSchema(map[string]*tools.Schema{"topic": tools.StringParam("t")}, "topic"),
		AllowedModes:  []tools.Mode{tools.ModeText},
		SideEffects:   tools.SideEffectsReadOnly,
		Idempotent:    true,
		LatencyBudget: time.Second,
		Handler: func(ctx context.Context, inv *tools.Invocation) (*tools.HandlerResult, error) {
			return &tools.HandlerResult{Data: map[string]any{"results": []any{"tiers"}}}, nil
		},
	}
	_, ts := testServer(t, client, descriptor)

	resp := postChat(t, ts.URL, ChatRequest{Message: "cost?", ConversationID: "conv-s", Stream: true, Debug: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-Conversation-Id") != "conv-s" {
		t.Errorf("conversation header = %q", resp.Header.Get("X-Conversation-Id"))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)

	if !strings.Contains(body, "Three tiers.") {
		t.Errorf("tokens missing from stream: %q", body)
	}
	if !strings.Contains(body, statusMarkerOpen+`{"stage":"tool_start","tool":"lookup"`) {
		t.Errorf("tool_start frame missing: %q", body)
	}
	if !strings.Contains(body, statusMarkerClose) {
		t.Errorf("status close marker missing: %q", body)
	}

	idx := strings.Index(body, observabilityMarker)
	if idx < 0 {
		t.Fatalf("observability frame missing: %q", body)
	}
	var obs convo.Observability
	if err := json.Unmarshal([]byte(body[idx+len(observabilityMarker):]), &obs); err != nil {
		t.Fatalf("observability payload: %v", err)
	}
	if obs.ModelCalls != 2 || len(obs.ToolCalls) != 1 {
		t.Errorf("observability = %+v", obs)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := testServer(t, &stubClient{})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health map[string]any
	decodeJSON(t, resp, &health)
	if health["status"] != "healthy" || health["provider"] != "ok" {
		t.Errorf("health = %+v", health)
	}
	if health["registry_locked"] != true {
		t.Error("registry not reported locked")
	}
}

func TestHandleHealthProviderDown(t *testing.T) {
	_, ts := testServer(t, &stubClient{pingErr: fmt.Errorf("dial timeout")})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health map[string]any
	decodeJSON(t, resp, &health)
	if health["provider"] != "unreachable" {
		t.Errorf("provider = %v", health["provider"])
	}
}

func TestHandleToolMetrics(t *testing.T) {
	_, ts := testServer(t, &stubClient{})

	resp, err := http.Get(ts.URL + "/api/tools/unknown/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleVersionAndRoot(t *testing.T) {
	_, ts := testServer(t, &stubClient{})

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var version map[string]any
	decodeJSON(t, resp, &version)
	if version["version"] == "" {
		t.Error("version missing")
	}

	resp2, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var root map[string]string
	decodeJSON(t, resp2, &root)
	if root["name"] != "halide-assistant" {
		t.Errorf("root = %+v", root)
	}
}
