package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halide-studio/assistant/internal/httpkit"
)

// The site fronts its model provider through a thin gateway that speaks
// an Anthropic-compatible messages wire format and adds context-cache
// handles. DefaultBaseURL is overridable for testing via config.
const (
	DefaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	messagesPath = "/v1/messages"
	cachesPath   = "/v1/context/caches"
)

// GatewayClient is the concrete provider client.
type GatewayClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGatewayClient creates a provider client. An empty baseURL selects
// the default endpoint; model is the configured default, used for
// requests that carry no model of their own (Ping).
func NewGatewayClient(apiKey, baseURL, model string, logger *slog.Logger) *GatewayClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Model responses can take significant time before sending headers
	// (long prompts, thinking). Use a generous response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GatewayClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		logger:  logger.With("component", "llm"),
		httpClient: httpkit.NewClient(
			// No global timeout — streaming responses can be long-lived.
			// Rely on ctx deadlines/cancellation for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Wire request/response types

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	CacheHandle string        `json:"cache_handle,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireContent
}

type wireContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type wireTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Content    []wireContent `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      wireUsage     `json:"usage"`
}

type wireUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	CacheHit     bool `json:"cache_hit,omitempty"`
}

// SSE event types for streaming
type wireStreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *wireContent  `json:"content_block,omitempty"`
	Delta        *wireDelta    `json:"delta,omitempty"`
	Message      *wireResponse `json:"message,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireCache struct {
	Handle    string `json:"handle"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *GatewayClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming events via callback.
func (c *GatewayClient) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	wireMsgs, system := convertMessages(req.Messages)
	if req.System != "" {
		if system != "" {
			system = req.System + "\n\n" + system
		} else {
			system = req.System
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wireMsgs),
		"tools", len(req.Tools),
		"stream", stream,
		"cache_handle", req.CacheHandle != "",
		"system_len", len(system),
	)

	body := wireRequest{
		Model:       req.Model,
		Messages:    wireMsgs,
		System:      system,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Tools:       convertTools(req.Tools),
		CacheHandle: req.CacheHandle,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	resp, err := c.do(ctx, http.MethodPost, messagesPath, jsonData)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("provider error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("provider error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// CreateContextCache uploads context for provider-side caching and
// returns the opaque handle.
func (c *GatewayClient) CreateContextCache(ctx context.Context, system string, messages []Message, ttl time.Duration) (string, error) {
	wireMsgs, extracted := convertMessages(messages)
	if system == "" {
		system = extracted
	}

	payload, err := json.Marshal(map[string]any{
		"system":   system,
		"messages": wireMsgs,
		"ttl_sec":  int(ttl.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("marshal cache request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, cachesPath, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create context cache: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var cache wireCache
	if err := json.NewDecoder(resp.Body).Decode(&cache); err != nil {
		return "", fmt.Errorf("decode cache response: %w", err)
	}
	if cache.Handle == "" {
		return "", fmt.Errorf("provider returned empty cache handle")
	}

	c.logger.Debug("context cache created", "handle", cache.Handle, "ttl", ttl)
	return cache.Handle, nil
}

// LookupContextCache checks whether a handle is still valid.
func (c *GatewayClient) LookupContextCache(ctx context.Context, handle string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, cachesPath+"/"+handle, nil)
	if err != nil {
		return false, err
	}
	httpkit.DrainAndClose(resp.Body, 1024)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("lookup context cache: status %d", resp.StatusCode)
	}
}

// DeleteContextCache releases a provider-side cache entry. A missing
// handle is not an error — it already expired.
func (c *GatewayClient) DeleteContextCache(ctx context.Context, handle string) error {
	resp, err := c.do(ctx, http.MethodDelete, cachesPath+"/"+handle, nil)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete context cache: status %d", resp.StatusCode)
	}
	return nil
}

// Ping checks if the provider is reachable. The provider has no
// dedicated health endpoint, so send a minimal request to verify the
// API key works.
func (c *GatewayClient) Ping(ctx context.Context) error {
	payload, err := json.Marshal(wireRequest{
		Model:     c.model,
		Messages:  []wireMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, messagesPath, payload)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from provider: %d", resp.StatusCode)
	}
	return nil
}

func (c *GatewayClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *GatewayClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp wireResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertResponse(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *GatewayClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
		accumulator    CallAccumulator
		usage          wireUsage
		model          string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var event wireStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				accumulator.Start(event.ContentBlock.ID, event.ContentBlock.Name)
			}

		case "content_block_delta":
			if event.Delta != nil {
				switch event.Delta.Type {
				case "text_delta":
					contentBuilder.WriteString(event.Delta.Text)
					if callback != nil {
						callback(StreamEvent{Kind: KindToken, Token: event.Delta.Text})
					}
				case "input_json_delta":
					accumulator.AppendArgs(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if accumulator.Active() {
				call := accumulator.Finalize()
				toolCalls = append(toolCalls, call)
				if callback != nil {
					callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &call})
				}
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CacheHit:     usage.CacheHit,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}

	return resp, nil
}

// convertMessages converts internal messages to the wire format.
// System messages are extracted into a separate system prompt.
func convertMessages(messages []Message) ([]wireMessage, string) {
	var systemParts []string
	var result []wireMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				// Assistant message with tool calls → content blocks
				var blocks []wireContent
				if msg.Content != "" {
					blocks = append(blocks, wireContent{
						Type: "text",
						Text: msg.Content,
					})
				}
				for i, tc := range msg.ToolCalls {
					args := tc.Function.Arguments
					if args == nil {
						args = map[string]any{}
					}
					id := tc.ID
					if id == "" {
						id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
					}
					blocks = append(blocks, wireContent{
						Type:  "tool_use",
						ID:    id,
						Name:  tc.Function.Name,
						Input: args,
					})
				}
				result = append(result, wireMessage{
					Role:    "assistant",
					Content: blocks,
				})
			} else {
				result = append(result, wireMessage{
					Role:    "assistant",
					Content: msg.Content,
				})
			}

		case "tool":
			// Tool responses → tool_result content blocks
			result = append(result, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case "user":
			result = append(result, wireMessage{
				Role:    "user",
				Content: msg.Content,
			})
		}
	}

	system := strings.Join(systemParts, "\n\n")
	return result, system
}

// convertTools converts generic tool definitions to the wire format.
func convertTools(tools []map[string]any) []wireTool {
	if len(tools) == 0 {
		return nil
	}

	var result []wireTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]

		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result = append(result, wireTool{
			Name:        name,
			Description: desc,
			InputSchema: params,
		})
	}
	return result
}

// convertResponse converts a wire response to the internal format.
func convertResponse(resp *wireResponse) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:       block.ID,
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      resp.Role,
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CacheHit:     resp.Usage.CacheHit,
	}
}
