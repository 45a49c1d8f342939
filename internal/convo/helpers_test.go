package convo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halide-studio/assistant/internal/llm"
)

// fakeClient is a scripted provider. Chat and ChatStream pop responses
// in order; cache calls are tracked for assertions.
type fakeClient struct {
	mu        sync.Mutex
	script    []*llm.ChatResponse
	requests  []llm.ChatRequest
	chatErr   error
	onRequest func(req llm.ChatRequest) *llm.ChatResponse

	cacheValid  map[string]bool
	created     []string
	nextHandle  int
	createdCh   chan string
	deletedCh   chan string
	lookupErr   error
	lookupSleep time.Duration
}

func newFakeClient(script ...*llm.ChatResponse) *fakeClient {
	return &fakeClient{
		script:     script,
		cacheValid: map[string]bool{},
		createdCh:  make(chan string, 16),
		deletedCh:  make(chan string, 16),
	}
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: content},
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolCallResponse(id, tool string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID:       id,
				Function: llm.FunctionCall{Name: tool, Arguments: args},
			}},
		},
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func (f *fakeClient) next(req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.onRequest != nil {
		return f.onRequest(req), nil
	}
	if len(f.script) == 0 {
		return nil, fmt.Errorf("fake client script exhausted")
	}
	resp := f.script[0]
	f.script = f.script[1:]
	return resp, nil
}

func (f *fakeClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.next(req)
}

func (f *fakeClient) ChatStream(ctx context.Context, req llm.ChatRequest, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := f.next(req)
	if err != nil {
		return nil, err
	}
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

func (f *fakeClient) CreateContextCache(ctx context.Context, system string, messages []llm.Message, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.nextHandle++
	handle := fmt.Sprintf("cache-%d", f.nextHandle)
	f.cacheValid[handle] = true
	f.created = append(f.created, handle)
	f.mu.Unlock()

	f.createdCh <- handle
	return handle, nil
}

func (f *fakeClient) LookupContextCache(ctx context.Context, handle string) (bool, error) {
	if f.lookupSleep > 0 {
		select {
		case <-time.After(f.lookupSleep):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheValid[handle], nil
}

func (f *fakeClient) DeleteContextCache(ctx context.Context, handle string) error {
	f.mu.Lock()
	delete(f.cacheValid, handle)
	f.mu.Unlock()

	f.deletedCh <- handle
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeClient) request(i int) llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}
