package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/pkg/models"
)

func newTestOpenAIClient(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOpenAIClient(ClientConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "gpt-4o",
	})
	client.retryDelay = time.Millisecond
	return client, srv
}

func TestOpenAIChat(t *testing.T) {
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream = true, want false")
		}
		if len(req.Messages) != 2 {
			t.Errorf("messages = %d, want 2", len(req.Messages))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`)
	})

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []models.Message{
			models.NewSystemMessage("sys"),
			models.NewUserMessage("hi"),
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	msg, err := resp.First()
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if msg.Content != "Hello!" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello!")
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v, want total 12", resp.Usage)
	}
}

func TestOpenAIChatToolCalls(t *testing.T) {
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "get_current_time" {
			t.Errorf("tools = %+v, want get_current_time", req.Tools)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_current_time", "arguments": "{}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`)
	})

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("time?")},
		Tools: []models.ToolSchema{{
			Type: "function",
			Function: models.FunctionDef{
				Name:        "get_current_time",
				Description: "returns the current time",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "get_current_time" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", resp.Choices[0].FinishReason)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	chunks, err := client.ChatStream(context.Background(), &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	var content string
	var finish string
	var usage *models.TokenUsage
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("chunk error = %v", chunk.Err)
		}
		content += chunk.ContentDelta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if content != "Hello" {
		t.Errorf("content = %q, want %q", content, "Hello")
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", usage)
	}
}

func TestOpenAIChatStreamToolCallFragments(t *testing.T) {
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search_docs","arguments":""}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	chunks, err := client.ChatStream(context.Background(), &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("find go docs")},
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	var deltas []ToolCallDelta
	var finish string
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("chunk error = %v", chunk.Err)
		}
		deltas = append(deltas, chunk.ToolCalls...)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if len(deltas) != 3 {
		t.Fatalf("deltas = %d, want 3", len(deltas))
	}
	if deltas[0].ID != "call_1" || deltas[0].Name != "search_docs" || deltas[0].Index != 0 {
		t.Errorf("first delta = %+v", deltas[0])
	}
	var args string
	for _, d := range deltas {
		args += d.Arguments
	}
	if args != `{"query":"go"}` {
		t.Errorf("assembled arguments = %q", args)
	}
	if finish != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", finish)
	}
}

func TestOpenAIChatStreamCancelReleasesProducer(t *testing.T) {
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.ChatStream(ctx, &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	// Cancel while nothing reads the channel: the first delivery is
	// parked in the producer and no receiver ever shows up for a
	// terminal error either.
	cancel()
	time.Sleep(100 * time.Millisecond)

	// The producer must have exited on its own and closed the channel.
	select {
	case chunk, ok := <-chunks:
		if ok {
			t.Fatalf("producer still sending after cancellation, chunk = %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel never closed after cancellation")
	}
}

func TestOpenAIChatRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-3",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	})

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Choices[0].Message.Content)
	}
}

func TestOpenAIChatNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err == nil {
		t.Fatal("Chat() error = nil, want API error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestToOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		models.NewSystemMessage("sys"),
		models.NewUserMessage("what time is it?"),
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: models.FunctionCall{Name: "get_current_time", Arguments: "{}"},
			}},
		},
		models.NewToolMessage("call_1", "12:00"),
	}

	got := toOpenAIMessages(messages)
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first role = %q, want system", got[0].Role)
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Name != "get_current_time" {
		t.Errorf("assistant tool calls = %+v", got[2].ToolCalls)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", got[3])
	}
}

func TestToOpenAIToolsInvalidSchema(t *testing.T) {
	tools := []models.ToolSchema{{
		Type: "function",
		Function: models.FunctionDef{
			Name:       "bad_tool",
			Parameters: json.RawMessage(`not valid json`),
		},
	}}

	got := toOpenAITools(tools)
	if len(got) != 1 {
		t.Fatalf("tools = %d, want 1", len(got))
	}
	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("parameters type = %T, want map", got[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema = %+v, want empty object schema", params)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 503}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"transport failure", &TransportError{Err: errors.New("connection refused")}, true},
		{"timeout message", errors.New("request timeout"), true},
		{"unknown", errors.New("something else"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
