package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// scriptedClient drives tests with a programmable Chat and a queue of
// canned streams.
type scriptedClient struct {
	mu      sync.Mutex
	chatFn  func(req *llm.ChatRequest) (*llm.ChatResponse, error)
	streams [][]llm.StreamChunk
	reqs    []*llm.ChatRequest
}

func (s *scriptedClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	fn := s.chatFn
	s.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no chat script")
	}
	return fn(req)
}

func (s *scriptedClient) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	if len(s.streams) == 0 {
		s.mu.Unlock()
		return nil, errors.New("no stream script")
	}
	chunks := s.streams[0]
	s.streams = s.streams[1:]
	s.mu.Unlock()

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *scriptedClient) HealthCheck(context.Context) bool { return true }
func (s *scriptedClient) Name() string                     { return "scripted" }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: models.NewAssistantMessage(content), FinishReason: "stop"}},
		Usage:   &models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(id, name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{
			Message: models.Message{
				Role: models.RoleAssistant,
				// Type left empty on purpose: normalization must fill it.
				ToolCalls: []models.ToolCall{{ID: id, Function: models.FunctionCall{Name: name, Arguments: args}}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// sequenceChat pops responses in order; the last one repeats.
func sequenceChat(responses ...*llm.ChatResponse) func(*llm.ChatRequest) (*llm.ChatResponse, error) {
	i := 0
	var mu sync.Mutex
	return func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return resp, nil
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func newTestAgent(t *testing.T, client llm.Client, opts ...Option) (*Agent, conversations.Repository, *tools.Registry) {
	t.Helper()
	repo := conversations.NewMemoryRepository()
	registry := tools.NewRegistry()
	a := New(client, repo, registry, testLogger(), opts...)
	return a, repo, registry
}

func registerTimeTool(t *testing.T, registry *tools.Registry, result string) *int {
	t.Helper()
	executions := 0
	tool := tools.NewTool("get_current_time", "Возвращает текущее время",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(context.Context, json.RawMessage) (string, error) {
			executions++
			return result, nil
		})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return &executions
}

func TestChatSimpleTurn(t *testing.T) {
	client := &scriptedClient{chatFn: sequenceChat(textResponse("Здравствуйте"))}
	a, repo, _ := newTestAgent(t, client)

	resp, err := a.Chat(context.Background(), &ChatRequest{Message: "Привет"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Message != "Здравствуйте" {
		t.Errorf("Message = %q, want Здравствуйте", resp.Message)
	}
	if resp.ConversationID == "" {
		t.Error("ConversationID is empty")
	}

	history, err := repo.GetHistory(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantRoles))
	}
	for i, role := range wantRoles {
		if history[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, history[i].Role, role)
		}
	}
	if history[1].Content != "Привет" || history[2].Content != "Здравствуйте" {
		t.Errorf("history content = %q / %q", history[1].Content, history[2].Content)
	}
}

func TestChatSingleToolRoundTrip(t *testing.T) {
	client := &scriptedClient{chatFn: sequenceChat(
		toolCallResponse("t1", "get_current_time", "{}"),
		textResponse("Сейчас 2025-01-01T00:00:00Z"),
	)}
	a, repo, registry := newTestAgent(t, client)
	executions := registerTimeTool(t, registry, "2025-01-01T00:00:00Z")

	resp, err := a.Chat(context.Background(), &ChatRequest{Message: "Который час?"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if *executions != 1 {
		t.Errorf("tool executions = %d, want 1", *executions)
	}
	if resp.ToolCall == nil || resp.ToolCall.ID != "t1" {
		t.Fatalf("ToolCall = %+v, want first call t1", resp.ToolCall)
	}
	if resp.ToolCall.Type != "function" {
		t.Errorf("ToolCall.Type = %q, want function (normalized)", resp.ToolCall.Type)
	}

	history, err := repo.GetHistory(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantRoles))
	}
	for i, role := range wantRoles {
		if history[i].Role != role {
			t.Errorf("history[%d].Role = %q, want %q", i, history[i].Role, role)
		}
	}
	if history[2].ToolCalls[0].Type != "function" {
		t.Errorf("persisted tool call type = %q, want function", history[2].ToolCalls[0].Type)
	}
	if history[3].ToolCallID != "t1" || history[3].Content != "2025-01-01T00:00:00Z" {
		t.Errorf("tool message = %+v", history[3])
	}
	if history[4].Content != "Сейчас 2025-01-01T00:00:00Z" {
		t.Errorf("final assistant = %q", history[4].Content)
	}
}

func TestChatIterationCap(t *testing.T) {
	calls := 0
	client := &scriptedClient{chatFn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if len(req.Tools) == 0 {
			return textResponse("Итоговый ответ"), nil
		}
		return toolCallResponse("t1", "get_current_time", "{}"), nil
	}}
	a, repo, registry := newTestAgent(t, client, WithMaxToolIterations(2))
	executions := registerTimeTool(t, registry, "12:00")

	resp, err := a.Chat(context.Background(), &ChatRequest{Message: "Зациклись"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if *executions != 2 {
		t.Errorf("tool executions = %d, want exactly 2", *executions)
	}
	// 2 tool rounds + the capped call + 1 forced tool-free call.
	if calls != 4 {
		t.Errorf("LLM calls = %d, want 4", calls)
	}
	if resp.Message != "Итоговый ответ" {
		t.Errorf("Message = %q, want forced final text", resp.Message)
	}

	history, err := repo.GetHistory(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || last.Content == "" {
		t.Errorf("final history entry = %+v, want non-empty assistant", last)
	}
}

func TestChatCompression(t *testing.T) {
	client := &scriptedClient{chatFn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "сжимаешь историю") {
			return textResponse("📋 Резюме"), nil
		}
		return textResponse("Продолжаем"), nil
	}}
	a, repo, _ := newTestAgent(t, client)

	ctx := context.Background()
	const id = "conv-compress"
	if err := repo.InitConversation(ctx, id, "system"); err != nil {
		t.Fatalf("InitConversation() error = %v", err)
	}
	prefill := []models.Message{
		models.NewUserMessage("u1"), models.NewAssistantMessage("a1"),
		models.NewUserMessage("u2"), models.NewAssistantMessage("a2"),
		models.NewUserMessage("u3"), models.NewAssistantMessage("a3"),
	}
	if err := repo.AddMessages(ctx, id, prefill); err != nil {
		t.Fatalf("AddMessages() error = %v", err)
	}

	resp, err := a.Chat(ctx, &ChatRequest{
		Message:        "u4",
		ConversationID: id,
		CompressionSettings: &models.CompressionSettings{
			Enabled:            true,
			MessageThreshold:   6,
			KeepRecentMessages: 2,
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	history, err := repo.GetHistory(ctx, id)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	// [system, summary, u3, a3, u4, assistant]
	if len(history) >= 7+2 {
		t.Fatalf("history length = %d, want strictly less than before the turn", len(history))
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "📋 Резюме" {
		t.Errorf("history[1] = %+v, want summary assistant message", history[1])
	}
	if history[2].Content != "u3" || history[3].Content != "a3" {
		t.Errorf("kept suffix = %q / %q, want u3 / a3", history[2].Content, history[3].Content)
	}
	if history[4].Content != "u4" || history[4].Role != models.RoleUser {
		t.Errorf("history[4] = %+v, want new user turn", history[4])
	}
	if resp.CompressionStats == nil || resp.CompressionStats.TotalCompressions != 1 {
		t.Errorf("CompressionStats = %+v, want 1 compression", resp.CompressionStats)
	}
}

func TestChatLLMErrorAbortsTurn(t *testing.T) {
	client := &scriptedClient{chatFn: func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("provider down")
	}}
	a, repo, _ := newTestAgent(t, client)

	_, err := a.Chat(context.Background(), &ChatRequest{Message: "Привет", ConversationID: "conv-err"})
	if err == nil {
		t.Fatal("Chat() error = nil, want provider error")
	}

	// No rollback: the user message stays persisted.
	history, herr := repo.GetHistory(context.Background(), "conv-err")
	if herr != nil {
		t.Fatalf("GetHistory() error = %v", herr)
	}
	if len(history) != 2 || history[1].Content != "Привет" {
		t.Errorf("history = %+v, want [system, user] preserved", history)
	}
}

func TestChatSettingsChangeUpdatesSystemPrompt(t *testing.T) {
	client := &scriptedClient{chatFn: sequenceChat(textResponse("ок"))}
	a, repo, _ := newTestAgent(t, client)

	ctx := context.Background()
	resp, err := a.Chat(ctx, &ChatRequest{Message: "раз", ResponseFormat: models.FormatPlain})
	if err != nil {
		t.Fatalf("Chat() #1 error = %v", err)
	}
	id := resp.ConversationID
	before, _ := repo.GetHistory(ctx, id)

	if _, err := a.Chat(ctx, &ChatRequest{Message: "два", ConversationID: id, ResponseFormat: models.FormatJSON}); err != nil {
		t.Fatalf("Chat() #2 error = %v", err)
	}
	after, _ := repo.GetHistory(ctx, id)

	if after[0].Content == before[0].Content {
		t.Error("system prompt unchanged after format switch")
	}
	if format, _ := repo.GetFormat(ctx, id); format != models.FormatJSON {
		t.Errorf("stored format = %q, want json", format)
	}
}

func TestChatSameFormatKeepsSystemPrompt(t *testing.T) {
	client := &scriptedClient{chatFn: sequenceChat(textResponse("ок"))}
	a, repo, _ := newTestAgent(t, client)

	ctx := context.Background()
	resp, err := a.Chat(ctx, &ChatRequest{Message: "раз", ResponseFormat: models.FormatMarkdown})
	if err != nil {
		t.Fatalf("Chat() #1 error = %v", err)
	}
	id := resp.ConversationID
	before, _ := repo.GetHistory(ctx, id)

	if _, err := a.Chat(ctx, &ChatRequest{Message: "два", ConversationID: id}); err != nil {
		t.Fatalf("Chat() #2 error = %v", err)
	}
	after, _ := repo.GetHistory(ctx, id)

	if after[0].Content != before[0].Content {
		t.Error("system prompt changed without a settings change")
	}
}

func TestChatEmptyUserMessage(t *testing.T) {
	client := &scriptedClient{chatFn: sequenceChat(textResponse("Чем могу помочь?"))}
	a, repo, _ := newTestAgent(t, client)

	resp, err := a.Chat(context.Background(), &ChatRequest{Message: ""})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	history, _ := repo.GetHistory(context.Background(), resp.ConversationID)
	if len(history) != 3 || history[1].Role != models.RoleUser {
		t.Fatalf("history = %+v, want empty user turn appended", history)
	}
	if history[2].Content == "" {
		t.Error("terminal assistant message is empty")
	}
}

func TestFixToolCallsIdempotent(t *testing.T) {
	e := NewToolExecutor(tools.NewRegistry(), testLogger(), nil)
	in := []models.ToolCall{
		{ID: "t1", Function: models.FunctionCall{Name: "a", Arguments: "{}"}},
		{ID: "t2", Type: "function", Function: models.FunctionCall{Name: "b", Arguments: `{"x":1}`}},
	}
	once := e.FixToolCalls(in)
	twice := e.FixToolCalls(once)

	if once[0].Type != "function" {
		t.Errorf("Type = %q, want function", once[0].Type)
	}
	if once[1].ID != "t2" || once[1].Function.Arguments != `{"x":1}` {
		t.Error("FixToolCalls() mutated id or arguments")
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("FixToolCalls() not idempotent at %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
	if in[0].Type != "" {
		t.Error("FixToolCalls() mutated its input slice")
	}
}

func TestExecuteToolCallErrorBecomesContent(t *testing.T) {
	registry := tools.NewRegistry()
	failing := tools.NewTool("boom", "всегда падает", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("нет соединения")
		})
	if err := registry.Register(failing); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	e := NewToolExecutor(registry, testLogger(), nil)

	msg := e.ExecuteToolCall(context.Background(), models.ToolCall{
		ID: "t1", Type: "function",
		Function: models.FunctionCall{Name: "boom", Arguments: "{}"},
	}, "c1")

	if msg.Role != models.RoleTool || msg.ToolCallID != "t1" {
		t.Fatalf("result = %+v, want tool message for t1", msg)
	}
	if !strings.HasPrefix(msg.Content, "Ошибка: ") {
		t.Errorf("Content = %q, want Ошибка: prefix", msg.Content)
	}
}

func TestExecuteToolCallRecoversPanic(t *testing.T) {
	registry := tools.NewRegistry()
	panicky := tools.NewTool("panic", "паникует", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) (string, error) {
			panic("boom")
		})
	if err := registry.Register(panicky); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	e := NewToolExecutor(registry, testLogger(), nil)

	msg := e.ExecuteToolCall(context.Background(), models.ToolCall{
		ID: "t1", Type: "function",
		Function: models.FunctionCall{Name: "panic", Arguments: "{}"},
	}, "c1")
	if !strings.HasPrefix(msg.Content, "Ошибка: ") {
		t.Errorf("Content = %q, want Ошибка: prefix after panic", msg.Content)
	}
}

func TestExecuteToolCallsSequentialOrder(t *testing.T) {
	registry := tools.NewRegistry()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		tool := tools.NewTool(name, name, json.RawMessage(`{"type":"object"}`),
			func(context.Context, json.RawMessage) (string, error) {
				order = append(order, name)
				return name, nil
			})
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	e := NewToolExecutor(registry, testLogger(), nil)

	calls := []models.ToolCall{
		{ID: "t1", Type: "function", Function: models.FunctionCall{Name: "first", Arguments: "{}"}},
		{ID: "t2", Type: "function", Function: models.FunctionCall{Name: "second", Arguments: "{}"}},
		{ID: "t3", Type: "function", Function: models.FunctionCall{Name: "third", Arguments: "{}"}},
	}
	results := e.ExecuteToolCalls(context.Background(), calls, "c1")

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if results[i].Content != want || results[i].ToolCallID != calls[i].ID {
			t.Errorf("results[%d] = %+v, want %s for %s", i, results[i], want, calls[i].ID)
		}
	}
	if strings.Join(order, ",") != "first,second,third" {
		t.Errorf("execution order = %v, want input order", order)
	}
}

func TestConcurrentTurnsOnOneConversationSerialize(t *testing.T) {
	var busy atomic.Bool
	var overlaps atomic.Int32
	client := &scriptedClient{chatFn: func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		if !busy.CompareAndSwap(false, true) {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		busy.Store(false)
		return textResponse("ок"), nil
	}}
	a, _, _ := newTestAgent(t, client)

	const id = "conv-serial"
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Chat(context.Background(), &ChatRequest{Message: "Привет", ConversationID: id}); err != nil {
				t.Errorf("Chat() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n > 0 {
		t.Errorf("observed %d overlapping LLM calls on one conversation, want 0", n)
	}
}
