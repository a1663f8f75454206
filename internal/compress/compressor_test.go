package compress

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// stubClient returns a canned summary or a canned error.
type stubClient struct {
	summary string
	err     error
	lastReq *llm.ChatRequest
}

func (s *stubClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Choices: []llm.Choice{{Message: models.NewAssistantMessage(s.summary)}}}, nil
}

func (s *stubClient) ChatStream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) HealthCheck(context.Context) bool { return true }
func (s *stubClient) Name() string                     { return "stub" }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func dialogueHistory(pairs int) []models.Message {
	history := []models.Message{models.NewSystemMessage("Ты ассистент.")}
	for i := 0; i < pairs; i++ {
		history = append(history,
			models.NewUserMessage("вопрос номер "+strings.Repeat("а", i+1)),
			models.NewAssistantMessage("ответ номер "+strings.Repeat("б", i+1)))
	}
	return history
}

func TestNeedsCompression(t *testing.T) {
	settings := models.CompressionSettings{Enabled: true, MessageThreshold: 6, KeepRecentMessages: 2}
	c := New(settings, &stubClient{}, testLogger())

	if c.NeedsCompression(dialogueHistory(2)) {
		t.Error("NeedsCompression() = true for 4 dialogue messages, want false")
	}
	if !c.NeedsCompression(dialogueHistory(3)) {
		t.Error("NeedsCompression() = false for 6 dialogue messages, want true")
	}

	disabled := New(models.CompressionSettings{Enabled: false, MessageThreshold: 2, KeepRecentMessages: 1}, &stubClient{}, testLogger())
	if disabled.NeedsCompression(dialogueHistory(5)) {
		t.Error("NeedsCompression() = true with compression disabled, want false")
	}
}

func TestNeedsCompressionIgnoresToolMessages(t *testing.T) {
	c := New(models.CompressionSettings{Enabled: true, MessageThreshold: 3, KeepRecentMessages: 1}, &stubClient{}, testLogger())

	history := []models.Message{
		models.NewSystemMessage("sys"),
		models.NewUserMessage("u1"),
		models.NewToolMessage("t1", "result"),
		models.NewToolMessage("t2", "result"),
		models.NewAssistantMessage("a1"),
	}
	if c.NeedsCompression(history) {
		t.Error("NeedsCompression() counted tool/system messages toward the threshold")
	}
}

func TestCompressKeepsSystemAndRecent(t *testing.T) {
	client := &stubClient{summary: "Краткое резюме диалога."}
	c := New(models.CompressionSettings{
		Enabled:            true,
		MessageThreshold:   6,
		KeepRecentMessages: 2,
		SummaryTemperature: 0.3,
	}, client, testLogger())

	history := dialogueHistory(4) // system + 8 dialogue
	newHistory, result, err := c.Compress(context.Background(), history, "c1")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !result.Compressed {
		t.Fatal("result.Compressed = false, want true")
	}
	// system + summary + 2 recent
	if len(newHistory) != 4 {
		t.Fatalf("compressed history length = %d, want 4", len(newHistory))
	}
	if newHistory[0].Role != models.RoleSystem {
		t.Errorf("newHistory[0].Role = %q, want system", newHistory[0].Role)
	}
	if newHistory[1].Role != models.RoleAssistant || newHistory[1].Content != "Краткое резюме диалога." {
		t.Errorf("newHistory[1] = %+v, want assistant summary", newHistory[1])
	}
	if newHistory[2].Content != history[7].Content || newHistory[3].Content != history[8].Content {
		t.Error("recent suffix was not preserved verbatim")
	}

	if client.lastReq == nil {
		t.Fatal("LLM was not called")
	}
	if client.lastReq.Temperature == nil || *client.lastReq.Temperature != 0.3 {
		t.Errorf("summary temperature = %v, want 0.3", client.lastReq.Temperature)
	}
	if !strings.Contains(client.lastReq.Messages[1].Content, "user: вопрос") {
		t.Errorf("serialized dialogue missing role prefix: %q", client.lastReq.Messages[1].Content)
	}
}

func TestCompressBelowThresholdIsNoop(t *testing.T) {
	c := New(models.CompressionSettings{Enabled: true, MessageThreshold: 10, KeepRecentMessages: 4}, &stubClient{}, testLogger())

	history := dialogueHistory(3)
	newHistory, result, err := c.Compress(context.Background(), history, "c1")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if result.Compressed {
		t.Error("result.Compressed = true below threshold, want false")
	}
	if len(newHistory) != len(history) {
		t.Errorf("history length changed: %d -> %d", len(history), len(newHistory))
	}
}

func TestCompressFallbackOnLLMError(t *testing.T) {
	client := &stubClient{err: errors.New("provider down")}
	c := New(models.CompressionSettings{
		Enabled:            true,
		MessageThreshold:   4,
		KeepRecentMessages: 2,
		SummaryTemperature: 0.3,
	}, client, testLogger())

	history := []models.Message{
		models.NewSystemMessage("sys"),
		models.NewUserMessage("Первый вопрос про Kotlin"),
		models.NewAssistantMessage("Первый ответ"),
		models.NewUserMessage("Второй вопрос"),
		models.NewAssistantMessage("Второй ответ"),
		models.NewUserMessage("Третий вопрос"),
	}
	newHistory, result, err := c.Compress(context.Background(), history, "c1")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !result.Compressed {
		t.Fatal("result.Compressed = false, want true")
	}
	summary := newHistory[1].Content
	if !strings.HasPrefix(summary, "📋 Резюме беседы:") {
		t.Errorf("fallback summary = %q, want prefix 📋 Резюме беседы:", summary)
	}
	if !strings.Contains(summary, "сжато 3 сообщений") {
		t.Errorf("fallback summary missing message count: %q", summary)
	}
	if !strings.Contains(summary, "Первый вопрос про Kotlin") {
		t.Errorf("fallback summary missing user message quote: %q", summary)
	}
}

func TestFallbackSummaryClipsAndLimits(t *testing.T) {
	long := strings.Repeat("д", 150)
	msgs := []models.Message{
		models.NewUserMessage(long),
		models.NewUserMessage("второй"),
		models.NewUserMessage("третий"),
		models.NewUserMessage("четвёртый"),
	}
	summary := fallbackSummary(msgs)

	if strings.Contains(summary, "четвёртый") {
		t.Error("fallback quoted more than three user messages")
	}
	if !strings.Contains(summary, strings.Repeat("д", 100)) || strings.Contains(summary, strings.Repeat("д", 101)) {
		t.Error("fallback did not clip user message to 100 runes")
	}
}

func TestCompressTokensSavedNeverNegative(t *testing.T) {
	// Summary longer than the compressed content.
	client := &stubClient{summary: strings.Repeat("очень длинное резюме ", 50)}
	c := New(models.CompressionSettings{Enabled: true, MessageThreshold: 2, KeepRecentMessages: 1}, client, testLogger())

	history := []models.Message{
		models.NewUserMessage("а"),
		models.NewAssistantMessage("б"),
	}
	_, result, err := c.Compress(context.Background(), history, "c1")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if result.EstimatedTokensSaved != 0 {
		t.Errorf("EstimatedTokensSaved = %d, want 0", result.EstimatedTokensSaved)
	}
}

func TestStatsAccumulate(t *testing.T) {
	client := &stubClient{summary: "резюме"}
	c := New(models.CompressionSettings{Enabled: true, MessageThreshold: 4, KeepRecentMessages: 2}, client, testLogger())

	history := dialogueHistory(3)
	for i := 0; i < 2; i++ {
		var err error
		history, _, err = c.Compress(context.Background(), history, "c1")
		if err != nil {
			t.Fatalf("Compress() #%d error = %v", i, err)
		}
		history = append(history,
			models.NewUserMessage("ещё вопрос подлиннее для экономии"),
			models.NewAssistantMessage("ещё ответ подлиннее для экономии"))
	}

	st := c.StatsFor("c1")
	if st == nil {
		t.Fatal("StatsFor() = nil, want stats")
	}
	if st.TotalCompressions != 2 {
		t.Errorf("TotalCompressions = %d, want 2", st.TotalCompressions)
	}
	if st.CurrentSummary != "резюме" {
		t.Errorf("CurrentSummary = %q, want резюме", st.CurrentSummary)
	}
	if c.StatsFor("other") != nil {
		t.Error("StatsFor(other) != nil for never-compressed conversation")
	}
}
