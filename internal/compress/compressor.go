// Package compress bounds prompt growth by condensing old dialogue into
// a single assistant-role summary message, keeping a recent suffix
// verbatim.
package compress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// summarySystemPrompt asks the model for a dense bullet summary. The
// dialogue is serialized as "role: content" lines underneath it.
const summarySystemPrompt = "Ты сжимаешь историю диалога. Составь краткое резюме в виде " +
	"маркированного списка: установленные факты, принятые решения, открытые вопросы. " +
	"Не добавляй ничего от себя."

// fallbackPrefix marks summaries synthesized without the LLM.
const fallbackPrefix = "📋 Резюме беседы:"

// charsPerToken is the rough character-to-token ratio used for the
// savings estimate.
const charsPerToken = 4

// Result describes one compression attempt.
type Result struct {
	Compressed           bool   `json:"compressed"`
	OriginalCount        int    `json:"originalCount"`
	CompressedCount      int    `json:"compressedCount"`
	Summary              string `json:"summary,omitempty"`
	EstimatedTokensSaved int    `json:"estimatedTokensSaved"`
}

// Stats accumulates per-conversation compression totals.
type Stats struct {
	TotalCompressions    int    `json:"totalCompressions"`
	EstimatedTokensSaved int    `json:"estimatedTokensSaved"`
	CurrentSummary       string `json:"currentSummary,omitempty"`
}

// Compressor condenses conversation histories. Safe for concurrent use
// across conversations; the per-conversation stats map has its own lock.
type Compressor struct {
	settings models.CompressionSettings
	client   llm.Client
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu    sync.Mutex
	stats map[string]*Stats
}

// Normalize fills zero-value thresholds with the stock defaults.
func Normalize(settings models.CompressionSettings) models.CompressionSettings {
	defaults := models.DefaultCompressionSettings()
	if settings.MessageThreshold <= 0 {
		settings.MessageThreshold = defaults.MessageThreshold
	}
	if settings.KeepRecentMessages <= 0 {
		settings.KeepRecentMessages = defaults.KeepRecentMessages
	}
	if settings.SummaryMaxTokens <= 0 {
		settings.SummaryMaxTokens = defaults.SummaryMaxTokens
	}
	if settings.SummaryTemperature <= 0 {
		settings.SummaryTemperature = defaults.SummaryTemperature
	}
	return settings
}

// New creates a compressor with the given settings, normalized.
func New(settings models.CompressionSettings, client llm.Client, logger *observability.Logger) *Compressor {
	return &Compressor{
		settings: Normalize(settings),
		client:   client,
		logger:   logger,
		stats:    make(map[string]*Stats),
	}
}

// WithMetrics attaches Prometheus collectors. Optional.
func (c *Compressor) WithMetrics(m *observability.Metrics) *Compressor {
	c.metrics = m
	return c
}

// Settings returns the active configuration.
func (c *Compressor) Settings() models.CompressionSettings {
	return c.settings
}

// NeedsCompression reports whether history has accumulated enough
// dialogue to compress.
func (c *Compressor) NeedsCompression(history []models.Message) bool {
	if !c.settings.Enabled {
		return false
	}
	return countDialogue(history) >= c.settings.MessageThreshold
}

// countDialogue counts user and assistant messages; system and tool
// entries do not trigger compression.
func countDialogue(history []models.Message) int {
	n := 0
	for _, msg := range history {
		if msg.Role == models.RoleUser || msg.Role == models.RoleAssistant {
			n++
		}
	}
	return n
}

// Compress replaces old dialogue with a summary message. The returned
// history keeps the system head (when present) and the most recent
// KeepRecentMessages dialogue entries verbatim. A Result with
// Compressed=false means the history was left untouched.
func (c *Compressor) Compress(ctx context.Context, history []models.Message, conversationID string) ([]models.Message, Result, error) {
	result := Result{OriginalCount: len(history), CompressedCount: len(history)}

	var system *models.Message
	dialogue := history
	if len(history) > 0 && history[0].Role == models.RoleSystem {
		system = &history[0]
		dialogue = history[1:]
	}

	if len(dialogue) < c.settings.MessageThreshold {
		return history, result, nil
	}

	keep := c.settings.KeepRecentMessages
	if keep > len(dialogue) {
		keep = len(dialogue)
	}
	toCompress := dialogue[:len(dialogue)-keep]
	recent := dialogue[len(dialogue)-keep:]
	if len(toCompress) == 0 {
		return history, result, nil
	}

	summary := c.summarize(ctx, toCompress)

	newHistory := make([]models.Message, 0, keep+2)
	if system != nil {
		newHistory = append(newHistory, *system)
	}
	newHistory = append(newHistory, models.NewAssistantMessage(summary))
	newHistory = append(newHistory, recent...)

	saved := (totalChars(toCompress) - len([]rune(summary))) / charsPerToken
	if saved < 0 {
		saved = 0
	}

	result.Compressed = true
	result.CompressedCount = len(newHistory)
	result.Summary = summary
	result.EstimatedTokensSaved = saved

	c.recordStats(conversationID, summary, saved)
	if c.metrics != nil {
		c.metrics.RecordCompression(saved)
	}
	c.logger.Info(ctx, "compressed history",
		"original", result.OriginalCount,
		"compressed", result.CompressedCount,
		"tokens_saved", saved)

	return newHistory, result, nil
}

// summarize asks the LLM for a summary and falls back to a
// deterministic synthesis when the call fails.
func (c *Compressor) summarize(ctx context.Context, toCompress []models.Message) string {
	temperature := c.settings.SummaryTemperature
	resp, err := c.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.Message{
			models.NewSystemMessage(summarySystemPrompt),
			models.NewUserMessage(serializeDialogue(toCompress)),
		},
		Temperature: &temperature,
	})
	if err == nil {
		if msg, ferr := resp.First(); ferr == nil && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	if err != nil {
		c.logger.Warn(ctx, "summary LLM call failed, using fallback", "error", err)
	}
	return fallbackSummary(toCompress)
}

// serializeDialogue renders messages as "role: content" lines.
func serializeDialogue(msgs []models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		content := msg.Content
		if content == "" && len(msg.ToolCalls) > 0 {
			content = fmt.Sprintf("[вызов инструмента %s]", msg.ToolCalls[0].Function.Name)
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
	}
	return b.String()
}

// fallbackSummary lists the message count and the first 100 characters
// of up to three user messages.
func fallbackSummary(msgs []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s сжато %d сообщений.", fallbackPrefix, len(msgs))

	quoted := 0
	for _, msg := range msgs {
		if msg.Role != models.RoleUser || msg.Content == "" {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) > 100 {
			runes = runes[:100]
		}
		fmt.Fprintf(&b, "\n- %s", string(runes))
		quoted++
		if quoted == 3 {
			break
		}
	}
	return b.String()
}

func totalChars(msgs []models.Message) int {
	n := 0
	for _, msg := range msgs {
		n += len([]rune(msg.Content))
	}
	return n
}

func (c *Compressor) recordStats(conversationID, summary string, saved int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[conversationID]
	if !ok {
		st = &Stats{}
		c.stats[conversationID] = st
	}
	st.TotalCompressions++
	st.EstimatedTokensSaved += saved
	st.CurrentSummary = summary
}

// StatsFor returns a copy of the accumulated stats for a conversation,
// or nil when it was never compressed.
func (c *Compressor) StatsFor(conversationID string) *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[conversationID]
	if !ok {
		return nil
	}
	copied := *st
	return &copied
}
