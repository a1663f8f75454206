package conversations

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// Export is the round-trippable serialized form of one conversation.
// Tool calls inside messages are embedded as a JSON string so the export
// schema does not duplicate the provider tool-call schema.
type Export struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Messages   []ExportedMessage `json:"messages"`
	ExportedAt int64             `json:"exportedAt"`
	Format     string            `json:"format"`
}

// ExportedMessage is one history entry in an export. Timestamp is Unix
// milliseconds.
type ExportedMessage struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	ToolCalls  string `json:"toolCalls,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// buildExport converts a conversation into its export form.
func buildExport(conv *models.Conversation) (*Export, error) {
	exp := &Export{
		ID:         conv.ID,
		Title:      conv.Title,
		Messages:   make([]ExportedMessage, 0, len(conv.History)),
		ExportedAt: time.Now().UnixMilli(),
		Format:     "json",
	}
	for _, msg := range conv.History {
		em := ExportedMessage{
			ID:         msg.ID,
			Role:       string(msg.Role),
			Content:    msg.Content,
			Timestamp:  msg.CreatedAt.UnixMilli(),
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("marshal tool calls of message %s: %w", msg.ID, err)
			}
			em.ToolCalls = string(data)
		}
		exp.Messages = append(exp.Messages, em)
	}
	return exp, nil
}

// historyFromExport rebuilds the message history of an export.
func historyFromExport(exp *Export) ([]models.Message, error) {
	history := make([]models.Message, 0, len(exp.Messages))
	for i, em := range exp.Messages {
		msg := models.Message{
			ID:         em.ID,
			Role:       models.Role(em.Role),
			Content:    em.Content,
			ToolCallID: em.ToolCallID,
			CreatedAt:  time.UnixMilli(em.Timestamp),
		}
		if em.ToolCalls != "" {
			if err := json.Unmarshal([]byte(em.ToolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("parse tool calls of message %d: %w", i, err)
			}
		}
		history = append(history, msg)
	}
	return history, nil
}

// highlightContext is the number of characters kept on each side of a
// search match.
const highlightContext = 30

// buildHighlight cuts a ±30-character window around the first
// case-insensitive occurrence of query inside content. Returns "" when
// the query does not occur.
func buildHighlight(content, query string) string {
	lower := strings.ToLower(content)
	pos := strings.Index(lower, strings.ToLower(query))
	if pos < 0 {
		return ""
	}

	runes := []rune(content)
	// Index found positions are byte offsets; convert to rune offsets so
	// Cyrillic content slices cleanly.
	runeStart := len([]rune(content[:pos]))
	runeEnd := runeStart + len([]rune(query))

	from := runeStart - highlightContext
	if from < 0 {
		from = 0
	}
	to := runeEnd + highlightContext
	if to > len(runes) {
		to = len(runes)
	}

	var b strings.Builder
	if from > 0 {
		b.WriteString("…")
	}
	b.WriteString(string(runes[from:to]))
	if to < len(runes) {
		b.WriteString("…")
	}
	return b.String()
}

// searchConversation collects hits for query inside one conversation.
func searchConversation(conv *models.Conversation, query string) []models.SearchResult {
	var hits []models.SearchResult
	for _, msg := range conv.History {
		if msg.Content == "" {
			continue
		}
		highlight := buildHighlight(msg.Content, query)
		if highlight == "" {
			continue
		}
		hits = append(hits, models.SearchResult{
			ConversationID:    conv.ID,
			ConversationTitle: conv.Title,
			MessageID:         msg.ID,
			Role:              msg.Role,
			Highlight:         highlight,
			UpdatedAt:         conv.UpdatedAt.UnixMilli(),
		})
	}
	return hits
}

// cloneMessages deep-copies a history slice so callers cannot mutate
// stored state through returned values.
func cloneMessages(history []models.Message) []models.Message {
	if history == nil {
		return nil
	}
	out := make([]models.Message, len(history))
	copy(out, history)
	for i := range out {
		if len(history[i].ToolCalls) > 0 {
			out[i].ToolCalls = append([]models.ToolCall{}, history[i].ToolCalls...)
		}
	}
	return out
}

// cloneConversation deep-copies a conversation aggregate.
func cloneConversation(conv *models.Conversation) *models.Conversation {
	if conv == nil {
		return nil
	}
	clone := *conv
	clone.History = cloneMessages(conv.History)
	return &clone
}

// infoOf builds the listing view of a conversation.
func infoOf(conv *models.Conversation) models.ConversationInfo {
	return models.ConversationInfo{
		ID:             conv.ID,
		Title:          conv.Title,
		MessageCount:   len(conv.History),
		ResponseFormat: conv.ResponseFormat,
		CreatedAt:      conv.CreatedAt.UnixMilli(),
		UpdatedAt:      conv.UpdatedAt.UnixMilli(),
	}
}
