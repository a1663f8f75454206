package models

import "time"

// ResponseFormat is the required shape of the assistant's reply.
type ResponseFormat string

const (
	FormatPlain    ResponseFormat = "plain"
	FormatMarkdown ResponseFormat = "markdown"
	FormatJSON     ResponseFormat = "json"
)

// Valid reports whether f is one of the known formats.
func (f ResponseFormat) Valid() bool {
	switch f {
	case FormatPlain, FormatMarkdown, FormatJSON:
		return true
	}
	return false
}

// CollectionMode selects a structured information-gathering preset that
// augments the system prompt.
type CollectionMode string

const (
	CollectTechnicalSpec  CollectionMode = "technical_spec"
	CollectDesignBrief    CollectionMode = "design_brief"
	CollectProjectSummary CollectionMode = "project_summary"
	CollectSolveDirect    CollectionMode = "solve_direct"
	CollectSolveStepwise  CollectionMode = "solve_step_by_step"
	CollectSolvePanel     CollectionMode = "solve_expert_panel"
	CollectCustom         CollectionMode = "custom"
)

// CollectionSettings configure collection mode for a conversation.
type CollectionSettings struct {
	Mode         CollectionMode `json:"mode"`
	CustomPrompt string         `json:"custom_prompt,omitempty"`
	ResultTitle  string         `json:"result_title,omitempty"`
	Enabled      bool           `json:"enabled"`
}

// CompressionSettings configure history compression for a conversation.
type CompressionSettings struct {
	Enabled            bool    `json:"enabled"`
	MessageThreshold   int     `json:"message_threshold"`
	KeepRecentMessages int     `json:"keep_recent_messages"`
	SummaryMaxTokens   int     `json:"summary_max_tokens"`
	SummaryTemperature float64 `json:"summary_temperature"`
}

// DefaultCompressionSettings returns the stock compression configuration.
func DefaultCompressionSettings() CompressionSettings {
	return CompressionSettings{
		Enabled:            false,
		MessageThreshold:   10,
		KeepRecentMessages: 4,
		SummaryMaxTokens:   500,
		SummaryTemperature: 0.3,
	}
}

// DefaultConversationTitle labels conversations created without one.
const DefaultConversationTitle = "Новый диалог"

// Conversation aggregates a message history with its per-conversation
// settings. If History is non-empty, History[0].Role == RoleSystem.
type Conversation struct {
	ID                  string              `json:"id"`
	Title               string              `json:"title"`
	History             []Message           `json:"history"`
	ResponseFormat      ResponseFormat      `json:"response_format"`
	CollectionSettings  CollectionSettings  `json:"collection_settings"`
	CompressionSettings CompressionSettings `json:"compression_settings"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// ConversationInfo is the listing view of a conversation.
type ConversationInfo struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	MessageCount   int            `json:"messageCount"`
	ResponseFormat ResponseFormat `json:"responseFormat"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// SearchResult is one cross-conversation message hit. Highlight carries
// up to 30 characters of context on each side of the match.
type SearchResult struct {
	ConversationID    string `json:"conversationId"`
	ConversationTitle string `json:"conversationTitle"`
	MessageID         string `json:"messageId"`
	Role              Role   `json:"role"`
	Highlight         string `json:"highlight"`
	UpdatedAt         int64  `json:"updatedAt"`
}
