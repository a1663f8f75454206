package models

// StreamEventType identifies the kind of a streaming turn event.
type StreamEventType string

const (
	EventStart      StreamEventType = "START"
	EventContent    StreamEventType = "CONTENT"
	EventProcessing StreamEventType = "PROCESSING"
	EventToolCall   StreamEventType = "TOOL_CALL"
	EventToolResult StreamEventType = "TOOL_RESULT"
	EventDone       StreamEventType = "DONE"
	EventError      StreamEventType = "ERROR"
)

// StreamEvent is one client-visible event of a streaming turn. Events are
// emitted strictly in production order; DONE is last unless preceded by
// ERROR. MessageID is generated once at loop entry and stable across the
// whole turn.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	Content        string          `json:"content,omitempty"`
	ToolCall       *ToolCall       `json:"toolCall,omitempty"`
	ToolResult     string          `json:"toolResult,omitempty"`
	Error          string          `json:"error,omitempty"`
}
