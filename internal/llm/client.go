// Package llm defines the provider client contract and its
// implementations: an OpenAI-compatible chat-completions client, a local
// NDJSON streaming client, and an Anthropic client. All variants produce
// the same logical message and tool-call structure; provider quirks such
// as a missing "type" on tool calls are normalized downstream by the
// agent's tool executor.
package llm

import (
	"context"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultTimeout is the outer deadline applied to one provider request
// when the configuration does not set one.
const DefaultTimeout = 150 * time.Second

// ChatRequest carries one provider invocation.
type ChatRequest struct {
	// Messages is the full provider-shaped history, system prompt first.
	Messages []models.Message

	// Tools lists the callable tool schemas. Empty means no tool use.
	Tools []models.ToolSchema

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// ConversationID correlates logs and traces; not sent to providers.
	ConversationID string
}

// Choice is one completion alternative.
type Choice struct {
	Message      models.Message
	FinishReason string
}

// ChatResponse is the result of a one-shot completion.
type ChatResponse struct {
	Choices []Choice
	Usage   *models.TokenUsage
}

// First returns the first choice message, or ErrNoChoices.
func (r *ChatResponse) First() (*models.Message, error) {
	if r == nil || len(r.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &r.Choices[0].Message, nil
}

// ToolCallDelta is one incremental tool-call fragment of a streamed
// completion. Fragments with the same Index belong to one tool call:
// ID, Type, and Name are set when first seen; Arguments fragments are
// concatenated in arrival order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// StreamChunk is one element of a streamed completion. The channel
// carrying chunks is closed when the stream ends; a non-nil Err is
// terminal.
type StreamChunk struct {
	ContentDelta string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *models.TokenUsage
	Err          error
}

// Client is the provider contract. Implementations must be safe for
// concurrent use.
type Client interface {
	// Chat performs a one-shot completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream opens a streamed completion. The returned channel is
	// closed when the stream finishes, fails, or the context is
	// cancelled; errors arrive in-band as the final chunk.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck is a cheap liveness probe of the provider endpoint.
	HealthCheck(ctx context.Context) bool

	// Name identifies the variant for logs and metrics.
	Name() string
}
