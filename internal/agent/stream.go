package agent

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// streamBufferSize decouples the producer from a slow consumer without
// unbounded growth.
const streamBufferSize = 64

// processingNotice is the human-readable PROCESSING text for one tool.
func processingNotice(name string) string {
	return "Выполняется: " + name
}

// wrapUpNotice precedes the forced final completion at the iteration cap.
const wrapUpNotice = "Достигнут лимит вызовов инструментов, формирую итоговый ответ."

// wrapUpUserMessage is the synthetic user turn asking for a tool-free
// summary once the cap is hit.
const wrapUpUserMessage = "Сформулируй итоговый ответ на основе уже собранной информации, не вызывая инструменты."

// ChatStream runs one streaming turn. The returned channel is closed
// when the turn finishes, fails, or the context is cancelled; DONE is
// the last event unless preceded by ERROR, and cancellation produces
// neither.
func (a *Agent) ChatStream(ctx context.Context, req *ChatRequest) (<-chan models.StreamEvent, error) {
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	events := make(chan models.StreamEvent, streamBufferSize)
	go a.runStream(ctx, id, req, events)
	return events, nil
}

func (a *Agent) runStream(ctx context.Context, id string, req *ChatRequest, events chan<- models.StreamEvent) {
	defer close(events)
	start := time.Now()

	messageID := uuid.NewString()
	ctx = observability.AddConversationID(ctx, id)
	ctx = observability.AddMessageID(ctx, messageID)

	// emit reports false when the consumer is gone.
	emit := func(ev models.StreamEvent) bool {
		ev.ConversationID = id
		ev.MessageID = messageID
		select {
		case events <- ev:
			if a.metrics != nil {
				a.metrics.RecordStreamEvent(string(ev.Type))
			}
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		a.logger.Error(ctx, "streaming turn failed", "error", err)
		emit(models.StreamEvent{Type: models.EventError, Error: err.Error()})
		if a.metrics != nil {
			a.metrics.RecordTurn("stream", "error", time.Since(start).Seconds())
		}
	}

	unlock := a.lockConversation(id)
	defer unlock()

	if _, err := a.prelude(ctx, id, req); err != nil {
		fail(err)
		return
	}

	if !emit(models.StreamEvent{Type: models.EventStart}) {
		return
	}

	toolSet := a.registry.GetAllTools()
	forced := false

	for iter := 0; ; iter++ {
		history, err := a.repo.GetHistory(ctx, id)
		if err != nil {
			fail(err)
			return
		}

		var activeTools []models.ToolSchema
		if !forced {
			activeTools = toolSet
		}
		content, calls, err := a.streamOnce(ctx, id, history, activeTools, req.Temperature, emit)
		if err != nil {
			fail(err)
			return
		}
		if ctx.Err() != nil {
			// Cancelled: no DONE, partially built calls are dropped.
			return
		}

		if len(calls) == 0 || forced {
			if content != "" {
				if err := a.repo.AddMessage(ctx, id, models.NewAssistantMessage(content)); err != nil {
					fail(err)
					return
				}
			}
			emit(models.StreamEvent{Type: models.EventDone})
			if a.metrics != nil {
				a.metrics.RecordTurn("stream", "success", time.Since(start).Seconds())
			}
			return
		}

		calls = a.executor.FixToolCalls(calls)
		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		}
		if err := a.repo.AddMessage(ctx, id, assistant); err != nil {
			fail(err)
			return
		}

		for i := range calls {
			call := calls[i]
			if !emit(models.StreamEvent{Type: models.EventToolCall, ToolCall: &call}) {
				return
			}
			if !emit(models.StreamEvent{Type: models.EventProcessing, Content: processingNotice(call.Function.Name)}) {
				return
			}
			result := a.executor.ExecuteToolCall(ctx, call, id)
			if !emit(models.StreamEvent{Type: models.EventToolResult, ToolResult: result.Content}) {
				return
			}
			if err := a.repo.AddMessage(ctx, id, result); err != nil {
				fail(err)
				return
			}
		}

		if iter+1 >= a.maxToolIterations {
			// Cap: ask for a summary and stream once more without tools.
			if !emit(models.StreamEvent{Type: models.EventProcessing, Content: wrapUpNotice}) {
				return
			}
			if err := a.repo.AddMessage(ctx, id, models.NewUserMessage(wrapUpUserMessage)); err != nil {
				fail(err)
				return
			}
			forced = true
		}
	}
}

// streamOnce consumes one provider stream, emitting CONTENT deltas and
// assembling tool calls. It returns the accumulated text and the
// surviving calls (id and name both present), in index order.
func (a *Agent) streamOnce(ctx context.Context, id string, history []models.Message, toolSet []models.ToolSchema, temperature *float64, emit func(models.StreamEvent) bool) (string, []models.ToolCall, error) {
	stream, err := a.client.ChatStream(ctx, &llm.ChatRequest{
		Messages:       history,
		Tools:          toolSet,
		Temperature:    temperature,
		ConversationID: id,
	})
	if err != nil {
		return "", nil, err
	}

	var content strings.Builder
	builder := newToolCallBuilder()

	for chunk := range stream {
		if chunk.Err != nil {
			return "", nil, chunk.Err
		}
		if chunk.ContentDelta != "" {
			content.WriteString(chunk.ContentDelta)
			if !emit(models.StreamEvent{Type: models.EventContent, Content: chunk.ContentDelta}) {
				return content.String(), nil, nil
			}
		}
		for _, delta := range chunk.ToolCalls {
			builder.apply(delta)
		}
	}

	return content.String(), builder.build(), nil
}

// toolCallBuilder assembles streamed tool-call fragments keyed by the
// model-supplied index. ID, type, and name are set once; argument
// fragments concatenate in arrival order.
type toolCallBuilder struct {
	calls map[int]*models.ToolCall
}

func newToolCallBuilder() *toolCallBuilder {
	return &toolCallBuilder{calls: make(map[int]*models.ToolCall)}
}

func (b *toolCallBuilder) apply(delta llm.ToolCallDelta) {
	call, ok := b.calls[delta.Index]
	if !ok {
		call = &models.ToolCall{}
		b.calls[delta.Index] = call
	}
	if delta.ID != "" && call.ID == "" {
		call.ID = delta.ID
	}
	if delta.Type != "" && call.Type == "" {
		call.Type = delta.Type
	}
	if delta.Name != "" && call.Function.Name == "" {
		call.Function.Name = delta.Name
	}
	call.Function.Arguments += delta.Arguments
}

// build returns the calls that acquired both an id and a name, ordered
// by index. Incomplete fragments are dropped.
func (b *toolCallBuilder) build() []models.ToolCall {
	indexes := make([]int, 0, len(b.calls))
	for i := range b.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := b.calls[i]
		if call.ID == "" || call.Function.Name == "" {
			continue
		}
		calls = append(calls, *call)
	}
	return calls
}
