package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/pkg/models"
)

// LocalClient talks to a locally hosted model server over its NDJSON
// chat endpoint (one JSON object per line). Tool calls arrive complete
// in a single line and may lack an ID and a type; a missing ID is
// filled with a UUID here, the missing type is normalized downstream.
type LocalClient struct {
	client  *http.Client
	baseURL string
	model   string
}

// NewLocalClient builds the client. BaseURL is required.
func NewLocalClient(cfg ClientConfig) (*LocalClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm: local provider requires a base URL")
	}
	return &LocalClient{
		client:  &http.Client{Timeout: cfg.timeout()},
		baseURL: baseURL,
		model:   cfg.Model,
	}, nil
}

func (c *LocalClient) Name() string { return "local" }

type localChatRequest struct {
	Model    string              `json:"model"`
	Messages []localChatMessage  `json:"messages"`
	Tools    []models.ToolSchema `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
}

type localChatResponse struct {
	Message         *localChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	Error           string            `json:"error"`
	EvalCount       int               `json:"eval_count"`
	PromptEvalCount int               `json:"prompt_eval_count"`
}

type localToolCall struct {
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function localToolFunction `json:"function"`
}

type localToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Chat performs a non-streaming completion against /api/chat.
func (c *LocalClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	var resp localChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Error != "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: resp.Error}
	}
	if resp.Message == nil {
		return nil, ErrNoChoices
	}

	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: resp.Message.Content,
	}
	for _, tc := range resp.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, fromLocalToolCall(tc))
	}

	finish := resp.DoneReason
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	} else if finish == "" {
		finish = "stop"
	}

	return &ChatResponse{
		Choices: []Choice{{Message: msg, FinishReason: finish}},
		Usage: &models.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

// ChatStream opens a streaming completion and forwards each NDJSON
// line as a chunk.
func (c *LocalClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go c.streamResponse(ctx, body, chunks)
	return chunks, nil
}

func (c *LocalClient) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	// send delivers a chunk unless the consumer stopped reading. Once
	// the context is done the terminal error is only offered, never
	// forced: an abandoned channel must not wedge this goroutine.
	send := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			select {
			case out <- StreamChunk{Err: ctx.Err()}:
			default:
			}
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	nextIndex := 0
	sawToolCalls := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			send(StreamChunk{Err: ctx.Err()})
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp localChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			send(StreamChunk{Err: &TransportError{Err: fmt.Errorf("decode stream line: %w", err)}})
			return
		}
		if resp.Error != "" {
			send(StreamChunk{Err: &APIError{StatusCode: http.StatusOK, Body: resp.Error}})
			return
		}

		var chunk StreamChunk
		if resp.Message != nil {
			chunk.ContentDelta = resp.Message.Content
			for _, tc := range resp.Message.ToolCalls {
				call := fromLocalToolCall(tc)
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
					Index:     nextIndex,
					ID:        call.ID,
					Type:      call.Type,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
				nextIndex++
				sawToolCalls = true
			}
		}
		if resp.Done {
			chunk.FinishReason = resp.DoneReason
			if sawToolCalls {
				chunk.FinishReason = "tool_calls"
			} else if chunk.FinishReason == "" {
				chunk.FinishReason = "stop"
			}
			chunk.Usage = &models.TokenUsage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		if chunk.ContentDelta == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
			continue
		}

		if !send(chunk) {
			return
		}
		if resp.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamChunk{Err: &TransportError{Err: err}})
	}
}

// HealthCheck probes the version endpoint.
func (c *LocalClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *LocalClient) post(ctx context.Context, req *ChatRequest, stream bool) (io.ReadCloser, error) {
	payload := localChatRequest{
		Model:    c.model,
		Messages: toLocalMessages(req.Messages),
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		payload.Tools = req.Tools
	}
	if req.Temperature != nil {
		payload.Options = map[string]any{"temperature": *req.Temperature}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	return resp.Body, nil
}

func toLocalMessages(messages []models.Message) []localChatMessage {
	// Tool result messages carry a call ID; the local server wants the
	// tool name instead, so recover it from earlier assistant turns.
	toolNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Function.Name != "" {
				toolNames[tc.ID] = tc.Function.Name
			}
		}
	}

	result := make([]localChatMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			localMsg := localChatMessage{Role: string(msg.Role), Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				localMsg.ToolCalls = make([]localToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := json.RawMessage(tc.Function.Arguments)
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					localMsg.ToolCalls[i] = localToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: localToolFunction{
							Name:      tc.Function.Name,
							Arguments: args,
						},
					}
				}
			}
			result = append(result, localMsg)
		case models.RoleTool:
			result = append(result, localChatMessage{
				Role:     string(msg.Role),
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			result = append(result, localChatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return result
}

func fromLocalToolCall(tc localToolCall) models.ToolCall {
	id := strings.TrimSpace(tc.ID)
	if id == "" {
		id = uuid.NewString()
	}
	args := "{}"
	if len(tc.Function.Arguments) > 0 {
		args = string(tc.Function.Arguments)
	}
	return models.ToolCall{
		ID:   id,
		Type: tc.Type,
		Function: models.FunctionCall{
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		},
	}
}
