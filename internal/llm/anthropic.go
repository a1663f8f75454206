package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/parley/pkg/models"
)

const (
	anthropicVersion    = "2023-06-01"
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicMaxTokens  = 4096
)

// AnthropicClient talks to the Anthropic messages API. The API is
// streaming-first, so the one-shot Chat path assembles its response
// from the same event stream. Transient failures retry with
// exponential backoff.
type AnthropicClient struct {
	client     anthropic.Client
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicClient builds the client from cfg.
func NewAnthropicClient(cfg ClientConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	} else {
		baseURL = anthropicDefaultURL
	}

	return &AnthropicClient{
		client:     anthropic.NewClient(opts...),
		httpClient: &http.Client{Timeout: cfg.timeout()},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Chat performs a completion by consuming a full event stream.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.collect(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = mapAnthropicError(err)
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *AnthropicClient) collect(ctx context.Context, params anthropic.MessageNewParams) (*ChatResponse, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var toolCalls []models.ToolCall
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	usage := &models.TokenUsage{}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Type: "function",
					Function: models.FunctionCall{Name: toolUse.Name},
				}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				content.WriteString(delta.Text)
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := currentToolInput.String()
				if args == "" {
					args = "{}"
				}
				currentToolCall.Function.Arguments = args
				toolCalls = append(toolCalls, *currentToolCall)
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   content.String(),
		ToolCalls: toolCalls,
	}
	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	return &ChatResponse{
		Choices: []Choice{{Message: msg, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

// ChatStream opens a streamed completion. Tool-use blocks surface as
// an identifying fragment on block start followed by argument
// fragments sharing the same index.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan StreamChunk)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *AnthropicClient) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	// send delivers a chunk unless the consumer stopped reading. Once
	// the context is done the terminal error is only offered, never
	// forced: an abandoned channel must not wedge this goroutine.
	send := func(chunk StreamChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			select {
			case chunks <- StreamChunk{Err: ctx.Err()}:
			default:
			}
			return false
		}
	}

	toolIndex := -1
	inToolBlock := false
	sawToolUse := false
	usage := &models.TokenUsage{}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				toolIndex++
				inToolBlock = true
				sawToolUse = true
				if !send(StreamChunk{ToolCalls: []ToolCallDelta{{
					Index: toolIndex,
					ID:    toolUse.ID,
					Type:  "function",
					Name:  toolUse.Name,
				}}}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(StreamChunk{ContentDelta: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if inToolBlock && delta.PartialJSON != "" {
					if !send(StreamChunk{ToolCalls: []ToolCallDelta{{
						Index:     toolIndex,
						Arguments: delta.PartialJSON,
					}}}) {
						return
					}
				}
			}

		case "content_block_stop":
			inToolBlock = false

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			finish := "stop"
			if sawToolUse {
				finish = "tool_calls"
			}
			send(StreamChunk{FinishReason: finish, Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(StreamChunk{Err: mapAnthropicError(err)})
	}
}

// HealthCheck probes the models endpoint directly; the SDK has no
// dedicated liveness call.
func (c *AnthropicClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *AnthropicClient) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, msg := range req.Messages {
		// The messages API takes the system prompt out of band.
		if msg.Role == models.RoleSystem {
			params.System = append(params.System, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content,
			})
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return params, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Function.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

func toAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Function.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Function.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Function.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func mapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		if body == "" {
			body = apiErr.Error()
		}
		return &APIError{StatusCode: apiErr.StatusCode, Body: body}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Err: err}
}
