package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/pkg/models"
)

// OpenAIClient talks to OpenAI's chat-completions API or any
// API-compatible endpoint when BaseURL is set. Failed requests are
// retried with linear backoff when the failure looks transient.
//
// Safe for concurrent use; each ChatStream call owns an independent
// stream and goroutine.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIClient builds the client from cfg. An empty API key is
// allowed so startup can precede configuration; requests will fail
// with an authentication error until a key is supplied.
func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	oaiCfg.HTTPClient = &http.Client{Timeout: cfg.timeout()}

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(oaiCfg),
		model:      cfg.Model,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Chat performs a one-shot completion with retry on transient errors.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chatReq := c.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		lastErr = mapOpenAIError(lastErr)
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	out := &ChatResponse{
		Choices: make([]Choice, 0, len(resp.Choices)),
		Usage: &models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Message:      fromOpenAIMessage(choice.Message),
			FinishReason: string(choice.FinishReason),
		})
	}
	return out, nil
}

// ChatStream opens a streamed completion. Content and tool-call deltas
// are forwarded as they arrive; the caller accumulates tool-call
// fragments by Index.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	chatReq := c.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		lastErr = mapOpenAIError(lastErr)
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	chunks := make(chan StreamChunk)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- StreamChunk) {
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

	for {
		if ctx.Err() != nil {
			send(StreamChunk{Err: ctx.Err()})
			return
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			send(StreamChunk{Err: mapOpenAIError(err)})
			return
		}

		// The usage frame arrives last with an empty choice list.
		if len(resp.Choices) == 0 {
			if resp.Usage != nil {
				if !send(StreamChunk{Usage: &models.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}}) {
					return
				}
			}
			continue
		}

		choice := resp.Choices[0]
		chunk := StreamChunk{
			ContentDelta: choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Type:      string(tc.Type),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if chunk.ContentDelta == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
			continue
		}

		if !send(chunk) {
			return
		}
	}
}

// HealthCheck probes the models endpoint with a short deadline.
func (c *OpenAIClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.ListModels(ctx)
	return err == nil
}

func (c *OpenAIClient) buildRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func fromOpenAIMessage(msg openai.ChatCompletionMessage) models.Message {
	out := models.Message{
		Role:    models.Role(msg.Role),
		Content: msg.Content,
	}
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			out.ToolCalls[i] = models.ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: models.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}
	return out
}

func toOpenAITools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Function.Parameters, &schemaMap); err != nil {
			// A bad schema degrades to an empty object so the other
			// tools stay callable.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func mapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Err: err}
}
