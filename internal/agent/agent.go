// Package agent runs the turn loop: it mediates between the client
// request, the conversation repository, the prompt builder, the LLM
// provider, and the tool registry. Both loop modes (one-shot and
// streaming) share the same prelude and tool execution machinery.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/compress"
	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/prompt"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultMaxToolIterations bounds the tool-call loop within one turn.
const DefaultMaxToolIterations = 5

// ChatRequest is the client-facing request for one turn.
type ChatRequest struct {
	Message             string                      `json:"message"`
	ConversationID      string                      `json:"conversationId,omitempty"`
	ResponseFormat      models.ResponseFormat       `json:"responseFormat,omitempty"`
	CollectionSettings  *models.CollectionSettings  `json:"collectionSettings,omitempty"`
	Temperature         *float64                    `json:"temperature,omitempty"`
	CompressionSettings *models.CompressionSettings `json:"compressionSettings,omitempty"`
}

// ChatResponse is the client-facing result of a one-shot turn. ToolCall
// carries the first tool call of the turn, when any were made.
type ChatResponse struct {
	Message          string             `json:"message"`
	ConversationID   string             `json:"conversationId"`
	ToolCall         *models.ToolCall   `json:"toolCall,omitempty"`
	TokenUsage       *models.TokenUsage `json:"tokenUsage,omitempty"`
	CompressionStats *compress.Stats    `json:"compressionStats,omitempty"`
}

// Agent owns the turn loop.
type Agent struct {
	client            llm.Client
	repo              conversations.Repository
	registry          *tools.Registry
	executor          *ToolExecutor
	logger            *observability.Logger
	metrics           *observability.Metrics
	maxToolIterations int

	// compressors holds one compressor per conversation with
	// compression enabled, keyed by conversation id.
	compMu      sync.Mutex
	compressors map[string]*compress.Compressor

	// runLocks serialize turns per conversation. The repository already
	// serializes individual mutations; this lock keeps whole turns from
	// interleaving.
	runLocksMu sync.Mutex
	runLocks   map[string]*runLock
}

// Option configures the agent.
type Option func(*Agent)

// WithMaxToolIterations overrides the tool-loop bound.
func WithMaxToolIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxToolIterations = n
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New creates the agent.
func New(client llm.Client, repo conversations.Repository, registry *tools.Registry, logger *observability.Logger, opts ...Option) *Agent {
	a := &Agent{
		client:            client,
		repo:              repo,
		registry:          registry,
		logger:            logger,
		maxToolIterations: DefaultMaxToolIterations,
		compressors:       make(map[string]*compress.Compressor),
		runLocks:          make(map[string]*runLock),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.executor = NewToolExecutor(registry, logger, a.metrics)
	return a
}

// Executor exposes the tool executor for the gateway's tool passthrough.
func (a *Agent) Executor() *ToolExecutor { return a.executor }

// runLock is a refcounted per-conversation mutex. The entry is removed
// from the map once the last holder releases it.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// lockConversation blocks until the conversation's run lock is held and
// returns the release function.
func (a *Agent) lockConversation(id string) func() {
	a.runLocksMu.Lock()
	lock := a.runLocks[id]
	if lock == nil {
		lock = &runLock{}
		a.runLocks[id] = lock
	}
	lock.refs++
	a.runLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		a.runLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(a.runLocks, id)
		}
		a.runLocksMu.Unlock()
	}
}

// Chat runs one non-streaming turn.
func (a *Agent) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := a.chat(ctx, req)
	if a.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordTurn("chat", status, time.Since(start).Seconds())
	}
	return resp, err
}

func (a *Agent) chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = observability.AddConversationID(ctx, id)

	unlock := a.lockConversation(id)
	defer unlock()

	compressor, err := a.prelude(ctx, id, req)
	if err != nil {
		return nil, err
	}

	history, err := a.repo.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	toolSet := a.registry.GetAllTools()
	usage := &models.TokenUsage{}

	msg, err := a.invoke(ctx, id, history, toolSet, req.Temperature, usage)
	if err != nil {
		return nil, err
	}

	var firstToolCall *models.ToolCall
	for iter := 0; len(msg.ToolCalls) > 0; iter++ {
		if iter >= a.maxToolIterations {
			// Cap reached: one forced tool-free completion produces the
			// final text; the pending calls are discarded unexecuted.
			a.logger.Warn(ctx, "tool iteration cap reached", "iterations", iter)
			msg, err = a.invoke(ctx, id, history, nil, req.Temperature, usage)
			if err != nil {
				return nil, err
			}
			break
		}

		calls := a.executor.FixToolCalls(msg.ToolCalls)
		if firstToolCall == nil {
			call := calls[0]
			firstToolCall = &call
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   msg.Content,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		}
		if err := a.repo.AddMessage(ctx, id, assistant); err != nil {
			return nil, err
		}

		results := a.executor.ExecuteToolCalls(ctx, calls, id)
		if err := a.repo.AddMessages(ctx, id, results); err != nil {
			return nil, err
		}

		history, err = a.repo.GetHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		msg, err = a.invoke(ctx, id, history, toolSet, req.Temperature, usage)
		if err != nil {
			return nil, err
		}
	}

	final := models.NewAssistantMessage(msg.Content)
	if err := a.repo.AddMessage(ctx, id, final); err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Message:        msg.Content,
		ConversationID: id,
		ToolCall:       firstToolCall,
		TokenUsage:     usage,
	}
	if compressor != nil {
		resp.CompressionStats = compressor.StatsFor(id)
	}
	return resp, nil
}

// prelude performs the shared turn setup: settings reconciliation,
// prompt build, conversation init or system prompt update, user append,
// and the compression check.
func (a *Agent) prelude(ctx context.Context, id string, req *ChatRequest) (*compress.Compressor, error) {
	exists, err := a.repo.HasConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	format := req.ResponseFormat
	collection := req.CollectionSettings
	settingsChanged := false

	if exists {
		prevFormat, err := a.repo.GetFormat(ctx, id)
		if err != nil {
			return nil, err
		}
		prevCollection, err := a.repo.GetCollectionSettings(ctx, id)
		if err != nil {
			return nil, err
		}
		if format == "" {
			format = prevFormat
		}
		if collection == nil {
			collection = &prevCollection
		}
		settingsChanged = format != prevFormat || *collection != prevCollection
	} else if format == "" {
		format = models.FormatPlain
	}

	systemPrompt := prompt.Build(format, collection)

	if !exists {
		if err := a.repo.InitConversation(ctx, id, systemPrompt); err != nil {
			return nil, err
		}
	} else if settingsChanged {
		if err := a.repo.UpdateSystemPrompt(ctx, id, systemPrompt); err != nil {
			return nil, err
		}
	}

	if err := a.repo.SetFormat(ctx, id, format); err != nil {
		return nil, err
	}
	if collection != nil {
		if err := a.repo.SetCollectionSettings(ctx, id, *collection); err != nil {
			return nil, err
		}
	}

	compSettings, err := a.reconcileCompression(ctx, id, req.CompressionSettings)
	if err != nil {
		return nil, err
	}
	compressor := a.compressorFor(id, compSettings)

	// Compression runs before the user turn is appended so the kept
	// recent suffix is purely pre-existing dialogue.
	if compressor != nil {
		history, err := a.repo.GetHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		if compressor.NeedsCompression(history) {
			newHistory, result, err := compressor.Compress(ctx, history, id)
			if err != nil {
				return nil, err
			}
			if result.Compressed {
				if err := a.repo.ReplaceHistory(ctx, id, newHistory); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := a.repo.AddMessage(ctx, id, models.NewUserMessage(req.Message)); err != nil {
		return nil, err
	}

	return compressor, nil
}

// reconcileCompression persists request-supplied compression settings
// and returns the effective ones.
func (a *Agent) reconcileCompression(ctx context.Context, id string, requested *models.CompressionSettings) (models.CompressionSettings, error) {
	if requested != nil {
		if err := a.repo.SetCompressionSettings(ctx, id, *requested); err != nil {
			return models.CompressionSettings{}, err
		}
		return *requested, nil
	}
	return a.repo.GetCompressionSettings(ctx, id)
}

// compressorFor returns the conversation's compressor, creating or
// replacing it when the settings changed. Disabled settings drop it.
func (a *Agent) compressorFor(id string, settings models.CompressionSettings) *compress.Compressor {
	a.compMu.Lock()
	defer a.compMu.Unlock()

	if !settings.Enabled {
		delete(a.compressors, id)
		return nil
	}
	if c, ok := a.compressors[id]; ok && c.Settings() == compress.Normalize(settings) {
		return c
	}
	c := compress.New(settings, a.client, a.logger)
	if a.metrics != nil {
		c.WithMetrics(a.metrics)
	}
	a.compressors[id] = c
	return c
}

// invoke performs one provider call and accumulates usage.
func (a *Agent) invoke(ctx context.Context, id string, history []models.Message, toolSet []models.ToolSchema, temperature *float64, usage *models.TokenUsage) (*models.Message, error) {
	resp, err := a.client.Chat(ctx, &llm.ChatRequest{
		Messages:       history,
		Tools:          toolSet,
		Temperature:    temperature,
		ConversationID: id,
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	usage.Add(resp.Usage)
	return resp.First()
}
