// Package query composes index retrieval with a follow-up LLM call:
// retrieved chunks become a delimited context block prepended to the
// user question.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/rag/rerank"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	ragSystemPrompt = "Ты — ассистент, отвечающий на вопросы по предоставленному контексту. " +
		"Используй только факты из контекста; если ответа там нет, скажи об этом прямо."

	plainSystemPrompt = "Ты — полезный ассистент. Отвечай кратко и по делу."
)

// Result is one answered question.
type Result struct {
	Answer           string    `json:"answer"`
	UsedRAG          bool      `json:"usedRag"`
	FoundChunks      int       `json:"foundChunks"`
	RelevanceScores  []float64 `json:"relevanceScores,omitempty"`
	Sources          []string  `json:"sources,omitempty"`
	DurationMs       int64     `json:"durationMs"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
}

// Comparison holds the same question answered with and without retrieval.
type Comparison struct {
	Question   string  `json:"question"`
	WithRAG    *Result `json:"withRag"`
	WithoutRAG *Result `json:"withoutRag"`
}

// RerankComparison holds the same question answered under three
// relevance thresholds.
type RerankComparison struct {
	Question string  `json:"question"`
	NoFilter *Result `json:"noFilter"`
	Moderate *Result `json:"moderate"`
	Strict   *Result `json:"strict"`
}

// Service answers questions over the document index.
type Service struct {
	index  *index.Index
	client llm.Client
	logger *observability.Logger
}

// NewService creates a query service over the given index and provider.
func NewService(idx *index.Index, client llm.Client, logger *observability.Logger) *Service {
	return &Service{
		index:  idx,
		client: client,
		logger: logger,
	}
}

// QueryWithRAG retrieves topK chunks for the question and asks the LLM
// with the retrieved context. An empty index (or one loaded without a
// model) degrades to a plain answer with UsedRAG=false.
func (s *Service) QueryWithRAG(ctx context.Context, question string, topK int, minRelevance *float64) (*Result, error) {
	start := time.Now()

	results, err := s.index.Search(question, topK, minRelevance)
	if err != nil {
		if !errors.Is(err, index.ErrModelMissing) {
			return nil, fmt.Errorf("search index: %w", err)
		}
		s.logger.Warn(ctx, "index loaded without a model, answering without context")
		results = nil
	}

	if len(results) == 0 {
		res, err := s.answer(ctx, plainSystemPrompt, question)
		if err != nil {
			return nil, err
		}
		res.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}

	res, err := s.answer(ctx, ragSystemPrompt, buildContextBlock(question, results))
	if err != nil {
		return nil, err
	}

	res.UsedRAG = true
	res.FoundChunks = len(results)
	res.RelevanceScores = make([]float64, len(results))
	res.Sources = make([]string, len(results))
	for i, r := range results {
		res.RelevanceScores[i] = r.Score
		res.Sources[i] = r.Source
	}
	res.DurationMs = time.Since(start).Milliseconds()

	s.logger.Debug(ctx, "answered with retrieval",
		"chunks", res.FoundChunks,
		"duration_ms", res.DurationMs)
	return res, nil
}

// QueryWithoutRAG asks the LLM the bare question.
func (s *Service) QueryWithoutRAG(ctx context.Context, question string) (*Result, error) {
	start := time.Now()
	res, err := s.answer(ctx, plainSystemPrompt, question)
	if err != nil {
		return nil, err
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// CompareAnswers answers the question with and without retrieval,
// sequentially.
func (s *Service) CompareAnswers(ctx context.Context, question string, topK int) (*Comparison, error) {
	withRAG, err := s.QueryWithRAG(ctx, question, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("with retrieval: %w", err)
	}
	withoutRAG, err := s.QueryWithoutRAG(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("without retrieval: %w", err)
	}
	return &Comparison{
		Question:   question,
		WithRAG:    withRAG,
		WithoutRAG: withoutRAG,
	}, nil
}

// CompareWithReranking answers the question three times, raising the
// relevance threshold each run.
func (s *Service) CompareWithReranking(ctx context.Context, question string, topK int) (*RerankComparison, error) {
	run := func(threshold float64) (*Result, error) {
		return s.QueryWithRAG(ctx, question, topK, &threshold)
	}

	noFilter, err := run(rerank.None)
	if err != nil {
		return nil, fmt.Errorf("no filter: %w", err)
	}
	moderate, err := run(rerank.Moderate)
	if err != nil {
		return nil, fmt.Errorf("moderate filter: %w", err)
	}
	strict, err := run(rerank.Strict)
	if err != nil {
		return nil, fmt.Errorf("strict filter: %w", err)
	}

	return &RerankComparison{
		Question: question,
		NoFilter: noFilter,
		Moderate: moderate,
		Strict:   strict,
	}, nil
}

func (s *Service) answer(ctx context.Context, systemPrompt, userContent string) (*Result, error) {
	resp, err := s.client.Chat(ctx, &llm.ChatRequest{
		Messages: []models.Message{
			models.NewSystemMessage(systemPrompt),
			models.NewUserMessage(userContent),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm query: %w", err)
	}
	msg, err := resp.First()
	if err != nil {
		return nil, err
	}

	res := &Result{Answer: msg.Content}
	if resp.Usage != nil {
		res.PromptTokens = resp.Usage.PromptTokens
		res.CompletionTokens = resp.Usage.CompletionTokens
	}
	return res, nil
}

func buildContextBlock(question string, results []index.SearchResult) string {
	var b strings.Builder
	b.WriteString("Контекст:\n===\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s (релевантность: %.2f)\n%s\n\n", i+1, r.Source, r.Score, r.Content)
	}
	b.WriteString("===\n\nВопрос: ")
	b.WriteString(question)
	return b.String()
}
