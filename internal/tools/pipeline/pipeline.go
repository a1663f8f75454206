// Package pipeline provides document-pipeline tools: index lookup,
// text summarization, and result persistence. The tools are built
// declaratively; their schemas are reflected from the Args structs.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

const summarizeSystemPrompt = "Сократи переданный текст до ключевых тезисов, " +
	"сохраняя факты и цифры. Отвечай на языке исходного текста."

// Deps are the pipeline tools' dependencies.
type Deps struct {
	Index     *index.Index
	Client    llm.Client
	OutputDir string
}

// SearchDocsArgs queries the shared document index.
type SearchDocsArgs struct {
	Query string `json:"query" jsonschema:"required,description=Поисковый запрос"`
	TopK  int    `json:"topK,omitempty" jsonschema:"description=Максимум результатов,default=5"`
}

// SummarizeArgs passes raw text for summarization.
type SummarizeArgs struct {
	Text string `json:"text" jsonschema:"required,description=Текст для сжатия"`
}

// SaveToFileArgs writes content under the configured output directory.
type SaveToFileArgs struct {
	Filename string `json:"filename" jsonschema:"required,description=Имя файла внутри каталога результатов"`
	Content  string `json:"content" jsonschema:"required,description=Содержимое файла"`
}

// NewSearchDocsTool formats index hits as a numbered document list.
func NewSearchDocsTool(idx *index.Index) tools.Tool {
	return tools.MustDeclare("pipeline_search_docs",
		"Ищет фрагменты в проиндексированных документах",
		func(_ context.Context, args SearchDocsArgs) (string, error) {
			results, err := idx.Search(args.Query, args.TopK, nil)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "Ничего не найдено.", nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Найдено фрагментов: %d\n", len(results))
			for i, r := range results {
				fmt.Fprintf(&b, "%d. [%s] (%.2f) %s\n", i+1, r.Source, r.Score, r.Content)
			}
			return b.String(), nil
		})
}

// NewSummarizeTool condenses passed text with one LLM call.
func NewSummarizeTool(client llm.Client) tools.Tool {
	return tools.MustDeclare("pipeline_summarize",
		"Сжимает переданный текст до ключевых тезисов",
		func(ctx context.Context, args SummarizeArgs) (string, error) {
			if strings.TrimSpace(args.Text) == "" {
				return "", fmt.Errorf("text is empty")
			}
			resp, err := client.Chat(ctx, &llm.ChatRequest{
				Messages: []models.Message{
					models.NewSystemMessage(summarizeSystemPrompt),
					models.NewUserMessage(args.Text),
				},
			})
			if err != nil {
				return "", err
			}
			msg, err := resp.First()
			if err != nil {
				return "", err
			}
			return msg.Content, nil
		})
}

// NewSaveToFileTool writes content under outputDir. Paths escaping the
// directory are rejected.
func NewSaveToFileTool(outputDir string) tools.Tool {
	return tools.MustDeclare("pipeline_save_to_file",
		"Сохраняет результат в файл в каталоге результатов",
		func(_ context.Context, args SaveToFileArgs) (string, error) {
			target, err := resolveWithin(outputDir, args.Filename)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(target, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Сохранено: %s (%d байт)", target, len(args.Content)), nil
		})
}

// resolveWithin joins name onto dir and rejects traversal outside it.
func resolveWithin(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", name)
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	target := filepath.Clean(filepath.Join(base, name))
	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes output directory: %s", name)
	}
	return target, nil
}

// Register adds the pipeline tools to the registry.
func Register(registry *tools.Registry, deps Deps) error {
	for _, tool := range []tools.Tool{
		NewSearchDocsTool(deps.Index),
		NewSummarizeTool(deps.Client),
		NewSaveToFileTool(deps.OutputDir),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
