// Package rag exposes the retrieval engine as callable tools: offline
// index management plus question answering with and without retrieval.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/rag/query"
	"github.com/haasonsaas/parley/internal/tools"
)

// Deps wires the rag tools to the shared index and query service.
type Deps struct {
	Index     *index.Index
	Query     *query.Service
	Chunker   *chunker.Chunker
	DocsDir   string
	IndexPath string
}

// Toolset owns the indexing lock: rebuilds are exclusive with each
// other, while searches rely on the index's own read locking.
type Toolset struct {
	deps    Deps
	indexMu sync.Mutex
}

// New creates the toolset.
func New(deps Deps) *Toolset {
	return &Toolset{deps: deps}
}

// IndexDocuments reads .txt and .md files under dir (the configured
// docs dir when empty), chunks them, and rebuilds the shared index.
func (t *Toolset) IndexDocuments(_ context.Context, dir string) (string, error) {
	t.indexMu.Lock()
	defer t.indexMu.Unlock()

	if dir == "" {
		dir = t.deps.DocsDir
	}
	var chunks []chunker.Chunk
	files := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			rel = filepath.Base(path)
		}
		chunks = append(chunks, t.deps.Chunker.Split(rel, string(data))...)
		files++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read documents: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Sprintf("В каталоге %s нет документов .txt/.md.", dir), nil
	}

	indexed := t.deps.Index.IndexChunks(chunks)
	if t.deps.IndexPath != "" {
		if err := t.deps.Index.Save(t.deps.IndexPath); err != nil {
			return "", fmt.Errorf("save index: %w", err)
		}
	}
	return fmt.Sprintf("Проиндексировано файлов: %d, фрагментов: %d.", files, indexed), nil
}

type indexDocumentsArgs struct {
	Directory string `json:"directory,omitempty" jsonschema:"description=Каталог с документами; по умолчанию настроенный"`
}

type searchArgs struct {
	Query        string   `json:"query" jsonschema:"required,description=Поисковый запрос"`
	TopK         int      `json:"topK,omitempty" jsonschema:"description=Максимум результатов,default=5"`
	MinRelevance *float64 `json:"minRelevance,omitempty" jsonschema:"description=Минимальный порог релевантности"`
}

type askArgs struct {
	Question     string   `json:"question" jsonschema:"required,description=Вопрос по документам"`
	TopK         int      `json:"topK,omitempty" jsonschema:"description=Сколько фрагментов контекста брать,default=5"`
	MinRelevance *float64 `json:"minRelevance,omitempty" jsonschema:"description=Минимальный порог релевантности"`
}

type compareArgs struct {
	Question string `json:"question" jsonschema:"required,description=Вопрос для сравнения ответов"`
	TopK     int    `json:"topK,omitempty" jsonschema:"description=Сколько фрагментов контекста брать,default=5"`
}

// Register adds the rag tools to the registry.
func (t *Toolset) Register(registry *tools.Registry) error {
	toolset := []tools.Tool{
		tools.MustDeclare("rag_index_documents",
			"Перестраивает индекс документов из каталога",
			func(ctx context.Context, args indexDocumentsArgs) (string, error) {
				return t.IndexDocuments(ctx, args.Directory)
			}),

		tools.MustDeclare("rag_search",
			"Ищет фрагменты в индексе документов",
			func(_ context.Context, args searchArgs) (string, error) {
				results, err := t.deps.Index.Search(args.Query, args.TopK, args.MinRelevance)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "Ничего не найдено.", nil
				}
				var b strings.Builder
				for i, r := range results {
					fmt.Fprintf(&b, "%d. [%s] score=%.3f\n%s\n", i+1, r.Source, r.Score, r.Content)
				}
				return b.String(), nil
			}),

		tools.MustDeclare("rag_index_info",
			"Показывает состояние индекса документов",
			func(context.Context, struct{}) (string, error) {
				info := t.deps.Index.Info()
				status := "актуален"
				if info.Stale {
					status = "устарел, нужна переиндексация"
				}
				return fmt.Sprintf(
					"Фрагментов: %d\nРазмерность векторов: %d\nПостроен: %s\nСтатус: %s",
					info.TotalDocuments, info.VectorDimension,
					info.CreatedAt.Format("2006-01-02 15:04:05"), status), nil
			}),

		tools.MustDeclare("ask_with_rag",
			"Отвечает на вопрос, используя контекст из документов",
			func(ctx context.Context, args askArgs) (string, error) {
				result, err := t.deps.Query.QueryWithRAG(ctx, args.Question, args.TopK, args.MinRelevance)
				if err != nil {
					return "", err
				}
				return formatJSON(result)
			}),

		tools.MustDeclare("compare_rag_answers",
			"Сравнивает ответ с контекстом из документов и без него",
			func(ctx context.Context, args compareArgs) (string, error) {
				cmp, err := t.deps.Query.CompareAnswers(ctx, args.Question, args.TopK)
				if err != nil {
					return "", err
				}
				return formatJSON(cmp)
			}),

		tools.MustDeclare("compare_rag_with_reranking",
			"Сравнивает ответы при разных порогах релевантности",
			func(ctx context.Context, args compareArgs) (string, error) {
				cmp, err := t.deps.Query.CompareWithReranking(ctx, args.Question, args.TopK)
				if err != nil {
					return "", err
				}
				return formatJSON(cmp)
			}),
	}

	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func formatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
