package rag

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/rag/query"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type stubClient struct{}

func (stubClient) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Choices: []llm.Choice{{Message: models.NewAssistantMessage("ответ")}}}, nil
}

func (stubClient) ChatStream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (stubClient) HealthCheck(context.Context) bool { return true }
func (stubClient) Name() string                     { return "stub" }

func newRagRegistry(t *testing.T, docsDir, indexPath string) (*tools.Registry, *index.Index) {
	t.Helper()
	idx := index.New()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	toolset := New(Deps{
		Index:     idx,
		Query:     query.NewService(idx, stubClient{}, logger),
		Chunker:   chunker.New(chunker.DefaultConfig()),
		DocsDir:   docsDir,
		IndexPath: indexPath,
	})
	registry := tools.NewRegistry()
	if err := toolset.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return registry, idx
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", name, err)
	}
}

func TestIndexDocumentsTool(t *testing.T) {
	docs := t.TempDir()
	indexPath := filepath.Join(t.TempDir(), "index.json")
	writeDoc(t, docs, "kotlin.md", "Kotlin — статически типизированный язык для JVM.")
	writeDoc(t, docs, "go.txt", "Go компилируется в нативный код и имеет горутины.")
	writeDoc(t, docs, "ignored.pdf", "бинарник")

	registry, idx := newRagRegistry(t, docs, indexPath)

	out, err := registry.ExecuteTool(context.Background(), "rag_index_documents", `{}`)
	if err != nil {
		t.Fatalf("rag_index_documents error = %v", err)
	}
	if !strings.Contains(out, "файлов: 2") {
		t.Errorf("output = %q, want 2 files indexed", out)
	}
	if idx.Len() == 0 {
		t.Error("index is empty after indexing")
	}
	if _, err := os.Stat(indexPath); err != nil {
		t.Errorf("index file not saved: %v", err)
	}
	if idx.Info().Stale {
		t.Error("index still stale after rebuild")
	}
}

func TestIndexDocumentsToolEmptyDir(t *testing.T) {
	registry, _ := newRagRegistry(t, t.TempDir(), "")
	out, err := registry.ExecuteTool(context.Background(), "rag_index_documents", `{}`)
	if err != nil {
		t.Fatalf("rag_index_documents error = %v", err)
	}
	if !strings.Contains(out, "нет документов") {
		t.Errorf("output = %q, want empty-dir notice", out)
	}
}

func TestRagSearchTool(t *testing.T) {
	docs := t.TempDir()
	writeDoc(t, docs, "langs.txt", "Kotlin работает на JVM. Go компилируется в нативный код. Rust гарантирует безопасность памяти.")

	registry, _ := newRagRegistry(t, docs, "")
	if _, err := registry.ExecuteTool(context.Background(), "rag_index_documents", `{}`); err != nil {
		t.Fatalf("rag_index_documents error = %v", err)
	}

	out, err := registry.ExecuteTool(context.Background(), "rag_search", `{"query":"kotlin jvm"}`)
	if err != nil {
		t.Fatalf("rag_search error = %v", err)
	}
	if !strings.Contains(out, "langs.txt") {
		t.Errorf("output = %q, want source attribution", out)
	}

	// An impossible threshold filters everything.
	out, err = registry.ExecuteTool(context.Background(), "rag_search", `{"query":"kotlin","minRelevance":1.1}`)
	if err != nil {
		t.Fatalf("rag_search error = %v", err)
	}
	if out != "Ничего не найдено." {
		t.Errorf("output = %q, want empty notice", out)
	}
}

func TestRagIndexInfoTool(t *testing.T) {
	registry, idx := newRagRegistry(t, t.TempDir(), "")
	idx.IndexChunks([]chunker.Chunk{{ID: "1", Source: "a.txt", Content: "текст"}})
	idx.MarkStale()

	out, err := registry.ExecuteTool(context.Background(), "rag_index_info", `{}`)
	if err != nil {
		t.Fatalf("rag_index_info error = %v", err)
	}
	if !strings.Contains(out, "Фрагментов: 1") || !strings.Contains(out, "устарел") {
		t.Errorf("output = %q", out)
	}
}

func TestAskWithRagToolDegradesOnEmptyIndex(t *testing.T) {
	registry, _ := newRagRegistry(t, t.TempDir(), "")
	out, err := registry.ExecuteTool(context.Background(), "ask_with_rag", `{"question":"что такое kotlin?"}`)
	if err != nil {
		t.Fatalf("ask_with_rag error = %v", err)
	}
	if !strings.Contains(out, `"usedRag": false`) {
		t.Errorf("output = %q, want usedRag false on empty index", out)
	}
}
