package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/index"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type stubClient struct {
	reply string
}

func (s *stubClient) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Choices: []llm.Choice{{Message: models.NewAssistantMessage(s.reply)}}}, nil
}

func (s *stubClient) ChatStream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) HealthCheck(context.Context) bool { return true }
func (s *stubClient) Name() string                     { return "stub" }

func newPipelineRegistry(t *testing.T, outputDir string) (*tools.Registry, *index.Index) {
	t.Helper()
	idx := index.New()
	registry := tools.NewRegistry()
	err := Register(registry, Deps{
		Index:     idx,
		Client:    &stubClient{reply: "краткое резюме"},
		OutputDir: outputDir,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return registry, idx
}

func TestSearchDocsTool(t *testing.T) {
	registry, idx := newPipelineRegistry(t, t.TempDir())
	idx.IndexChunks([]chunker.Chunk{
		{ID: "1", Source: "kotlin.md", Content: "Kotlin компилируется в JVM байткод"},
		{ID: "2", Source: "go.md", Content: "Go компилируется в нативный код"},
	})

	out, err := registry.ExecuteTool(context.Background(), "pipeline_search_docs", `{"query":"kotlin"}`)
	if err != nil {
		t.Fatalf("pipeline_search_docs error = %v", err)
	}
	if !strings.Contains(out, "kotlin.md") {
		t.Errorf("output = %q, want kotlin.md hit", out)
	}
}

func TestSearchDocsToolEmptyIndex(t *testing.T) {
	registry, _ := newPipelineRegistry(t, t.TempDir())
	out, err := registry.ExecuteTool(context.Background(), "pipeline_search_docs", `{"query":"что-нибудь"}`)
	if err != nil {
		t.Fatalf("pipeline_search_docs error = %v", err)
	}
	if out != "Ничего не найдено." {
		t.Errorf("output = %q, want empty notice", out)
	}
}

func TestSummarizeTool(t *testing.T) {
	registry, _ := newPipelineRegistry(t, t.TempDir())

	out, err := registry.ExecuteTool(context.Background(), "pipeline_summarize", `{"text":"длинный текст про языки"}`)
	if err != nil {
		t.Fatalf("pipeline_summarize error = %v", err)
	}
	if out != "краткое резюме" {
		t.Errorf("output = %q", out)
	}

	if _, err := registry.ExecuteTool(context.Background(), "pipeline_summarize", `{"text":"  "}`); err == nil {
		t.Error("pipeline_summarize accepted blank text")
	}
}

func TestSaveToFileTool(t *testing.T) {
	dir := t.TempDir()
	registry, _ := newPipelineRegistry(t, dir)

	out, err := registry.ExecuteTool(context.Background(), "pipeline_save_to_file",
		`{"filename":"result/итог.md","content":"# Итог"}`)
	if err != nil {
		t.Fatalf("pipeline_save_to_file error = %v", err)
	}
	if !strings.Contains(out, "Сохранено") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "result", "итог.md"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "# Итог" {
		t.Errorf("file content = %q", data)
	}
}

func TestSaveToFileToolRejectsTraversal(t *testing.T) {
	registry, _ := newPipelineRegistry(t, t.TempDir())

	for _, name := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		args := `{"filename":"` + name + `","content":"x"}`
		if _, err := registry.ExecuteTool(context.Background(), "pipeline_save_to_file", args); err == nil {
			t.Errorf("pipeline_save_to_file accepted %q", name)
		}
	}
}
