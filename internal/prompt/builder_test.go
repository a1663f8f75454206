package prompt

import (
	"strings"
	"testing"

	"github.com/haasonsaas/parley/pkg/models"
)

func TestBuildDeterministic(t *testing.T) {
	settings := &models.CollectionSettings{
		Mode:        models.CollectTechnicalSpec,
		Enabled:     true,
		ResultTitle: "ТЗ для бота",
	}
	a := Build(models.FormatMarkdown, settings)
	b := Build(models.FormatMarkdown, settings)
	if a != b {
		t.Error("Build() is not deterministic for identical inputs")
	}
}

func TestBuildFormatClauses(t *testing.T) {
	tests := []struct {
		format models.ResponseFormat
		want   string
	}{
		{models.FormatPlain, "обычным текстом"},
		{models.FormatJSON, `"answer"`},
		{models.FormatMarkdown, "## Ответ"},
	}
	for _, tt := range tests {
		got := Build(tt.format, nil)
		if !strings.Contains(got, tt.want) {
			t.Errorf("Build(%s) = %q, missing %q", tt.format, got, tt.want)
		}
	}
}

func TestBuildCustomPromptReplacesPersona(t *testing.T) {
	settings := &models.CollectionSettings{
		Mode:         models.CollectCustom,
		CustomPrompt: "Ты — суровый ревьюер кода.",
		Enabled:      true,
	}
	got := Build(models.FormatPlain, settings)
	if !strings.HasPrefix(got, "Ты — суровый ревьюер кода.") {
		t.Errorf("Build() = %q, want custom prompt first", got)
	}
	if strings.Contains(got, "внимательный ассистент") {
		t.Error("Build() kept the default persona alongside the custom prompt")
	}
}

func TestBuildCollectionClauseOnlyWhenEnabled(t *testing.T) {
	settings := &models.CollectionSettings{Mode: models.CollectDesignBrief, Enabled: false}
	if got := Build(models.FormatPlain, settings); strings.Contains(got, "дизайн-бриф") {
		t.Errorf("Build() = %q, collection clause present while disabled", got)
	}

	settings.Enabled = true
	if got := Build(models.FormatPlain, settings); !strings.Contains(got, "дизайн-бриф") {
		t.Errorf("Build() = %q, missing design brief clause", got)
	}
}

func TestBuildEveryModeHasFields(t *testing.T) {
	modes := []models.CollectionMode{
		models.CollectTechnicalSpec,
		models.CollectDesignBrief,
		models.CollectProjectSummary,
		models.CollectSolveDirect,
		models.CollectSolveStepwise,
		models.CollectSolvePanel,
		models.CollectCustom,
	}
	base := Build(models.FormatPlain, nil)
	for _, mode := range modes {
		got := Build(models.FormatPlain, &models.CollectionSettings{Mode: mode, Enabled: true})
		if got == base {
			t.Errorf("mode %s produced no collection clause", mode)
		}
	}
}

func TestBuildResultTitle(t *testing.T) {
	settings := &models.CollectionSettings{
		Mode:        models.CollectProjectSummary,
		Enabled:     true,
		ResultTitle: "Статус за август",
	}
	got := Build(models.FormatPlain, settings)
	if !strings.Contains(got, "Статус за август") {
		t.Errorf("Build() = %q, missing result title", got)
	}
}
