// Package prompt assembles the system prompt from the response format
// and the collection-mode settings. Build is a pure function: identical
// inputs produce byte-identical prompts, which keeps the agent's
// "settings changed" check meaningful.
package prompt

import (
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

// basePersona is the default assistant persona.
const basePersona = "Ты — внимательный ассистент. Отвечай по существу, " +
	"опирайся на факты из диалога и честно говори, когда чего-то не знаешь."

const (
	formatPlainClause = "Отвечай обычным текстом, без разметки."

	formatJSONClause = "Отвечай строго одним JSON-объектом вида " +
		`{"answer": string, "confidence": number, "sources": [string]}` +
		" без пояснений вне JSON."

	formatMarkdownClause = "Оформляй ответ в Markdown: заголовок '## Ответ', " +
		"при необходимости раздел '## Детали' со списками."
)

// collectionFields enumerates what each collection mode must gather or
// produce. The closed set matches models.CollectionMode.
var collectionFields = map[models.CollectionMode]string{
	models.CollectTechnicalSpec: "Собери техническое задание. Обязательные поля: " +
		"цель, функциональные требования, ограничения, технологический стек, критерии приёмки.",
	models.CollectDesignBrief: "Собери дизайн-бриф. Обязательные поля: " +
		"аудитория, стиль, форматы материалов, референсы, сроки.",
	models.CollectProjectSummary: "Собери сводку по проекту. Обязательные поля: " +
		"контекст, текущий статус, риски, следующие шаги.",
	models.CollectSolveDirect: "Реши задачу и дай только итоговый ответ, " +
		"без промежуточных рассуждений.",
	models.CollectSolveStepwise: "Реши задачу, показывая решение по шагам: " +
		"каждый шаг с пояснением, в конце итоговый ответ.",
	models.CollectSolvePanel: "Реши задачу как панель из трёх экспертов: " +
		"каждый эксперт предлагает подход, затем сформулируй согласованный итог.",
	models.CollectCustom: "Следуй инструкциям пользователя по сбору информации.",
}

// Build returns the system prompt for a response format and optional
// collection settings.
func Build(format models.ResponseFormat, settings *models.CollectionSettings) string {
	var b strings.Builder

	persona := basePersona
	if settings != nil && settings.CustomPrompt != "" {
		persona = settings.CustomPrompt
	}
	b.WriteString(persona)

	b.WriteString("\n\n")
	switch format {
	case models.FormatJSON:
		b.WriteString(formatJSONClause)
	case models.FormatMarkdown:
		b.WriteString(formatMarkdownClause)
	default:
		b.WriteString(formatPlainClause)
	}

	if settings != nil && settings.Enabled {
		if clause, ok := collectionFields[settings.Mode]; ok {
			b.WriteString("\n\n")
			b.WriteString(clause)
			if settings.ResultTitle != "" {
				b.WriteString(" Озаглавь результат: ")
				b.WriteString(settings.ResultTitle)
				b.WriteString(".")
			}
		}
	}

	return b.String()
}
