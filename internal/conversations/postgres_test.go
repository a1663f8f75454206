package conversations

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/parley/pkg/models"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepositoryFromDB(db), mock
}

func TestPostgresSetFormat(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE conversations SET response_format`).
		WithArgs("markdown", sqlmock.AnyArg(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetFormat(context.Background(), "c1", models.FormatMarkdown); err != nil {
		t.Fatalf("SetFormat() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSetFormatMissingConversation(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE conversations SET response_format`).
		WithArgs("plain", sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetFormat(context.Background(), "missing", models.FormatPlain)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SetFormat() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresGetHistory(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT 1 FROM conversations`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, role, content, tool_calls_json, tool_call_id, created_at`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "content", "tool_calls_json", "tool_call_id", "created_at"}).
			AddRow("m1", "system", "sys", "", "", int64(1700000000000)).
			AddRow("m2", "assistant", "", `[{"id":"t1","type":"function","function":{"name":"get_current_time","arguments":"{}"}}]`, "", int64(1700000001000)).
			AddRow("m3", "tool", "12:00", "", "t1", int64(1700000002000)))

	history, err := repo.GetHistory(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Role != models.RoleSystem {
		t.Errorf("history[0].Role = %q, want system", history[0].Role)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Function.Name != "get_current_time" {
		t.Errorf("history[1].ToolCalls = %+v, want parsed tool call", history[1].ToolCalls)
	}
	if history[2].ToolCallID != "t1" {
		t.Errorf("history[2].ToolCallID = %q, want t1", history[2].ToolCallID)
	}
}

func TestPostgresReplaceHistoryTransactional(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM messages WHERE conversation_id`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "c1", 0, "system", "sys", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "c1", 1, "assistant", "summary", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE conversations SET updated_at`).
		WithArgs(sqlmock.AnyArg(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ReplaceHistory(context.Background(), "c1", []models.Message{
		models.NewSystemMessage("sys"),
		models.NewAssistantMessage("summary"),
	})
	if err != nil {
		t.Fatalf("ReplaceHistory() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresUpdateSystemPromptNoSystemHead(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET content`).
		WithArgs("new prompt", "c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	// No system row at ordinal 0: the contract says silent no-op.
	if err := repo.UpdateSystemPrompt(context.Background(), "c1", "new prompt"); err != nil {
		t.Fatalf("UpdateSystemPrompt() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresListConversations(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT c.id, c.title, c.response_format`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "response_format", "created_at", "updated_at", "count"}).
			AddRow("c2", "второй", "plain", int64(2), int64(20), 4).
			AddRow("c1", "первый", "markdown", int64(1), int64(10), 2))

	infos, err := repo.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("list = %d, want 2", len(infos))
	}
	if infos[0].ID != "c2" || infos[0].MessageCount != 4 {
		t.Errorf("infos[0] = %+v, want c2 with 4 messages", infos[0])
	}
	if infos[1].ResponseFormat != models.FormatMarkdown {
		t.Errorf("infos[1].ResponseFormat = %q, want markdown", infos[1].ResponseFormat)
	}
}

func TestPostgresSearchMessages(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT m.id, m.role, m.content`).
		WithArgs("kotlin").
		WillReturnRows(sqlmock.NewRows([]string{"m.id", "m.role", "m.content", "c.id", "c.title", "c.updated_at"}).
			AddRow("m1", "user", "Расскажи про Kotlin", "c1", "Диалог", int64(10)))

	results, err := repo.SearchMessages(context.Background(), "kotlin")
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].ConversationTitle != "Диалог" {
		t.Errorf("title = %q, want Диалог", results[0].ConversationTitle)
	}
}
