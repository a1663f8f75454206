package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/parley/pkg/models"
)

// Schema creates the two relational tables. Ordinal establishes message
// order within a conversation.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                       TEXT PRIMARY KEY,
	title                    TEXT NOT NULL,
	created_at               BIGINT NOT NULL,
	updated_at               BIGINT NOT NULL,
	response_format          TEXT NOT NULL DEFAULT 'plain',
	collection_mode          TEXT NOT NULL DEFAULT '',
	collection_custom_prompt TEXT NOT NULL DEFAULT '',
	collection_result_title  TEXT NOT NULL DEFAULT '',
	collection_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
	compression_json         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	ordinal         INT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_calls_json TEXT NOT NULL DEFAULT '',
	tool_call_id    TEXT NOT NULL DEFAULT '',
	created_at      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, ordinal);
`

// PostgresConfig configures the SQL backend connection pool.
type PostgresConfig struct {
	URL             string
	User            string
	Password        string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// PostgresRepository stores conversations in two relational tables.
// Per-id serialization rides on the keyed mutex plus transactional
// writes; distinct ids only share the connection pool.
type PostgresRepository struct {
	db      *sql.DB
	locks   *keyedMutex
	backend string
}

// NewPostgresRepository opens the pool and verifies connectivity.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	dsn := cfg.URL
	if dsn == "" {
		return nil, errors.New("postgres url is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresRepository{db: db, locks: newKeyedMutex()}, nil
}

// NewPostgresRepositoryFromDB wraps an existing connection. Used by
// tests with a mocked driver; the schema is assumed present.
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, locks: newKeyedMutex()}
}

func nowMilli() int64 { return time.Now().UnixMilli() }

// touch bumps updated_at inside the caller's transaction or connection.
func (p *PostgresRepository) touch(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, id string) error {
	res, err := q.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, nowMilli(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) HasConversation(ctx context.Context, id string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	return true, nil
}

func (p *PostgresRepository) InitConversation(ctx context.Context, id, systemPrompt string) error {
	defer p.locks.lock(id).Unlock()

	exists, err := p.HasConversation(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return nil // idempotent
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin init: %w", err)
	}
	defer tx.Rollback()

	now := nowMilli()
	compression, _ := json.Marshal(models.DefaultCompressionSettings())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, response_format, compression_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, models.DefaultConversationTitle, now, now, string(models.FormatPlain), string(compression),
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if err := insertMessage(ctx, tx, id, 0, models.NewSystemMessage(systemPrompt)); err != nil {
		return err
	}
	return tx.Commit()
}

// insertMessage writes one history row at the given ordinal.
func insertMessage(ctx context.Context, tx *sql.Tx, convID string, ordinal int, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, ordinal, role, content, tool_calls_json, tool_call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, convID, ordinal, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// scanMessages reads ordered history rows.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var history []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			toolCalls string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("parse tool calls of message %s: %w", msg.ID, err)
			}
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

func (p *PostgresRepository) GetHistory(ctx context.Context, id string) ([]models.Message, error) {
	defer p.locks.lock(id).Unlock()

	exists, err := p.HasConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls_json, tool_call_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (p *PostgresRepository) AddMessage(ctx context.Context, id string, msg models.Message) error {
	return p.AddMessages(ctx, id, []models.Message{msg})
}

func (p *PostgresRepository) AddMessages(ctx context.Context, id string, msgs []models.Message) error {
	defer p.locks.lock(id).Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ordinal) + 1, 0) FROM messages WHERE conversation_id = $1`, id).Scan(&next); err != nil {
		return fmt.Errorf("next ordinal: %w", err)
	}
	for i, msg := range msgs {
		if err := insertMessage(ctx, tx, id, next+i, msg); err != nil {
			return err
		}
	}
	if err := p.touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRepository) UpdateSystemPrompt(ctx context.Context, id, systemPrompt string) error {
	defer p.locks.lock(id).Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	// Only an existing system head is rewritten; otherwise no-op.
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET content = $1
		WHERE conversation_id = $2 AND ordinal = 0 AND role = 'system'`, systemPrompt, id)
	if err != nil {
		return fmt.Errorf("update system prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update system prompt: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := p.touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceHistory is a transactional delete-then-insert.
func (p *PostgresRepository) ReplaceHistory(ctx context.Context, id string, history []models.Message) error {
	defer p.locks.lock(id).Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for i, msg := range history {
		if err := insertMessage(ctx, tx, id, i, msg); err != nil {
			return err
		}
	}
	if err := p.touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRepository) GetMessageCount(ctx context.Context, id string) (int, error) {
	defer p.locks.lock(id).Unlock()

	exists, err := p.HasConversation(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	var count int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (p *PostgresRepository) GetFormat(ctx context.Context, id string) (models.ResponseFormat, error) {
	defer p.locks.lock(id).Unlock()

	var format string
	err := p.db.QueryRowContext(ctx, `
		SELECT response_format FROM conversations WHERE id = $1`, id).Scan(&format)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get format: %w", err)
	}
	return models.ResponseFormat(format), nil
}

func (p *PostgresRepository) SetFormat(ctx context.Context, id string, format models.ResponseFormat) error {
	defer p.locks.lock(id).Unlock()

	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET response_format = $1, updated_at = $2 WHERE id = $3`,
		string(format), nowMilli(), id)
	if err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresRepository) GetCollectionSettings(ctx context.Context, id string) (models.CollectionSettings, error) {
	defer p.locks.lock(id).Unlock()

	var settings models.CollectionSettings
	var mode string
	err := p.db.QueryRowContext(ctx, `
		SELECT collection_mode, collection_custom_prompt, collection_result_title, collection_enabled
		FROM conversations WHERE id = $1`, id).
		Scan(&mode, &settings.CustomPrompt, &settings.ResultTitle, &settings.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CollectionSettings{}, ErrNotFound
	}
	if err != nil {
		return models.CollectionSettings{}, fmt.Errorf("get collection settings: %w", err)
	}
	settings.Mode = models.CollectionMode(mode)
	return settings, nil
}

func (p *PostgresRepository) SetCollectionSettings(ctx context.Context, id string, settings models.CollectionSettings) error {
	defer p.locks.lock(id).Unlock()

	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations
		SET collection_mode = $1, collection_custom_prompt = $2,
		    collection_result_title = $3, collection_enabled = $4, updated_at = $5
		WHERE id = $6`,
		string(settings.Mode), settings.CustomPrompt, settings.ResultTitle, settings.Enabled, nowMilli(), id)
	if err != nil {
		return fmt.Errorf("set collection settings: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresRepository) GetCompressionSettings(ctx context.Context, id string) (models.CompressionSettings, error) {
	defer p.locks.lock(id).Unlock()

	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT compression_json FROM conversations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CompressionSettings{}, ErrNotFound
	}
	if err != nil {
		return models.CompressionSettings{}, fmt.Errorf("get compression settings: %w", err)
	}
	if raw == "" {
		return models.DefaultCompressionSettings(), nil
	}
	var settings models.CompressionSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return models.CompressionSettings{}, fmt.Errorf("parse compression settings: %w", err)
	}
	return settings, nil
}

func (p *PostgresRepository) SetCompressionSettings(ctx context.Context, id string, settings models.CompressionSettings) error {
	defer p.locks.lock(id).Unlock()

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal compression settings: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET compression_json = $1, updated_at = $2 WHERE id = $3`,
		string(data), nowMilli(), id)
	if err != nil {
		return fmt.Errorf("set compression settings: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) CreateConversation(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	defer p.locks.lock(id).Unlock()

	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := nowMilli()
	compression, _ := json.Marshal(models.DefaultCompressionSettings())
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, response_format, compression_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, title, now, now, string(models.FormatPlain), string(compression),
	); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (p *PostgresRepository) RenameConversation(ctx context.Context, id, title string) error {
	defer p.locks.lock(id).Unlock()

	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET title = $1, updated_at = $2 WHERE id = $3`, title, nowMilli(), id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresRepository) DeleteConversation(ctx context.Context, id string) error {
	defer p.locks.lock(id).Unlock()

	res, err := p.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresRepository) ListConversations(ctx context.Context) ([]models.ConversationInfo, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.response_format, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var infos []models.ConversationInfo
	for rows.Next() {
		var info models.ConversationInfo
		var format string
		if err := rows.Scan(&info.ID, &info.Title, &format, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		info.ResponseFormat = models.ResponseFormat(format)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (p *PostgresRepository) GetConversationInfo(ctx context.Context, id string) (models.ConversationInfo, error) {
	defer p.locks.lock(id).Unlock()

	var info models.ConversationInfo
	var format string
	err := p.db.QueryRowContext(ctx, `
		SELECT c.id, c.title, c.response_format, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = $1`, id).
		Scan(&info.ID, &info.Title, &format, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationInfo{}, ErrNotFound
	}
	if err != nil {
		return models.ConversationInfo{}, fmt.Errorf("get conversation info: %w", err)
	}
	info.ResponseFormat = models.ResponseFormat(format)
	return info, nil
}

// SearchMessages matches with ILIKE in SQL; the highlight window is
// built host-side so rune boundaries in Cyrillic content stay intact.
func (p *PostgresRepository) SearchMessages(ctx context.Context, query string) ([]models.SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.role, m.content, c.id, c.title, c.updated_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.content ILIKE '%' || $1 || '%'
		ORDER BY c.updated_at DESC, m.ordinal`, query)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			msgID, role, content string
			convID, title        string
			updatedAt            int64
		)
		if err := rows.Scan(&msgID, &role, &content, &convID, &title, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		highlight := buildHighlight(content, query)
		if highlight == "" {
			continue
		}
		results = append(results, models.SearchResult{
			ConversationID:    convID,
			ConversationTitle: title,
			MessageID:         msgID,
			Role:              models.Role(role),
			Highlight:         highlight,
			UpdatedAt:         updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	return results, nil
}

func (p *PostgresRepository) ExportConversation(ctx context.Context, id string) (*Export, error) {
	defer p.locks.lock(id).Unlock()

	var conv models.Conversation
	var format string
	var createdAt, updatedAt int64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, response_format, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.Title, &format, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("export conversation: %w", err)
	}
	conv.ResponseFormat = models.ResponseFormat(format)
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls_json, tool_call_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("export history: %w", err)
	}
	defer rows.Close()
	conv.History, err = scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return buildExport(&conv)
}

func (p *PostgresRepository) ImportConversation(ctx context.Context, export *Export) (string, error) {
	history, err := historyFromExport(export)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	defer p.locks.lock(id).Unlock()

	title := export.Title
	if title == "" {
		title = models.DefaultConversationTitle
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	now := nowMilli()
	compression, _ := json.Marshal(models.DefaultCompressionSettings())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, response_format, compression_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, title, now, now, string(models.FormatPlain), string(compression),
	); err != nil {
		return "", fmt.Errorf("import conversation: %w", err)
	}
	for i, msg := range history {
		// Imported messages get fresh ids so two imports of the same
		// export never collide on the primary key.
		msg.ID = uuid.NewString()
		if err := insertMessage(ctx, tx, id, i, msg); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit import: %w", err)
	}
	return id, nil
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}
