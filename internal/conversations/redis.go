package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/parley/pkg/models"
)

const (
	// redisHistoryPrefix keys the serialized message array of a
	// conversation.
	redisHistoryPrefix = "parley:conv:"

	// redisMetaPrefix keys the settings/metadata document of a
	// conversation.
	redisMetaPrefix = "parley:convmeta:"

	// DefaultTTL expires idle conversations after a day. Every mutation
	// refreshes it.
	DefaultTTL = 24 * time.Hour
)

// redisMeta is the metadata document stored next to the history key.
type redisMeta struct {
	ID                  string                     `json:"id"`
	Title               string                     `json:"title"`
	ResponseFormat      models.ResponseFormat      `json:"response_format"`
	CollectionSettings  models.CollectionSettings  `json:"collection_settings"`
	CompressionSettings models.CompressionSettings `json:"compression_settings"`
	CreatedAt           int64                      `json:"created_at"`
	UpdatedAt           int64                      `json:"updated_at"`
}

// RedisRepository stores conversations in Redis under per-id keys with a
// rolling TTL. Same-id serialization uses an in-process keyed mutex;
// deployments sharing one Redis across instances need external
// coordination, which this backend does not provide.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
	locks  *keyedMutex
}

// NewRedisRepository connects to the Redis at url (redis:// form) and
// verifies the connection with a ping.
func NewRedisRepository(ctx context.Context, url string, ttl time.Duration) (*RedisRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRepository{
		client: client,
		ttl:    ttl,
		locks:  newKeyedMutex(),
	}, nil
}

func historyKey(id string) string { return redisHistoryPrefix + id }
func metaKey(id string) string    { return redisMetaPrefix + id }

// loadMeta reads the metadata document. Missing key maps to ErrNotFound.
func (r *RedisRepository) loadMeta(ctx context.Context, id string) (*redisMeta, error) {
	data, err := r.client.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation meta: %w", err)
	}
	var meta redisMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse conversation meta: %w", err)
	}
	return &meta, nil
}

// loadHistory reads the serialized history. A missing history key with
// live metadata is an empty history, not an error.
func (r *RedisRepository) loadHistory(ctx context.Context, id string) ([]models.Message, error) {
	data, err := r.client.Get(ctx, historyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation history: %w", err)
	}
	var history []models.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse conversation history: %w", err)
	}
	return history, nil
}

// saveState writes meta and history in one pipeline, refreshing the TTL
// on both keys. UpdatedAt is bumped here so every mutation touches it.
func (r *RedisRepository) saveState(ctx context.Context, meta *redisMeta, history []models.Message) error {
	meta.UpdatedAt = time.Now().UnixMilli()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal conversation meta: %w", err)
	}
	historyData, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal conversation history: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, metaKey(meta.ID), metaData, r.ttl)
	pipe.Set(ctx, historyKey(meta.ID), historyData, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (r *RedisRepository) HasConversation(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRepository) InitConversation(ctx context.Context, id, systemPrompt string) error {
	defer r.locks.lock(id).Unlock()

	if _, err := r.loadMeta(ctx, id); err == nil {
		return nil // idempotent
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UnixMilli()
	meta := &redisMeta{
		ID:                  id,
		Title:               models.DefaultConversationTitle,
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           now,
	}
	sys := models.NewSystemMessage(systemPrompt)
	sys.ID = uuid.NewString()
	return r.saveState(ctx, meta, []models.Message{sys})
}

func (r *RedisRepository) GetHistory(ctx context.Context, id string) ([]models.Message, error) {
	defer r.locks.lock(id).Unlock()

	if _, err := r.loadMeta(ctx, id); err != nil {
		return nil, err
	}
	return r.loadHistory(ctx, id)
}

func (r *RedisRepository) AddMessage(ctx context.Context, id string, msg models.Message) error {
	return r.AddMessages(ctx, id, []models.Message{msg})
}

func (r *RedisRepository) AddMessages(ctx context.Context, id string, msgs []models.Message) error {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		history = append(history, msg)
	}
	return r.saveState(ctx, meta, history)
}

func (r *RedisRepository) UpdateSystemPrompt(ctx context.Context, id, systemPrompt string) error {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return err
	}
	if len(history) == 0 || history[0].Role != models.RoleSystem {
		return nil // silent no-op per contract
	}
	history[0].Content = systemPrompt
	return r.saveState(ctx, meta, history)
}

func (r *RedisRepository) ReplaceHistory(ctx context.Context, id string, history []models.Message) error {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	replaced := cloneMessages(history)
	for i := range replaced {
		if replaced[i].ID == "" {
			replaced[i].ID = uuid.NewString()
		}
	}
	return r.saveState(ctx, meta, replaced)
}

func (r *RedisRepository) GetMessageCount(ctx context.Context, id string) (int, error) {
	defer r.locks.lock(id).Unlock()

	if _, err := r.loadMeta(ctx, id); err != nil {
		return 0, err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(history), nil
}

func (r *RedisRepository) GetFormat(ctx context.Context, id string) (models.ResponseFormat, error) {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return "", err
	}
	return meta.ResponseFormat, nil
}

func (r *RedisRepository) SetFormat(ctx context.Context, id string, format models.ResponseFormat) error {
	defer r.locks.lock(id).Unlock()

	return r.mutateMeta(ctx, id, func(meta *redisMeta) {
		meta.ResponseFormat = format
	})
}

func (r *RedisRepository) GetCollectionSettings(ctx context.Context, id string) (models.CollectionSettings, error) {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return models.CollectionSettings{}, err
	}
	return meta.CollectionSettings, nil
}

func (r *RedisRepository) SetCollectionSettings(ctx context.Context, id string, settings models.CollectionSettings) error {
	defer r.locks.lock(id).Unlock()

	return r.mutateMeta(ctx, id, func(meta *redisMeta) {
		meta.CollectionSettings = settings
	})
}

func (r *RedisRepository) GetCompressionSettings(ctx context.Context, id string) (models.CompressionSettings, error) {
	defer r.locks.lock(id).Unlock()

	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return models.CompressionSettings{}, err
	}
	return meta.CompressionSettings, nil
}

func (r *RedisRepository) SetCompressionSettings(ctx context.Context, id string, settings models.CompressionSettings) error {
	defer r.locks.lock(id).Unlock()

	return r.mutateMeta(ctx, id, func(meta *redisMeta) {
		meta.CompressionSettings = settings
	})
}

// mutateMeta applies fn to the metadata document and saves it together
// with the untouched history, refreshing both TTLs.
func (r *RedisRepository) mutateMeta(ctx context.Context, id string, fn func(meta *redisMeta)) error {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return err
	}
	fn(meta)
	return r.saveState(ctx, meta, history)
}

func (r *RedisRepository) CreateConversation(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	defer r.locks.lock(id).Unlock()

	if title == "" {
		title = models.DefaultConversationTitle
	}
	meta := &redisMeta{
		ID:                  id,
		Title:               title,
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           time.Now().UnixMilli(),
	}
	if err := r.saveState(ctx, meta, nil); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisRepository) RenameConversation(ctx context.Context, id, title string) error {
	defer r.locks.lock(id).Unlock()

	return r.mutateMeta(ctx, id, func(meta *redisMeta) {
		meta.Title = title
	})
}

// DeleteConversation removes both per-id keys. Cascading to the TTL
// entries is deliberate: an explicit delete should not leave history
// lingering until expiry.
func (r *RedisRepository) DeleteConversation(ctx context.Context, id string) error {
	defer r.locks.lock(id).Unlock()

	n, err := r.client.Del(ctx, metaKey(id), historyKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanMetaKeys iterates all conversation metadata keys.
func (r *RedisRepository) scanMetaKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisMetaPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return keys, nil
}

func (r *RedisRepository) ListConversations(ctx context.Context) ([]models.ConversationInfo, error) {
	keys, err := r.scanMetaKeys(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]models.ConversationInfo, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, redisMetaPrefix)
		info, err := r.GetConversationInfo(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt > infos[j].UpdatedAt
	})
	return infos, nil
}

func (r *RedisRepository) GetConversationInfo(ctx context.Context, id string) (models.ConversationInfo, error) {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return models.ConversationInfo{}, err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return models.ConversationInfo{}, err
	}
	return models.ConversationInfo{
		ID:             meta.ID,
		Title:          meta.Title,
		MessageCount:   len(history),
		ResponseFormat: meta.ResponseFormat,
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
	}, nil
}

func (r *RedisRepository) SearchMessages(ctx context.Context, query string) ([]models.SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	keys, err := r.scanMetaKeys(ctx)
	if err != nil {
		return nil, err
	}

	var results []models.SearchResult
	for _, key := range keys {
		id := strings.TrimPrefix(key, redisMetaPrefix)
		conv, err := r.loadConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, searchConversation(conv, query)...)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	return results, nil
}

// loadConversation assembles the full aggregate from both keys.
func (r *RedisRepository) loadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	meta, err := r.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.Conversation{
		ID:                  meta.ID,
		Title:               meta.Title,
		History:             history,
		ResponseFormat:      meta.ResponseFormat,
		CollectionSettings:  meta.CollectionSettings,
		CompressionSettings: meta.CompressionSettings,
		CreatedAt:           time.UnixMilli(meta.CreatedAt),
		UpdatedAt:           time.UnixMilli(meta.UpdatedAt),
	}, nil
}

func (r *RedisRepository) ExportConversation(ctx context.Context, id string) (*Export, error) {
	defer r.locks.lock(id).Unlock()

	conv, err := r.loadConversation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buildExport(conv)
}

func (r *RedisRepository) ImportConversation(ctx context.Context, export *Export) (string, error) {
	history, err := historyFromExport(export)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	defer r.locks.lock(id).Unlock()

	title := export.Title
	if title == "" {
		title = models.DefaultConversationTitle
	}
	meta := &redisMeta{
		ID:                  id,
		Title:               title,
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           time.Now().UnixMilli(),
	}
	if err := r.saveState(ctx, meta, history); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
