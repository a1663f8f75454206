package conversations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/pkg/models"
)

// MemoryRepository keeps conversations in process memory. No durability;
// meant for tests and single-process runs. The keyed mutex gives each
// conversation a serial operation order without blocking other ids; the
// map RWMutex guards the actual aggregate state and is held only for
// the in-memory mutation itself.
type MemoryRepository struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
	locks *keyedMutex
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		convs: make(map[string]*models.Conversation),
		locks: newKeyedMutex(),
	}
}

// mutate runs fn on the stored aggregate under the write lock and bumps
// UpdatedAt. Callers hold the per-id lock.
func (m *MemoryRepository) mutate(id string, fn func(conv *models.Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	fn(conv)
	conv.UpdatedAt = time.Now()
	return nil
}

// read runs fn on the stored aggregate under the read lock. Values fn
// wants to keep must be cloned inside fn.
func (m *MemoryRepository) read(id string, fn func(conv *models.Conversation)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	fn(conv)
	return nil
}

// snapshot deep-copies all conversations for lock-free iteration.
func (m *MemoryRepository) snapshot() []*models.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, cloneConversation(conv))
	}
	return out
}

func (m *MemoryRepository) HasConversation(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.convs[id]
	return ok, nil
}

func (m *MemoryRepository) InitConversation(ctx context.Context, id, systemPrompt string) error {
	defer m.locks.lock(id).Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; ok {
		return nil // idempotent
	}
	now := time.Now()
	m.convs[id] = &models.Conversation{
		ID:                  id,
		Title:               models.DefaultConversationTitle,
		History:             []models.Message{models.NewSystemMessage(systemPrompt)},
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return nil
}

func (m *MemoryRepository) GetHistory(ctx context.Context, id string) ([]models.Message, error) {
	defer m.locks.lock(id).Unlock()

	var history []models.Message
	err := m.read(id, func(conv *models.Conversation) {
		history = cloneMessages(conv.History)
	})
	return history, err
}

func (m *MemoryRepository) AddMessage(ctx context.Context, id string, msg models.Message) error {
	return m.AddMessages(ctx, id, []models.Message{msg})
}

func (m *MemoryRepository) AddMessages(ctx context.Context, id string, msgs []models.Message) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		for _, msg := range cloneMessages(msgs) {
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = time.Now()
			}
			conv.History = append(conv.History, msg)
		}
	})
}

func (m *MemoryRepository) UpdateSystemPrompt(ctx context.Context, id, systemPrompt string) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		// Rewrites only an existing system head; anything else is a
		// silent no-op per contract.
		if len(conv.History) > 0 && conv.History[0].Role == models.RoleSystem {
			conv.History[0].Content = systemPrompt
		}
	})
}

func (m *MemoryRepository) ReplaceHistory(ctx context.Context, id string, history []models.Message) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		conv.History = cloneMessages(history)
		for i := range conv.History {
			if conv.History[i].ID == "" {
				conv.History[i].ID = uuid.NewString()
			}
		}
	})
}

func (m *MemoryRepository) GetMessageCount(ctx context.Context, id string) (int, error) {
	defer m.locks.lock(id).Unlock()

	var count int
	err := m.read(id, func(conv *models.Conversation) {
		count = len(conv.History)
	})
	return count, err
}

func (m *MemoryRepository) GetFormat(ctx context.Context, id string) (models.ResponseFormat, error) {
	defer m.locks.lock(id).Unlock()

	var format models.ResponseFormat
	err := m.read(id, func(conv *models.Conversation) {
		format = conv.ResponseFormat
	})
	return format, err
}

func (m *MemoryRepository) SetFormat(ctx context.Context, id string, format models.ResponseFormat) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		conv.ResponseFormat = format
	})
}

func (m *MemoryRepository) GetCollectionSettings(ctx context.Context, id string) (models.CollectionSettings, error) {
	defer m.locks.lock(id).Unlock()

	var settings models.CollectionSettings
	err := m.read(id, func(conv *models.Conversation) {
		settings = conv.CollectionSettings
	})
	return settings, err
}

func (m *MemoryRepository) SetCollectionSettings(ctx context.Context, id string, settings models.CollectionSettings) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		conv.CollectionSettings = settings
	})
}

func (m *MemoryRepository) GetCompressionSettings(ctx context.Context, id string) (models.CompressionSettings, error) {
	defer m.locks.lock(id).Unlock()

	var settings models.CompressionSettings
	err := m.read(id, func(conv *models.Conversation) {
		settings = conv.CompressionSettings
	})
	return settings, err
}

func (m *MemoryRepository) SetCompressionSettings(ctx context.Context, id string, settings models.CompressionSettings) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		conv.CompressionSettings = settings
	})
}

func (m *MemoryRepository) CreateConversation(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	defer m.locks.lock(id).Unlock()

	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[id] = &models.Conversation{
		ID:                  id,
		Title:               title,
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return id, nil
}

func (m *MemoryRepository) RenameConversation(ctx context.Context, id, title string) error {
	defer m.locks.lock(id).Unlock()

	return m.mutate(id, func(conv *models.Conversation) {
		conv.Title = title
	})
}

func (m *MemoryRepository) DeleteConversation(ctx context.Context, id string) error {
	defer m.locks.lock(id).Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return ErrNotFound
	}
	delete(m.convs, id)
	return nil
}

func (m *MemoryRepository) ListConversations(ctx context.Context) ([]models.ConversationInfo, error) {
	convs := m.snapshot()

	infos := make([]models.ConversationInfo, 0, len(convs))
	for _, conv := range convs {
		infos = append(infos, infoOf(conv))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt > infos[j].UpdatedAt
	})
	return infos, nil
}

func (m *MemoryRepository) GetConversationInfo(ctx context.Context, id string) (models.ConversationInfo, error) {
	defer m.locks.lock(id).Unlock()

	var info models.ConversationInfo
	err := m.read(id, func(conv *models.Conversation) {
		info = infoOf(conv)
	})
	return info, err
}

func (m *MemoryRepository) SearchMessages(ctx context.Context, query string) ([]models.SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	var results []models.SearchResult
	for _, conv := range m.snapshot() {
		results = append(results, searchConversation(conv, query)...)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	return results, nil
}

func (m *MemoryRepository) ExportConversation(ctx context.Context, id string) (*Export, error) {
	defer m.locks.lock(id).Unlock()

	var conv *models.Conversation
	if err := m.read(id, func(c *models.Conversation) {
		conv = cloneConversation(c)
	}); err != nil {
		return nil, nil // absent conversation exports as nil, not an error
	}
	return buildExport(conv)
}

func (m *MemoryRepository) ImportConversation(ctx context.Context, export *Export) (string, error) {
	history, err := historyFromExport(export)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	defer m.locks.lock(id).Unlock()

	title := export.Title
	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[id] = &models.Conversation{
		ID:                  id,
		Title:               title,
		History:             history,
		ResponseFormat:      models.FormatPlain,
		CompressionSettings: models.DefaultCompressionSettings(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return id, nil
}

func (m *MemoryRepository) Close() error { return nil }
