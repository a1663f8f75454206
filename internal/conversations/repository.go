// Package conversations persists chat histories and per-conversation
// settings. Three backends implement the same Repository contract: an
// in-memory map for tests and single-process runs, Redis with a rolling
// TTL, and Postgres for durable multi-instance deployments.
package conversations

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrNotFound is returned when an operation references a conversation id
// that does not exist in the backend.
var ErrNotFound = errors.New("conversations: conversation not found")

// Repository is the storage contract shared by all backends.
//
// Invariants every implementation upholds:
//   - InitConversation is idempotent: a second call on the same id is a no-op.
//   - UpdateSystemPrompt rewrites history[0] only when that entry has
//     role=system; otherwise it silently does nothing.
//   - Every mutation bumps the conversation's UpdatedAt.
//   - Operations on distinct ids never block each other; operations on the
//     same id observe a serial order.
type Repository interface {
	HasConversation(ctx context.Context, id string) (bool, error)
	InitConversation(ctx context.Context, id, systemPrompt string) error
	GetHistory(ctx context.Context, id string) ([]models.Message, error)
	AddMessage(ctx context.Context, id string, msg models.Message) error
	AddMessages(ctx context.Context, id string, msgs []models.Message) error
	UpdateSystemPrompt(ctx context.Context, id, systemPrompt string) error
	ReplaceHistory(ctx context.Context, id string, history []models.Message) error
	GetMessageCount(ctx context.Context, id string) (int, error)

	GetFormat(ctx context.Context, id string) (models.ResponseFormat, error)
	SetFormat(ctx context.Context, id string, format models.ResponseFormat) error
	GetCollectionSettings(ctx context.Context, id string) (models.CollectionSettings, error)
	SetCollectionSettings(ctx context.Context, id string, settings models.CollectionSettings) error
	GetCompressionSettings(ctx context.Context, id string) (models.CompressionSettings, error)
	SetCompressionSettings(ctx context.Context, id string, settings models.CompressionSettings) error

	CreateConversation(ctx context.Context, title string) (string, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context) ([]models.ConversationInfo, error)
	GetConversationInfo(ctx context.Context, id string) (models.ConversationInfo, error)

	SearchMessages(ctx context.Context, query string) ([]models.SearchResult, error)
	ExportConversation(ctx context.Context, id string) (*Export, error)
	ImportConversation(ctx context.Context, export *Export) (string, error)

	Close() error
}

// keyedMutex hands out one mutex per key so same-id operations serialize
// while distinct ids proceed in parallel. Mutexes are never evicted; the
// set of live conversation ids is small relative to their payloads.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns it so the caller can
// `defer km.lock(id).Unlock()`.
func (km *keyedMutex) lock(key string) *sync.Mutex {
	km.mu.Lock()
	m, ok := km.locks[key]
	if !ok {
		m = &sync.Mutex{}
		km.locks[key] = m
	}
	km.mu.Unlock()
	m.Lock()
	return m
}
