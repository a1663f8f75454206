package conversations

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/parley/internal/config"
)

// New builds the repository selected by the storage configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Repository, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "kv-ttl":
		return NewRedisRepository(ctx, cfg.Redis.URL, time.Duration(cfg.Redis.TTLHours)*time.Hour)
	case "sql":
		return NewPostgresRepository(ctx, PostgresConfig{
			URL:             cfg.Postgres.URL,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			MaxConnections:  cfg.Postgres.MaxConnections,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("conversations: unknown storage backend %q", cfg.Backend)
	}
}
