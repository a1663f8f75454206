// Package config loads and validates the parley configuration file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the parley backend.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Storage     StorageConfig     `yaml:"storage"`
	Agent       AgentConfig       `yaml:"agent"`
	Compression CompressionConfig `yaml:"compression"`
	RAG         RAGConfig         `yaml:"rag"`
	Reminders   RemindersConfig   `yaml:"reminders"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// LLMConfig selects and configures the provider client.
type LLMConfig struct {
	// Provider is one of "openai", "local", "anthropic".
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider endpoint. Required for "local".
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`

	// APIKey is the bearer credential, if the provider needs one.
	APIKey string `yaml:"api_key"`

	// Timeout is the outer deadline for one provider request.
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig selects the conversation repository backend.
type StorageConfig struct {
	// Backend is one of "memory", "kv-ttl", "sql".
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	TTLHours int    `yaml:"ttl_hours"`
}

type PostgresConfig struct {
	URL             string        `yaml:"url"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AgentConfig struct {
	// MaxToolIterations bounds the tool-call loop within a turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// CompressionConfig provides process-wide defaults; per-conversation
// settings sent with a turn override them.
type CompressionConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MessageThreshold   int     `yaml:"message_threshold"`
	KeepRecentMessages int     `yaml:"keep_recent_messages"`
	SummaryMaxTokens   int     `yaml:"summary_max_tokens"`
	SummaryTemperature float64 `yaml:"summary_temperature"`
}

type RAGConfig struct {
	// DocsDir is the directory the indexing tool reads documents from.
	DocsDir string `yaml:"docs_dir"`

	// IndexPath is where the index JSON is persisted.
	IndexPath string `yaml:"index_path"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Watch enables the document directory watcher that flags the index
	// stale when files change after a build.
	Watch bool `yaml:"watch"`

	// OutputDir is where pipeline_save_to_file writes results.
	OutputDir string `yaml:"output_dir"`
}

type RemindersConfig struct {
	// StorePath is the JSON reminder store file.
	StorePath string `yaml:"store_path"`

	// CheckIntervalMinutes is the overdue scan period.
	CheckIntervalMinutes int `yaml:"check_interval_minutes"`

	// Cron, when set, replaces the fixed interval with a cron schedule.
	Cron string `yaml:"cron"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads the configuration file at path, resolving $include
// directives, expanding environment variables, and rejecting unknown
// keys. Defaults are applied before validation.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration usable without a file: local provider,
// in-memory storage.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 150 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Redis.TTLHours == 0 {
		cfg.Storage.Redis.TTLHours = 24
	}
	if cfg.Storage.Postgres.MaxConnections == 0 {
		cfg.Storage.Postgres.MaxConnections = 25
	}
	if cfg.Storage.Postgres.ConnMaxLifetime == 0 {
		cfg.Storage.Postgres.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Agent.MaxToolIterations == 0 {
		cfg.Agent.MaxToolIterations = 5
	}
	if cfg.Compression.MessageThreshold == 0 {
		cfg.Compression.MessageThreshold = 10
	}
	if cfg.Compression.KeepRecentMessages == 0 {
		cfg.Compression.KeepRecentMessages = 4
	}
	if cfg.Compression.SummaryMaxTokens == 0 {
		cfg.Compression.SummaryMaxTokens = 500
	}
	if cfg.Compression.SummaryTemperature == 0 {
		cfg.Compression.SummaryTemperature = 0.3
	}
	if cfg.RAG.IndexPath == "" {
		cfg.RAG.IndexPath = "rag_index.json"
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 500
	}
	if cfg.RAG.ChunkOverlap == 0 {
		cfg.RAG.ChunkOverlap = 50
	}
	if cfg.RAG.OutputDir == "" {
		cfg.RAG.OutputDir = "output"
	}
	if cfg.Reminders.StorePath == "" {
		cfg.Reminders.StorePath = "reminders.json"
	}
	if cfg.Reminders.CheckIntervalMinutes == 0 {
		cfg.Reminders.CheckIntervalMinutes = 5
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks selector fields and backend-specific requirements.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "local", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be one of openai, local, anthropic; got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "local" && strings.TrimSpace(c.LLM.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required for the local provider")
	}

	switch c.Storage.Backend {
	case "memory":
	case "kv-ttl":
		if strings.TrimSpace(c.Storage.Redis.URL) == "" {
			return fmt.Errorf("storage.redis.url is required for the kv-ttl backend")
		}
	case "sql":
		if strings.TrimSpace(c.Storage.Postgres.URL) == "" {
			return fmt.Errorf("storage.postgres.url is required for the sql backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, kv-ttl, sql; got %q", c.Storage.Backend)
	}

	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("agent.max_tool_iterations must be at least 1")
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be smaller than rag.chunk_size")
	}
	return nil
}
