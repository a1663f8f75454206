package llm

import (
	"fmt"
	"time"
)

// ClientConfig selects and parameterizes a provider variant.
type ClientConfig struct {
	// Provider is one of "openai", "local", "anthropic".
	Provider string

	// APIKey authenticates openai and anthropic. Ignored by local.
	APIKey string

	// BaseURL overrides the provider endpoint. Required for local,
	// optional for openai (self-hosted compatible gateways).
	BaseURL string

	// Model is the provider model identifier.
	Model string

	// Timeout bounds one request including streamed body reads.
	// Zero means DefaultTimeout.
	Timeout time.Duration
}

func (c ClientConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// New builds the configured provider client.
func New(cfg ClientConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "local":
		return NewLocalClient(cfg)
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
