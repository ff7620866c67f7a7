package llm

import (
	"fmt"

	"github.com/aescanero/dagflow/pkg/adapters/llm/anthropic"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// Config holds LLM client configuration
type Config struct {
	Provider string
	APIKey   string
	Logger   *zap.Logger
}

// NewClient creates a new LLM client based on provider. Without an API key
// it returns a nil client; model-call nodes then fail at run time with
// domain.ErrLLMNotConfigured.
func NewClient(cfg *Config) (ports.LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}

	switch cfg.Provider {
	case "anthropic", "":
		return anthropic.NewClient(cfg.APIKey, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
