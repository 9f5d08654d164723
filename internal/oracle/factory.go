package oracle

import (
	"fmt"
	"strings"

	"github.com/ppiankov/patternlens/internal/cache"
	"github.com/ppiankov/patternlens/internal/worker"
	"go.uber.org/zap"
)

// New creates the oracle selected by config. LLM providers are wrapped in a
// Client; the structural oracle is used when no provider is configured.
func New(config Config, logger *zap.Logger) (Oracle, error) {
	provider, err := NewProvider(config, logger)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return NewStructuralOracle(), nil
	}

	limiter := worker.NewLimiter(config.RequestsPerSecond, config.BurstSize)

	var c cache.Cache
	if config.CacheEnabled {
		c = cache.New(config.CacheTTL, config.CacheDir)
	}

	return NewClient(provider, config, limiter, c, logger), nil
}

// NewProvider creates the completion provider named in config, or nil for the structural oracle
func NewProvider(config Config, logger *zap.Logger) (Provider, error) {
	provider := strings.ToLower(config.Provider)

	switch provider {
	case "openai":
		return NewOpenAIProvider(config, logger)

	case "anthropic", "claude":
		return NewAnthropicProvider(config, logger)

	case "ollama":
		return NewOllamaProvider(config, logger)

	case "", "structural":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown oracle provider: %s (supported: structural, openai, anthropic, ollama)", config.Provider)
	}
}
