package oracle

import (
	"context"
	"time"

	"github.com/ppiankov/patternlens/internal/model"
)

// Provider defines the interface for LLM text completion backends
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete sends a chat-style request and returns the raw model output
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// Message is one chat turn
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// CompletionRequest contains the input for one completion
type CompletionRequest struct {
	// System is the system instruction
	System string

	// Messages is the conversation so far; the corrective retry appends to it
	Messages []Message

	// Model is the specific model to use (provider-specific)
	Model string

	// MaxTokens limits the response length
	MaxTokens int

	// JSON asks the provider for a JSON-only response when it supports it
	JSON bool
}

// CompletionResponse contains the model output
type CompletionResponse struct {
	// Content is the raw text returned by the model
	Content string

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds oracle provider configuration
type Config struct {
	// Provider name: "structural", "openai", "anthropic", "ollama"
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout bounds a single oracle call
	Timeout time.Duration

	// MaxRetries is the number of retries after a transient failure
	MaxRetries int

	// BackoffBase and BackoffMax bound the deterministic exponential backoff
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Samples is the number of calls merged per fragment
	Samples int

	// MaxTokens for response generation
	MaxTokens int

	// Rate limiting per provider/model
	RequestsPerSecond float64
	BurstSize         int

	// Response cache
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheDir     string

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return ConfigFromModel(model.DefaultConfig().Oracle)
}

// ConfigFromModel converts model.OracleConfig to oracle.Config
func ConfigFromModel(c model.OracleConfig) Config {
	return Config{
		Provider:          c.Provider,
		Model:             c.Model,
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		Samples:           c.Samples,
		MaxTokens:         c.MaxTokens,
		RequestsPerSecond: c.RequestsPerSecond,
		BurstSize:         c.BurstSize,
		CacheEnabled:      c.CacheEnabled,
		CacheTTL:          c.CacheTTL,
		CacheDir:          c.CacheDir,
		HTTPProxy:         c.HTTPProxy,
		HTTPSProxy:        c.HTTPSProxy,
		NoProxy:           c.NoProxy,
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return 2000
	}
	return c.MaxTokens
}
