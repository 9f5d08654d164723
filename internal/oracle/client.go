package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/ppiankov/patternlens/internal/cache"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/worker"
	"go.uber.org/zap"
)

// Client adapts a text completion Provider into an Oracle. It owns the
// per-call timeout, rate limiting, transient retries, the single corrective
// retry on schema-invalid output, response caching and sample merging.
type Client struct {
	provider Provider
	config   Config
	limiter  *worker.Limiter
	cache    cache.Cache
	backoff  Backoff
	logger   *zap.Logger
	retries  atomic.Int64
}

// NewClient wraps provider. limiter and c may be nil.
func NewClient(provider Provider, config Config, limiter *worker.Limiter, c cache.Cache, logger *zap.Logger) *Client {
	return &Client{
		provider: provider,
		config:   config,
		limiter:  limiter,
		cache:    c,
		backoff:  Backoff{Base: config.BackoffBase, Max: config.BackoffMax},
		logger:   orNop(logger),
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.provider.Name()
}

// Retries returns the number of transient retries performed so far
func (c *Client) Retries() int {
	return int(c.retries.Load())
}

// Extract turns one fragment into facts, merging Samples independent calls
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (*Facts, error) {
	prompt := BuildExtractPrompt(req)

	samples := c.config.Samples
	if samples < 1 {
		samples = 1
	}

	var results []*Facts
	var firstErr error
	for i := 0; i < samples; i++ {
		var facts Facts
		err := c.completeJSON(ctx, "extract", extractSystem, prompt, i, func(content string) error {
			facts = Facts{}
			if err := json.Unmarshal([]byte(extractJSONObject(content)), &facts); err != nil {
				return fmt.Errorf("%w: decode facts: %v", ErrInvalidResponse, err)
			}
			return facts.Validate()
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Debug("Oracle sample failed",
				zap.String("section", req.Hint.Section),
				zap.Int("sample", i),
				zap.Error(err))
			continue
		}
		results = append(results, &facts)
	}

	if len(results) == 0 {
		return nil, firstErr
	}
	return MergeFacts(results), nil
}

type referenceResponse struct {
	References *[]ReferenceCandidate `json:"references"`
}

// ProposeReferences asks the provider for reference fields between two sections.
// Individually invalid candidates are dropped.
func (c *Client) ProposeReferences(ctx context.Context, req ReferenceRequest) ([]ReferenceCandidate, error) {
	prompt := BuildReferencePrompt(req)

	var candidates []ReferenceCandidate
	err := c.completeJSON(ctx, "references", referenceSystem, prompt, 0, func(content string) error {
		var resp referenceResponse
		if err := json.Unmarshal([]byte(extractJSONObject(content)), &resp); err != nil {
			return fmt.Errorf("%w: decode references: %v", ErrInvalidResponse, err)
		}
		if resp.References == nil {
			return fmt.Errorf("%w: missing references array", ErrInvalidResponse)
		}
		candidates = candidates[:0]
		for _, cand := range *resp.References {
			if err := cand.Validate(); err != nil {
				c.logger.Debug("Dropping invalid reference candidate", zap.Error(err))
				continue
			}
			candidates = append(candidates, cand)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// completeJSON runs one logical oracle call. decode both parses and validates;
// a decode failure triggers exactly one corrective follow-up.
func (c *Client) completeJSON(ctx context.Context, kind, system, prompt string, sample int, decode func(content string) error) error {
	key := cache.Key(c.provider.Name(), c.config.Model, kind, prompt, strconv.Itoa(sample))
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			if err := decode(string(cached)); err == nil {
				return nil
			}
			_ = c.cache.Delete(key)
		}
	}

	messages := []Message{{Role: "user", Content: prompt}}
	content, err := c.call(ctx, system, messages)
	if err != nil {
		return err
	}

	if derr := decode(content); derr != nil {
		c.logger.Warn("Oracle response failed validation, sending correction",
			zap.String("kind", kind),
			zap.Error(derr))

		messages = append(messages,
			Message{Role: "assistant", Content: content},
			Message{Role: "user", Content: BuildCorrection(derr)},
		)
		content, err = c.call(ctx, system, messages)
		if err != nil {
			return err
		}
		if derr := decode(content); derr != nil {
			if errors.Is(derr, ErrInvalidResponse) {
				return derr
			}
			return fmt.Errorf("%w: %v", ErrInvalidResponse, derr)
		}
	}

	if c.cache != nil {
		if err := c.cache.Set(key, []byte(content), c.config.CacheTTL); err != nil {
			c.logger.Debug("Failed to cache oracle response", zap.Error(err))
		}
	}
	return nil
}

// call performs one provider completion with rate limiting, per-call timeout and retries
func (c *Client) call(ctx context.Context, system string, messages []Message) (string, error) {
	limiterKey := c.provider.Name() + "/" + c.config.Model
	timeout := c.config.timeout()

	var content string
	retries, err := withRetry(ctx, c.config.MaxRetries, c.backoff, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, limiterKey); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := c.provider.Complete(callCtx, CompletionRequest{
			System:    system,
			Messages:  messages,
			Model:     c.config.Model,
			MaxTokens: c.config.maxTokens(),
			JSON:      true,
		})
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w: call exceeded %s: %v", ErrTransient, timeout, err)
			}
			return err
		}
		content = resp.Content
		return nil
	})
	if retries > 0 {
		c.retries.Add(int64(retries))
		c.logger.Debug("Oracle call retried",
			zap.String("provider", c.provider.Name()),
			zap.Int("retries", retries),
			zap.Error(err))
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

func orNop(logger *zap.Logger) *zap.Logger {
	return logging.OrNop(logger)
}
