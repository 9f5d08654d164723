package oracle

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Backoff is a capped exponential backoff without jitter, so retry timing is reproducible
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (0-based): Base * 2^attempt, capped at Max
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 8 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepFunc is the sleep used between retries (injectable for tests)
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransientStatus reports whether an HTTP status is worth retrying
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// withRetry runs fn until it succeeds, fails permanently, or maxRetries
// retries are used up. It returns the number of retries performed.
func withRetry(ctx context.Context, maxRetries int, backoff Backoff, fn func(ctx context.Context) error) (int, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= maxRetries {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if serr := sleepFunc(ctx, backoff.Delay(attempt)); serr != nil {
			return attempt, serr
		}
	}
}
