package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sitequest/sitequest/internal/crawler"
)

// RetryConfig bounds transient-failure retries for a single fetch.
type RetryConfig struct {
	// MaxAttempts includes the initial try (default 3).
	MaxAttempts int
	// BackoffInitial is the first retry delay (default 500ms).
	BackoffInitial time.Duration
	// BackoffMax caps the delay growth (default 5s).
	BackoffMax time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// retryableStatus reports whether an HTTP status is worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// fetchWithRetry runs the fetcher with exponential backoff on transient
// failures. Fatal errors and context cancellation return immediately; a
// retryable HTTP status on the last attempt is returned as-is for the caller
// to record.
func fetchWithRetry(ctx context.Context, f crawler.Fetcher, req crawler.FetchRequest, cfg RetryConfig) (crawler.FetchResponse, error) {
	cfg = cfg.withDefaults()
	var (
		resp crawler.FetchResponse
		err  error
	)
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(cfg, attempt)):
			case <-ctx.Done():
				return crawler.FetchResponse{}, ctx.Err()
			}
		}
		resp, err = f.Fetch(ctx, req)
		switch {
		case err == nil && !retryableStatus(resp.StatusCode):
			return resp, nil
		case err != nil && crawler.IsFatal(err):
			return crawler.FetchResponse{}, err
		case ctx.Err() != nil:
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	return resp, err
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BackoffInitial) * math.Pow(2, float64(attempt-1))
	if delay > float64(cfg.BackoffMax) {
		delay = float64(cfg.BackoffMax)
	}
	half := delay / 2
	return time.Duration(half + rand.Float64()*half)
}
