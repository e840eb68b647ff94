package llms

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// retryingProvider wraps a Provider with exponential backoff for transient
// infrastructure errors (provider 5xx, rate limits, timeouts). Permanent
// errors (auth, invalid request) pass through on the first attempt.
type retryingProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
}

// WithRetry decorates a provider with backoff. maxAttempts <= 1 disables
// retries; baseDelay defaults to one second.
func WithRetry(p Provider, maxAttempts int, baseDelay time.Duration) Provider {
	if maxAttempts <= 1 {
		return p
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &retryingProvider{inner: p, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (r *retryingProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == r.maxAttempts {
			return nil, err
		}

		slog.Warn("LLM call failed, retrying",
			"model", r.inner.GetModelName(),
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, lastErr
}

func (r *retryingProvider) GetModelName() string { return r.inner.GetModelName() }
func (r *retryingProvider) Close() error         { return r.inner.Close() }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"429", "500", "502", "503", "504",
		"rate limit", "rate_limit", "timeout", "connection reset",
		"temporarily unavailable", "overloaded",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
