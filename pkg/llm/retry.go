package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"
)

var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// IsTransient reports whether err is worth retrying: timeouts, dropped
// connections, throttling, and provider 5xx replies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryService retries transient generation failures with 1s/2s/4s
// backoff before surfacing the error.
type RetryService struct {
	inner  Service
	logger *log.Logger
}

func NewRetryService(inner Service, logger *log.Logger) *RetryService {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &RetryService{inner: inner, logger: logger}
}

func (r *RetryService) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := r.inner.Generate(ctx, prompt, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt >= len(retryBackoff) {
			return "", lastErr
		}
		r.logger.Warn("transient generate failure, retrying", "attempt", attempt+1, "err", err)
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// RetryEmbedder applies the same policy to embedding calls.
type RetryEmbedder struct {
	inner  Embedder
	logger *log.Logger
}

func NewRetryEmbedder(inner Embedder, logger *log.Logger) *RetryEmbedder {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &RetryEmbedder{inner: inner, logger: logger}
}

func (r *RetryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		vec, err := r.inner.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt >= len(retryBackoff) {
			return nil, lastErr
		}
		r.logger.Warn("transient embed failure, retrying", "attempt", attempt+1, "err", err)
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
