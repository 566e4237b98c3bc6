package backends

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// retryStatuses are transient; anything else HTTP-shaped is permanent.
var retryStatuses = map[int]bool{
	404: true,
	429: true,
	500: true,
	501: true,
	502: true,
	503: true,
	504: true,
}

const (
	backoffBase = 1.5
	backoffCap  = 10 * time.Second
)

// Retry wraps a backend with transient-failure retries. Streams retry
// connection errors only, never mid-stream.
type Retry struct {
	inner      Backend
	maxRetries int
}

// NewRetry wraps a backend. maxRetries is the number of additional
// attempts after the first.
func NewRetry(inner Backend, maxRetries int) *Retry {
	if maxRetries < 0 {
		maxRetries = 2
	}
	return &Retry{inner: inner, maxRetries: maxRetries}
}

func (r *Retry) Name() string {
	return r.inner.Name()
}

// backoff sleeps for base^attempt seconds, capped, unless the context
// ends first.
func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(math.Pow(backoffBase, float64(attempt)) * float64(time.Second))
	if delay > backoffCap {
		delay = backoffCap
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// retryable reports whether an error is worth another attempt.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return retryStatuses[se.status]
	}
	// Non-status errors are connection-level and transient.
	return true
}

func (r *Retry) Forward(ctx context.Context, body map[string]any) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
			slog.Debug("Retrying backend", "backend", r.Name(), "attempt", attempt)
		}
		resp, err := r.inner.Forward(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Stream retries pre-stream connection failures; once the inner stream
// is handed back, it is committed.
func (r *Retry) Stream(ctx context.Context, body map[string]any) (<-chan string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
			slog.Debug("Retrying backend stream", "backend", r.Name(), "attempt", attempt)
		}
		ch, err := r.inner.Stream(ctx, body)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Retry) Health(ctx context.Context) error {
	return r.inner.Health(ctx)
}

func (r *Retry) Models(ctx context.Context) ([]string, error) {
	return r.inner.Models(ctx)
}

func (r *Retry) SupportsModel(model string) bool {
	return r.inner.SupportsModel(model)
}

func (r *Retry) Preload(ctx context.Context, model string) error {
	return r.inner.Preload(ctx, model)
}

var _ Backend = (*Retry)(nil)
