package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// Retrying decorates a Store with a small fixed number of retries for
// persistence errors. Domain errors pass through untouched, and an exhausted
// retry budget propagates the last error to the caller: the registry never
// silently drops a write.
type Retrying struct {
	inner    Store
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// NewRetrying wraps inner with retry behavior. attempts <= 0 and backoff <= 0
// fall back to defaults.
func NewRetrying(inner Store, attempts int, backoff time.Duration, logger *zap.Logger) *Retrying {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || IsDomainError(err) {
			return err
		}
		r.logger.Warn("registry write failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("registry %s canceled: %w", op, ctx.Err())
		case <-time.After(r.backoff):
		}
	}
	return fmt.Errorf("registry %s after %d attempts: %w", op, r.attempts, err)
}

// Put implements Store.
func (r *Retrying) Put(ctx context.Context, id string, ttl time.Duration) error {
	return r.do(ctx, "put", func() error { return r.inner.Put(ctx, id, ttl) })
}

// Authenticate implements Store.
func (r *Retrying) Authenticate(ctx context.Context, id, userID string, ttl time.Duration) error {
	return r.do(ctx, "authenticate", func() error { return r.inner.Authenticate(ctx, id, userID, ttl) })
}

// Touch implements Store.
func (r *Retrying) Touch(ctx context.Context, id string, ttl time.Duration) error {
	return r.do(ctx, "touch", func() error { return r.inner.Touch(ctx, id, ttl) })
}

// Subscribe implements Store.
func (r *Retrying) Subscribe(ctx context.Context, id, channel string) error {
	return r.do(ctx, "subscribe", func() error { return r.inner.Subscribe(ctx, id, channel) })
}

// Unsubscribe implements Store.
func (r *Retrying) Unsubscribe(ctx context.Context, id, channel string) error {
	return r.do(ctx, "unsubscribe", func() error { return r.inner.Unsubscribe(ctx, id, channel) })
}

// Remove implements Store.
func (r *Retrying) Remove(ctx context.Context, id string) error {
	return r.do(ctx, "remove", func() error { return r.inner.Remove(ctx, id) })
}

// Get implements Store. Reads are not retried.
func (r *Retrying) Get(ctx context.Context, id string) (Connection, error) {
	return r.inner.Get(ctx, id)
}

// ListByChannel implements Store. Reads are not retried.
func (r *Retrying) ListByChannel(ctx context.Context, channel string) ([]string, error) {
	return r.inner.ListByChannel(ctx, channel)
}

// ListByUser implements Store. Reads are not retried.
func (r *Retrying) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return r.inner.ListByUser(ctx, userID)
}
