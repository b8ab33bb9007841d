// Package registry tracks open-socket metadata and channel memberships. It is
// the only shared state between gateway handlers: all concurrency coordination
// for subscriptions happens through a Store implementation.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for a connection id.
	ErrNotFound = errors.New("connection not found")
	// ErrNotAuthenticated rejects membership changes on a pending connection.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrAlreadyAuthenticated rejects a second authenticate call.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Connection is the stored metadata for one open socket. UserID is empty
// until the connection authenticates; only authenticated connections appear
// in fan-out results.
type Connection struct {
	ID        string
	UserID    string
	Channels  []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Authenticated reports whether the connection completed the auth handshake.
func (c Connection) Authenticated() bool {
	return c.UserID != ""
}

// Store persists connection rows. Rows expire at their TTL so that a missed
// disconnect self-heals; synchronous removal on every disconnect is not
// guaranteed.
type Store interface {
	// Put creates a pending (unauthenticated) row.
	Put(ctx context.Context, id string, ttl time.Duration) error
	// Authenticate marks the row authenticated and extends its TTL. It fails
	// with ErrNotFound without a prior Put and with ErrAlreadyAuthenticated
	// when called twice.
	Authenticate(ctx context.Context, id, userID string, ttl time.Duration) error
	// Touch extends the TTL of an authenticated row (token refresh).
	Touch(ctx context.Context, id string, ttl time.Duration) error
	// Subscribe adds a channel membership. Idempotent; ErrNotAuthenticated
	// before Authenticate succeeds.
	Subscribe(ctx context.Context, id, channel string) error
	// Unsubscribe removes a channel membership. Idempotent; ErrNotAuthenticated
	// before Authenticate succeeds.
	Unsubscribe(ctx context.Context, id, channel string) error
	// Remove deletes the row on disconnect. Removing an absent row is not an
	// error.
	Remove(ctx context.Context, id string) error
	// Get returns the row for a connection id.
	Get(ctx context.Context, id string) (Connection, error)
	// ListByChannel returns the ids of authenticated connections subscribed
	// to the channel.
	ListByChannel(ctx context.Context, channel string) ([]string, error)
	// ListByUser returns the ids of authenticated connections for a user.
	ListByUser(ctx context.Context, userID string) ([]string, error)
}

// IsDomainError reports whether err is a registry rule violation rather than
// a persistence failure. Domain errors are never retried.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrAlreadyAuthenticated)
}
