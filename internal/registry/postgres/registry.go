// Package postgres provides a durable registry backend for multi-node
// gateways. Rows carry an expires_at column instead of relying on in-process
// expiry; reads filter expired rows and PurgeExpired reclaims them.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snowscrape/realtime-gateway/internal/registry"
)

// Schema creates the tables the registry needs.
const Schema = `
CREATE TABLE IF NOT EXISTS gateway_connections (
    connection_id TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS gateway_subscriptions (
    connection_id TEXT NOT NULL REFERENCES gateway_connections (connection_id) ON DELETE CASCADE,
    channel       TEXT NOT NULL,
    PRIMARY KEY (connection_id, channel)
);
CREATE INDEX IF NOT EXISTS gateway_subscriptions_channel_idx ON gateway_subscriptions (channel);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Registry implements registry.Store on Postgres.
type Registry struct {
	pool pool
}

// New connects a Registry using the provided config.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: p}, nil
}

// NewWithPool constructs a Registry from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Registry{pool: p}, nil
}

// EnsureSchema creates the registry tables if they do not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Put implements registry.Store.
func (r *Registry) Put(ctx context.Context, id string, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gateway_connections (connection_id, expires_at) VALUES ($1, now() + $2)
		 ON CONFLICT (connection_id) DO UPDATE SET user_id = '', expires_at = now() + $2`,
		id, ttl,
	)
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// Authenticate implements registry.Store.
func (r *Registry) Authenticate(ctx context.Context, id, userID string, ttl time.Duration) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE gateway_connections SET user_id = $2, expires_at = now() + $3
		 WHERE connection_id = $1 AND user_id = '' AND expires_at > now()`,
		id, userID, ttl,
	)
	if err != nil {
		return fmt.Errorf("authenticate connection: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	conn, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.Authenticated() {
		return registry.ErrAlreadyAuthenticated
	}
	return registry.ErrNotFound
}

// Touch implements registry.Store.
func (r *Registry) Touch(ctx context.Context, id string, ttl time.Duration) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE gateway_connections SET expires_at = now() + $2
		 WHERE connection_id = $1 AND user_id <> '' AND expires_at > now()`,
		id, ttl,
	)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotAuthenticated
	}
	return nil
}

// Subscribe implements registry.Store. The INSERT is guarded by the
// authenticated-row predicate so membership writes are atomic with the auth
// check.
func (r *Registry) Subscribe(ctx context.Context, id, channel string) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO gateway_subscriptions (connection_id, channel)
		 SELECT connection_id, $2 FROM gateway_connections
		 WHERE connection_id = $1 AND user_id <> '' AND expires_at > now()
		 ON CONFLICT (connection_id, channel) DO NOTHING`,
		id, channel,
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Zero rows is either an idempotent duplicate or a pending/missing row.
	return r.requireAuthenticated(ctx, id)
}

// Unsubscribe implements registry.Store.
func (r *Registry) Unsubscribe(ctx context.Context, id, channel string) error {
	if err := r.requireAuthenticated(ctx, id); err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM gateway_subscriptions WHERE connection_id = $1 AND channel = $2`,
		id, channel,
	); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Remove implements registry.Store.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM gateway_connections WHERE connection_id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	return nil
}

// Get implements registry.Store.
func (r *Registry) Get(ctx context.Context, id string) (registry.Connection, error) {
	var conn registry.Connection
	err := r.pool.QueryRow(ctx,
		`SELECT connection_id, user_id, created_at, expires_at FROM gateway_connections
		 WHERE connection_id = $1 AND expires_at > now()`,
		id,
	).Scan(&conn.ID, &conn.UserID, &conn.CreatedAt, &conn.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Connection{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT channel FROM gateway_subscriptions WHERE connection_id = $1 ORDER BY channel`,
		id,
	)
	if err != nil {
		return registry.Connection{}, fmt.Errorf("get connection channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return registry.Connection{}, fmt.Errorf("scan channel: %w", err)
		}
		conn.Channels = append(conn.Channels, channel)
	}
	if err := rows.Err(); err != nil {
		return registry.Connection{}, fmt.Errorf("iterate channels: %w", err)
	}
	return conn, nil
}

// ListByChannel implements registry.Store.
func (r *Registry) ListByChannel(ctx context.Context, channel string) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT c.connection_id FROM gateway_connections c
		 JOIN gateway_subscriptions s ON s.connection_id = c.connection_id
		 WHERE s.channel = $1 AND c.user_id <> '' AND c.expires_at > now()
		 ORDER BY c.connection_id`,
		channel,
	)
}

// ListByUser implements registry.Store.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT connection_id FROM gateway_connections
		 WHERE user_id = $1 AND expires_at > now()
		 ORDER BY connection_id`,
		userID,
	)
}

// PurgeExpired reclaims rows whose TTL has elapsed. Callers run it on a
// periodic janitor; correctness does not depend on it because reads filter
// on expires_at.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM gateway_connections WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired connections: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Registry) requireAuthenticated(ctx context.Context, id string) error {
	conn, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !conn.Authenticated() {
		return registry.ErrNotAuthenticated
	}
	return nil
}

func (r *Registry) listIDs(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan connection id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return ids, nil
}
