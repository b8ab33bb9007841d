// Package postgres persists webhook subscriptions, delivery rows, and the
// attempt audit trail. Delivery rows are the source of truth for retry state,
// so a restarted worker picks up where the dead one left off.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

// Schema creates the webhook tables.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    webhook_id        TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL,
    url               TEXT NOT NULL,
    secret            TEXT NOT NULL DEFAULT '',
    events            TEXT[] NOT NULL DEFAULT '{}',
    job_id            TEXT NOT NULL DEFAULT '',
    enabled           BOOLEAN NOT NULL DEFAULT TRUE,
    total_deliveries  BIGINT NOT NULL DEFAULT 0,
    failed_deliveries BIGINT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS webhook_subscriptions_user_idx ON webhook_subscriptions (user_id) WHERE enabled;
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id      TEXT PRIMARY KEY,
    webhook_id       TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    job_id           TEXT NOT NULL DEFAULT '',
    payload          BYTEA NOT NULL,
    status           TEXT NOT NULL,
    attempts         INT NOT NULL DEFAULT 0,
    next_attempt_at  TIMESTAMPTZ NOT NULL,
    last_status_code INT NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    delivered_at     TIMESTAMPTZ,
    expires_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx ON webhook_deliveries (next_attempt_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS webhook_deliveries_webhook_idx ON webhook_deliveries (webhook_id, created_at DESC);
CREATE TABLE IF NOT EXISTS webhook_delivery_attempts (
    delivery_id TEXT NOT NULL,
    attempt     INT NOT NULL,
    status_code INT NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    at          TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (delivery_id, attempt)
);
`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements webhook.SubscriptionStore and, via Deliveries, the
// delivery side on the same pool.
type Store struct {
	pool pool
}

// New connects a Store from a DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates the webhook tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure webhook schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Deliveries exposes the delivery side of the store.
func (s *Store) Deliveries() *DeliveryStore {
	return &DeliveryStore{pool: s.pool}
}

// ListEnabledByUser implements webhook.SubscriptionStore.
func (s *Store) ListEnabledByUser(ctx context.Context, userID string) ([]webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT webhook_id, user_id, url, secret, events, job_id, enabled,
		        total_deliveries, failed_deliveries, created_at
		 FROM webhook_subscriptions
		 WHERE user_id = $1 AND enabled
		 ORDER BY webhook_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// Get implements webhook.SubscriptionStore.
func (s *Store) Get(ctx context.Context, id string) (webhook.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT webhook_id, user_id, url, secret, events, job_id, enabled,
		        total_deliveries, failed_deliveries, created_at
		 FROM webhook_subscriptions WHERE webhook_id = $1`,
		id,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Subscription{}, webhook.ErrNotFound
	}
	return sub, err
}

// IncrementStats implements webhook.SubscriptionStore.
func (s *Store) IncrementStats(ctx context.Context, id string, success bool) error {
	failedDelta := 0
	if !success {
		failedDelta = 1
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions
		 SET total_deliveries = total_deliveries + 1,
		     failed_deliveries = failed_deliveries + $2
		 WHERE webhook_id = $1`,
		id, failedDelta,
	)
	if err != nil {
		return fmt.Errorf("update webhook stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (webhook.Subscription, error) {
	var sub webhook.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &sub.Events,
		&sub.JobID, &sub.Enabled, &sub.TotalDeliveries, &sub.FailedDeliveries, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return webhook.Subscription{}, err
		}
		return webhook.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

// DeliveryStore implements webhook.DeliveryStore on Postgres.
type DeliveryStore struct {
	pool pool
}

// Create implements webhook.DeliveryStore.
func (s *DeliveryStore) Create(ctx context.Context, d webhook.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries
		   (delivery_id, webhook_id, user_id, event_type, job_id, payload, status,
		    attempts, next_attempt_at, last_status_code, last_error,
		    created_at, updated_at, delivered_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.WebhookID, d.UserID, d.EventType, d.JobID, d.Payload, string(d.Status),
		d.Attempts, d.NextAttemptAt, d.LastStatusCode, d.LastError,
		d.CreatedAt, d.UpdatedAt, nullableTime(d.DeliveredAt), d.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

// Get implements webhook.DeliveryStore.
func (s *DeliveryStore) Get(ctx context.Context, id string) (webhook.Delivery, error) {
	row := s.pool.QueryRow(ctx, selectDelivery+` WHERE delivery_id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Delivery{}, webhook.ErrNotFound
	}
	return d, err
}

// Update implements webhook.DeliveryStore.
func (s *DeliveryStore) Update(ctx context.Context, d webhook.Delivery) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, next_attempt_at = $4,
		     last_status_code = $5, last_error = $6, updated_at = $7, delivered_at = $8
		 WHERE delivery_id = $1`,
		d.ID, string(d.Status), d.Attempts, d.NextAttemptAt,
		d.LastStatusCode, d.LastError, d.UpdatedAt, nullableTime(d.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// ListDue implements webhook.DeliveryStore.
func (s *DeliveryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		selectDelivery+` WHERE status = 'pending' AND next_attempt_at <= $1
		 ORDER BY next_attempt_at LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return scanDeliveries(rows)
}

// ListByWebhook implements webhook.DeliveryStore.
func (s *DeliveryStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		selectDelivery+` WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`,
		webhookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	return scanDeliveries(rows)
}

// RecordAttempt implements webhook.DeliveryStore.
func (s *DeliveryStore) RecordAttempt(ctx context.Context, rec webhook.AttemptRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_delivery_attempts (delivery_id, attempt, status_code, error, duration_ms, at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (delivery_id, attempt) DO NOTHING`,
		rec.DeliveryID, rec.Attempt, rec.StatusCode, rec.Error, rec.Duration.Milliseconds(), rec.At,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts implements webhook.DeliveryStore.
func (s *DeliveryStore) ListAttempts(ctx context.Context, deliveryID string) ([]webhook.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT delivery_id, attempt, status_code, error, duration_ms, at
		 FROM webhook_delivery_attempts WHERE delivery_id = $1 ORDER BY attempt`,
		deliveryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []webhook.AttemptRecord
	for rows.Next() {
		var rec webhook.AttemptRecord
		var durationMS int64
		if err := rows.Scan(&rec.DeliveryID, &rec.Attempt, &rec.StatusCode, &rec.Error, &durationMS, &rec.At); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// PurgeExpired removes delivery rows past their retention window.
func (s *DeliveryStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectDelivery = `SELECT delivery_id, webhook_id, user_id, event_type, job_id, payload, status,
       attempts, next_attempt_at, last_status_code, last_error,
       created_at, updated_at, delivered_at, expires_at
FROM webhook_deliveries`

func scanDelivery(row scannable) (webhook.Delivery, error) {
	var d webhook.Delivery
	var status string
	var deliveredAt *time.Time
	err := row.Scan(&d.ID, &d.WebhookID, &d.UserID, &d.EventType, &d.JobID, &d.Payload, &status,
		&d.Attempts, &d.NextAttemptAt, &d.LastStatusCode, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt, &deliveredAt, &d.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return webhook.Delivery{}, err
		}
		return webhook.Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.Status = webhook.DeliveryStatus(status)
	if deliveredAt != nil {
		d.DeliveredAt = *deliveredAt
	}
	return d, nil
}

func scanDeliveries(rows pgx.Rows) ([]webhook.Delivery, error) {
	defer rows.Close()
	var out []webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
