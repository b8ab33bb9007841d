package webhook

import (
	"context"
	"time"
)

// SubscriptionStore reads customer webhook registrations.
type SubscriptionStore interface {
	// ListEnabledByUser returns the user's enabled subscriptions.
	ListEnabledByUser(ctx context.Context, userID string) ([]Subscription, error)
	// Get returns one subscription or ErrNotFound.
	Get(ctx context.Context, id string) (Subscription, error)
	// IncrementStats bumps the subscription's total and, on failure,
	// failed delivery counters.
	IncrementStats(ctx context.Context, id string, success bool) error
}

// DeliveryStore persists delivery rows and their attempt history. The
// scheduler polls ListDue, so rows with a future NextAttemptAt survive a
// process crash and are retried on time.
type DeliveryStore interface {
	Create(ctx context.Context, d Delivery) error
	Get(ctx context.Context, id string) (Delivery, error)
	// Update overwrites the mutable fields of an existing row.
	Update(ctx context.Context, d Delivery) error
	// ListDue returns pending deliveries with NextAttemptAt <= now,
	// capped at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	// ListByWebhook returns the most recent deliveries for a subscription,
	// newest first.
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
	// RecordAttempt appends to the attempt audit trail.
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	// ListAttempts returns a delivery's attempts, oldest first.
	ListAttempts(ctx context.Context, deliveryID string) ([]AttemptRecord, error)
}
