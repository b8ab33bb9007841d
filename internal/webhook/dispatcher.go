package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/clock"
	"github.com/snowscrape/realtime-gateway/internal/queue"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
)

// deliveryRetention is how long a finished delivery row stays queryable.
const deliveryRetention = 30 * 24 * time.Hour

// Dispatcher turns a domain event into one delivery row per matching
// subscription and queues each for immediate attempt. A dispatch failure for
// one subscription never blocks the others.
type Dispatcher struct {
	subs       SubscriptionStore
	deliveries DeliveryStore
	q          queue.Queue
	clock      clock.Clock
	logger     *zap.Logger
}

// NewDispatcher wires the dispatcher. A nil clock defaults to system time.
func NewDispatcher(subs SubscriptionStore, deliveries DeliveryStore, q queue.Queue, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:       subs,
		deliveries: deliveries,
		q:          q,
		clock:      clk,
		logger:     logger,
	}
}

// Dispatch fans the event out to every matching enabled subscription of the
// user. The payload is marshaled once and snapshot into each delivery row so
// later retries send identical bytes. Returns the number of deliveries
// queued.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, jobID, userID string, payload map[string]any) (int, error) {
	subs, err := d.subs.ListEnabledByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	// Copy before folding in the envelope keys: the map belongs to the caller.
	snapshot := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		snapshot[k] = v
	}
	snapshot["event"] = eventType
	snapshot["job_id"] = jobID
	body, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	now := d.clock.Now()
	queued := 0
	for _, sub := range subs {
		if !sub.Matches(eventType, jobID) {
			continue
		}

		delivery := Delivery{
			ID:            uuid.NewString(),
			WebhookID:     sub.ID,
			UserID:        userID,
			EventType:     eventType,
			JobID:         jobID,
			Payload:       body,
			Status:        StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(deliveryRetention),
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			d.logger.Error("create delivery failed",
				zap.String("webhook_id", sub.ID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
			continue
		}
		if err := d.q.Enqueue(ctx, []byte(delivery.ID)); err != nil {
			// The row exists with NextAttemptAt in the past, so the
			// scheduler will pick it up even though the enqueue failed.
			d.logger.Error("enqueue delivery failed",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err),
			)
			continue
		}
		telemetry.ObserveDeliveryStatus(string(StatusPending))
		queued++
		d.logger.Info("webhook delivery queued",
			zap.String("delivery_id", delivery.ID),
			zap.String("webhook_id", sub.ID),
			zap.String("event_type", eventType),
			zap.String("job_id", jobID),
		)
	}
	return queued, nil
}
