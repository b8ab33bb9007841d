package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/clock"
	"github.com/snowscrape/realtime-gateway/internal/queue"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
)

const (
	headerSignature  = "X-Snowscrape-Signature"
	headerEvent      = "X-Snowscrape-Event"
	headerDeliveryID = "X-Snowscrape-Delivery-ID"
	headerTimestamp  = "X-Snowscrape-Timestamp"

	userAgent = "SnowScrape-Webhooks/1.0"

	// maxResponseBytes caps how much of an endpoint's response is kept in
	// the attempt record.
	maxResponseBytes = 1000
)

// defaultSchedule spaces retries out after each failed attempt. With the
// default attempt cap the last rung is never reached; it guards a raised cap.
var defaultSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	// MaxAttempts is the total attempt budget per delivery, first attempt
	// included.
	MaxAttempts int
	// Schedule holds the wait after the nth failed attempt. The last entry
	// repeats if MaxAttempts exceeds its length.
	Schedule []time.Duration
	// AttemptTimeout bounds one HTTP POST.
	AttemptTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.Schedule) == 0 {
		c.Schedule = defaultSchedule
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Worker consumes delivery IDs from the queue, attempts the HTTP POST, and
// either marks the delivery done, schedules the next retry, or dead-letters
// it once the attempt budget is spent.
type Worker struct {
	subs       SubscriptionStore
	deliveries DeliveryStore
	q          queue.Queue
	dead       DeadLetterer
	client     *http.Client
	cfg        WorkerConfig
	clock      clock.Clock
	logger     *zap.Logger
}

// NewWorker wires a delivery worker. A nil client gets one with the attempt
// timeout applied.
func NewWorker(
	subs SubscriptionStore,
	deliveries DeliveryStore,
	q queue.Queue,
	dead DeadLetterer,
	client *http.Client,
	cfg WorkerConfig,
	clk clock.Clock,
	logger *zap.Logger,
) *Worker {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.AttemptTimeout}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		subs:       subs,
		deliveries: deliveries,
		q:          q,
		dead:       dead,
		client:     client,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
	}
}

// Run consumes the queue until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if err := w.process(ctx, string(msg.Body)); err != nil {
			w.logger.Error("process delivery failed",
				zap.String("delivery_id", string(msg.Body)),
				zap.Error(err),
			)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
}

// process runs one attempt for the delivery. Retry state lives in the store,
// so the queue message is acked whether the attempt succeeded or not; only a
// store failure nacks for redelivery.
func (w *Worker) process(ctx context.Context, deliveryID string) error {
	delivery, err := w.deliveries.Get(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.logger.Warn("delivery row missing, dropping", zap.String("delivery_id", deliveryID))
			return nil
		}
		return fmt.Errorf("load delivery: %w", err)
	}
	if delivery.Status != StatusPending {
		// Duplicate queue message after an ack was lost.
		return nil
	}

	sub, err := w.subs.Get(ctx, delivery.WebhookID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return w.abandon(ctx, delivery, "webhook removed")
		}
		return fmt.Errorf("load subscription: %w", err)
	}
	if !sub.Enabled {
		return w.abandon(ctx, delivery, "webhook disabled")
	}

	delivery.Attempts++
	statusCode, attemptErr := w.attempt(ctx, sub, delivery)

	now := w.clock.Now()
	rec := AttemptRecord{
		DeliveryID: delivery.ID,
		Attempt:    delivery.Attempts,
		StatusCode: statusCode,
		At:         now,
	}
	if attemptErr != nil {
		rec.Error = attemptErr.Error()
	}
	if err := w.deliveries.RecordAttempt(ctx, rec); err != nil {
		w.logger.Error("record attempt failed",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err),
		)
	}
	if err := w.subs.IncrementStats(ctx, sub.ID, attemptErr == nil); err != nil {
		w.logger.Error("update webhook stats failed",
			zap.String("webhook_id", sub.ID),
			zap.Error(err),
		)
	}

	delivery.UpdatedAt = now
	delivery.LastStatusCode = statusCode
	if attemptErr == nil {
		delivery.Status = StatusDelivered
		delivery.DeliveredAt = now
		delivery.LastError = ""
		telemetry.ObserveDeliveryStatus(string(StatusDelivered))
		w.logger.Info("webhook delivered",
			zap.String("delivery_id", delivery.ID),
			zap.String("webhook_id", sub.ID),
			zap.Int("attempt", delivery.Attempts),
			zap.Int("status_code", statusCode),
		)
		return w.deliveries.Update(ctx, delivery)
	}

	delivery.LastError = attemptErr.Error()
	if delivery.Attempts >= w.cfg.MaxAttempts {
		return w.exhaust(ctx, delivery)
	}

	delivery.NextAttemptAt = now.Add(w.retryDelay(delivery.Attempts))
	w.logger.Warn("webhook attempt failed, retry scheduled",
		zap.String("delivery_id", delivery.ID),
		zap.String("webhook_id", sub.ID),
		zap.Int("attempt", delivery.Attempts),
		zap.Int("status_code", statusCode),
		zap.Time("next_attempt_at", delivery.NextAttemptAt),
		zap.Error(attemptErr),
	)
	return w.deliveries.Update(ctx, delivery)
}

// retryDelay returns the wait after the nth failed attempt.
func (w *Worker) retryDelay(failedAttempt int) time.Duration {
	idx := failedAttempt - 1
	if idx >= len(w.cfg.Schedule) {
		idx = len(w.cfg.Schedule) - 1
	}
	return w.cfg.Schedule[idx]
}

// attempt performs one signed POST. A nil error means the endpoint answered
// with a 2xx.
func (w *Worker) attempt(ctx context.Context, sub Subscription, delivery Delivery) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerEvent, delivery.EventType)
	req.Header.Set(headerDeliveryID, delivery.ID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(w.clock.Now().Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(headerSignature, Sign(sub.Secret, delivery.Payload))
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		telemetry.ObserveWebhookAttempt("error", duration)
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.ObserveWebhookAttempt("failure", duration)
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	telemetry.ObserveWebhookAttempt("success", duration)
	return resp.StatusCode, nil
}

// exhaust dead-letters a delivery whose attempt budget is spent.
func (w *Worker) exhaust(ctx context.Context, delivery Delivery) error {
	delivery.Status = StatusExhausted
	telemetry.ObserveDeliveryStatus(string(StatusExhausted))
	w.logger.Error("webhook delivery exhausted, dead-lettering",
		zap.String("delivery_id", delivery.ID),
		zap.String("webhook_id", delivery.WebhookID),
		zap.Int("attempts", delivery.Attempts),
		zap.String("last_error", delivery.LastError),
	)
	if w.dead != nil {
		if err := w.dead.DeadLetter(ctx, delivery); err != nil {
			w.logger.Error("dead-letter archive failed",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err),
			)
		}
	}
	return w.deliveries.Update(ctx, delivery)
}

// abandon finalizes a delivery whose subscription vanished mid-retry.
func (w *Worker) abandon(ctx context.Context, delivery Delivery, reason string) error {
	delivery.Status = StatusExhausted
	delivery.LastError = reason
	delivery.UpdatedAt = w.clock.Now()
	w.logger.Warn("webhook delivery abandoned",
		zap.String("delivery_id", delivery.ID),
		zap.String("webhook_id", delivery.WebhookID),
		zap.String("reason", reason),
	)
	return w.deliveries.Update(ctx, delivery)
}
