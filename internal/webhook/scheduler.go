package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/clock"
	"github.com/snowscrape/realtime-gateway/internal/queue"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultPollBatch    = 100
)

// Scheduler re-enqueues deliveries whose retry is due. Because it reads from
// the store rather than process memory, scheduled retries survive restarts;
// dispatch-time enqueue failures are picked up here too.
type Scheduler struct {
	deliveries DeliveryStore
	q          queue.Queue
	interval   time.Duration
	batch      int
	clock      clock.Clock
	logger     *zap.Logger
}

// NewScheduler wires the retry scheduler. interval <= 0 and batch <= 0 fall
// back to defaults.
func NewScheduler(deliveries DeliveryStore, q queue.Queue, interval time.Duration, batch int, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batch <= 0 {
		batch = defaultPollBatch
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		deliveries: deliveries,
		q:          q,
		interval:   interval,
		batch:      batch,
		clock:      clk,
		logger:     logger,
	}
}

// Run polls for due deliveries until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.deliveries.ListDue(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("list due deliveries failed", zap.Error(err))
		return
	}
	for _, d := range due {
		// Push NextAttemptAt forward before enqueueing so the next tick
		// does not queue the same delivery twice while the worker is
		// still on it. The worker overwrites this with the real outcome.
		d.NextAttemptAt = now.Add(s.interval * 2)
		d.UpdatedAt = now
		if err := s.deliveries.Update(ctx, d); err != nil {
			s.logger.Error("claim due delivery failed",
				zap.String("delivery_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		if err := s.q.Enqueue(ctx, []byte(d.ID)); err != nil {
			s.logger.Error("enqueue due delivery failed",
				zap.String("delivery_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("due delivery enqueued",
			zap.String("delivery_id", d.ID),
			zap.Int("attempts", d.Attempts),
		)
	}
}
