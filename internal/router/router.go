// Package router fans a produced event out to every authenticated subscriber
// of its channel. Sends are independent and best-effort: a dead or slow
// socket never blocks delivery to its siblings and is not retried here,
// cleanup happens via disconnect and the registry TTL. No ordering is
// guaranteed across channels or across racing publishes.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/event"
	"github.com/snowscrape/realtime-gateway/internal/registry"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
)

const defaultSendTimeout = 2 * time.Second

// Sender delivers a serialized frame to one connection. The gateway
// implements it for sockets attached to this instance.
type Sender interface {
	Send(ctx context.Context, connID string, data []byte) error
}

// Router resolves channel memberships and pushes frames to recipients.
type Router struct {
	reg         registry.Store
	sender      Sender
	sendTimeout time.Duration
	logger      *zap.Logger
}

// New constructs a Router. sendTimeout <= 0 falls back to the default.
func New(reg registry.Store, sender Sender, sendTimeout time.Duration, logger *zap.Logger) *Router {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		reg:         reg,
		sender:      sender,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Publish sends the event to every current subscriber of its channel.
// Publishing to a channel with no subscribers is a no-op, not an error.
func (r *Router) Publish(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ids, err := r.reg.ListByChannel(ctx, evt.Channel)
	if err != nil {
		return fmt.Errorf("list channel subscribers: %w", err)
	}
	telemetry.ObservePublish()
	return r.fanOut(ctx, ids, evt)
}

// PublishToUser sends the event to every authenticated connection of a user.
func (r *Router) PublishToUser(ctx context.Context, userID string, evt event.Event) error {
	if evt.Channel == "" {
		evt.Channel = event.UserChannel(userID)
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish to user: %w", err)
	}
	ids, err := r.reg.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user connections: %w", err)
	}
	telemetry.ObservePublish()
	return r.fanOut(ctx, ids, evt)
}

// PublishJobStatus notifies every audience of a job status change: the job's
// own channel, the jobs:all feed, and the owning user's connections.
func (r *Router) PublishJobStatus(ctx context.Context, jobID, userID, status string, extra map[string]any) error {
	evt := event.JobStatus(jobID, status, extra)
	if err := r.Publish(ctx, evt); err != nil {
		return err
	}
	all := evt
	all.Channel = event.ChannelAllJobs
	if err := r.Publish(ctx, all); err != nil {
		return err
	}
	return r.PublishToUser(ctx, userID, evt)
}

func (r *Router) fanOut(ctx context.Context, ids []string, evt event.Event) error {
	if len(ids) == 0 {
		return nil
	}
	frame, err := evt.Frame()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := r.sender.Send(sendCtx, connID, frame); err != nil {
				telemetry.ObserveSend("failure")
				r.logger.Warn("fan-out send failed",
					zap.String("connection_id", connID),
					zap.String("channel", evt.Channel),
					zap.String("type", evt.Type),
					zap.Error(err),
				)
				return
			}
			telemetry.ObserveSend("success")
		}(id)
	}
	wg.Wait()
	return nil
}
