// Package pubsub backs the delivery queue with Google Cloud Pub/Sub. The
// subscription's ack deadline plays the role of the visibility timeout:
// messages that are received but never acked are redelivered by the service.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"

	"github.com/snowscrape/realtime-gateway/internal/queue"
)

// Queue publishes to a topic and consumes from its subscription.
type Queue struct {
	client *gcppubsub.Client
	topic  *gcppubsub.Topic

	deliveries chan queue.Delivery

	startOnce sync.Once
	cancel    context.CancelFunc
	recvDone  chan struct{}
	recvErr   error

	sub *gcppubsub.Subscription
}

// New connects to the project and verifies the topic and subscription exist.
// Credentials come from Application Default Credentials.
func New(ctx context.Context, projectID, topicID, subscriptionID string) (*Queue, error) {
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %q: %w", subscriptionID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}

	return &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		deliveries: make(chan queue.Delivery),
		recvDone:   make(chan struct{}),
	}, nil
}

// Enqueue publishes the body and waits for the server acknowledgement so the
// caller knows the delivery job is durably queued.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	result := q.topic.Publish(ctx, &gcppubsub.Message{Data: body})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish delivery message: %w", err)
	}
	return nil
}

// Dequeue returns the next message from the subscription. The first call
// starts the background receiver.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	q.startOnce.Do(q.startReceiver)

	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			if q.recvErr != nil {
				return queue.Delivery{}, fmt.Errorf("pubsub receive stopped: %w", q.recvErr)
			}
			return queue.Delivery{}, fmt.Errorf("pubsub receive stopped")
		}
		return d, nil
	}
}

// startReceiver bridges the callback-style Receive into the pull-style
// deliveries channel. Each callback blocks until the worker settles the
// message, which keeps Pub/Sub's flow control in charge of concurrency.
func (q *Queue) startReceiver() {
	recvCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	go func() {
		defer close(q.recvDone)
		defer close(q.deliveries)
		err := q.sub.Receive(recvCtx, func(ctx context.Context, msg *gcppubsub.Message) {
			settled := make(chan struct{})
			once := sync.Once{}
			d := queue.NewDelivery(msg.Data,
				func() {
					once.Do(func() {
						msg.Ack()
						close(settled)
					})
				},
				func() {
					once.Do(func() {
						msg.Nack()
						close(settled)
					})
				},
			)
			select {
			case q.deliveries <- d:
				select {
				case <-settled:
				case <-ctx.Done():
				}
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.recvErr = err
		}
	}()
}

// Close stops the receiver, flushes pending publishes, and closes the client.
func (q *Queue) Close() error {
	if q.cancel != nil {
		q.cancel()
		<-q.recvDone
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
