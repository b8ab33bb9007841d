// Package memory provides an in-process queue for local development and
// tests. It mimics the visibility-timeout behavior of the hosted queue: a
// dequeued message that is never acked is re-enqueued after the timeout.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snowscrape/realtime-gateway/internal/queue"
)

const defaultVisibilityTimeout = 30 * time.Second

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with ack/nack semantics.
type Queue struct {
	ch                chan []byte
	done              chan struct{}
	visibilityTimeout time.Duration

	mu       sync.Mutex
	inflight map[*time.Timer]struct{}
	closed   bool
}

// NewQueue constructs a queue with the provided capacity and visibility
// timeout. timeout <= 0 falls back to the default.
func NewQueue(capacity int, visibilityTimeout time.Duration) *Queue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = defaultVisibilityTimeout
	}
	return &Queue{
		ch:                make(chan []byte, capacity),
		done:              make(chan struct{}),
		visibilityTimeout: visibilityTimeout,
		inflight:          make(map[*time.Timer]struct{}),
	}
}

// Enqueue pushes a message or returns if the context ends or the queue is
// closed.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- body:
		return nil
	}
}

// Dequeue pops the next message, respecting context cancellation. The
// returned delivery is redelivered after the visibility timeout unless acked.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.Delivery{}, ErrClosed
	case body := <-q.ch:
		return q.track(body), nil
	}
}

func (q *Queue) track(body []byte) queue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(q.visibilityTimeout, func() {
		q.redeliver(timer, body)
	})
	q.inflight[timer] = struct{}{}

	settle := func(requeue bool) func() {
		return func() {
			q.mu.Lock()
			if _, ok := q.inflight[timer]; !ok {
				q.mu.Unlock()
				return
			}
			delete(q.inflight, timer)
			timer.Stop()
			closed := q.closed
			q.mu.Unlock()
			if requeue && !closed {
				select {
				case q.ch <- body:
				default:
				}
			}
		}
	}
	return queue.NewDelivery(body, settle(false), settle(true))
}

func (q *Queue) redeliver(timer *time.Timer, body []byte) {
	q.mu.Lock()
	if _, ok := q.inflight[timer]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, timer)
	closed := q.closed
	q.mu.Unlock()
	if !closed {
		select {
		case q.ch <- body:
		default:
		}
	}
}

// Close stops redelivery and unblocks pending Enqueue/Dequeue calls. The
// data channel itself stays open so late sends from racing producers cannot
// panic; anything still buffered is discarded with the queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.inflight {
		timer.Stop()
		delete(q.inflight, timer)
	}
	close(q.done)
	return nil
}
