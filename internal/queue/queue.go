// Package queue abstracts the durable at-least-once queue feeding webhook
// delivery workers. Messages that are dequeued but never acked become
// visible again after a visibility timeout, so a worker crash mid-delivery
// results in redelivery rather than loss.
package queue

import "context"

// Delivery is one dequeued message. Exactly one of Ack or Nack should be
// called; an un-acked message reappears after the visibility timeout.
type Delivery struct {
	Body []byte

	ack  func()
	nack func()
}

// NewDelivery wraps a message body with its ack callbacks. Implementations
// and tests use it; consumers only call Ack/Nack.
func NewDelivery(body []byte, ack, nack func()) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

// Ack marks the message as processed.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the message to the queue for redelivery.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Queue is a durable message queue with at-least-once semantics.
type Queue interface {
	// Enqueue publishes a message.
	Enqueue(ctx context.Context, body []byte) error
	// Dequeue blocks for the next message, respecting context cancellation.
	Dequeue(ctx context.Context) (Delivery, error)
	// Close releases resources.
	Close() error
}
