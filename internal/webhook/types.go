// Package webhook implements outbound event delivery to customer-registered
// HTTPS endpoints: subscription matching, HMAC-signed POSTs, a fixed retry
// schedule, and dead-lettering of exhausted deliveries.
package webhook

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a subscription or delivery row does
// not exist.
var ErrNotFound = errors.New("webhook: not found")

// Subscription is a customer-registered webhook endpoint.
type Subscription struct {
	ID      string
	UserID  string
	URL     string
	Secret  string
	Events  []string
	JobID   string
	Enabled bool

	TotalDeliveries  int64
	FailedDeliveries int64

	CreatedAt time.Time
}

// Matches reports whether the subscription wants the given event. An empty
// Events list means all event types; a non-empty JobID scopes the
// subscription to that single job.
func (s Subscription) Matches(eventType, jobID string) bool {
	if !s.Enabled {
		return false
	}
	if s.JobID != "" && s.JobID != jobID {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks a delivery through its retry lifecycle.
type DeliveryStatus string

const (
	// StatusPending means at least one more attempt is scheduled.
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered means the endpoint acknowledged with a 2xx.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusExhausted means every attempt failed and the payload was
	// dead-lettered.
	StatusExhausted DeliveryStatus = "exhausted"
)

// Delivery is one event bound for one subscription. The payload is snapshot
// at dispatch time so retries send exactly what the first attempt sent.
type Delivery struct {
	ID        string
	WebhookID string
	UserID    string
	EventType string
	JobID     string
	Payload   []byte

	Status        DeliveryStatus
	Attempts      int
	NextAttemptAt time.Time

	LastStatusCode int
	LastError      string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt time.Time
	ExpiresAt   time.Time
}

// AttemptRecord is the audit trail of one HTTP attempt.
type AttemptRecord struct {
	DeliveryID string
	Attempt    int
	StatusCode int
	Error      string
	Duration   time.Duration
	At         time.Time
}

// DeadLetterer archives a delivery whose retry budget is spent.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, d Delivery) error
}
