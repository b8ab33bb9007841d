// Package memory holds webhook subscriptions and deliveries in process
// memory. It backs single-instance deployments and tests; multi-instance
// deployments use the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

// SubscriptionStore implements webhook.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]webhook.Subscription
}

// NewSubscriptionStore returns an empty subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]webhook.Subscription)}
}

// Put registers or replaces a subscription.
func (s *SubscriptionStore) Put(sub webhook.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

// ListEnabledByUser returns the user's enabled subscriptions.
func (s *SubscriptionStore) ListEnabledByUser(_ context.Context, userID string) ([]webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Enabled {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one subscription or webhook.ErrNotFound.
func (s *SubscriptionStore) Get(_ context.Context, id string) (webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return webhook.Subscription{}, webhook.ErrNotFound
	}
	return sub, nil
}

// IncrementStats bumps the subscription's delivery counters.
func (s *SubscriptionStore) IncrementStats(_ context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return webhook.ErrNotFound
	}
	sub.TotalDeliveries++
	if !success {
		sub.FailedDeliveries++
	}
	s.subs[id] = sub
	return nil
}

// DeliveryStore implements webhook.DeliveryStore.
type DeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]webhook.Delivery
	attempts   map[string][]webhook.AttemptRecord
}

// NewDeliveryStore returns an empty delivery store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		deliveries: make(map[string]webhook.Delivery),
		attempts:   make(map[string][]webhook.AttemptRecord),
	}
}

// Create stores a new delivery row.
func (s *DeliveryStore) Create(_ context.Context, d webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

// Get returns one delivery row or webhook.ErrNotFound.
func (s *DeliveryStore) Get(_ context.Context, id string) (webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return webhook.Delivery{}, webhook.ErrNotFound
	}
	return d, nil
}

// Update overwrites an existing delivery row.
func (s *DeliveryStore) Update(_ context.Context, d webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return webhook.ErrNotFound
	}
	s.deliveries[d.ID] = d
	return nil
}

// ListDue returns pending deliveries whose next attempt time has passed.
func (s *DeliveryStore) ListDue(_ context.Context, now time.Time, limit int) ([]webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.Delivery
	for _, d := range s.deliveries {
		if d.Status == webhook.StatusPending && !d.NextAttemptAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByWebhook returns the subscription's deliveries, newest first.
func (s *DeliveryStore) ListByWebhook(_ context.Context, webhookID string, limit int) ([]webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.Delivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordAttempt appends to the delivery's attempt trail.
func (s *DeliveryStore) RecordAttempt(_ context.Context, rec webhook.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[rec.DeliveryID] = append(s.attempts[rec.DeliveryID], rec)
	return nil
}

// ListAttempts returns a delivery's attempts, oldest first.
func (s *DeliveryStore) ListAttempts(_ context.Context, deliveryID string) ([]webhook.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.attempts[deliveryID]
	out := make([]webhook.AttemptRecord, len(recs))
	copy(out, recs)
	return out, nil
}
