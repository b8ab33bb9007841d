// Package memory provides a TTL-expiring in-process registry backend. It is
// the default for single-node deployments and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/snowscrape/realtime-gateway/internal/registry"
)

type row struct {
	userID    string
	channels  map[string]struct{}
	createdAt time.Time
}

// Registry keeps connection rows in a ttlcache so that stale rows from missed
// disconnects age out on their own. All mutations run under a single mutex so
// concurrent subscribe/unsubscribe on one connection cannot lose updates.
type Registry struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *row]
}

// New constructs a Registry and starts its expiry loop.
func New() *Registry {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *row](),
	)
	go cache.Start()
	return &Registry{cache: cache}
}

// Close stops the expiry loop.
func (r *Registry) Close() {
	r.cache.Stop()
}

// Put implements registry.Store.
func (r *Registry) Put(_ context.Context, id string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Set(id, &row{
		channels:  make(map[string]struct{}),
		createdAt: time.Now().UTC(),
	}, ttl)
	return nil
}

// Authenticate implements registry.Store.
func (r *Registry) Authenticate(_ context.Context, id, userID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.cache.Get(id)
	if item == nil {
		return registry.ErrNotFound
	}
	current := item.Value()
	if current.userID != "" {
		return registry.ErrAlreadyAuthenticated
	}
	current.userID = userID
	r.cache.Set(id, current, ttl)
	return nil
}

// Touch implements registry.Store.
func (r *Registry) Touch(_ context.Context, id string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.cache.Get(id)
	if item == nil {
		return registry.ErrNotFound
	}
	current := item.Value()
	if current.userID == "" {
		return registry.ErrNotAuthenticated
	}
	r.cache.Set(id, current, ttl)
	return nil
}

// Subscribe implements registry.Store.
func (r *Registry) Subscribe(_ context.Context, id, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.authenticatedRow(id)
	if err != nil {
		return err
	}
	current.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe implements registry.Store.
func (r *Registry) Unsubscribe(_ context.Context, id, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.authenticatedRow(id)
	if err != nil {
		return err
	}
	delete(current.channels, channel)
	return nil
}

// Remove implements registry.Store.
func (r *Registry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(id)
	return nil
}

// Get implements registry.Store.
func (r *Registry) Get(_ context.Context, id string) (registry.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.cache.Get(id)
	if item == nil {
		return registry.Connection{}, registry.ErrNotFound
	}
	current := item.Value()
	channels := make([]string, 0, len(current.channels))
	for ch := range current.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return registry.Connection{
		ID:        id,
		UserID:    current.userID,
		Channels:  channels,
		CreatedAt: current.createdAt,
		ExpiresAt: item.ExpiresAt(),
	}, nil
}

// ListByChannel implements registry.Store.
func (r *Registry) ListByChannel(_ context.Context, channel string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, item := range r.cache.Items() {
		if item.IsExpired() {
			continue
		}
		current := item.Value()
		if current.userID == "" {
			continue
		}
		if _, ok := current.channels[channel]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListByUser implements registry.Store.
func (r *Registry) ListByUser(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, item := range r.cache.Items() {
		if item.IsExpired() {
			continue
		}
		if item.Value().userID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Registry) authenticatedRow(id string) (*row, error) {
	item := r.cache.Get(id)
	if item == nil {
		return nil, registry.ErrNotFound
	}
	current := item.Value()
	if current.userID == "" {
		return nil, registry.ErrNotAuthenticated
	}
	return current, nil
}
