package deadletter

import (
	"context"
	"sync"

	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

// Memory keeps archived deliveries in process memory. It backs tests and
// deployments without a bucket configured.
type Memory struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// NewMemory returns an empty archive.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]byte)}
}

// DeadLetter implements webhook.DeadLetterer.
func (m *Memory) DeadLetter(_ context.Context, d webhook.Delivery) error {
	data, err := marshalRecord(d, d.UpdatedAt)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[objectPath(d)] = data
	return nil
}

// Len reports how many deliveries are archived.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Get returns the archived document for a delivery, if present.
func (m *Memory) Get(webhookID, deliveryID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.rows["deadletter/"+webhookID+"/"+deliveryID+".json"]
	return data, ok
}
