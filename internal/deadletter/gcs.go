// Package deadletter archives webhook deliveries whose retry budget is spent
// so operators can inspect and replay them.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

// record is the archived document. The raw payload rides along so a replay
// sends exactly the bytes the endpoint should have received.
type record struct {
	DeliveryID string          `json:"delivery_id"`
	WebhookID  string          `json:"webhook_id"`
	UserID     string          `json:"user_id"`
	EventType  string          `json:"event_type"`
	JobID      string          `json:"job_id,omitempty"`
	Attempts   int             `json:"attempts"`
	LastStatus int             `json:"last_status_code,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ArchivedAt time.Time       `json:"archived_at"`
	Payload    json.RawMessage `json:"payload"`
}

func objectPath(d webhook.Delivery) string {
	return fmt.Sprintf("deadletter/%s/%s.json", d.WebhookID, d.ID)
}

func marshalRecord(d webhook.Delivery, archivedAt time.Time) ([]byte, error) {
	payload := d.Payload
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(d.Payload))
	}
	return json.Marshal(record{
		DeliveryID: d.ID,
		WebhookID:  d.WebhookID,
		UserID:     d.UserID,
		EventType:  d.EventType,
		JobID:      d.JobID,
		Attempts:   d.Attempts,
		LastStatus: d.LastStatusCode,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		ArchivedAt: archivedAt,
		Payload:    payload,
	})
}

// GCS implements webhook.DeadLetterer on a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCS wires a GCS archive.
func NewGCS(client *storage.Client, bucket string, logger *zap.Logger) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// DeadLetter implements webhook.DeadLetterer.
func (g *GCS) DeadLetter(ctx context.Context, d webhook.Delivery) error {
	data, err := marshalRecord(d, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}
	path := objectPath(d)
	writer := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write dead-letter object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write dead-letter object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close dead-letter writer: %w", err)
	}
	g.logger.Info("delivery dead-lettered",
		zap.String("delivery_id", d.ID),
		zap.String("uri", fmt.Sprintf("gs://%s/%s", g.bucket, path)),
	)
	return nil
}
