package deadletter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

func TestMemoryArchivesFullRecord(t *testing.T) {
	t.Parallel()

	arch := NewMemory()
	now := time.Now().UTC()
	err := arch.DeadLetter(context.Background(), webhook.Delivery{
		ID:             "d1",
		WebhookID:      "wh-1",
		UserID:         "user-1",
		EventType:      "job.failed",
		JobID:          "7",
		Payload:        []byte(`{"event":"job.failed","error":"timeout"}`),
		Attempts:       5,
		LastStatusCode: 500,
		LastError:      "endpoint returned 500",
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	require.Equal(t, 1, arch.Len())

	data, ok := arch.Get("wh-1", "d1")
	require.True(t, ok)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "d1", rec["delivery_id"])
	require.Equal(t, "job.failed", rec["event_type"])
	require.EqualValues(t, 5, rec["attempts"])
	payload, ok := rec["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "timeout", payload["error"])
}

func TestMarshalRecordNonJSONPayload(t *testing.T) {
	t.Parallel()

	data, err := marshalRecord(webhook.Delivery{
		ID:        "d2",
		WebhookID: "wh-1",
		Payload:   []byte("not json"),
	}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, json.Valid(data))
}
