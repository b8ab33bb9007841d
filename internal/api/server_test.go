package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snowscrape/realtime-gateway/internal/auth"
	"github.com/snowscrape/realtime-gateway/internal/gateway"
	"github.com/snowscrape/realtime-gateway/internal/router"
	"github.com/snowscrape/realtime-gateway/internal/webhook"
	queuemem "github.com/snowscrape/realtime-gateway/internal/queue/memory"
	regmem "github.com/snowscrape/realtime-gateway/internal/registry/memory"
	storemem "github.com/snowscrape/realtime-gateway/internal/webhook/store/memory"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	if token != "T" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return auth.Claims{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fixture struct {
	srv        *httptest.Server
	subs       *storemem.SubscriptionStore
	deliveries *storemem.DeliveryStore
}

func newFixture(t *testing.T, apiKey string) fixture {
	t.Helper()

	reg := regmem.New()
	t.Cleanup(reg.Close)
	gw := gateway.New(reg, stubVerifier{}, gateway.Config{}, nil)
	events := router.New(reg, gw, time.Second, nil)

	subs := storemem.NewSubscriptionStore()
	deliveries := storemem.NewDeliveryStore()
	q := queuemem.NewQueue(16, time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	dispatcher := webhook.NewDispatcher(subs, deliveries, q, nil, nil)

	s := NewServer(gw, events, dispatcher, deliveries, Config{APIKey: apiKey}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, subs: subs, deliveries: deliveries}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

// TestPublishEventQueuesWebhooks verifies the producer endpoint fans the
// event out and queues deliveries for matching subscriptions.
func TestPublishEventQueuesWebhooks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.subs.Put(webhook.Subscription{
		ID: "wh-1", UserID: "user-1", URL: "https://a.example/hook", Enabled: true,
	})

	body := `{"type":"job.completed","job_id":"42","user_id":"user-1","data":{"summary":"ok"}}`
	resp, err := http.Post(f.srv.URL+"/v1/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		WebhooksQueued int `json:"webhooks_queued"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.WebhooksQueued)

	rows, err := f.deliveries.ListByWebhook(context.Background(), "wh-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "job.completed", rows[0].EventType)
}

func TestPublishEventValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	cases := []string{
		`not json`,
		`{"type":"job.completed"}`,
		`{"type":"job.exploded","job_id":"1","user_id":"u"}`,
	}
	for _, body := range cases {
		resp, err := http.Post(f.srv.URL+"/v1/events", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

// TestAPIKeyGuardsProducerEndpoints verifies /v1 requires the key while the
// probes stay open.
func TestAPIKeyGuardsProducerEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sekrit")

	resp, err := http.Post(f.srv.URL+"/v1/events", "application/json",
		strings.NewReader(`{"type":"job.created","job_id":"1","user_id":"u"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/events",
		strings.NewReader(`{"type":"job.created","job_id":"1","user_id":"u"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

// TestListDeliveriesHistory verifies the delivery-history endpoint shape.
func TestListDeliveriesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	now := time.Now().UTC()
	require.NoError(t, f.deliveries.Create(context.Background(), webhook.Delivery{
		ID:             "d1",
		WebhookID:      "wh-1",
		UserID:         "user-1",
		EventType:      "job.failed",
		JobID:          "7",
		Payload:        []byte(`{}`),
		Status:         webhook.StatusExhausted,
		Attempts:       5,
		LastStatusCode: 500,
		LastError:      "endpoint returned 500",
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	resp, err := http.Get(f.srv.URL + "/v1/webhooks/wh-1/deliveries")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Deliveries []struct {
			DeliveryID string `json:"delivery_id"`
			Status     string `json:"status"`
			Attempts   int    `json:"attempts"`
		} `json:"deliveries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Deliveries, 1)
	require.Equal(t, "d1", out.Deliveries[0].DeliveryID)
	require.Equal(t, "exhausted", out.Deliveries[0].Status)
	require.Equal(t, 5, out.Deliveries[0].Attempts)

	resp, err = http.Get(f.srv.URL + "/v1/webhooks/wh-1/deliveries?limit=0")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
