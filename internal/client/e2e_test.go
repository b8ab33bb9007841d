package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snowscrape/realtime-gateway/internal/auth"
	"github.com/snowscrape/realtime-gateway/internal/event"
	"github.com/snowscrape/realtime-gateway/internal/gateway"
	regmem "github.com/snowscrape/realtime-gateway/internal/registry/memory"
	"github.com/snowscrape/realtime-gateway/internal/router"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	if token != "T" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return auth.Claims{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// TestEndToEndSubscribeAndPublish runs the full path: the client connects,
// authenticates with its first message, subscribes to a job channel, and a
// publish on that channel lands in the client's buffer exactly once.
func TestEndToEndSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	reg := regmem.New()
	t.Cleanup(reg.Close)

	gw := gateway.New(reg, stubVerifier{}, gateway.Config{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})

	c, err := New(Config{URL: wsURL(srv) + "/ws", Tokens: staticTokens("T")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	c.Subscribe("job:42")

	ctx := context.Background()
	require.Eventually(t, func() bool {
		ids, err := reg.ListByChannel(ctx, "job:42")
		return err == nil && len(ids) == 1
	}, 5*time.Second, 10*time.Millisecond)

	r := router.New(reg, gw, time.Second, nil)
	require.NoError(t, r.Publish(ctx, event.JobStatus("42", "completed", nil)))

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &frame))
	require.Equal(t, "job:status", frame.Type)
	require.Equal(t, "42", frame.Data["job_id"])
	require.Equal(t, "completed", frame.Data["status"])

	// No duplicate delivery to the same socket.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, c.Messages(), 1)
}
