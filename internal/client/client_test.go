package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func staticTokens(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

type stubJobLister struct {
	jobs atomic.Pointer[[]Job]
}

func (s *stubJobLister) set(jobs []Job) { s.jobs.Store(&jobs) }

func (s *stubJobLister) ListJobs(context.Context, string) ([]Job, error) {
	if p := s.jobs.Load(); p != nil {
		return *p, nil
	}
	return nil, nil
}

// TestReconnectBudgetThenPolling drops every socket abnormally and verifies
// the client dials exactly once plus MaxReconnects times, then degrades to
// polling and never dials again.
func TestReconnectBudgetThenPolling(t *testing.T) {
	t.Parallel()

	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		// Drop the socket without a close frame: an abnormal close.
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	lister := &stubJobLister{}
	c, err := New(Config{
		URL:            wsURL(srv),
		Tokens:         staticTokens("T"),
		Jobs:           lister,
		MaxReconnects:  5,
		ReconnectDelay: 5 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StatePolling }, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 6, dials.Load())

	// Polling schedules no further reconnects.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 6, dials.Load())
	require.Equal(t, StatePolling, c.State())
}

// TestAuthErrorIsTerminal verifies a rejected credential closes the timeline
// without touching the reconnect counter or redialing.
func TestAuthErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": "auth_error", "message": "invalid or expired token"})
		msg := websocket.FormatCloseMessage(4401, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		URL:            wsURL(srv),
		Tokens:         staticTokens("bad"),
		MaxReconnects:  5,
		ReconnectDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateClosed }, 5*time.Second, 5*time.Millisecond)

	require.Zero(t, c.ReconnectAttempts())
	require.EqualValues(t, 1, dials.Load())
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, dials.Load())
}

// TestBufferEvictsOldestFirst verifies the capped buffer keeps exactly the
// most recent entries.
func TestBufferEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		URL:        "ws://unused.example/ws",
		Tokens:     staticTokens("T"),
		BufferSize: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		c.bufferMessage([]byte(fmt.Sprintf(`{"type":"evt","data":{"n":%d}}`, i)))
	}

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.JSONEq(t, `{"type":"evt","data":{"n":4}}`, string(msgs[0]))
	require.JSONEq(t, `{"type":"evt","data":{"n":6}}`, string(msgs[2]))

	drained := c.ClearMessages()
	require.Len(t, drained, 3)
	require.Empty(t, c.Messages())
}

// TestPollSynthesizesStatusChanges verifies the fallback turns job list
// diffs into socket-shaped events, skipping the seed pass.
func TestPollSynthesizesStatusChanges(t *testing.T) {
	t.Parallel()

	lister := &stubJobLister{}
	c, err := New(Config{
		URL:    "ws://unused.example/ws",
		Tokens: staticTokens("T"),
		Jobs:   lister,
	})
	require.NoError(t, err)

	known := make(map[string]string)
	ctx := context.Background()

	lister.set([]Job{{ID: "1", Status: "running"}, {ID: "2", Status: "pending"}})
	c.pollOnce(ctx, known, true)
	require.Empty(t, c.Messages())

	lister.set([]Job{{ID: "1", Status: "completed"}, {ID: "2", Status: "pending"}})
	c.pollOnce(ctx, known, false)

	msgs := c.ClearMessages()
	require.Len(t, msgs, 1)
	var frame struct {
		Type string `json:"type"`
		Data struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &frame))
	require.Equal(t, "job:status", frame.Type)
	require.Equal(t, "1", frame.Data.JobID)
	require.Equal(t, "completed", frame.Data.Status)

	// Unchanged lists are quiet.
	c.pollOnce(ctx, known, false)
	require.Empty(t, c.Messages())
}

// TestSubscribeBeforeConnectIsReplayed verifies the desired set survives into
// the handshake: the server sees the subscribe after auth_success.
func TestSubscribeBeforeConnectIsReplayed(t *testing.T) {
	t.Parallel()

	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]string
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch {
			case frame["action"] == "authenticate":
				_ = conn.WriteJSON(map[string]string{"type": "auth_success"})
			case frame["type"] == "subscribe":
				select {
				case subscribed <- frame["channel"]:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: wsURL(srv), Tokens: staticTokens("T")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Subscribe("job:42")
	require.NoError(t, c.Connect(context.Background()))

	select {
	case ch := <-subscribed:
		require.Equal(t, "job:42", ch)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe never replayed")
	}
	require.Equal(t, StateAuthenticated, c.State())
}
