package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/snowscrape/realtime-gateway/internal/auth"
	"github.com/snowscrape/realtime-gateway/internal/registry"
	regmem "github.com/snowscrape/realtime-gateway/internal/registry/memory"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	if !strings.HasPrefix(token, "good-") {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return auth.Claims{
		UserID:    strings.TrimPrefix(token, "good-"),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func dialGateway(t *testing.T, cfg Config) (*websocket.Conn, *regmem.Registry) {
	t.Helper()

	reg := regmem.New()
	t.Cleanup(reg.Close)
	return dialGatewayStore(t, cfg, reg), reg
}

func dialGatewayStore(t *testing.T, cfg Config, store registry.Store) *websocket.Conn {
	t.Helper()

	gw := New(store, stubVerifier{}, cfg, nil)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// TestAuthenticateSuccess verifies the post-connect handshake marks the
// connection authenticated in the registry.
func TestAuthenticateSuccess(t *testing.T) {
	t.Parallel()

	conn, reg := dialGateway(t, Config{})
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "good-user-1"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeAuthSuccess, frame.Type)
	require.Equal(t, "user-1", frame.UserID)

	require.Eventually(t, func() bool {
		ids, err := reg.ListByUser(context.Background(), "user-1")
		return err == nil && len(ids) == 1
	}, time.Second, 10*time.Millisecond)
}

// TestAuthenticateFailureClosesWithDedicatedCode verifies a bad token gets
// the auth_error frame followed by the 4401 close, so clients can tell a bad
// credential from a network blip.
func TestAuthenticateFailureClosesWithDedicatedCode(t *testing.T) {
	t.Parallel()

	conn, _ := dialGateway(t, Config{})
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "nope"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeAuthError, frame.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, CloseAuthFailure), "expected close %d, got %v", CloseAuthFailure, err)
}

// TestSubscribeBeforeAuthRejected verifies pre-auth membership requests get
// an error frame without closing the socket.
func TestSubscribeBeforeAuthRejected(t *testing.T) {
	t.Parallel()

	conn, _ := dialGateway(t, Config{})
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": "job:42"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	require.Equal(t, "not_authenticated", frame.Code)

	// Socket still alive: authentication works afterwards.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "good-user-1"}))
	require.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)
}

// TestSubscribeUnsubscribeNetEffect verifies membership follows the net
// effect of the request sequence.
func TestSubscribeUnsubscribeNetEffect(t *testing.T) {
	t.Parallel()

	conn, reg := dialGateway(t, Config{})
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "good-user-1"}))
	require.Equal(t, TypeAuthSuccess, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": "job:1"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": "job:2"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": "job:2"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe", "channel": "job:1"}))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		one, err1 := reg.ListByChannel(ctx, "job:1")
		two, err2 := reg.ListByChannel(ctx, "job:2")
		return err1 == nil && err2 == nil && len(one) == 0 && len(two) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestPingPong verifies the application-level keepalive.
func TestPingPong(t *testing.T) {
	t.Parallel()

	conn, _ := dialGateway(t, Config{})
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.Equal(t, TypePong, readFrame(t, conn).Type)
}

// TestAuthTimeoutClosesPendingSocket verifies an unauthenticated socket is
// closed once the handshake window elapses.
func TestAuthTimeoutClosesPendingSocket(t *testing.T) {
	t.Parallel()

	conn, _ := dialGateway(t, Config{AuthTimeout: 50 * time.Millisecond})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

// expiringStore simulates a pending row that drops out of the registry
// between the upgrade and the handshake. fails < 0 means Authenticate never
// finds a row.
type expiringStore struct {
	registry.Store
	mu    sync.Mutex
	fails int
}

func (s *expiringStore) Authenticate(ctx context.Context, id, userID string, ttl time.Duration) error {
	s.mu.Lock()
	if s.fails != 0 {
		if s.fails > 0 {
			s.fails--
		}
		s.mu.Unlock()
		return registry.ErrNotFound
	}
	s.mu.Unlock()
	return s.Store.Authenticate(ctx, id, userID, ttl)
}

// TestAuthenticateReRegistersExpiredPendingRow verifies a handshake that hits
// an expired pending row re-registers the connection and still lands it in
// fan-out results.
func TestAuthenticateReRegistersExpiredPendingRow(t *testing.T) {
	t.Parallel()

	reg := regmem.New()
	t.Cleanup(reg.Close)
	store := &expiringStore{Store: reg, fails: 1}

	conn := dialGatewayStore(t, Config{}, store)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "good-user-1"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeAuthSuccess, frame.Type)

	require.Eventually(t, func() bool {
		ids, err := reg.ListByUser(context.Background(), "user-1")
		return err == nil && len(ids) == 1
	}, time.Second, 10*time.Millisecond)
}

// TestAuthenticateNeverSucceedsWithoutRegistryRow verifies a socket whose
// registry row cannot be persisted is refused and closed, not silently
// accepted into a state the router cannot see.
func TestAuthenticateNeverSucceedsWithoutRegistryRow(t *testing.T) {
	t.Parallel()

	reg := regmem.New()
	t.Cleanup(reg.Close)
	store := &expiringStore{Store: reg, fails: -1}

	conn := dialGatewayStore(t, Config{}, store)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "authenticate", "token": "good-user-1"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	require.Equal(t, "internal", frame.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	ids, err := reg.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

// TestSendToUnknownConnection verifies the router-facing Send contract.
func TestSendToUnknownConnection(t *testing.T) {
	t.Parallel()

	reg := regmem.New()
	t.Cleanup(reg.Close)
	gw := New(reg, stubVerifier{}, Config{}, nil)

	err := gw.Send(context.Background(), "ghost", []byte(`{}`))
	require.ErrorIs(t, err, ErrConnectionGone)
}
