// Package gateway accepts persistent websocket connections, runs the
// post-connect authentication handshake, and tracks channel memberships in
// the connection registry. Handlers hold no shared mutable protocol state:
// membership coordination happens entirely through the registry, the gateway
// only keeps the transport endpoint for each live socket so the router can
// reach it.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/auth"
	"github.com/snowscrape/realtime-gateway/internal/registry"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
)

var (
	// ErrConnectionGone is returned by Send when the socket is no longer
	// attached to this gateway instance.
	ErrConnectionGone = errors.New("connection gone")
	// ErrSendBufferFull is returned by Send when a slow consumer's outbound
	// buffer is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Config controls per-socket behavior.
type Config struct {
	// AuthTimeout bounds the handshake window: a socket that has not
	// authenticated within it is closed.
	AuthTimeout time.Duration
	// PendingTTL is the registry TTL before authentication succeeds.
	PendingTTL time.Duration
	// AuthenticatedTTL is the registry TTL after authentication.
	AuthenticatedTTL time.Duration
	// WriteWait bounds each outbound write.
	WriteWait time.Duration
	// PongWait bounds the silence tolerated before the socket is presumed dead.
	PongWait time.Duration
	// MaxMessageBytes limits inbound frame size.
	MaxMessageBytes int64
	// SendBuffer is the per-session outbound channel capacity.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 5 * time.Minute
	}
	if c.AuthenticatedTTL <= 0 {
		c.AuthenticatedTTL = 24 * time.Hour
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Gateway upgrades HTTP requests to websocket sessions.
type Gateway struct {
	reg      registry.Store
	verifier auth.Verifier
	upgrader websocket.Upgrader
	cfg      Config
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Gateway.
func New(reg registry.Store, verifier auth.Verifier, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		reg:      reg,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the dashboard origin; origin policy
			// is enforced at the edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// HandleWS upgrades the request and runs the session until disconnect. The
// connection carries no credential in the URI: authentication happens via the
// first message so bearer tokens stay out of proxy and access logs.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	if err := g.reg.Put(r.Context(), id, g.cfg.PendingTTL); err != nil {
		g.logger.Error("register pending connection failed",
			zap.String("connection_id", id),
			zap.Error(err),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registry unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	s := newSession(g, id, conn)
	g.register(s)
	g.logger.Info("connection established",
		zap.String("connection_id", id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	go s.writePump()
	go s.readPump()
}

// Send queues data for one connection. It never blocks: a saturated buffer
// returns ErrSendBufferFull and a detached socket returns ErrConnectionGone.
func (g *Gateway) Send(_ context.Context, connID string, data []byte) error {
	g.mu.RLock()
	s, ok := g.sessions[connID]
	g.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close terminates every live session, typically on shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	telemetry.ConnectionOpened()
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	if current, ok := g.sessions[s.id]; ok && current == s {
		delete(g.sessions, s.id)
	}
	g.mu.Unlock()
	telemetry.ConnectionClosed()

	// Best-effort: the registry TTL self-heals if this remove is missed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.reg.Remove(ctx, s.id); err != nil {
		g.logger.Warn("remove connection from registry failed",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
	}
}
