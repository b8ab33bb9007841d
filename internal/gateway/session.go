package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/registry"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
)

type closeRequest struct {
	code   int
	reason string
}

// session is the per-socket protocol state machine: Pending until the
// authenticate handshake completes, Authenticated afterwards, Closed on
// disconnect. All reads happen on readPump and all data writes on writePump.
type session struct {
	gw   *Gateway
	id   string
	conn *websocket.Conn

	send    chan []byte
	closeCh chan closeRequest
	done    chan struct{}

	authenticated atomic.Bool
	cleanupOnce   sync.Once
	authTimer     *time.Timer
}

func newSession(gw *Gateway, id string, conn *websocket.Conn) *session {
	return &session{
		gw:      gw,
		id:      id,
		conn:    conn,
		send:    make(chan []byte, gw.cfg.SendBuffer),
		closeCh: make(chan closeRequest, 1),
		done:    make(chan struct{}),
	}
}

// closeWith requests an orderly close: writePump drains queued frames, sends
// the close control frame, and shuts the connection down.
func (s *session) closeWith(code int, reason string) {
	select {
	case s.closeCh <- closeRequest{code: code, reason: reason}:
	default:
	}
}

func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		close(s.done)
		_ = s.conn.Close()
		s.gw.unregister(s)
		s.gw.logger.Info("connection closed", zap.String("connection_id", s.id))
	})
}

func (s *session) readPump() {
	defer s.cleanup()

	s.conn.SetReadLimit(s.gw.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	})

	s.authTimer = time.AfterFunc(s.gw.cfg.AuthTimeout, func() {
		if !s.authenticated.Load() {
			s.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.gw.logger.Warn("websocket read error",
					zap.String("connection_id", s.id),
					zap.Error(err),
				)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.enqueue(ServerFrame{Type: TypeError, Code: "invalid_json", Message: "invalid JSON frame"})
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *session) handleFrame(frame clientFrame) {
	kind := frame.kind()
	telemetry.ObserveClientFrame(kind)

	switch kind {
	case actionAuthenticate, typeAuth:
		s.handleAuthenticate(frame.Token)
	case typeSubscribe:
		s.handleMembership(frame.Channel, s.gw.reg.Subscribe, "subscribe")
	case typeUnsubscribe:
		s.handleMembership(frame.Channel, s.gw.reg.Unsubscribe, "unsubscribe")
	case typePing:
		s.enqueue(ServerFrame{Type: TypePong})
	default:
		s.enqueue(ServerFrame{Type: TypeError, Code: "unknown_type", Message: "unknown message type: " + kind})
	}
}

func (s *session) handleAuthenticate(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claims, err := s.gw.verifier.Verify(ctx, token)
	if err != nil {
		telemetry.ObserveAuth("failure")
		s.gw.logger.Info("authentication rejected",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
		s.enqueue(ServerFrame{Type: TypeAuthError, Message: "invalid or expired token"})
		s.closeWith(CloseAuthFailure, "authentication failed")
		return
	}

	if s.authenticated.Load() {
		// Token refresh on a live socket: re-verified above, extend the TTL.
		if err := s.gw.reg.Touch(ctx, s.id, s.gw.cfg.AuthenticatedTTL); err != nil {
			s.gw.logger.Error("refresh connection ttl failed",
				zap.String("connection_id", s.id),
				zap.Error(err),
			)
		}
		s.enqueue(ServerFrame{Type: TypeAuthSuccess, UserID: claims.UserID})
		return
	}

	err = s.gw.reg.Authenticate(ctx, s.id, claims.UserID, s.gw.cfg.AuthenticatedTTL)
	if errors.Is(err, registry.ErrNotFound) {
		// The pending row expired between the upgrade and the handshake. The
		// socket is still live, so re-register and try once more.
		if putErr := s.gw.reg.Put(ctx, s.id, s.gw.cfg.PendingTTL); putErr == nil {
			err = s.gw.reg.Authenticate(ctx, s.id, claims.UserID, s.gw.cfg.AuthenticatedTTL)
		}
	}
	if err != nil {
		// Accepting the socket without a registry row would hide it from
		// fan-out; fail loudly instead.
		s.gw.logger.Error("persist authentication failed",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
		s.enqueue(ServerFrame{Type: TypeError, Code: "internal", Message: "authentication could not be persisted"})
		s.closeWith(websocket.CloseInternalServerErr, "registry unavailable")
		return
	}

	s.authenticated.Store(true)
	s.authTimer.Stop()
	telemetry.ObserveAuth("success")
	s.gw.logger.Info("connection authenticated",
		zap.String("connection_id", s.id),
		zap.String("user_id", claims.UserID),
	)
	s.enqueue(ServerFrame{Type: TypeAuthSuccess, UserID: claims.UserID})
}

func (s *session) handleMembership(
	channel string,
	op func(context.Context, string, string) error,
	name string,
) {
	if channel == "" {
		s.enqueue(ServerFrame{Type: TypeError, Code: "channel_required", Message: "no channel specified"})
		return
	}
	if !s.authenticated.Load() {
		s.enqueue(ServerFrame{Type: TypeError, Code: "not_authenticated", Message: "authenticate before " + name})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx, s.id, channel); err != nil {
		s.gw.logger.Error("membership update failed",
			zap.String("connection_id", s.id),
			zap.String("op", name),
			zap.String("channel", channel),
			zap.Error(err),
		)
		s.enqueue(ServerFrame{Type: TypeError, Code: "internal", Message: name + " failed"})
		return
	}
	s.gw.logger.Debug("membership updated",
		zap.String("connection_id", s.id),
		zap.String("op", name),
		zap.String("channel", channel),
	)
}

func (s *session) enqueue(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.gw.logger.Error("marshal server frame failed", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	default:
		s.gw.logger.Warn("session send buffer full, frame dropped",
			zap.String("connection_id", s.id),
			zap.String("type", frame.Type),
		)
	}
}

func (s *session) writePump() {
	pingPeriod := s.gw.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cleanup()
	}()

	for {
		select {
		case message := <-s.send:
			if !s.writeMessage(message) {
				return
			}
		case req := <-s.closeCh:
			s.drain()
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			deadline := time.Now().Add(s.gw.cfg.WriteWait)
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				s.gw.logger.Debug("write close frame failed",
					zap.String("connection_id", s.id),
					zap.Error(err),
				)
			}
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.gw.cfg.WriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// drain flushes frames queued before a close request so the peer sees, for
// example, the auth_error frame before the close frame.
func (s *session) drain() {
	for {
		select {
		case message := <-s.send:
			if !s.writeMessage(message) {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeMessage(message []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.gw.logger.Debug("websocket write failed",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
		return false
	}
	return true
}
