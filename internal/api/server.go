// Package api exposes the HTTP surface of the realtime gateway: the
// websocket endpoint, the internal event-producer endpoint, webhook delivery
// history, and the operational probes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snowscrape/realtime-gateway/internal/event"
	"github.com/snowscrape/realtime-gateway/internal/gateway"
	"github.com/snowscrape/realtime-gateway/internal/router"
	"github.com/snowscrape/realtime-gateway/internal/telemetry"
	"github.com/snowscrape/realtime-gateway/internal/webhook"
)

// Config controls the HTTP layer.
type Config struct {
	// APIKey guards the internal producer endpoints. Empty disables the check.
	APIKey string
	// RequestTimeout bounds the REST handlers. The websocket endpoint is
	// exempt: a hijacked connection outlives any request timeout.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the gateway, router, and webhook stores.
type Server struct {
	router     chi.Router
	gw         *gateway.Gateway
	events     *router.Router
	dispatcher *webhook.Dispatcher
	deliveries webhook.DeliveryStore
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	gw *gateway.Gateway,
	events *router.Router,
	dispatcher *webhook.Dispatcher,
	deliveries webhook.DeliveryStore,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		gw:         gw,
		events:     events,
		dispatcher: dispatcher,
		deliveries: deliveries,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	// The websocket endpoint skips the timeout and metrics middleware: both
	// wrap the ResponseWriter in a way that defeats the connection hijack.
	r.Get("/ws", gw.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.Middleware)
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/events", s.publishEvent)
			r.Route("/webhooks/{webhook_id}", func(r chi.Router) {
				r.Get("/deliveries", s.listDeliveries)
				r.Get("/deliveries/{delivery_id}/attempts", s.listAttempts)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type publishEventRequest struct {
	Type   string         `json:"type"`
	JobID  string         `json:"job_id"`
	UserID string         `json:"user_id"`
	Data   map[string]any `json:"data"`
}

// publishEvent is the internal producer endpoint: the job runner reports a
// lifecycle change here and this service fans it out to sockets and queues
// the matching webhook deliveries.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" || req.JobID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "type, job_id, and user_id are required")
		return
	}
	status, ok := jobStatusFor(req.Type)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown event type: "+req.Type)
		return
	}

	if err := s.events.PublishJobStatus(r.Context(), req.JobID, req.UserID, status, req.Data); err != nil {
		s.logger.Error("publish event failed",
			zap.String("job_id", req.JobID),
			zap.String("type", req.Type),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	queued, err := s.dispatcher.Dispatch(r.Context(), req.Type, req.JobID, req.UserID, req.Data)
	if err != nil {
		s.logger.Error("dispatch webhooks failed",
			zap.String("job_id", req.JobID),
			zap.String("type", req.Type),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "webhook dispatch failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"webhooks_queued": queued,
		"job_id":          req.JobID,
	})
}

// jobStatusFor maps a lifecycle event type to the status pushed to sockets.
func jobStatusFor(eventType string) (string, bool) {
	switch eventType {
	case event.TypeJobCreated:
		return "created", true
	case event.TypeJobStarted:
		return "running", true
	case event.TypeJobCompleted:
		return "completed", true
	case event.TypeJobFailed:
		return "failed", true
	case event.TypeJobCancelled:
		return "cancelled", true
	default:
		return "", false
	}
}

type deliveryResponse struct {
	DeliveryID     string    `json:"delivery_id"`
	EventType      string    `json:"event_type"`
	JobID          string    `json:"job_id,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitzero"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	DeliveredAt    time.Time `json:"delivered_at,omitzero"`
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhook_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	rows, err := s.deliveries.ListByWebhook(r.Context(), webhookID, limit)
	if err != nil {
		s.logger.Error("list deliveries failed",
			zap.String("webhook_id", webhookID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch deliveries")
		return
	}

	out := make([]deliveryResponse, 0, len(rows))
	for _, d := range rows {
		out = append(out, deliveryResponse{
			DeliveryID:     d.ID,
			EventType:      d.EventType,
			JobID:          d.JobID,
			Status:         string(d.Status),
			Attempts:       d.Attempts,
			NextAttemptAt:  d.NextAttemptAt,
			LastStatusCode: d.LastStatusCode,
			LastError:      d.LastError,
			CreatedAt:      d.CreatedAt,
			DeliveredAt:    d.DeliveredAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "delivery_id")
	recs, err := s.deliveries.ListAttempts(r.Context(), deliveryID)
	if err != nil {
		s.logger.Error("list attempts failed",
			zap.String("delivery_id", deliveryID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch attempts")
		return
	}
	type attemptResponse struct {
		Attempt    int       `json:"attempt"`
		StatusCode int       `json:"status_code,omitempty"`
		Error      string    `json:"error,omitempty"`
		DurationMs int64     `json:"duration_ms"`
		At         time.Time `json:"at"`
	}
	out := make([]attemptResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, attemptResponse{
			Attempt:    rec.Attempt,
			StatusCode: rec.StatusCode,
			Error:      rec.Error,
			DurationMs: rec.Duration.Milliseconds(),
			At:         rec.At,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades are long-lived and log their own lifecycle.
		if strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
