// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/broadcast"
	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultStoreTimeout   = 3 * time.Second
)

// JobScheduler is the slice of the scheduler the API drives.
type JobScheduler interface {
	Schedule(ctx context.Context, target crawler.Target, trigger crawler.Trigger) (crawler.FetchJob, error)
	Target(name string) (crawler.Target, bool)
	Draining() bool
}

// IdentityPool exposes operator controls over the identity pool.
type IdentityPool interface {
	Snapshot() []crawler.Identity
	Health() identity.Health
	Add(ident crawler.Identity) error
	Ban(id string) (crawler.Identity, error)
	Reset(id string) (crawler.Identity, error)
}

// StreamHub accepts websocket subscribers.
type StreamHub interface {
	Register(conn broadcast.Conn) (string, error)
	HandleMessage(id string, msg broadcast.Message) error
	Unregister(id, reason string)
	Stats() []broadcast.SubscriberStats
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Scheduler   JobScheduler
	Jobs        crawler.JobStore
	DeadLetters crawler.DeadLetterStore
	Alerts      crawler.AlertStore
	Identities  IdentityPool
	Hub         StreamHub
	Clock       crawler.Clock
}

// Config tunes request handling.
type Config struct {
	RequestTimeout time.Duration
	StoreTimeout   time.Duration
	// StreamOrigins are host patterns allowed to open the websocket stream
	// cross-origin. Same-origin requests are always accepted.
	StreamOrigins []string
}

// Server wires HTTP handlers to the scheduler, stores, and broadcast hub.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The stream outlives any request deadline and needs Hijack.
		r.Get("/stream", s.stream)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))

			r.Get("/stream/subscribers", s.listSubscribers)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.scheduleJob)
				r.Get("/", s.listJobs)
				r.Get("/{job_id}", s.getJob)
			})
			r.Route("/deadletters", func(r chi.Router) {
				r.Get("/", s.listDeadLetters)
				r.Get("/stats", s.deadLetterStats)
				r.Get("/{entry_id}", s.getDeadLetter)
				r.Post("/{entry_id}/resolve", s.resolveDeadLetter)
			})
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.listAlerts)
				r.Post("/{alert_id}/ack", s.ackAlert)
			})
			r.Route("/identities", func(r chi.Router) {
				r.Get("/", s.listIdentities)
				r.Post("/", s.addIdentity)
				r.Post("/{identity_id}/ban", s.banIdentity)
				r.Post("/{identity_id}/reset", s.resetIdentity)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler != nil && s.deps.Scheduler.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
