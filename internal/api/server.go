// Package api is the HTTP surface: webhook ingestion, health checks and a
// small operator API over the queue and the circuit breaker.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/SirClappington/replyq/internal/breaker"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/queue"
)

type Queue interface {
	Enqueue(ctx context.Context, payload json.RawMessage) error
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]string, error)
	ReplayDeadLetters(ctx context.Context, n int) (int, error)
}

type Breaker interface {
	Snapshot() breaker.Snapshot
	Reset()
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	// WebhookSecret enables X-Signature checks on /webhook when set.
	WebhookSecret string
	// WebhookRateLimit is requests per minute per client IP; 0 disables it.
	WebhookRateLimit int
	// AdminToken guards /v1 with a bearer token when set.
	AdminToken string
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	q       Queue
	breaker Breaker
	checks  map[string]Pinger
	opts    Options
	log     *logger.Logger

	limiter *ipRateLimiter
}

// New builds the server. checks are pinged by /readyz under their map keys.
func New(q Queue, b Breaker, checks map[string]Pinger, opts Options, log *logger.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{q: q, breaker: b, checks: checks, opts: opts, log: log.With("component", "api")}
	if opts.WebhookRateLimit > 0 {
		s.limiter = newIPRateLimiter(rate.Limit(float64(opts.WebhookRateLimit)/60), opts.WebhookRateLimit, 10*time.Minute)
	}
	if opts.WebhookSecret == "" {
		s.log.Warn("WEBHOOK_SECRET not set, webhook signatures are not verified")
	}
	return s
}

// Close stops background housekeeping.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(s.accessLog)
	rtr.Use(middleware.Recoverer)
	rtr.Use(securityHeaders)

	rtr.Get("/healthz", s.healthz)
	rtr.Get("/readyz", s.readyz)
	rtr.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	rtr.Group(func(rtr chi.Router) {
		rtr.Use(middleware.RequestSize(1 << 20))
		if s.limiter != nil {
			rtr.Use(s.rateLimit)
		}
		if s.opts.WebhookSecret != "" {
			rtr.Use(verifySignature(s.opts.WebhookSecret, s.log))
		}
		rtr.Post("/webhook", s.webhook)
	})

	rtr.Route("/v1", func(rtr chi.Router) {
		if s.opts.AdminToken != "" {
			rtr.Use(bearerAuth(s.opts.AdminToken))
		}
		rtr.Get("/queue", s.queueStats)
		rtr.Get("/dead-letters", s.listDeadLetters)
		rtr.Post("/dead-letters/replay", s.replayDeadLetters)
		rtr.Get("/breaker", s.breakerState)
		rtr.Post("/breaker/reset", s.resetBreaker)
	})
	return rtr
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
