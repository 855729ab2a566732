package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/delivery"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/observability"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/subscription"
)

// Defaults for server options.
const (
	DefaultMaxBodyBytes   = 1 << 20
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Banner is the body of GET /eventhandler.
const Banner = "This is the Event Handler."

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes to the registrar and coordinator.
type Server struct {
	registrar   *subscription.Registrar
	coordinator *delivery.Coordinator
	ready       Pinger

	logger         *slog.Logger
	maxBodyBytes   int64
	clockSkew      time.Duration
	now            func() time.Time
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	gatherer       prometheus.Gatherer
	metrics        *httpMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxBodyBytes limits request bodies. Non-positive values keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithClockSkew rejects events timestamped further than d in the future.
// Zero, the default, accepts any timestamp.
func WithClockSkew(d time.Duration) Option {
	return func(s *Server) {
		s.clockSkew = d
	}
}

// WithClock overrides time.Now for event validation.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithIdempotency enables Idempotency-Key handling on publish.
// Non-positive ttl keeps DefaultIdempotencyTTL.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Server) {
		s.idempotency = store
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithRegistry registers HTTP metrics on reg and serves reg at /metrics.
// By default each Server owns a registry with Go and process collectors.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = newHTTPMetrics(reg)
	}
}

// NewServer creates a Server. ready backs /readyz and is usually the store.
func NewServer(reg *subscription.Registrar, coord *delivery.Coordinator, ready Pinger, opts ...Option) *Server {
	s := &Server{
		registrar:      reg,
		coordinator:    coord,
		ready:          ready,
		maxBodyBytes:   DefaultMaxBodyBytes,
		now:            time.Now,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.DefaultLogger(s.logger).With("component", "httpapi")
	if s.metrics == nil {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.gatherer = r
		s.metrics = newHTTPMetrics(r)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(instrument(s.logger, s.metrics))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/eventhandler", func(r chi.Router) {
		r.Use(BodyLimit(s.maxBodyBytes))
		r.Use(RequireJSON)

		r.Get("/", s.handleBanner)

		pub := r
		if s.idempotency != nil {
			pub = r.With(idempotency(s.idempotency, s.idempotencyTTL, s.logger, s.metrics))
		}
		pub.Post("/publish", s.handlePublish)

		r.Route("/subscription", func(r chi.Router) {
			r.Post("/", s.handleRegister)
			r.Get("/", s.handleList)
			r.Delete("/type/{eventType}/consumer/{consumerName}", s.handleDelete)
		})
	})

	return r
}
