// Package api is the HTTP tier: it accepts task submissions, writes the
// PENDING record, enqueues the message and serves task status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/telemetry"
)

// Enqueuer is the producer side of the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, msg domain.Message, runAt time.Time) (string, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Queue string
	// Tasks restricts submissions to known task names when non-empty.
	Tasks             []string
	DefaultMaxRetries int
	APIKey            string
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxUploadBytes    int64
	Now               func() time.Time

	// TrustProxy keys logging and rate limiting on the forwarded client
	// address instead of the peer address.
	TrustProxy bool
}

type Server struct {
	broker Enqueuer
	store  storage.Store
	opts   Options
	known  map[string]struct{}
	log    *zap.Logger
	tracer trace.Tracer
}

func New(broker Enqueuer, store storage.Store, opts Options, log *zap.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	known := make(map[string]struct{}, len(opts.Tasks))
	for _, name := range opts.Tasks {
		known[name] = struct{}{}
	}
	return &Server{
		broker: broker,
		store:  store,
		opts:   opts,
		known:  known,
		log:    log.Named("api"),
		tracer: telemetry.Tracer(),
	}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	if s.opts.TrustProxy {
		rtr.Use(middleware.RealIP)
	}
	rtr.Use(requestLogger(s.log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", s.healthz)
	rtr.Handle("/metrics", promhttp.Handler())

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Use(apiKey(s.opts.APIKey))
		if s.opts.RateLimitRPS > 0 {
			rtr.Use(newIPRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitBurst).middleware)
		}
		rtr.Post("/tasks", s.submitTask)
		rtr.Get("/tasks/{id}", s.getTask)
		rtr.Post("/files", s.uploadFile)
	})
	return rtr
}
