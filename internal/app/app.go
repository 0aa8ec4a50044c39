// Package app wires the shared dependencies of the taskq binaries.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/config"
	"github.com/SirClappington/taskq/internal/logger"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/telemetry"
)

type App struct {
	Config config.Config
	Log    *zap.Logger
	Redis  *r.Client
	// PG is nil unless the postgres result backend is selected.
	PG     *pgxpool.Pool
	Broker *queue.RedisQ
	Store  storage.Store

	shutdownTracing func(context.Context) error
}

// Open loads configuration and connects the broker and result store.
// With the postgres backend the schema is migrated before returning.
func Open(ctx context.Context, component string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("component", component), zap.String("env", cfg.AppEnv))

	a := &App{Config: cfg, Log: log}
	a.shutdownTracing, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.AppEnv,
		Component:   component,
	})
	if err != nil {
		return nil, err
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, multierr.Append(err, a.Close(ctx))
	}
	a.Redis = r.NewClient(opts)
	a.Broker = queue.New(a.Redis, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
	})

	switch cfg.ResultBackend {
	case config.BackendPostgres:
		a.PG, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "connect postgres"), a.Close(ctx))
		}
		if err := storage.Migrate(ctx, a.PG, log); err != nil {
			return nil, multierr.Append(err, a.Close(ctx))
		}
		a.Store = storage.NewPostgres(a.PG, cfg.ResultTTL)
	default:
		a.Store = storage.NewRedis(a.Redis, cfg.ResultTTL)
	}

	log.Info("connected",
		zap.String("result_backend", cfg.ResultBackend),
		zap.String("redis", opts.Addr),
		zap.Strings("queues", cfg.Queues),
	)
	return a, nil
}

// Purger returns the store's expiry sweep, or nil if it has none.
func (a *App) Purger() storage.Purger {
	if p, ok := a.Store.(storage.Purger); ok {
		return p
	}
	return nil
}

// Close releases connections and flushes traces.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if a.shutdownTracing != nil {
		err = multierr.Append(err, a.shutdownTracing(ctx))
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.PG != nil {
		a.PG.Close()
	}
	_ = a.Log.Sync()
	return err
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
