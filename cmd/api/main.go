package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/api"
	"github.com/SirClappington/taskq/internal/app"
	"github.com/SirClappington/taskq/internal/tasks"
	"github.com/SirClappington/taskq/internal/worker"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Open(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskq api: %v\n", err)
		os.Exit(1)
	}
	runErr := run(ctx, a)
	if runErr != nil {
		a.Log.Error("api stopped", zap.Error(runErr))
	}
	if err := a.Close(context.Background()); err != nil || runErr != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App) error {
	cfg := a.Config
	reg := worker.NewRegistry()
	tasks.Register(reg)

	srv := api.New(a.Broker, a.Store, api.Options{
		Queue:             cfg.Queue,
		Tasks:             reg.Names(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		APIKey:            cfg.APIKey,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		TrustProxy:        cfg.TrustProxy,
	}, a.Log)

	hs := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.Log.Info("listening", zap.String("addr", cfg.APIAddr), zap.String("queue", cfg.Queue))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	a.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
