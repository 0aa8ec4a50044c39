package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/taskq/internal/app"
	"github.com/SirClappington/taskq/internal/tasks"
	"github.com/SirClappington/taskq/internal/worker"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Open(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskq worker: %v\n", err)
		os.Exit(1)
	}
	runErr := run(ctx, a)
	if runErr != nil {
		a.Log.Error("worker stopped", zap.Error(runErr))
	}
	if err := a.Close(context.Background()); err != nil || runErr != nil {
		os.Exit(1)
	}
}

// run starts one pool per configured queue.
func run(ctx context.Context, a *app.App) error {
	cfg := a.Config
	reg := worker.NewRegistry()
	tasks.Register(reg)

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range cfg.Queues {
		pool := worker.New(a.Broker, a.Store, reg, worker.Config{
			Queue:             q,
			Concurrency:       cfg.WorkerConcurrency,
			TaskTimeout:       cfg.TaskTimeout,
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxDeliveries:     cfg.MaxDeliveries,
			Backoff: worker.Backoff{
				Base:   cfg.RetryBaseDelay,
				Max:    cfg.RetryMaxDelay,
				Jitter: worker.DefaultBackoff().Jitter,
			},
		}, a.Log)
		g.Go(func() error { return pool.Run(ctx) })
	}
	return g.Wait()
}
