package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/app"
	"github.com/SirClappington/taskq/internal/scheduler"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.Open(ctx, "scheduler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskq scheduler: %v\n", err)
		os.Exit(1)
	}
	cfg := a.Config

	// leader election
	var locker scheduler.Locker
	if a.PG != nil {
		locker = scheduler.NewPGLock(a.PG)
	} else {
		locker = scheduler.NewRedisLock(a.Redis, 3*cfg.SchedInterval)
	}

	s := scheduler.New(a.Broker, locker, a.Purger(), scheduler.Config{
		Queues:   cfg.Queues,
		Interval: cfg.SchedInterval,
		Batch:    cfg.SchedBatch,
	}, a.Log)

	runErr := s.Run(ctx)
	if runErr != nil {
		a.Log.Error("scheduler stopped", zap.Error(runErr))
	}
	if err := a.Close(context.Background()); err != nil || runErr != nil {
		os.Exit(1)
	}
}
