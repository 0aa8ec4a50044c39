// Package scheduler runs broker maintenance from a single elected replica:
// promoting due delayed messages, redelivering lapsed claims, sampling
// queue depth and purging expired results.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/metrics"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/storage"
)

type Broker interface {
	MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error)
	RequeueExpired(ctx context.Context, queue string, batch int64) (int, error)
	Stats(ctx context.Context, queue string) (queue.Stats, error)
}

type Config struct {
	Queues   []string
	Interval time.Duration
	Batch    int64
	Now      func() time.Time
}

type Scheduler struct {
	broker Broker
	locker Locker
	purger storage.Purger
	cfg    Config
	log    *zap.Logger
	leader bool
}

// New builds a scheduler. purger may be nil when the result store expires
// records on its own.
func New(broker Broker, locker Locker, purger storage.Purger, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		broker: broker,
		locker: locker,
		purger: purger,
		cfg:    cfg,
		log:    log.Named("scheduler"),
	}
}

// Leader reports whether the last tick held the lock.
func (s *Scheduler) Leader() bool { return s.leader }

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("starting scheduler",
		zap.Strings("queues", s.cfg.Queues),
		zap.Duration("interval", s.cfg.Interval),
	)
	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return s.stop()
		case <-tick.C:
		}
	}
}

func (s *Scheduler) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !s.leader {
		return nil
	}
	s.leader = false
	s.log.Info("releasing leadership")
	return s.locker.Release(ctx)
}

// Tick runs one maintenance pass if this replica is the leader.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.locker.Acquire(ctx)
	if err != nil {
		s.leader = false
		return err
	}
	if ok != s.leader {
		if ok {
			s.log.Info("acquired leadership")
		} else {
			s.log.Info("lost leadership")
		}
	}
	s.leader = ok
	if !ok {
		return nil
	}

	for _, q := range s.cfg.Queues {
		err = multierr.Append(err, s.maintain(ctx, q))
	}
	if s.purger != nil {
		n, perr := s.purger.PurgeExpired(ctx)
		if perr != nil {
			err = multierr.Append(err, perr)
		} else if n > 0 {
			metrics.ResultsPurged.Add(float64(n))
			s.log.Debug("purged expired results", zap.Int64("count", n))
		}
	}
	return err
}

func (s *Scheduler) maintain(ctx context.Context, q string) error {
	log := s.log.With(zap.String("queue", q))
	var errs error

	moved, err := s.broker.MoveDue(ctx, q, s.cfg.Now(), s.cfg.Batch)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if moved > 0 {
		log.Debug("moved due messages", zap.Int("count", moved))
	}

	requeued, err := s.broker.RequeueExpired(ctx, q, s.cfg.Batch)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if requeued > 0 {
		metrics.Redelivered.WithLabelValues(q).Add(float64(requeued))
		log.Info("requeued messages past their visibility timeout", zap.Int("count", requeued))
	}

	st, err := s.broker.Stats(ctx, q)
	if err != nil {
		return multierr.Append(errs, err)
	}
	metrics.QueueDepth.WithLabelValues(q, "ready").Set(float64(st.Ready))
	metrics.QueueDepth.WithLabelValues(q, "in_flight").Set(float64(st.InFlight))
	metrics.QueueDepth.WithLabelValues(q, "delayed").Set(float64(st.Delayed))
	return errs
}
