package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/metrics"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/telemetry"
)

// maxBackoffSteps caps the transport back-off exponent; Backoff.Max caps
// the delay itself.
const maxBackoffSteps = 32

// Broker is the part of the queue a worker consumes from.
type Broker interface {
	Consume(ctx context.Context, queue string) iter.Seq2[*queue.Delivery, error]
	Ack(ctx context.Context, token string) (bool, error)
	Nack(ctx context.Context, token string, msg *domain.Message, delay time.Duration) (bool, error)
	Extend(ctx context.Context, token string, d time.Duration) (bool, error)
}

type Config struct {
	Queue       string
	Concurrency int
	// TaskTimeout bounds a single handler run; zero means no limit.
	TaskTimeout time.Duration
	// VisibilityTimeout must match the broker's; claims are extended every
	// half of it while a handler runs. Zero disables the heartbeat.
	VisibilityTimeout time.Duration
	// MaxDeliveries fails a task whose message keeps coming back without
	// being acknowledged. Zero means unlimited.
	MaxDeliveries int
	Backoff       Backoff
	Now           func() time.Time
}

type Pool struct {
	broker   Broker
	store    storage.Store
	registry *Registry
	cfg      Config
	log      *zap.Logger
	tracer   trace.Tracer
}

func New(broker Broker, store storage.Store, registry *Registry, cfg Config, log *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Pool{
		broker:   broker,
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log.Named("worker").With(zap.String("queue", cfg.Queue)),
		tracer:   telemetry.Tracer(),
	}
}

// Run consumes until ctx is cancelled. In-flight tasks are finished before
// Run returns; idle consumers stop right away.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Strings("tasks", p.registry.Names()),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(ctx, slot) })
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, slot int) error {
	log := p.log.With(zap.Int("slot", slot))
	failures := 0
	for d, err := range p.broker.Consume(ctx, p.cfg.Queue) {
		if err != nil {
			if !domain.IsTransport(err) {
				log.Error("dropping undeliverable message", zap.Error(err))
				continue
			}
			if failures < maxBackoffSteps {
				failures++
			}
			wait := p.cfg.Backoff.Delay(failures)
			log.Warn("broker unavailable, backing off", zap.Error(err), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		// Shutdown must not abort a task halfway; the claim would just be
		// redelivered and the work repeated.
		if err := p.Process(context.WithoutCancel(ctx), d); err != nil {
			log.Error("delivery left unacknowledged",
				zap.String("task_id", d.Message.TaskID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Process runs one delivery to completion. A non-nil error means the
// message was left unacknowledged and will be redelivered once its
// visibility timeout lapses.
func (p *Pool) Process(ctx context.Context, d *queue.Delivery) error {
	msg := d.Message
	log := p.log.With(
		zap.String("task_id", msg.TaskID),
		zap.String("task", msg.Name),
		zap.Int("delivery", d.Deliveries),
		zap.Int("attempt", msg.Attempt+1),
	)

	ctx = telemetry.Extract(ctx, msg.Headers)
	ctx, span := p.tracer.Start(ctx, "task.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("taskq.task_id", msg.TaskID),
			attribute.String("taskq.task", msg.Name),
			attribute.Int("taskq.delivery", d.Deliveries),
		),
	)
	defer span.End()

	task, err := p.store.Get(ctx, msg.TaskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		// The record expired or the submit write never landed; the
		// envelope has everything needed to rebuild it.
		task = &domain.Task{
			ID:         msg.TaskID,
			Name:       msg.Name,
			Queue:      p.cfg.Queue,
			Payload:    msg.Payload,
			Status:     domain.Pending,
			MaxRetries: msg.MaxRetries,
			CreatedAt:  msg.EnqueuedAt,
			UpdatedAt:  msg.EnqueuedAt,
		}
	case err != nil:
		span.RecordError(err)
		return err
	}

	if task.Status.Terminal() {
		log.Info("task already finished, acknowledging duplicate delivery", zap.String("status", string(task.Status)))
		metrics.DuplicateDeliveries.Inc()
		return p.ack(ctx, d, log)
	}

	if p.cfg.MaxDeliveries > 0 && d.Deliveries > p.cfg.MaxDeliveries {
		log.Warn("delivery limit exceeded", zap.Int("max_deliveries", p.cfg.MaxDeliveries))
		return p.finish(ctx, d, task, nil,
			errors.Errorf("message delivered %d times without being acknowledged", d.Deliveries), log)
	}

	task.Attempt = msg.Attempt + 1
	if err := task.Transition(domain.Running, p.cfg.Now()); err != nil {
		return err
	}
	if err := p.store.Set(ctx, task); err != nil {
		span.RecordError(err)
		return err
	}

	var (
		result any
		runErr error
	)
	handler, ok := p.registry.Lookup(msg.Name)
	if !ok {
		runErr = domain.Permanent(errors.Wrapf(domain.ErrUnknownTask, "%q", msg.Name))
	} else {
		result, runErr = p.execute(ctx, d, handler)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if !domain.IsPermanent(runErr) && msg.Attempt < msg.MaxRetries {
			return p.retry(ctx, d, task, runErr, log)
		}
	}
	return p.finish(ctx, d, task, result, runErr, log)
}

type outcome struct {
	result any
	err    error
}

// execute runs h under the task timeout. A handler that ignores its context
// is abandoned once the timeout fires; its late result is discarded.
func (p *Pool) execute(ctx context.Context, d *queue.Delivery, h Handler) (any, error) {
	name := d.Message.Name
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	stop := p.heartbeat(ctx, d)
	defer stop()

	start := time.Now()
	defer func() {
		metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("task panicked",
					zap.String("task_id", d.Message.TaskID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				o = outcome{err: fmt.Errorf("panic: %v", rec)}
			}
			done <- o
		}()
		o.result, o.err = h(ctx, d.Message.Payload)
	}()

	select {
	case o := <-done:
		return o.result, domain.TaskFailure(name, o.err)
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.result, domain.TaskFailure(name, o.err)
		default:
		}
		p.log.Warn("abandoning task that outlived its timeout",
			zap.String("task_id", d.Message.TaskID),
			zap.Duration("timeout", p.cfg.TaskTimeout),
		)
		return nil, domain.TaskFailure(name, errors.Wrap(ctx.Err(), "task abandoned"))
	}
}

// heartbeat keeps the claim alive while a handler runs longer than the
// visibility timeout.
func (p *Pool) heartbeat(ctx context.Context, d *queue.Delivery) (stop func()) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := p.broker.Extend(ctx, d.Token, p.cfg.VisibilityTimeout)
				if err != nil || !ok {
					p.log.Warn("could not extend visibility timeout",
						zap.String("task_id", d.Message.TaskID),
						zap.Bool("claim_held", ok),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) retry(ctx context.Context, d *queue.Delivery, task *domain.Task, runErr error, log *zap.Logger) error {
	next := d.Message
	next.Attempt++
	delay := p.cfg.Backoff.Delay(next.Attempt)

	task.Error = runErr.Error()
	if err := task.Transition(domain.Pending, p.cfg.Now()); err != nil {
		return err
	}
	if err := p.store.Set(ctx, task); err != nil {
		return err
	}
	ok, err := p.broker.Nack(ctx, d.Token, &next, delay)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("claim lapsed before the retry was scheduled")
	}
	metrics.TasksRetried.WithLabelValues(d.Message.Name).Inc()
	log.Warn("task failed, retry scheduled",
		zap.Error(runErr),
		zap.Int("max_retries", d.Message.MaxRetries),
		zap.Duration("backoff", delay),
	)
	return nil
}

// finish records the terminal status and only then acknowledges.
func (p *Pool) finish(ctx context.Context, d *queue.Delivery, task *domain.Task, result any, runErr error, log *zap.Logger) error {
	status := domain.Success
	task.Result = nil
	task.Error = ""
	if runErr == nil {
		body, err := json.Marshal(result)
		if err != nil {
			runErr = errors.Wrap(err, "encode result")
		} else {
			task.Result = body
		}
	}
	if runErr != nil {
		status = domain.Failure
		task.Error = runErr.Error()
	}

	if err := task.Transition(status, p.cfg.Now()); err != nil {
		return err
	}
	if err := p.store.Set(ctx, task); err != nil {
		return err
	}
	metrics.TasksProcessed.WithLabelValues(task.Name, string(status)).Inc()

	if runErr != nil {
		log.Warn("task failed", zap.Error(runErr))
	} else {
		log.Info("task succeeded")
	}
	return p.ack(ctx, d, log)
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery, log *zap.Logger) error {
	ok, err := p.broker.Ack(ctx, d.Token)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("message already acknowledged")
	}
	return nil
}
