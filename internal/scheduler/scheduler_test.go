package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/metrics"
	"github.com/SirClappington/taskq/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   *r.Client
	q     *queue.RedisQ
	clock *fakeClock
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.New(rdb, queue.Options{VisibilityTimeout: time.Minute, Now: clock.Now})
	return &testEnv{mr: mr, rdb: rdb, q: q, clock: clock}
}

func (e *testEnv) scheduler(queues []string, purger *countingPurger) *Scheduler {
	cfg := Config{Queues: queues, Interval: 10 * time.Millisecond, Batch: 100, Now: e.clock.Now}
	if purger == nil {
		return New(e.q, NewRedisLock(e.rdb, 3*time.Second), nil, cfg, zap.NewNop())
	}
	return New(e.q, NewRedisLock(e.rdb, 3*time.Second), purger, cfg, zap.NewNop())
}

func message(id string) domain.Message {
	return domain.Message{TaskID: id, Name: "double", Payload: json.RawMessage(`{"x":1}`)}
}

type countingPurger struct {
	calls int
	n     int64
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.calls++
	return p.n, p.err
}

func TestTickMovesDueMessages(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.q.Enqueue(ctx, "sched-due", message("a"), env.clock.Now().Add(30*time.Second))
	require.NoError(t, err)

	s := env.scheduler([]string{"sched-due"}, nil)
	require.NoError(t, s.Tick(ctx))
	st, err := env.q.Stats(ctx, "sched-due")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Delayed: 1}, st)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("sched-due", "delayed")))

	env.clock.Advance(31 * time.Second)
	require.NoError(t, s.Tick(ctx))
	st, err = env.q.Stats(ctx, "sched-due")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Ready: 1}, st)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("sched-due", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("sched-due", "delayed")))
}

func TestTickRequeuesExpiredClaims(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.q.Enqueue(ctx, "sched-vt", message("a"), time.Time{})
	require.NoError(t, err)
	first, err := env.q.TryDequeue(ctx, "sched-vt")
	require.NoError(t, err)

	s := env.scheduler([]string{"sched-vt"}, nil)
	require.NoError(t, s.Tick(ctx))
	_, err = env.q.TryDequeue(ctx, "sched-vt")
	require.ErrorIs(t, err, domain.ErrBrokerEmpty)

	before := testutil.ToFloat64(metrics.Redelivered.WithLabelValues("sched-vt"))
	env.clock.Advance(time.Minute + time.Second)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Redelivered.WithLabelValues("sched-vt")))

	second, err := env.q.TryDequeue(ctx, "sched-vt")
	require.NoError(t, err)
	assert.Equal(t, "a", second.Message.TaskID)
	assert.Equal(t, 2, second.Deliveries)

	ok, err := env.q.Ack(ctx, first.Token)
	require.NoError(t, err)
	assert.False(t, ok, "stale claim must not ack the redelivery")
}

func TestTickPurgesExpiredResults(t *testing.T) {
	env := setup(t)
	purger := &countingPurger{n: 3}
	s := env.scheduler([]string{"sched-purge"}, purger)

	before := testutil.ToFloat64(metrics.ResultsPurged)
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.ResultsPurged))

	purger.err = domain.StoreFailure("purge", errors.New("db down"))
	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsStore(err))
}

func TestOnlyLeaderMaintains(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.q.Enqueue(ctx, "sched-lead", message("a"), env.clock.Now().Add(time.Second))
	require.NoError(t, err)

	leader := env.scheduler([]string{"sched-lead"}, nil)
	follower := env.scheduler([]string{"sched-lead"}, nil)
	purger := &countingPurger{}
	follower.purger = purger

	require.NoError(t, leader.Tick(ctx))
	require.NoError(t, follower.Tick(ctx))
	assert.True(t, leader.Leader())
	assert.False(t, follower.Leader())

	env.clock.Advance(2 * time.Second)
	require.NoError(t, follower.Tick(ctx))
	st, err := env.q.Stats(ctx, "sched-lead")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Delayed, "follower must not move messages")
	assert.Zero(t, purger.calls)
}

func TestRedisLock(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	a := NewRedisLock(env.rdb, 3*time.Second)
	b := NewRedisLock(env.rdb, 3*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// renewal keeps the lease alive past the original ttl
	env.mr.FastForward(2 * time.Second)
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	env.mr.FastForward(2 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// a leader that stops renewing is replaced
	env.mr.FastForward(4 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.True(t, env.mr.Exists(redisLockKey), "release by a non-holder is a no-op")
	require.NoError(t, b.Release(ctx))
	assert.False(t, env.mr.Exists(redisLockKey))
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickLockUnavailable(t *testing.T) {
	env := setup(t)
	s := env.scheduler([]string{"sched-down"}, nil)
	env.mr.Close()

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
	assert.False(t, s.Leader())
}

func TestRunReleasesLockOnShutdown(t *testing.T) {
	env := setup(t)
	_, err := env.q.Enqueue(context.Background(), "sched-run", message("a"), env.clock.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, env.rdb.ZAdd(context.Background(), "delay:sched-run", r.Z{Score: 0, Member: "b"}).Err())

	s := env.scheduler([]string{"sched-run"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := env.q.Stats(context.Background(), "sched-run")
		return err == nil && st.Ready == 2 && st.Delayed == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, env.mr.Exists(redisLockKey))
}
