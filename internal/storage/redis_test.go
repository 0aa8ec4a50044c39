package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/taskq/internal/domain"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, ttl), mr
}

func TestRedisStoreSetGet(t *testing.T) {
	s, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	task := domain.NewTask("t-1", "double", "default", json.RawMessage(`{"x":2}`), 1, now)
	require.NoError(t, s.Set(ctx, task))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)
	assert.JSONEq(t, `{"x":2}`, string(got.Payload))
	assert.True(t, now.Equal(got.CreatedAt))

	require.NoError(t, task.Transition(domain.Running, now))
	require.NoError(t, task.Transition(domain.Success, now))
	task.Result = json.RawMessage(`4`)
	require.NoError(t, s.Set(ctx, task))

	got, err = s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Success, got.Status)
	assert.JSONEq(t, `4`, string(got.Result))
}

func TestRedisStoreNotFound(t *testing.T) {
	s, _ := newRedisStore(t, time.Hour)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.NewTask("t-1", "double", "default", nil, 0, time.Now())))
	assert.Equal(t, time.Minute, mr.TTL("result:t-1"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Get(ctx, "t-1")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRedisStoreNoTTL(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	require.NoError(t, s.Set(context.Background(), domain.NewTask("t-1", "double", "default", nil, 0, time.Now())))
	assert.Zero(t, mr.TTL("result:t-1"))
}

func TestRedisStoreFailure(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	mr.Close()

	err := s.Set(context.Background(), domain.NewTask("t-1", "double", "default", nil, 0, time.Now()))
	assert.True(t, domain.IsStore(err))

	_, err = s.Get(context.Background(), "t-1")
	assert.True(t, domain.IsStore(err))
	assert.Error(t, s.Ping(context.Background()))
}
