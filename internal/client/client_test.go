package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/api"
	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/tasks"
	"github.com/SirClappington/taskq/internal/worker"
)

type testEnv struct {
	q    *queue.RedisQ
	pool *worker.Pool
	url  string
}

func setup(t *testing.T, key string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Options{PollInterval: 5 * time.Millisecond})
	store := storage.NewRedis(rdb, time.Hour)
	reg := worker.NewRegistry()
	tasks.Register(reg)

	srv := api.New(q, store, api.Options{Queue: "default", Tasks: reg.Names(), APIKey: key}, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	pool := worker.New(q, store, reg, worker.Config{Queue: "default"}, zap.NewNop())
	return &testEnv{q: q, pool: pool, url: ts.URL}
}

func (e *testEnv) work(t *testing.T) {
	t.Helper()
	d, err := e.q.TryDequeue(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, e.pool.Process(context.Background(), d))
}

func TestSubmitAndWait(t *testing.T) {
	env := setup(t, "")
	c := New(env.url)
	ctx := context.Background()

	resp, err := c.Submit(ctx, api.SubmitRequest{Name: "double", Payload: json.RawMessage(`{"x": 21}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, resp.Status)

	task, err := c.Status(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)

	go func() {
		time.Sleep(30 * time.Millisecond)
		d, err := env.q.TryDequeue(context.Background(), "default")
		if err == nil {
			_ = env.pool.Process(context.Background(), d)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err = c.Wait(waitCtx, resp.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.Success, task.Status)
	assert.JSONEq(t, `42`, string(task.Result))
}

func TestWaitTimesOut(t *testing.T) {
	env := setup(t, "")
	c := New(env.url)

	resp, err := c.Submit(context.Background(), api.SubmitRequest{Name: "double", Payload: json.RawMessage(`{"x": 1}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task, err := c.Wait(ctx, resp.TaskID, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, task)
	assert.Equal(t, domain.Pending, task.Status)
}

func TestUpload(t *testing.T) {
	env := setup(t, "")
	c := New(env.url)
	ctx := context.Background()

	resp, err := c.Upload(ctx, "notes.txt", strings.NewReader("first\nsecond\n"))
	require.NoError(t, err)
	env.work(t)

	task, err := c.Status(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.Success, task.Status)
	assert.JSONEq(t, `{"lines": 2, "characters": 13}`, string(task.Result))
}

func TestErrors(t *testing.T) {
	env := setup(t, "k")
	ctx := context.Background()

	_, err := New(env.url).Submit(ctx, api.SubmitRequest{Name: "double"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := New(env.url, WithAPIKey("k"))
	_, err = c.Submit(ctx, api.SubmitRequest{Name: "triple"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "unknown task")

	_, err = c.Status(ctx, "6f1c9a52-3f43-4b8e-9d55-8d0f1a0b8c11")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
