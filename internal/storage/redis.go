package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/taskq/internal/domain"
)

// RedisStore keeps each task record as a JSON string under result:<id>,
// expiring ttl after the last write. A zero ttl keeps records forever.
type RedisStore struct {
	rdb *r.Client
	ttl time.Duration
}

func NewRedis(rdb *r.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func resultKey(id string) string { return "result:" + id }

func (s *RedisStore) Set(ctx context.Context, t *domain.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "store: encode task")
	}
	return domain.StoreFailure("set", s.rdb.Set(ctx, resultKey(t.ID), body, s.ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	body, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, errors.Wrapf(domain.ErrTaskNotFound, "id %s", id)
	}
	if err != nil {
		return nil, domain.StoreFailure("get", err)
	}
	var t domain.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, domain.StoreFailure("get", errors.Wrap(err, "decode task"))
	}
	return &t, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return domain.StoreFailure("ping", s.rdb.Ping(ctx).Err())
}
