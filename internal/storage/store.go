package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/domain"
)

// Store holds task records by id. Set is last-write-wins.
type Store interface {
	Set(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Ping(ctx context.Context) error
}

// Purger is implemented by stores whose expiry needs an explicit sweep.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PostgresStore keeps task records in task_results. Rows past expires_at
// are invisible to Get and removed by PurgeExpired.
type PostgresStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

func NewPostgres(db *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) Set(ctx context.Context, t *domain.Task) error {
	_, err := s.db.Exec(ctx, `insert into task_results(
id, name, queue, payload, status, result, error, attempt, max_retries,
created_at, updated_at, expires_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,
  case when $12::float8 > 0 then now() + make_interval(secs => $12::float8) end)
on conflict (id) do update set
  name = excluded.name,
  queue = excluded.queue,
  payload = excluded.payload,
  status = excluded.status,
  result = excluded.result,
  error = excluded.error,
  attempt = excluded.attempt,
  max_retries = excluded.max_retries,
  updated_at = excluded.updated_at,
  expires_at = excluded.expires_at`,
		t.ID, t.Name, t.Queue, jsonArg(t.Payload), string(t.Status), jsonArg(t.Result),
		nullable(t.Error), t.Attempt, t.MaxRetries, t.CreatedAt, t.UpdatedAt, s.ttl.Seconds(),
	)
	return domain.StoreFailure("set", err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	var (
		t               domain.Task
		status          string
		payload, result []byte
		errText         *string
	)
	err := s.db.QueryRow(ctx, `select id, name, queue, payload, status, result, error,
       attempt, max_retries, created_at, updated_at
  from task_results
 where id = $1
   and (expires_at is null or expires_at > now())`, id).Scan(
		&t.ID, &t.Name, &t.Queue, &payload, &status, &result, &errText,
		&t.Attempt, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrTaskNotFound, "id %s", id)
	}
	if err != nil {
		return nil, domain.StoreFailure("get", err)
	}
	t.Status = domain.Status(status)
	t.Payload = payload
	t.Result = result
	if errText != nil {
		t.Error = *errText
	}
	return &t, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from task_results where expires_at is not null and expires_at <= now()`)
	if err != nil {
		return 0, domain.StoreFailure("purge", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return domain.StoreFailure("ping", s.db.Ping(ctx))
}

func jsonArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
