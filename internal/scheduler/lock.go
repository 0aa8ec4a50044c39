package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/taskq/internal/domain"
)

// Locker elects a single leader among scheduler replicas. Acquire is called
// every tick; it returns true while this replica holds the lock and renews
// the lock when needed.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

const redisLockKey = "taskq:scheduler:leader"

var renewScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SET NX PX lease. A leader that stops renewing loses the
// lock after ttl.
type RedisLock struct {
	rdb   *r.Client
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLock(rdb *r.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: redisLockKey, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, domain.TransportFailure("acquire lock", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, domain.TransportFailure("renew lock", err)
	}
	return n == 1, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	return domain.TransportFailure("release lock",
		releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err())
}

// advisoryLockKey is the pg_try_advisory_lock key shared by all replicas.
const advisoryLockKey int64 = 0x7461736b71

// PGLock holds a session-level advisory lock on a dedicated pooled
// connection. The lock lives as long as that session does.
type PGLock struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func NewPGLock(pool *pgxpool.Pool) *PGLock {
	return &PGLock{pool: pool}
}

func (l *PGLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		// Advisory locks are re-entrant; while the session is alive the
		// lock is still ours and must not be taken twice.
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.drop()
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, domain.StoreFailure("acquire lock", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", advisoryLockKey).Scan(&ok); err != nil {
		conn.Release()
		return false, domain.StoreFailure("acquire lock", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() { l.conn.Release(); l.conn = nil }()
	var ok bool
	if err := l.conn.QueryRow(ctx, "select pg_advisory_unlock($1)", advisoryLockKey).Scan(&ok); err != nil {
		return domain.StoreFailure("release lock", err)
	}
	if !ok {
		return errors.New("scheduler: advisory lock was not held")
	}
	return nil
}

// drop discards a broken session; the server frees its locks.
func (l *PGLock) drop() {
	_ = l.conn.Conn().Close(context.Background())
	l.conn.Release()
	l.conn = nil
}
