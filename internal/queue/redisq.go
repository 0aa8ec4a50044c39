package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/taskq/internal/domain"
)

var ErrMalformedMessage = errors.New("broker: malformed message envelope")

type Options struct {
	// VisibilityTimeout is how long a claimed message stays invisible before
	// it is handed to another consumer.
	VisibilityTimeout time.Duration
	// PollInterval is the wait between claim attempts on an empty queue.
	PollInterval time.Duration
	Now          func() time.Time
}

// Delivery is one claim of a message. Token identifies this claim only.
type Delivery struct {
	Token      string
	Message    domain.Message
	Deliveries int
}

type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Delayed  int64 `json:"delayed"`
}

type RedisQ struct {
	rdb  *r.Client
	opts Options
}

func New(rdb *r.Client, opts Options) *RedisQ {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisQ{rdb: rdb, opts: opts}
}

type keyset struct {
	ready, delay, inflight, msg, receipt, deliveries string
}

func keys(queue string) keyset {
	return keyset{
		ready:      "queue:" + queue,
		delay:      "delay:" + queue,
		inflight:   "inflight:" + queue,
		msg:        "msg:" + queue,
		receipt:    "receipt:" + queue,
		deliveries: "deliveries:" + queue,
	}
}

func (q *RedisQ) VisibilityTimeout() time.Duration { return q.opts.VisibilityTimeout }

// Enqueue stores the envelope and makes the message ready now, or at runAt
// when that lies in the future. It returns the message id.
func (q *RedisQ) Enqueue(ctx context.Context, queue string, msg domain.Message, runAt time.Time) (string, error) {
	if msg.TaskID == "" {
		return "", errors.Wrap(domain.ErrTaskInvalidInput, "enqueue: empty task id")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "enqueue: encode message")
	}
	k := keys(queue)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, k.msg, msg.TaskID, body)
	if runAt.After(q.opts.Now()) {
		pipe.ZAdd(ctx, k.delay, r.Z{Score: float64(runAt.UnixMilli()), Member: msg.TaskID})
	} else {
		pipe.LPush(ctx, k.ready, msg.TaskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", domain.TransportFailure("enqueue", err)
	}
	return msg.TaskID, nil
}

// TryDequeue claims the oldest ready message without blocking. It returns
// domain.ErrBrokerEmpty when nothing is ready.
func (q *RedisQ) TryDequeue(ctx context.Context, queue string) (*Delivery, error) {
	k := keys(queue)
	receipt := uuid.NewString()
	deadline := q.opts.Now().Add(q.opts.VisibilityTimeout).UnixMilli()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{k.ready, k.inflight, k.msg, k.receipt, k.deliveries},
		deadline, receipt,
	).Slice()
	if errors.Is(err, r.Nil) {
		return nil, domain.ErrBrokerEmpty
	}
	if err != nil {
		return nil, domain.TransportFailure("dequeue", err)
	}
	if len(res) != 3 {
		return nil, domain.TransportFailure("dequeue", fmt.Errorf("unexpected claim reply %v", res))
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	n, _ := res[2].(int64)
	token := formatToken(queue, id, receipt)

	var msg domain.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// An undecodable envelope can never succeed; drop it.
		if _, ackErr := q.Ack(ctx, token); ackErr != nil {
			return nil, ackErr
		}
		return nil, errors.Wrapf(ErrMalformedMessage, "message %s: %v", id, err)
	}
	return &Delivery{Token: token, Message: msg, Deliveries: int(n)}, nil
}

// Dequeue blocks until a message is claimed or ctx is done.
func (q *RedisQ) Dequeue(ctx context.Context, queue string) (*Delivery, error) {
	for {
		d, err := q.TryDequeue(ctx, queue)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, domain.ErrBrokerEmpty) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// Consume is the lazy sequence of deliveries on queue. It ends when ctx is
// done or the caller stops iterating; errors are yielded and the caller
// decides whether to keep going.
func (q *RedisQ) Consume(ctx context.Context, queue string) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		for {
			d, err := q.Dequeue(ctx, queue)
			if ctx.Err() != nil {
				return
			}
			if !yield(d, err) {
				return
			}
		}
	}
}

// Tokens are "<queue>:<id>:<receipt>". Ids and receipts are uuids; the
// queue name may itself contain colons.
func formatToken(queue, id, receipt string) string {
	return queue + ":" + id + ":" + receipt
}

func parseToken(token string) (queue, id, receipt string, err error) {
	rest, receipt, ok := cutLast(token)
	if ok {
		queue, id, ok = cutLast(rest)
	}
	if !ok || queue == "" || id == "" || receipt == "" {
		return "", "", "", errors.Wrapf(domain.ErrInvalidToken, "%q", token)
	}
	return queue, id, receipt, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// Ack removes the message for good. It returns false, and changes nothing,
// when the token was already acknowledged or its claim lapsed and the
// message was handed out again.
func (q *RedisQ) Ack(ctx context.Context, token string) (bool, error) {
	queue, id, receipt, err := parseToken(token)
	if err != nil {
		return false, err
	}
	k := keys(queue)
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{k.inflight, k.msg, k.receipt, k.deliveries},
		id, receipt,
	).Int()
	if err != nil {
		return false, domain.TransportFailure("ack", err)
	}
	return n == 1, nil
}

// Nack gives the message back to the queue, after delay when positive. A
// non-nil msg replaces the stored envelope (the retry policy bumps Attempt).
func (q *RedisQ) Nack(ctx context.Context, token string, msg *domain.Message, delay time.Duration) (bool, error) {
	queue, id, receipt, err := parseToken(token)
	if err != nil {
		return false, err
	}
	var body []byte
	if msg != nil {
		if body, err = json.Marshal(msg); err != nil {
			return false, errors.Wrap(err, "nack: encode message")
		}
	}
	var runAt int64
	if delay > 0 {
		runAt = q.opts.Now().Add(delay).UnixMilli()
	}
	k := keys(queue)
	n, err := nackScript.Run(ctx, q.rdb,
		[]string{k.inflight, k.msg, k.receipt, k.ready, k.delay, k.deliveries},
		id, receipt, runAt, string(body),
	).Int()
	if err != nil {
		return false, domain.TransportFailure("nack", err)
	}
	return n == 1, nil
}

// Extend pushes the visibility deadline of a live claim to now+d.
func (q *RedisQ) Extend(ctx context.Context, token string, d time.Duration) (bool, error) {
	queue, id, receipt, err := parseToken(token)
	if err != nil {
		return false, err
	}
	k := keys(queue)
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{k.inflight, k.receipt},
		id, receipt, q.opts.Now().Add(d).UnixMilli(),
	).Int()
	if err != nil {
		return false, domain.TransportFailure("extend", err)
	}
	return n == 1, nil
}

// RequeueExpired hands messages whose visibility deadline passed back to
// the queue. Their old receipts become invalid.
func (q *RedisQ) RequeueExpired(ctx context.Context, queue string, batch int64) (int, error) {
	k := keys(queue)
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{k.inflight, k.receipt, k.ready},
		q.opts.Now().UnixMilli(), batch,
	).Int()
	if err != nil {
		return 0, domain.TransportFailure("requeue expired", err)
	}
	return n, nil
}

// MoveDue moves delayed messages whose time has come into the ready list.
func (q *RedisQ) MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error) {
	k := keys(queue)
	ids, err := q.rdb.ZRangeByScore(ctx, k.delay, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, domain.TransportFailure("move due", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, k.ready, id)
		pipe.ZRem(ctx, k.delay, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, domain.TransportFailure("move due", err)
	}
	return len(ids), nil
}

func (q *RedisQ) Stats(ctx context.Context, queue string) (Stats, error) {
	k := keys(queue)
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, k.ready)
	inflight := pipe.ZCard(ctx, k.inflight)
	delayed := pipe.ZCard(ctx, k.delay)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, domain.TransportFailure("stats", err)
	}
	return Stats{Ready: ready.Val(), InFlight: inflight.Val(), Delayed: delayed.Val()}, nil
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return domain.TransportFailure("ping", q.rdb.Ping(ctx).Err())
}
