package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
)

// MalformedError is returned by Dequeue for an item that could not be decoded
// into an envelope. It is not a connectivity failure.
type MalformedError struct {
	Raw string
	Err error
}

func (e *MalformedError) Error() string { return "malformed queue item: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error  { return e.Err }

// moveDue promotes due members of the delay set onto the main list in one
// step so concurrent promoters never push the same envelope twice.
var moveDue = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('LPUSH', KEYS[2], id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// RedisQ is a FIFO job list in Redis with a dead-letter list and a delay set.
// Producers LPUSH at the head, the worker BRPOPs the tail.
type RedisQ struct {
	rdb   *r.Client
	log   *logger.Logger
	main  string
	dlq   string
	delay string
}

func New(rdb *r.Client, name string, log *logger.Logger) *RedisQ {
	return &RedisQ{
		rdb:   rdb,
		log:   log.With("component", "queue", "queue", name),
		main:  "queue:" + name,
		dlq:   "dlq:" + name,
		delay: "delay:" + name,
	}
}

// Enqueue wraps payload in a fresh envelope and pushes it.
func (q *RedisQ) Enqueue(ctx context.Context, payload json.RawMessage) error {
	return q.Requeue(ctx, domain.NewEnvelope(payload))
}

// Requeue pushes an already wrapped envelope back onto the main list.
func (q *RedisQ) Requeue(ctx context.Context, env *domain.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := q.rdb.LPush(ctx, q.main, raw).Err(); err != nil {
		return errors.Wrapf(err, "lpush %s", q.main)
	}
	return nil
}

// Restore puts an envelope the caller dequeued but will not process back at
// the consuming end of the main list, so it is the next one popped.
func (q *RedisQ) Restore(ctx context.Context, env *domain.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := q.rdb.RPush(ctx, q.main, raw).Err(); err != nil {
		return errors.Wrapf(err, "rpush %s", q.main)
	}
	return nil
}

// Dequeue blocks up to block for the next envelope. A timeout yields nil, nil.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*domain.Envelope, error) {
	res, err := q.rdb.BRPop(ctx, block, q.main).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "brpop %s", q.main)
	}
	if len(res) != 2 {
		return nil, nil
	}
	env, err := domain.DecodeEnvelope(res[1])
	if err != nil {
		return nil, &MalformedError{Raw: res[1], Err: err}
	}
	return env, nil
}

// DeadLetter parks env for manual inspection. It never fails the caller:
// storage errors are logged.
func (q *RedisQ) DeadLetter(ctx context.Context, env *domain.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		q.log.Error("dead-letter encode failed", "retry_count", env.RetryCount, "error", err)
		return
	}
	q.DeadLetterRaw(ctx, raw)
}

func (q *RedisQ) DeadLetterRaw(ctx context.Context, raw string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.rdb.LPush(ctx, q.dlq, raw).Err(); err != nil {
		q.log.Error("dead-letter push failed", "payload", raw, "error", err)
	}
}

// Schedule parks env in the delay set until at.
func (q *RedisQ) Schedule(ctx context.Context, env *domain.Envelope, at time.Time) error {
	raw, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := q.rdb.ZAdd(ctx, q.delay, r.Z{Score: float64(at.UnixMilli()), Member: raw}).Err(); err != nil {
		return errors.Wrapf(err, "zadd %s", q.delay)
	}
	return nil
}

// MoveDue pushes up to batch envelopes whose time has come onto the main list.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int64, error) {
	n, err := moveDue.Run(ctx, q.rdb, []string{q.delay, q.main}, fmt.Sprintf("%d", now.UnixMilli()), batch).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "move due")
	}
	return n, nil
}

type Stats struct {
	Pending     int64 `json:"pending"`
	Delayed     int64 `json:"delayed"`
	DeadLetters int64 `json:"dead_letters"`
}

func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.main)
	delayed := pipe.ZCard(ctx, q.delay)
	dead := pipe.LLen(ctx, q.dlq)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{Pending: pending.Val(), Delayed: delayed.Val(), DeadLetters: dead.Val()}, nil
}

// DeadLetters returns up to limit raw dead-lettered items, newest first.
func (q *RedisQ) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := q.rdb.LRange(ctx, q.dlq, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "lrange %s", q.dlq)
	}
	return items, nil
}

// ReplayDeadLetters moves up to n of the oldest dead letters back onto the
// main list with a fresh retry budget. Undecodable items stay parked.
func (q *RedisQ) ReplayDeadLetters(ctx context.Context, n int) (int, error) {
	replayed := 0
	for i := 0; i < n; i++ {
		raw, err := q.rdb.RPop(ctx, q.dlq).Result()
		if errors.Is(err, r.Nil) {
			break
		}
		if err != nil {
			return replayed, errors.Wrapf(err, "rpop %s", q.dlq)
		}
		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			q.log.Warn("skipping undecodable dead letter", "error", err)
			q.DeadLetterRaw(ctx, raw)
			continue
		}
		env.RetryCount = 0
		if err := q.Requeue(ctx, env); err != nil {
			q.DeadLetterRaw(ctx, raw)
			return replayed, err
		}
		replayed++
	}
	if replayed > 0 {
		q.log.Info("replayed dead letters", "count", replayed)
	}
	return replayed, nil
}
