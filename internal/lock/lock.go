// Package lock implements a Redis-backed mutual exclusion primitive keyed by
// resource name. Each acquisition stores a fresh owner token under the key with
// a TTL; release deletes the key only while it still holds that token, so a
// holder whose lease expired can never free somebody else's lock.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/replyq/internal/logger"
)

// ErrNotAcquired is returned by Do when the lock stayed busy for the whole wait.
var ErrNotAcquired = errors.New("lock not acquired")

const DefaultRetryInterval = 50 * time.Millisecond

var release = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb           *r.Client
	log           *logger.Logger
	retryInterval time.Duration
}

func New(rdb *r.Client, retryInterval time.Duration, log *logger.Logger) *Locker {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Locker{rdb: rdb, log: log.With("component", "lock"), retryInterval: retryInterval}
}

// Acquire tries to take name for ttl. With wait > 0 it keeps retrying on a
// fixed interval until the wait elapses; with wait == 0 it tries once.
func (l *Locker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (string, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return "", false, errors.Wrapf(err, "acquire %s", name)
		}
		if ok {
			l.log.Debug("lock acquired", "lock", name, "ttl", ttl)
			return token, true, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			l.log.Debug("lock busy", "lock", name, "waited", wait)
			return "", false, nil
		}

		t := time.NewTimer(min(l.retryInterval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			t.Stop()
			return "", false, ctx.Err()
		case <-t.C:
		}
	}
}

// Release frees name if token still owns it and reports whether it did.
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := release.Run(ctx, l.rdb, []string{name}, token).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "release %s", name)
	}
	if n == 0 {
		l.log.Warn("lock no longer owned at release", "lock", name)
		return false, nil
	}
	l.log.Debug("lock released", "lock", name)
	return true, nil
}

// Do runs fn while holding name. The lock is released on every exit path,
// including a panic in fn, using a context that outlives ctx cancellation.
func (l *Locker) Do(ctx context.Context, name string, ttl, wait time.Duration, fn func() error) error {
	token, ok, err := l.Acquire(ctx, name, ttl, wait)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNotAcquired, name)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.Release(rctx, name, token); err != nil {
			l.log.Error("lock release failed", "lock", name, "error", err)
		}
	}()
	return fn()
}
