// Package scheduler moves delayed retries whose time has come back onto the
// main queue. Any number of promoters may run; a Redis lock lets one of them
// work per tick, and the move itself is atomic so overlap is harmless.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/lock"
	"github.com/SirClappington/replyq/internal/logger"
)

const LeaderLock = "lock:scheduler"

type Mover interface {
	MoveDue(ctx context.Context, now time.Time, batch int64) (int64, error)
}

type Locker interface {
	Do(ctx context.Context, name string, ttl, wait time.Duration, fn func() error) error
}

type Options struct {
	Tick  time.Duration
	Batch int64
	Now   func() time.Time
}

type Promoter struct {
	q     Mover
	locks Locker
	opts  Options
	log   *logger.Logger
}

func NewPromoter(q Mover, locks Locker, opts Options, log *logger.Logger) *Promoter {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Promoter{q: q, locks: locks, opts: opts, log: log.With("component", "scheduler")}
}

// Run promotes due items every tick until ctx ends.
func (p *Promoter) Run(ctx context.Context) error {
	p.log.Info("promoter started", "tick", p.opts.Tick, "batch", p.opts.Batch)
	t := time.NewTicker(p.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("promoter stopped")
			return nil
		case <-t.C:
			if _, err := p.Promote(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("promote failed", "error", err)
			}
		}
	}
}

// Promote takes the leader lock without waiting and moves due items in
// batches until fewer than a full batch remain. A busy lock means another
// promoter has this tick and is not an error.
func (p *Promoter) Promote(ctx context.Context) (int64, error) {
	var total int64
	err := p.locks.Do(ctx, LeaderLock, 2*p.opts.Tick+5*time.Second, 0, func() error {
		for ctx.Err() == nil {
			n, err := p.q.MoveDue(ctx, p.opts.Now(), p.opts.Batch)
			if err != nil {
				return err
			}
			total += n
			if n < p.opts.Batch {
				return nil
			}
		}
		return ctx.Err()
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return 0, nil
	}
	if total > 0 {
		p.log.Info("promoted due items", "count", total)
	}
	return total, err
}
