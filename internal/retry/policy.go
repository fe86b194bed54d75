package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
)

// Queue is the slice of the job queue the policy needs.
type Queue interface {
	Requeue(ctx context.Context, env *domain.Envelope) error
	Schedule(ctx context.Context, env *domain.Envelope, at time.Time) error
	DeadLetter(ctx context.Context, env *domain.Envelope)
}

type Options struct {
	MaxRetries int
	MaxBackoff time.Duration
	// Delayed parks retries in the delay set instead of sleeping the worker.
	Delayed bool
	// Sleep defaults to a timer that returns early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration)
	Now   func() time.Time
}

type Policy struct {
	q    Queue
	log  *logger.Logger
	opts Options
}

func New(q Queue, opts Options, log *logger.Logger) *Policy {
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Policy{q: q, opts: opts, log: log.With("component", "retry")}
}

// Backoff is the wait before the attempt following failure number retry:
// 1s, 2s, 4s, ... capped at MaxBackoff.
func (p *Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 32 {
		return p.opts.MaxBackoff
	}
	d := time.Duration(1<<(retry-1)) * time.Second
	if d > p.opts.MaxBackoff {
		return p.opts.MaxBackoff
	}
	return d
}

// HandleFailure records a failed attempt on env and either recycles it or
// parks it in the dead-letter list. In sleep mode the calling worker is held
// for the backoff; cancelling ctx cuts the wait short but the envelope is
// still requeued. Queue writes never observe ctx cancellation.
func (p *Policy) HandleFailure(ctx context.Context, env *domain.Envelope, cause error) (domain.Outcome, error) {
	env.RetryCount++

	if env.RetryCount > p.opts.MaxRetries {
		p.q.DeadLetter(ctx, env)
		p.log.Error("job dead-lettered",
			"attempts", env.RetryCount,
			"max_retries", p.opts.MaxRetries,
			"error", cause,
		)
		return domain.DeadLettered, nil
	}

	backoff := p.Backoff(env.RetryCount)
	p.log.Warn("job failed, retry scheduled",
		"retry", env.RetryCount,
		"max_retries", p.opts.MaxRetries,
		"backoff", backoff,
		"error", cause,
	)

	if p.opts.Delayed {
		if err := p.q.Schedule(context.WithoutCancel(ctx), env, p.opts.Now().Add(backoff)); err != nil {
			return "", errors.Wrap(err, "schedule retry")
		}
		return domain.Scheduled, nil
	}

	p.opts.Sleep(ctx, backoff)
	if err := p.q.Requeue(context.WithoutCancel(ctx), env); err != nil {
		return "", errors.Wrap(err, "requeue")
	}
	return domain.Requeued, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
