package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/breaker"
	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/executor"
	"github.com/SirClappington/replyq/internal/lock"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/queue"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStopTimeout    = errors.New("worker did not stop in time")
)

type State string

const (
	Stopped  State = "stopped"
	Running  State = "running"
	Stopping State = "stopping"
)

// Handler processes one job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// KeyFunc derives the partition key that scopes the per-job lock. ok=false
// means the payload has no usable key.
type KeyFunc func(payload json.RawMessage) (key string, ok bool)

type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (*domain.Envelope, error)
	Restore(ctx context.Context, env *domain.Envelope) error
	DeadLetterRaw(ctx context.Context, raw string)
}

type Locker interface {
	Do(ctx context.Context, name string, ttl, wait time.Duration, fn func() error) error
}

type Breaker interface {
	Call(fn func() error) error
}

type RetryPolicy interface {
	HandleFailure(ctx context.Context, env *domain.Envelope, cause error) (domain.Outcome, error)
}

// Observer is told how every dequeued job ended. Optional.
type Observer interface {
	JobDone(outcome domain.Outcome, elapsed time.Duration)
}

type Deps struct {
	Queue    Queue
	Locks    Locker
	Breaker  Breaker
	Retry    RetryPolicy
	Handler  Handler
	Key      KeyFunc
	Observer Observer
}

type Options struct {
	DequeueTimeout time.Duration
	ReconnectDelay time.Duration
	JoinTimeout    time.Duration
	JobTimeout     time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration
	LockPrefix     string
}

// Worker pops jobs one at a time and runs each under its partition lock,
// the shared breaker and the job timeout. Failures go to the retry policy;
// nothing a job does can end the loop.
type Worker struct {
	d    Deps
	opts Options
	log  *logger.Logger

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

func New(d Deps, opts Options, log *logger.Logger) *Worker {
	if opts.LockPrefix == "" {
		opts.LockPrefix = "lock:"
	}
	return &Worker{d: d, opts: opts, log: log.With("component", "worker"), state: Stopped}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start runs the loop in the background. Starting a worker that is not
// stopped only logs a warning.
func (w *Worker) Start(ctx context.Context) {
	stop, done, ok := w.begin()
	if !ok {
		w.log.Warn("worker already running")
		return
	}
	go w.loop(ctx, stop, done)
}

// Run runs the loop in the foreground until Stop is called or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	stop, done, ok := w.begin()
	if !ok {
		return ErrAlreadyRunning
	}
	w.loop(ctx, stop, done)
	return nil
}

// Stop asks the loop to finish and waits up to JoinTimeout for the in-flight
// job to drain. On ErrStopTimeout the loop keeps draining in the background.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return nil
	}
	w.state = Stopping
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	w.log.Info("worker stop requested", "join_timeout", w.opts.JoinTimeout)
	t := time.NewTimer(w.opts.JoinTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.log.Warn("worker still busy after join timeout")
		return ErrStopTimeout
	}
}

func (w *Worker) begin() (chan struct{}, chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Stopped {
		return nil, nil, false
	}
	w.state = Running
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	return w.stop, w.done, true
}

func (w *Worker) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.state = Stopped
		w.mu.Unlock()
		close(done)
		w.log.Info("worker stopped")
	}()

	// stopping fires on Stop or parent cancellation and only cuts waits short.
	// Dequeues and jobs run on base so neither is torn down mid-flight.
	stopping, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-stopping.Done():
		}
	}()
	base := context.WithoutCancel(ctx)

	w.log.Info("worker started", "dequeue_timeout", w.opts.DequeueTimeout, "job_timeout", w.opts.JobTimeout)

	for stopping.Err() == nil {
		env, err := w.d.Queue.Dequeue(base, w.opts.DequeueTimeout)
		if err != nil {
			var malformed *queue.MalformedError
			if errors.As(err, &malformed) {
				w.log.Error("dead-lettering malformed item", "error", malformed.Err)
				w.d.Queue.DeadLetterRaw(base, malformed.Raw)
				continue
			}
			w.log.Error("queue connection error", "error", err, "reconnect_in", w.opts.ReconnectDelay)
			pause(stopping, w.opts.ReconnectDelay)
			continue
		}
		if env == nil {
			continue
		}
		// A pop that was already blocking when Stop arrived can still
		// return a job. Hand it back untouched for the next worker.
		if stopping.Err() != nil {
			err := w.d.Queue.Restore(base, env)
			if err == nil {
				w.log.Info("job returned to queue on stop", "retry_count", env.RetryCount)
				return
			}
			w.log.Error("could not return job on stop, processing it", "error", err)
		}
		w.process(base, stopping, env)
	}
}

func (w *Worker) process(ctx, stopping context.Context, env *domain.Envelope) {
	start := time.Now()
	err := w.attempt(ctx, env)
	if err == nil {
		w.log.Info("job processed", "retry_count", env.RetryCount, "elapsed", time.Since(start))
		w.observe(domain.Succeeded, start)
		return
	}

	outcome, rerr := w.d.Retry.HandleFailure(stopping, env, err)
	if rerr != nil {
		w.log.Error("could not recycle failed job",
			"payload", string(env.Payload),
			"retry_count", env.RetryCount,
			"cause", err,
			"error", rerr,
		)
		return
	}
	w.log.Debug("job failure handled", "outcome", outcome, "elapsed", time.Since(start))
	w.observe(outcome, start)
}

func (w *Worker) observe(outcome domain.Outcome, start time.Time) {
	if w.d.Observer != nil {
		w.d.Observer.JobDone(outcome, time.Since(start))
	}
}

// attempt runs one job under lock, breaker and timeout. Panics anywhere in the
// chain come back as errors.
func (w *Worker) attempt(ctx context.Context, env *domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job panic", "panic", r)
			err = &executor.PanicError{Val: r}
		}
	}()

	run := func() error {
		return w.d.Breaker.Call(func() error {
			return executor.Run(ctx, w.opts.JobTimeout, func(jctx context.Context) error {
				return w.d.Handler(jctx, env.Payload)
			})
		})
	}

	key, ok := w.d.Key(env.Payload)
	if !ok {
		w.log.Warn("no partition key, processing without lock")
		err = run()
	} else {
		name := w.opts.LockPrefix + key
		err = w.d.Locks.Do(ctx, name, w.opts.LockTTL, w.opts.LockWait, run)
		if errors.Is(err, lock.ErrNotAcquired) {
			w.log.Warn("lock denied", "lock", name, "wait", w.opts.LockWait)
		}
	}
	if errors.Is(err, breaker.ErrOpen) {
		w.log.Warn("job rejected by open breaker")
	}
	return err
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
