package breaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/logger"
)

// ErrOpen is returned by Call when the breaker rejects the call outright.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type Options struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenSuccesses int
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.HalfOpenSuccesses < 1 {
		o.HalfOpenSuccesses = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Breaker guards one downstream call path. All callers share its state.
type Breaker struct {
	opts Options
	log  *logger.Logger

	mu                sync.Mutex
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
}

func New(opts Options, log *logger.Logger) *Breaker {
	opts.defaults()
	return &Breaker{opts: opts, log: log.With("component", "breaker"), state: Closed}
}

// Call runs fn if the breaker admits it. A rejected call returns ErrOpen
// without running fn; otherwise fn's error is recorded and returned as is.
func (b *Breaker) Call(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.opts.Now().Sub(b.lastFailure) < b.opts.RecoveryTimeout {
			return false
		}
		b.transition(HalfOpen)
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		b.failures = 0
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.opts.HalfOpenSuccesses {
		b.failures = 0
		b.lastFailure = time.Time{}
		b.halfOpenSuccesses = 0
		b.transition(Closed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.opts.Now()
	b.halfOpenSuccesses = 0
	b.log.Warn("breaker recorded failure", "failures", b.failures, "state", b.state)

	if b.failures >= b.opts.FailureThreshold && b.state != Open {
		b.transition(Open)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case Open:
		b.log.Error("breaker state change", "from", from, "to", to, "failures", b.failures)
	default:
		b.log.Info("breaker state change", "from", from, "to", to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type Snapshot struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:             b.state,
		Failures:          b.failures,
		LastFailure:       b.lastFailure,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
}

// Reset forces the breaker closed. Operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.halfOpenSuccesses = 0
	if b.state != Closed {
		b.transition(Closed)
	}
}
