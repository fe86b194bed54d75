package breaker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/replyq/internal/logger"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errDownstream = errors.New("downstream failed")

func newTestBreaker(halfOpenSuccesses int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(Options{
		FailureThreshold:  3,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: halfOpenSuccesses,
		Now:               clock.Now,
	}, logger.Nop())
	return b, clock
}

func fail() error    { return errDownstream }
func succeed() error { return nil }

func TestOpensAfterThresholdAndRejectsWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(1)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(fail), errDownstream)
	}
	require.Equal(t, Open, b.State())

	called := false
	err := b.Call(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called)
}

func TestSuccessInClosedResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(1)

	require.Error(t, b.Call(fail))
	require.Error(t, b.Call(fail))
	require.NoError(t, b.Call(succeed))
	require.Error(t, b.Call(fail))
	require.Error(t, b.Call(fail))

	require.Equal(t, Closed, b.State())
	require.Equal(t, 2, b.Snapshot().Failures)
}

func TestHalfOpenTrialClosesAfterRecovery(t *testing.T) {
	b, clock := newTestBreaker(2)
	for i := 0; i < 3; i++ {
		_ = b.Call(fail)
	}

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, b.Call(succeed), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Call(succeed))
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(succeed))
	require.Equal(t, Closed, b.State())
	require.Zero(t, b.Snapshot().Failures)
}

func TestFailureWhileHalfOpenReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	for i := 0; i < 3; i++ {
		_ = b.Call(fail)
	}
	clock.Advance(30 * time.Second)

	require.ErrorIs(t, b.Call(fail), errDownstream)
	require.Equal(t, Open, b.State())

	// The recovery timer restarts from the latest failure.
	clock.Advance(10 * time.Second)
	require.ErrorIs(t, b.Call(succeed), ErrOpen)
	clock.Advance(20 * time.Second)
	require.NoError(t, b.Call(succeed))
	require.Equal(t, Closed, b.State())
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(1)
	for i := 0; i < 3; i++ {
		_ = b.Call(fail)
	}
	b.Reset()

	require.Equal(t, Closed, b.State())
	require.NoError(t, b.Call(succeed))
}
