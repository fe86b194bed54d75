// Package executor bounds how long a unit of work may hold up its caller.
//
// Run hands the work to its own goroutine together with a context carrying
// the deadline. Work that honors the context stops on its own; work that does
// not is abandoned: the caller gets ErrTimeout and moves on while the
// goroutine runs to completion in the background. Abandoned work can still
// touch shared state (database rows, outbound messages) after the caller has
// already recorded the timeout, and nothing here rolls those effects back.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrTimeout = errors.New("work timed out")

type PanicError struct{ Val any }

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }

// Run executes work with a hard wall-clock limit. A timeout <= 0 disables the
// limit.
func Run(ctx context.Context, timeout time.Duration, work func(ctx context.Context) error) error {
	if timeout <= 0 {
		return guard(ctx, work)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned goroutine can still deliver and exit.
	done := make(chan error, 1)
	go func() { done <- guard(wctx, work) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.Wrapf(ErrTimeout, "after %s", timeout)
		}
		return err
	case <-wctx.Done():
		if errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrTimeout, "after %s", timeout)
		}
		return wctx.Err()
	}
}

func guard(ctx context.Context, work func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Val: r}
		}
	}()
	return work(ctx)
}
