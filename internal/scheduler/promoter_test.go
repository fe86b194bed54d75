package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/lock"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/queue"
)

func setup(t *testing.T, batch int64) (*Promoter, *queue.RedisQ, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, "webhook", logger.Nop())
	locks := lock.New(rdb, 0, logger.Nop())
	p := NewPromoter(q, locks, Options{Tick: 10 * time.Millisecond, Batch: batch}, logger.Nop())
	return p, q, mr
}

func schedule(t *testing.T, q *queue.RedisQ, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		env := domain.NewEnvelope(json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)))
		env.RetryCount = 1
		require.NoError(t, q.Schedule(context.Background(), env, at))
	}
}

func TestPromoteDrainsInBatches(t *testing.T) {
	p, q, mr := setup(t, 2)
	schedule(t, q, 5, time.Now().Add(-time.Second))
	schedule(t, q, 1, time.Now().Add(time.Hour))

	n, err := p.Promote(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Pending)
	require.EqualValues(t, 1, st.Delayed)
	require.False(t, mr.Exists(LeaderLock))
}

func TestPromoteSkipsWhenAnotherLeaderHoldsTheLock(t *testing.T) {
	p, q, mr := setup(t, 10)
	schedule(t, q, 3, time.Now().Add(-time.Second))
	require.NoError(t, mr.Set(LeaderLock, "other"))

	n, err := p.Promote(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, st.Delayed)
}

func TestRunPromotesUntilCancelled(t *testing.T) {
	p, q, _ := setup(t, 10)
	schedule(t, q, 2, time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.Pending == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("promoter did not stop")
	}
}
