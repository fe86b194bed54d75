package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/replyq/internal/breaker"
	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/queue"
)

type harness struct {
	srv *Server
	h   http.Handler
	q   *queue.RedisQ
	b   *breaker.Breaker
	mr  *miniredis.Miniredis
}

func newHarness(t *testing.T, opts Options, checks map[string]Pinger) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, "webhook", logger.Nop())
	b := breaker.New(breaker.Options{FailureThreshold: 1}, logger.Nop())
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	srv := New(q, b, checks, opts, logger.Nop())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, h: srv.Router(), q: q, b: b, mr: mr}
}

func (h *harness) do(method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEnqueues(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	rec := h.do(http.MethodPost, "/webhook", `{"event":"messages.upsert"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	items, err := h.mr.List("queue:webhook")
	require.NoError(t, err)
	require.Equal(t, []string{`{"payload":{"event":"messages.upsert"},"retry_count":0}`}, items)
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	rec := h.do(http.MethodPost, "/webhook", `{"event":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, h.mr.Exists("queue:webhook"))
}

func TestWebhookStoreDown(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.mr.Close()

	rec := h.do(http.MethodPost, "/webhook", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookSignature(t *testing.T) {
	h := newHarness(t, Options{WebhookSecret: "s3cret"}, nil)
	body := `{"event":"messages.upsert"}`

	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/webhook", body).Code)
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/webhook", body, "X-Signature", "deadbeef").Code)

	rec := h.do(http.MethodPost, "/webhook", body, "X-Signature", Sign("s3cret", []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRateLimit(t *testing.T) {
	h := newHarness(t, Options{WebhookRateLimit: 2}, nil)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/webhook", `{}`).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/webhook", `{}`).Code)
	rec := h.do(http.MethodPost, "/webhook", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other clients have their own bucket.
	rec = h.do(http.MethodPost, "/webhook", `{}`, "X-Real-IP", "203.0.113.9")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, Options{}, map[string]Pinger{
		"redis":    PingFunc(func(context.Context) error { return nil }),
		"postgres": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)

	rec := h.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"not_ready","checks":{"redis":"ok","postgres":"connection refused"}}`, rec.Body.String())
}

func TestQueueStatsAndDeadLetters(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	require.NoError(t, h.q.Enqueue(ctx, json.RawMessage(`{"id":"a"}`)))
	env := domain.NewEnvelope(json.RawMessage(`{"id":"X"}`))
	env.RetryCount = 3
	h.q.DeadLetter(ctx, env)
	h.q.DeadLetterRaw(ctx, "garbage")

	rec := h.do(http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pending":1,"delayed":0,"dead_letters":2}`, rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"count":2,"items":["garbage",{"payload":{"id":"X"},"retry_count":3}]}`, rec.Body.String())

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/dead-letters?limit=zero", "").Code)
}

func TestReplayDeadLetters(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	env := domain.NewEnvelope(json.RawMessage(`{"id":"X"}`))
	env.RetryCount = 3
	h.q.DeadLetter(ctx, env)

	rec := h.do(http.MethodPost, "/v1/dead-letters/replay?count=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","replayed":1}`, rec.Body.String())

	items, err := h.mr.List("queue:webhook")
	require.NoError(t, err)
	require.Equal(t, []string{`{"payload":{"id":"X"},"retry_count":0}`}, items)
}

func TestBreakerEndpoints(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	_ = h.b.Call(func() error { return errors.New("boom") })

	rec := h.do(http.MethodGet, "/v1/breaker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, breaker.Open, snap.State)
	require.Equal(t, 1, snap.Failures)

	rec = h.do(http.MethodPost, "/v1/breaker/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, breaker.Closed, h.b.State())
}

func TestAdminToken(t *testing.T) {
	h := newHarness(t, Options{AdminToken: "tok"}, nil)

	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/queue", "").Code)
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/queue", "", "Authorization", "Bearer nope").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/queue", "", "Authorization", "Bearer tok").Code)
	// The webhook is guarded by its signature, not the admin token.
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/webhook", `{}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "replyq_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := newHarness(t, Options{Gatherer: reg}, nil)

	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "replyq_test_total 1")
}
