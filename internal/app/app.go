// Package app wires configuration into the long-lived components shared by
// the binaries under cmd/.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/SirClappington/replyq/internal/api"
	"github.com/SirClappington/replyq/internal/assistant"
	"github.com/SirClappington/replyq/internal/breaker"
	"github.com/SirClappington/replyq/internal/config"
	"github.com/SirClappington/replyq/internal/conversation"
	"github.com/SirClappington/replyq/internal/gateway"
	"github.com/SirClappington/replyq/internal/lock"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/metrics"
	"github.com/SirClappington/replyq/internal/queue"
	"github.com/SirClappington/replyq/internal/redisconn"
	"github.com/SirClappington/replyq/internal/retry"
	"github.com/SirClappington/replyq/internal/scheduler"
	"github.com/SirClappington/replyq/internal/storage"
	"github.com/SirClappington/replyq/internal/worker"
)

type App struct {
	Cfg      *config.Config
	Log      *logger.Logger
	Redis    *r.Client
	Queue    *queue.RedisQ
	Locks    *lock.Locker
	Breaker  *breaker.Breaker
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB    *pgxpool.Pool
	Store *storage.Store
}

// New connects to Redis and builds the queue-side components. Postgres is
// opened separately by OpenDB because the scheduler never needs it.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	rdb, err := redisconn.Connect(ctx, redisconn.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, err
	}

	a := &App{
		Cfg:      cfg,
		Log:      log,
		Redis:    rdb,
		Queue:    queue.New(rdb, cfg.QueueName, log),
		Locks:    lock.New(rdb, cfg.LockPollInterval, log),
		Registry: prometheus.NewRegistry(),
		Breaker: breaker.New(breaker.Options{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
			HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
		}, log),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)
	metrics.WatchBreaker(a.Registry, a.Breaker)
	metrics.WatchQueue(a.Registry, cfg.QueueName, a.Queue)
	return a, nil
}

// OpenDB connects the conversation store, applying migrations first when
// migrate is set.
func (a *App) OpenDB(ctx context.Context, migrate bool) error {
	if migrate {
		if err := storage.Migrate(a.Cfg.PostgresDSN, a.Cfg.MigrationsDir); err != nil {
			return errors.Wrap(err, "migrate")
		}
		a.Log.Info("migrations applied", "dir", a.Cfg.MigrationsDir)
	}
	pool, err := pgxpool.New(ctx, a.Cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "postgres pool")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return errors.Wrap(err, "postgres ping")
	}
	a.DB = pool
	a.Store = storage.New(pool)
	return nil
}

// NewWorker assembles the conversation handler and the worker that runs it.
// OpenDB must have succeeded.
func (a *App) NewWorker() *worker.Worker {
	cfg := a.Cfg
	handler := conversation.NewHandler(
		a.Store,
		assistant.New(assistant.Options{
			BaseURL:      cfg.AIBaseURL,
			APIKey:       cfg.AIAPIKey,
			Model:        cfg.AIModel,
			SystemPrompt: cfg.AISystemPrompt,
		}, a.Log),
		gateway.New(gateway.Options{
			BaseURL: cfg.GatewayURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.GatewayTimeout,
		}, a.Log),
		conversation.Options{
			HistoryLimit:   cfg.HistoryLimit,
			SummaryEvery:   cfg.SummaryEvery,
			MaxReplyLength: cfg.ReplyMaxLength,
			RequireBot:     cfg.RequireBot,
		},
		a.Log,
	)
	policy := retry.New(a.Queue, retry.Options{
		MaxRetries: cfg.MaxRetries,
		MaxBackoff: cfg.MaxBackoff,
		Delayed:    cfg.RetryMode == config.RetryDelayed,
	}, a.Log)

	return worker.New(worker.Deps{
		Queue:    a.Queue,
		Locks:    a.Locks,
		Breaker:  a.Breaker,
		Retry:    policy,
		Handler:  handler.Handle,
		Key:      conversation.PartitionKey,
		Observer: a.Metrics,
	}, worker.Options{
		DequeueTimeout: cfg.DequeueTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		JoinTimeout:    cfg.JoinTimeout,
		JobTimeout:     cfg.JobTimeout,
		LockTTL:        cfg.LockTTL,
		LockWait:       cfg.LockWait,
	}, a.Log)
}

func (a *App) NewPromoter() *scheduler.Promoter {
	return scheduler.NewPromoter(a.Queue, a.Locks, scheduler.Options{
		Tick:  a.Cfg.PromoteTick,
		Batch: a.Cfg.PromoteBatch,
	}, a.Log)
}

// NewAPI builds the HTTP server. The Postgres readiness check is included
// only when OpenDB ran.
func (a *App) NewAPI() *api.Server {
	checks := map[string]api.Pinger{
		"redis": api.PingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }),
	}
	if a.Store != nil {
		checks["postgres"] = a.Store
	}
	return api.New(a.Queue, a.Breaker, checks, api.Options{
		WebhookSecret:    a.Cfg.WebhookSecret,
		WebhookRateLimit: a.Cfg.WebhookRateLimit,
		AdminToken:       a.Cfg.AdminToken,
		Gatherer:         a.Registry,
	}, a.Log)
}

// OpsHandler serves liveness and metrics for binaries without the full API.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})
	return mux
}

// Close releases every connection the app opened.
func (a *App) Close() error {
	var err error
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	return err
}

// Serve runs an HTTP server until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrapf(err, "listen %s", addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Append(srv.Shutdown(sctx), ignoreClosed(<-errc))
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
