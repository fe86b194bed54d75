package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/replyq/internal/app"
	"github.com/SirClappington/replyq/internal/config"
	"github.com/SirClappington/replyq/internal/logger"
)

// Promotes delayed retries back onto the queue. Only useful with
// RETRY_MODE=delayed; several replicas may run, one leads per tick.
func main() {
	log, err := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", "error", err)
	}

	if cfg.RetryMode != config.RetryDelayed {
		log.Warn("RETRY_MODE is not delayed, nothing will be scheduled", "retry_mode", cfg.RetryMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup", "error", err)
	}
	p := a.NewPromoter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(gctx, cfg.MetricsAddr, a.OpsHandler(), log) })
	g.Go(func() error { return p.Run(gctx) })

	err = g.Wait()
	if cerr := a.Close(); cerr != nil {
		log.Error("close", "error", cerr)
	}
	if err != nil {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
