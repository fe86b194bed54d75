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

// Worker-only process for scaling job throughput separately from ingestion.
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup", "error", err)
	}
	if err := a.OpenDB(ctx, false); err != nil {
		_ = a.Close()
		log.Fatal("startup", "error", err)
	}
	w := a.NewWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(gctx, cfg.MetricsAddr, a.OpsHandler(), log) })
	g.Go(func() error {
		w.Start(gctx)
		<-gctx.Done()
		return w.Stop()
	})

	err = g.Wait()
	if cerr := a.Close(); cerr != nil {
		log.Error("close", "error", cerr)
	}
	if err != nil {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
