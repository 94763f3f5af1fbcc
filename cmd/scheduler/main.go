package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/logging"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/scheduler"
	"task-orchestrator/internal/store"
	"task-orchestrator/internal/telemetry"
)

// The standalone scheduling process. Run exactly one, and leave
// EMBED_SCHEDULER unset on the api.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	rec := scheduler.New(st, q, scheduler.Options{
		ReloadInterval: cfg.ScheduleReloadInterval,
		TickInterval:   cfg.ScheduleMaxInterval,
		Location:       cfg.Location(),
	}, logger)
	if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("scheduler: %v", err)
	}
	logger.Info("scheduler stopped")
}
