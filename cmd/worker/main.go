package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/logging"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/store"
	"task-orchestrator/internal/telemetry"
	"task-orchestrator/internal/tracker"
	workerproc "task-orchestrator/internal/worker"
)

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

	lifecycle := tracker.New(st, logger.With("component", "tracker"))
	events := make(chan models.Event, 256)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		lifecycle.Consume(context.WithoutCancel(ctx), events)
	}()
	processor := workerproc.NewProcessor(cfg, q, workerproc.Forward{Sync: lifecycle, Events: events}, logger)

	workerproc.DemoTargets{AsyncDelay: 10 * time.Second, Logger: logger}.Register(processor)
	thumbnail, err := workerproc.NewThumbnail(ctx, cfg)
	if err != nil {
		log.Fatalf("init thumbnail target: %v", err)
	}
	processor.RegisterHandler(workerproc.TargetThumbnail, thumbnail.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker starting", "id", processor.ID(), "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	err = processor.Run(ctx)
	close(events)
	<-consumed
	if err != nil && ctx.Err() == nil {
		log.Fatalf("worker: %v", err)
	}
	logger.Info("worker stopped")
}
