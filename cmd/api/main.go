package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "task-orchestrator/internal/api"
	"task-orchestrator/internal/cache"
	"task-orchestrator/internal/config"
	"task-orchestrator/internal/inspect"
	"task-orchestrator/internal/logging"
	"task-orchestrator/internal/manager"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/ratelimit"
	"task-orchestrator/internal/scheduler"
	"task-orchestrator/internal/store"
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

	// Entries registered through the API go straight into the live table when
	// the reconciler runs here. Otherwise the standalone scheduler picks the
	// change up on its next reload and the local table only validates.
	var (
		registry *scheduler.Table
		live     *scheduler.Table
	)
	if cfg.EmbedScheduler {
		rec := scheduler.New(st, q, scheduler.Options{
			ReloadInterval: cfg.ScheduleReloadInterval,
			TickInterval:   cfg.ScheduleMaxInterval,
			Location:       cfg.Location(),
		}, logger.With("component", "scheduler"))
		registry, live = rec.Table(), rec.Table()
		logger.Warn("running the schedule reconciler in the api; do not start cmd/scheduler as well or periodic tasks fire twice")
		go func() {
			if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("schedule reconciler stopped", "err", err)
			}
		}()
	} else {
		registry = scheduler.NewTable()
	}

	mgr := manager.New(q, registry, cfg.Location(), logger.With("component", "manager"))
	inspector := inspect.New(cache.NewRedis(client, "inspect:"), q, inspect.OptionsFromConfig(cfg), logger.With("component", "inspect"))
	limiter := ratelimit.NewTokenBucket(client, "ratelimit:execute:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Options{
		Store:     st,
		Manager:   mgr,
		Inspector: inspector,
		Limiter:   limiter,
		Schedule:  live,
		Location:  cfg.Location(),
		Logger:    logger.With("component", "api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "embedded_scheduler", cfg.EmbedScheduler)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
