// Package inspect serves queue introspection from a shared cache so that many
// concurrent callers cost at most one backend query per kind per cache window.
//
// Per kind: a cached answer is returned as is. On a miss the caller tries to
// take a short-lived lock; the holder queries the backend under a timeout,
// caches the answer and always releases the lock. Callers that lose the lock
// race poll the cache for a bounded time. A failed, timed-out or abandoned
// refresh reports ok=false, which callers show as "unknown".
package inspect

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/telemetry"
)

// Cache is the shared key/value store. *cache.Redis satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Backend answers the expensive control-plane queries.
type Backend interface {
	Active(ctx context.Context) (map[string][]queue.TaskInfo, error)
	Scheduled(ctx context.Context) ([]queue.TaskInfo, error)
	Reserved(ctx context.Context) ([]queue.TaskInfo, error)
	WorkerStats(ctx context.Context) (map[string]queue.WorkerInfo, error)
}

const (
	KindActive    = "active"
	KindScheduled = "scheduled"
	KindReserved  = "reserved"
	KindStats     = "stats"
)

type Options struct {
	CacheTTL time.Duration
	LockTTL  time.Duration
	Wait     time.Duration
	Poll     time.Duration
	Timeout  time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		CacheTTL: cfg.InspectCacheTTL,
		LockTTL:  cfg.InspectLockTTL,
		Wait:     cfg.InspectWait,
		Poll:     cfg.InspectPoll,
		Timeout:  cfg.InspectTimeout,
	}
}

type Inspector struct {
	cache   Cache
	backend Backend
	opts    Options
	logger  *slog.Logger
}

func New(cache Cache, backend Backend, opts Options, logger *slog.Logger) *Inspector {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Inspector{cache: cache, backend: backend, opts: opts, logger: logger}
}

func (in *Inspector) Active(ctx context.Context) (map[string][]queue.TaskInfo, bool) {
	return fetch(ctx, in, KindActive, in.backend.Active)
}

func (in *Inspector) Scheduled(ctx context.Context) ([]queue.TaskInfo, bool) {
	return fetch(ctx, in, KindScheduled, in.backend.Scheduled)
}

func (in *Inspector) Reserved(ctx context.Context) ([]queue.TaskInfo, bool) {
	return fetch(ctx, in, KindReserved, in.backend.Reserved)
}

func (in *Inspector) Stats(ctx context.Context) (map[string]queue.WorkerInfo, bool) {
	return fetch(ctx, in, KindStats, in.backend.WorkerStats)
}

// Summary counts workers and executions. A nil count is unknown.
type Summary struct {
	Workers struct {
		Total  *int `json:"total"`
		Online *int `json:"online"`
	} `json:"workers"`
	Tasks struct {
		Active    *int `json:"active"`
		Scheduled *int `json:"scheduled"`
		Reserved  *int `json:"reserved"`
		Total     *int `json:"total"`
	} `json:"tasks"`
}

func (in *Inspector) Summary(ctx context.Context) Summary {
	var s Summary
	if stats, ok := in.Stats(ctx); ok {
		n := len(stats)
		s.Workers.Total, s.Workers.Online = &n, &n
	}
	if active, ok := in.Active(ctx); ok {
		n := 0
		for _, tasks := range active {
			n += len(tasks)
		}
		s.Tasks.Active = &n
	}
	if scheduled, ok := in.Scheduled(ctx); ok {
		n := len(scheduled)
		s.Tasks.Scheduled = &n
	}
	if reserved, ok := in.Reserved(ctx); ok {
		n := len(reserved)
		s.Tasks.Reserved = &n
	}
	if s.Tasks.Active != nil && s.Tasks.Scheduled != nil && s.Tasks.Reserved != nil {
		n := *s.Tasks.Active + *s.Tasks.Scheduled + *s.Tasks.Reserved
		s.Tasks.Total = &n
	}
	return s
}

func cacheKey(kind string) string { return "cache:" + kind }
func lockKey(kind string) string  { return "lock:" + kind }

func fetch[T any](ctx context.Context, in *Inspector, kind string, query func(context.Context) (T, error)) (T, bool) {
	var zero T
	log := in.logger.With("query", kind)

	if v, ok := lookup[T](ctx, in, kind, log); ok {
		telemetry.InspectCacheHits.WithLabelValues(kind).Inc()
		return v, true
	}

	acquired, err := in.cache.SetIfAbsent(ctx, lockKey(kind), []byte("1"), in.opts.LockTTL)
	if err != nil {
		log.Warn("inspect lock unavailable", "err", err)
		telemetry.InspectUnknown.WithLabelValues(kind).Inc()
		return zero, false
	}
	if !acquired {
		return wait[T](ctx, in, kind, log)
	}
	defer in.release(ctx, kind, log)

	// a refresher may have finished between the miss and the lock
	if v, ok := lookup[T](ctx, in, kind, log); ok {
		telemetry.InspectCacheHits.WithLabelValues(kind).Inc()
		return v, true
	}

	telemetry.InspectQueries.WithLabelValues(kind).Inc()
	qctx, cancel := context.WithTimeout(ctx, in.opts.Timeout)
	defer cancel()
	v, err := query(qctx)
	if err != nil {
		log.Warn("inspect query failed", "err", err)
		telemetry.InspectUnknown.WithLabelValues(kind).Inc()
		return zero, false
	}

	body, err := json.Marshal(v)
	if err != nil {
		log.Error("encode inspect result", "err", err)
		return v, true
	}
	if err := in.cache.Set(ctx, cacheKey(kind), body, in.opts.CacheTTL); err != nil {
		log.Warn("cache inspect result", "err", err)
	}
	return v, true
}

func lookup[T any](ctx context.Context, in *Inspector, kind string, log *slog.Logger) (T, bool) {
	var v T
	body, ok, err := in.cache.Get(ctx, cacheKey(kind))
	if err != nil {
		log.Warn("inspect cache read", "err", err)
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(body, &v); err != nil {
		log.Warn("decode cached inspect result", "err", err)
		return v, false
	}
	return v, true
}

func wait[T any](ctx context.Context, in *Inspector, kind string, log *slog.Logger) (T, bool) {
	var zero T
	deadline := time.NewTimer(in.opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(in.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			telemetry.InspectUnknown.WithLabelValues(kind).Inc()
			return zero, false
		case <-deadline.C:
			log.Debug("inspect wait exhausted")
			telemetry.InspectUnknown.WithLabelValues(kind).Inc()
			return zero, false
		case <-ticker.C:
			if v, ok := lookup[T](ctx, in, kind, log); ok {
				telemetry.InspectCacheHits.WithLabelValues(kind).Inc()
				return v, true
			}
		}
	}
}

// release runs even when ctx is already cancelled.
func (in *Inspector) release(ctx context.Context, kind string, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := in.cache.Delete(rctx, lockKey(kind)); err != nil {
		log.Warn("release inspect lock", "err", err)
	}
}
