// Package scheduler hosts the schedule reconciler: a loop that rebuilds the
// live periodic entry table from the task store every reload interval and
// submits entries as they come due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/telemetry"
)

// Store is the part of the task store the reconciler reads and writes.
type Store interface {
	ListEnabledPeriodic(ctx context.Context) ([]models.Task, error)
	UpdateTaskLastRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

// Submitter hands a due entry to the execution backend.
type Submitter interface {
	Submit(ctx context.Context, s queue.Submission) (string, error)
}

// Options configures reload and tick cadence.
type Options struct {
	ReloadInterval time.Duration
	TickInterval   time.Duration
	Location       *time.Location
}

type Reconciler struct {
	store     Store
	submitter Submitter
	table     *Table
	opts      Options
	logger    *slog.Logger

	lastReload time.Time
}

func New(store Store, submitter Submitter, opts Options, logger *slog.Logger) *Reconciler {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 5 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Reconciler{
		store:     store,
		submitter: submitter,
		table:     NewTable(),
		opts:      opts,
		logger:    logger,
	}
}

// Table exposes the live entries. Register and Unregister go through it.
func (r *Reconciler) Table() *Table { return r.table }

// Location is the zone crontab entries are evaluated in.
func (r *Reconciler) Location() *time.Location { return r.opts.Location }

// Run reloads immediately and then ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("schedule reconciler started",
		"reload_interval", r.opts.ReloadInterval, "tick", r.opts.TickInterval, "timezone", r.opts.Location.String())
	if err := r.Reload(ctx, time.Now()); err != nil {
		r.logger.Error("initial schedule reload failed", "err", err)
	}
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.Tick(ctx, now)
		}
	}
}

// Tick reloads when the reload interval has elapsed and fires every due
// entry. It returns the number of entries fired.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) int {
	if now.Sub(r.lastReload) > r.opts.ReloadInterval {
		if err := r.Reload(ctx, now); err != nil {
			r.logger.Error("schedule reload failed, keeping previous table", "err", err)
		}
	}
	fired := 0
	for _, e := range r.table.Entries() {
		if !e.Due(now) {
			continue
		}
		r.fire(ctx, e, now)
		fired++
	}
	return fired
}

// Reload rebuilds the whole table from enabled periodic tasks. A task whose
// schedule cannot be built is skipped; it never aborts the others.
func (r *Reconciler) Reload(ctx context.Context, now time.Time) error {
	r.lastReload = now
	tasks, err := r.store.ListEnabledPeriodic(ctx)
	if err != nil {
		return fmt.Errorf("list periodic tasks: %w", err)
	}

	entries := make([]*Entry, 0, len(tasks))
	seen := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if owner, dup := seen[t.Name]; dup {
			r.logger.Warn("duplicate periodic task name, keeping the oldest",
				"name", t.Name, "kept_task_id", owner, "skipped_task_id", t.ID)
			continue
		}
		e, err := r.entryFor(t, now)
		if err != nil {
			r.logger.Warn("skipping periodic task with unusable schedule", "task_id", t.ID, "name", t.Name, "err", err)
			continue
		}
		seen[t.Name] = t.ID
		entries = append(entries, e)
	}

	version := r.table.Replace(entries)
	telemetry.ScheduleReloads.Inc()
	telemetry.ScheduleEntries.Set(float64(len(entries)))
	r.logger.Debug("schedule reloaded", "entries", len(entries), "version", version)
	return nil
}

func (r *Reconciler) entryFor(t models.Task, now time.Time) (*Entry, error) {
	args, kwargs, err := t.ParseArguments()
	if err != nil {
		return nil, err
	}
	anchor := now
	if t.LastRunAt != nil {
		anchor = *t.LastRunAt
	}
	return NewEntry(t.Name, t.ID, t.Target, schedule.FromTask(t), args, kwargs, r.opts.Location, anchor)
}

func (r *Reconciler) fire(ctx context.Context, e *Entry, now time.Time) {
	e.advance(now)
	next := e.Next()
	log := r.logger.With("name", e.Name, "task_id", e.TaskID, "target", e.Target)

	if e.TaskID != "" {
		if err := r.store.UpdateTaskLastRun(ctx, e.TaskID, now, &next); err != nil {
			log.Warn("persist last run failed", "err", err)
		}
	}

	id, err := r.submitter.Submit(ctx, queue.Submission{
		Target:  e.Target,
		Args:    e.Args,
		Kwargs:  e.Kwargs,
		Headers: e.Headers,
	})
	if err != nil {
		log.Error("submit periodic entry failed", "err", err)
		return
	}
	telemetry.PeriodicFirings.Inc()
	log.Info("periodic entry fired", "execution_id", id, "next_run_at", next)
}
