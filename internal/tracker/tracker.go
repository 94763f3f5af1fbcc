// Package tracker mirrors execution lifecycle signals into the task store.
//
// Every handler tolerates duplicate and out-of-order delivery. Store failures
// are logged and never reach the execution; the only error a caller sees is
// models.ErrIgnored from a start signal whose task is disabled.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/telemetry"
)

// Store is the subset of the task store the tracker needs.
type Store interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	FindTaskByTarget(ctx context.Context, target string) (models.Task, error)
	MutateExecution(ctx context.Context, backendID string, seed *models.TaskExecution, fn models.ExecutionMutation) (bool, error)
}

type transition func(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error)

// Tracker handles lifecycle signals.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle dispatches ev to the handler for its kind.
func (t *Tracker) Handle(ctx context.Context, ev models.Event) error {
	telemetry.LifecycleEvents.WithLabelValues(string(ev.Kind)).Inc()
	log := t.logger.With("execution_id", ev.ExecutionID, "target", ev.Target, "signal", ev.Kind)

	switch ev.Kind {
	case models.EventPrerun:
		return t.onStart(ctx, ev, log)
	case models.EventSuccess:
		t.logUntracked(t.update(ctx, ev, applySuccess, log), log)
	case models.EventFailure:
		if ev.Ignored {
			log.Debug("ignored attempt, failure already recorded as disabled")
			return nil
		}
		t.logUntracked(t.update(ctx, ev, applyFailure, log), log)
	case models.EventRetry:
		t.logUntracked(t.update(ctx, ev, applyRetry, log), log)
	case models.EventRevoked:
		t.logUntracked(t.update(ctx, ev, applyRevoked, log), log)
	case models.EventPostrun:
		log.Debug("execution finished")
	default:
		log.Warn("unknown lifecycle signal")
	}
	return nil
}

// Consume handles events from ch until it is closed or ctx is done. The
// worker feeds it every signal except prerun.
func (t *Tracker) Consume(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = t.Handle(ctx, ev)
		}
	}
}

func (t *Tracker) onStart(ctx context.Context, ev models.Event, log *slog.Logger) error {
	task, ok := t.resolve(ctx, ev, log)
	if !ok {
		t.logUntracked(models.ErrUntrackedSignal, log)
		return nil
	}
	log = log.With("task_id", task.ID)
	now := t.now()
	seed := &models.TaskExecution{
		TaskID:    task.ID,
		TaskName:  task.Name,
		BackendID: ev.ExecutionID,
		Status:    models.ExecutionPending,
		Worker:    ev.Worker,
		CreatedAt: now,
	}

	if !task.Enabled {
		if _, err := t.store.MutateExecution(ctx, ev.ExecutionID, seed, func(e *models.TaskExecution) (models.TaskEffect, error) {
			return applyDisabled(e, ev, now)
		}); err != nil {
			log.Error("record disabled execution", "err", err)
		}
		log.Info("task is disabled, ignoring attempt")
		return models.ErrIgnored
	}

	if _, err := t.store.MutateExecution(ctx, ev.ExecutionID, seed, func(e *models.TaskExecution) (models.TaskEffect, error) {
		return applyStart(e, ev, now)
	}); err != nil {
		log.Error("record execution start", "err", err)
	}
	return nil
}

// resolve finds the task by correlation header, then by target name. The
// target fallback is best-effort: the oldest task with that target wins.
func (t *Tracker) resolve(ctx context.Context, ev models.Event, log *slog.Logger) (models.Task, bool) {
	if id := ev.TaskID(); id != "" {
		task, err := t.store.GetTask(ctx, id)
		if err == nil {
			return task, true
		}
		if !errors.Is(err, models.ErrNotFound) {
			log.Error("lookup task by header", "task_id", id, "err", err)
			return models.Task{}, false
		}
	}
	if ev.Target == "" {
		return models.Task{}, false
	}
	task, err := t.store.FindTaskByTarget(ctx, ev.Target)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Error("lookup task by target", "err", err)
		}
		return models.Task{}, false
	}
	return task, true
}

func (t *Tracker) update(ctx context.Context, ev models.Event, apply transition, log *slog.Logger) error {
	now := t.now()
	var runtime *float64
	found, err := t.store.MutateExecution(ctx, ev.ExecutionID, nil, func(e *models.TaskExecution) (models.TaskEffect, error) {
		effect, err := apply(e, ev, now)
		if err == nil {
			runtime = e.Runtime
		}
		return effect, err
	})
	if err != nil {
		log.Error("update execution", "err", err)
		return nil
	}
	if !found {
		return models.ErrUntrackedSignal
	}
	if runtime != nil && *runtime < 0 {
		log.Warn("negative runtime, check worker and database clocks", "runtime", *runtime)
		telemetry.DataQualityWarns.Inc()
	}
	return nil
}

func (t *Tracker) logUntracked(err error, log *slog.Logger) {
	if errors.Is(err, models.ErrUntrackedSignal) {
		log.Info("signal for untracked execution", "err", err)
		telemetry.UntrackedSignals.Inc()
	}
}
