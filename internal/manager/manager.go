// Package manager is the single point of contact between task records and the
// execution backend.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/scheduler"
	"task-orchestrator/internal/telemetry"
)

// Backend is what the manager needs from the execution backend.
type Backend interface {
	IsRegistered(ctx context.Context, target string) (bool, error)
	RegisteredTargets(ctx context.Context) ([]string, error)
	Submit(ctx context.Context, s queue.Submission) (string, error)
	Revoke(ctx context.Context, id string, terminate bool) error
	Query(ctx context.Context, id string) (queue.Status, error)
}

// Registry holds live periodic entries. *scheduler.Table satisfies it.
type Registry interface {
	Register(e *scheduler.Entry) uint64
	Unregister(name string) bool
}

type Manager struct {
	backend  Backend
	registry Registry
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func New(backend Backend, registry Registry, loc *time.Location, logger *slog.Logger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		backend:  backend,
		registry: registry,
		loc:      loc,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch submits the task's work according to its mode and returns the
// backend execution id. It does not touch the task store.
func (m *Manager) Dispatch(ctx context.Context, task models.Task) (string, error) {
	id, err := m.dispatch(ctx, task)
	if err != nil {
		telemetry.DispatchFailures.Inc()
		return "", err
	}
	telemetry.DispatchCounter.WithLabelValues(string(task.Mode)).Inc()
	m.logger.Info("task dispatched", "task_id", task.ID, "target", task.Target, "mode", task.Mode, "execution_id", id)
	return id, nil
}

func (m *Manager) dispatch(ctx context.Context, task models.Task) (string, error) {
	ok, err := m.backend.IsRegistered(ctx, task.Target)
	if err != nil {
		return "", backendErr("check target", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnregisteredTarget, task.Target)
	}

	args, kwargs, err := task.ParseArguments()
	if err != nil {
		return "", err
	}

	sub := queue.Submission{
		Target:  task.Target,
		Args:    args,
		Kwargs:  kwargs,
		Headers: map[string]string{models.HeaderTaskID: task.ID},
	}
	switch task.Mode {
	case models.ModeFireOnce, models.ModePeriodic:
	case models.ModeScheduledOnce:
		if task.ScheduledAt == nil || !task.ScheduledAt.After(m.now()) {
			return "", fmt.Errorf("%w: scheduled time must be in the future", models.ErrInvalidSchedule)
		}
		eta := task.ScheduledAt.UTC()
		sub.ETA = &eta
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", models.ErrInvalidSchedule, task.Mode)
	}

	id, err := m.backend.Submit(ctx, sub)
	if err != nil {
		return "", backendErr("submit", err)
	}
	return id, nil
}

// RegisterPeriodic installs or replaces the live entry for name. Re-registering
// keeps the entry's firing position when the task id is unchanged.
func (m *Manager) RegisterPeriodic(name, target string, cfg schedule.Config, args []any, kwargs map[string]any, taskID string) error {
	return m.register(name, target, cfg, args, kwargs, taskID, m.now())
}

// RegisterTask registers a periodic task using its own schedule fields. The
// entry is anchored at the task's last run when it has one.
func (m *Manager) RegisterTask(task models.Task) error {
	if task.Mode != models.ModePeriodic {
		return fmt.Errorf("%w: task %s is not periodic", models.ErrInvalidSchedule, task.ID)
	}
	args, kwargs, err := task.ParseArguments()
	if err != nil {
		return err
	}
	anchor := m.now()
	if task.LastRunAt != nil {
		anchor = *task.LastRunAt
	}
	return m.register(task.Name, task.Target, schedule.FromTask(task), args, kwargs, task.ID, anchor)
}

func (m *Manager) register(name, target string, cfg schedule.Config, args []any, kwargs map[string]any, taskID string, anchor time.Time) error {
	e, err := scheduler.NewEntry(name, taskID, target, cfg, args, kwargs, m.loc, anchor)
	if err != nil {
		return err
	}
	version := m.registry.Register(e)
	m.logger.Info("periodic entry registered", "name", name, "task_id", taskID, "schedule", cfg.Describe(), "version", version)
	return nil
}

// UnregisterPeriodic removes the live entry. Absent entries are not an error.
func (m *Manager) UnregisterPeriodic(name string) {
	if m.registry.Unregister(name) {
		m.logger.Info("periodic entry unregistered", "name", name)
	}
}

// Revoke asks the backend to cancel an execution. The outcome arrives later as
// a lifecycle signal.
func (m *Manager) Revoke(ctx context.Context, executionID string, terminate bool) error {
	if err := m.backend.Revoke(ctx, executionID, terminate); err != nil {
		return backendErr("revoke", err)
	}
	m.logger.Info("revoke requested", "execution_id", executionID, "terminate", terminate)
	return nil
}

func (m *Manager) QueryStatus(ctx context.Context, executionID string) (queue.Status, error) {
	st, err := m.backend.Query(ctx, executionID)
	if err != nil {
		return queue.Status{}, backendErr("query", err)
	}
	return st, nil
}

func (m *Manager) RegisteredTargets(ctx context.Context) ([]string, error) {
	targets, err := m.backend.RegisteredTargets(ctx)
	if err != nil {
		return nil, backendErr("registered targets", err)
	}
	return targets, nil
}

func backendErr(op string, err error) error {
	if errors.Is(err, models.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrBackendUnavailable, op, err)
}
