package tracker

import (
	"time"

	"task-orchestrator/internal/models"
)

const disabledResult = "task is disabled"

// applyStart moves a non-terminal execution to started. A duplicate start on
// an already started row only refreshes the worker.
func applyStart(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	if e.Status != models.ExecutionStarted || e.StartedAt == nil {
		e.StartedAt = &now
	}
	e.Status = models.ExecutionStarted
	if ev.Worker != "" {
		e.Worker = ev.Worker
	}
	return models.TaskEffect{
		Status:      models.TaskStarted,
		LastRunAt:   &now,
		ExecutionID: ev.ExecutionID,
	}, nil
}

// applyDisabled records the short-circuit of an attempt whose task is disabled.
func applyDisabled(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	zero := 0.0
	e.Status = models.ExecutionDisabled
	e.StartedAt = &now
	e.CompletedAt = &now
	e.Runtime = &zero
	e.Result = disabledResult
	if ev.Worker != "" {
		e.Worker = ev.Worker
	}
	return models.TaskEffect{}, nil
}

func applySuccess(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	complete(e, now)
	e.Status = models.ExecutionSuccess
	e.Result = ev.Result
	return models.TaskEffect{Status: models.TaskSuccess}, nil
}

func applyFailure(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	complete(e, now)
	e.Status = models.ExecutionFailed
	e.Result = ev.Error
	e.Traceback = ev.Traceback
	return models.TaskEffect{Status: models.TaskFailed}, nil
}

// applyRetry leaves completion fields alone: a retrying execution is not terminal.
func applyRetry(e *models.TaskExecution, ev models.Event, _ time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	e.Status = models.ExecutionRetrying
	e.Result = ev.Reason
	return models.TaskEffect{}, nil
}

func applyRevoked(e *models.TaskExecution, ev models.Event, now time.Time) (models.TaskEffect, error) {
	if e.Status.Terminal() {
		return models.TaskEffect{}, models.ErrNoChange
	}
	complete(e, now)
	e.Status = models.ExecutionRevoked
	switch {
	case ev.Terminated:
		e.Result = "revoked (terminated)"
	case ev.Expired:
		e.Result = "revoked (expired)"
	default:
		e.Result = "revoked"
	}
	return models.TaskEffect{Status: models.TaskRevoked}, nil
}

func complete(e *models.TaskExecution, now time.Time) {
	e.CompletedAt = &now
	e.Runtime = runtimeSeconds(e.StartedAt, now)
}

// runtimeSeconds is completed minus started in UTC. The result is not clamped.
func runtimeSeconds(started *time.Time, completed time.Time) *float64 {
	if started == nil {
		return nil
	}
	secs := completed.UTC().Sub(started.UTC()).Seconds()
	return &secs
}
