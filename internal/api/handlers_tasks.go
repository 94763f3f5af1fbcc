package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/store"
	"task-orchestrator/internal/telemetry"
)

// taskRequest is shared by create and update. Nil fields are left unchanged on
// update. Args and kwargs accept either JSON values or JSON-encoded strings.
type taskRequest struct {
	Name        *string              `json:"name"`
	Description *string              `json:"description"`
	Mode        *models.TaskMode     `json:"mode"`
	Target      *string              `json:"target"`
	Args        json.RawMessage      `json:"args"`
	Kwargs      json.RawMessage      `json:"kwargs"`
	ScheduledAt *time.Time           `json:"scheduled_at"`
	Schedule    *models.ScheduleMode `json:"schedule_mode"`

	CrontabMinute      *string `json:"crontab_minute"`
	CrontabHour        *string `json:"crontab_hour"`
	CrontabDayOfWeek   *string `json:"crontab_day_of_week"`
	CrontabDayOfMonth  *string `json:"crontab_day_of_month"`
	CrontabMonthOfYear *string `json:"crontab_month_of_year"`

	IntervalSeconds *int `json:"interval_seconds"`
	IntervalMinutes *int `json:"interval_minutes"`
	IntervalHours   *int `json:"interval_hours"`
	IntervalDays    *int `json:"interval_days"`

	Enabled *bool `json:"enabled"`
}

func (req taskRequest) apply(t *models.Task) error {
	setString(&t.Name, req.Name)
	setString(&t.Description, req.Description)
	setString(&t.Target, req.Target)
	if req.Mode != nil {
		t.Mode = *req.Mode
	}
	if req.Args != nil {
		v, err := rawArgument(req.Args)
		if err != nil {
			return fmt.Errorf("%w: args: %v", models.ErrMalformedArguments, err)
		}
		t.Args = v
	}
	if req.Kwargs != nil {
		v, err := rawArgument(req.Kwargs)
		if err != nil {
			return fmt.Errorf("%w: kwargs: %v", models.ErrMalformedArguments, err)
		}
		t.Kwargs = v
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		t.ScheduledAt = &at
	}
	if req.Schedule != nil {
		t.ScheduleMode = *req.Schedule
	}
	setString(&t.CrontabMinute, req.CrontabMinute)
	setString(&t.CrontabHour, req.CrontabHour)
	setString(&t.CrontabDayOfWeek, req.CrontabDayOfWeek)
	setString(&t.CrontabDayOfMonth, req.CrontabDayOfMonth)
	setString(&t.CrontabMonthOfYear, req.CrontabMonthOfYear)
	setInt(&t.IntervalSeconds, req.IntervalSeconds)
	setInt(&t.IntervalMinutes, req.IntervalMinutes)
	setInt(&t.IntervalHours, req.IntervalHours)
	setInt(&t.IntervalDays, req.IntervalDays)
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task := models.Task{Enabled: true}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if err := req.apply(&task); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := schedule.ValidateTask(task, s.now(), s.location); err != nil {
		s.writeErr(w, err)
		return
	}
	if !task.Enabled {
		task.Status = models.TaskDisabled
	}

	created, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	log := s.logger.With("task_id", created.ID, "name", created.Name)
	log.Info("task created", "mode", created.Mode, "target", created.Target)

	if created.Enabled {
		if created.Mode == models.ModePeriodic {
			if err := s.manager.RegisterTask(created); err != nil {
				log.Error("register periodic entry", "err", err)
			}
		}
		if _, err := s.execute(r.Context(), created); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	s.respondTask(w, r, http.StatusCreated, created.ID)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	tasks, total, err := s.store.ListTasks(r.Context(), store.TaskFilter{Offset: offset, Limit: limit})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(tasks, total))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.respondTask(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	next := current
	if err := req.apply(&next); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := schedule.ValidateTask(next, s.now(), s.location); err != nil {
		s.writeErr(w, err)
		return
	}
	updated, err := s.store.UpdateTask(ctx, next)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if current.Mode == models.ModePeriodic && (updated.Mode != models.ModePeriodic || updated.Name != current.Name || !updated.Enabled) {
		s.manager.UnregisterPeriodic(current.Name)
	}
	if updated.Mode == models.ModePeriodic && updated.Enabled {
		if err := s.manager.RegisterTask(updated); err != nil {
			s.logger.Error("re-register periodic entry", "task_id", updated.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteTask revokes the in-flight execution, removes the live entry
// and logically deletes the task.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if task.LastExecutionID != "" {
		if err := s.manager.Revoke(ctx, task.LastExecutionID, true); err != nil {
			s.logger.Warn("revoke on delete", "task_id", task.ID, "execution_id", task.LastExecutionID, "err", err)
		}
	}
	if task.Mode == models.ModePeriodic {
		s.manager.UnregisterPeriodic(task.Name)
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusBadRequest, "task_disabled", "task is disabled")
		return
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, task.ID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many manual triggers for this task")
			return
		}
	}
	if _, err := s.execute(ctx, task); err != nil {
		s.writeErr(w, err)
		return
	}
	s.respondTask(w, r, http.StatusAccepted, task.ID)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.SetTaskEnabled(r.Context(), chi.URLParam(r, "id"), true, models.TaskPending)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if task.Mode == models.ModePeriodic {
		if err := s.manager.RegisterTask(task); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.SetTaskEnabled(r.Context(), chi.URLParam(r, "id"), false, models.TaskDisabled)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if task.Mode == models.ModePeriodic {
		s.manager.UnregisterPeriodic(task.Name)
	}
	writeJSON(w, http.StatusOK, task)
}

type taskStatusResponse struct {
	TaskID      string                `json:"task_id"`
	ExecutionID *string               `json:"execution_id"`
	Status      string                `json:"status"`
	Result      string                `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	Traceback   string                `json:"traceback,omitempty"`
	Execution   *models.TaskExecution `json:"execution,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// handleTaskStatus prefers the tracked execution record and falls back to the
// backend's own view when the tracker has not written one yet.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp := taskStatusResponse{TaskID: task.ID}
	if task.LastExecutionID == "" {
		resp.Status = string(task.Status)
		resp.Message = "no execution record"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	id := task.LastExecutionID
	resp.ExecutionID = &id

	if exec, err := s.store.GetExecutionByBackendID(ctx, id); err == nil && exec.Status != models.ExecutionPending {
		resp.Status = string(exec.Status)
		resp.Execution = &exec
		if exec.Status == models.ExecutionFailed {
			resp.Error, resp.Traceback = exec.Result, exec.Traceback
		} else {
			resp.Result = exec.Result
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	st, err := s.manager.QueryStatus(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	resp.Status = string(st.State)
	resp.Result, resp.Error, resp.Traceback = st.Result, st.Error, st.Traceback
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.store.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	offset, limit := pagination(r)
	execs, total, err := s.store.ListExecutions(ctx, store.ExecutionFilter{TaskID: task.ID, Offset: offset, Limit: limit})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(execs, total))
}

// execute dispatches task and persists the outcome. An unregistered target or
// an unreachable backend marks the task failed with no execution id; argument
// and schedule errors leave the task untouched.
func (s *Server) execute(ctx context.Context, task models.Task) (string, error) {
	log := s.logger.With("task_id", task.ID, "target", task.Target)
	id, err := s.manager.Dispatch(ctx, task)
	if err != nil {
		log.Warn("dispatch failed", "err", err)
		if !errors.Is(err, models.ErrUnregisteredTarget) && !errors.Is(err, models.ErrBackendUnavailable) {
			return "", err
		}
		if markErr := s.store.MarkTaskFailed(ctx, task.ID); markErr != nil {
			log.Error("mark task failed", "err", markErr)
		}
		return "", err
	}

	status := models.TaskRunning
	if task.Mode == models.ModeScheduledOnce {
		status = models.TaskPending
	}
	exec := models.TaskExecution{
		TaskID:    task.ID,
		TaskName:  task.Name,
		BackendID: id,
		Args:      task.Args,
		Kwargs:    task.Kwargs,
		Status:    models.ExecutionPending,
		CreatedAt: s.now(),
	}
	if _, err := s.store.RecordDispatch(ctx, task.ID, exec, status); err != nil {
		// the execution is already queued; the tracker creates the row on start
		log.Error("record dispatch", "execution_id", id, "err", err)
	}
	return id, nil
}

func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, code int, id string) {
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, code, task)
}

// rawArgument accepts a JSON value or a string holding one.
func rawArgument(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	if !json.Valid(raw) {
		return "", errors.New("invalid JSON")
	}
	return string(raw), nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
