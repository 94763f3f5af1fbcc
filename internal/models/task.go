package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskMode selects how a task is executed.
type TaskMode string

const (
	ModeFireOnce      TaskMode = "fire-once"
	ModeScheduledOnce TaskMode = "scheduled-once"
	ModePeriodic      TaskMode = "periodic"
)

// ScheduleMode selects which periodic parameters are authoritative.
type ScheduleMode string

const (
	ScheduleCrontab  ScheduleMode = "crontab"
	ScheduleInterval ScheduleMode = "interval"
)

// TaskStatus enumerates task states persisted in the store.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskStarted  TaskStatus = "started"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskFailed   TaskStatus = "failed"
	TaskRevoked  TaskStatus = "revoked"
	TaskDisabled TaskStatus = "disabled"
)

// HeaderTaskID is the correlation header carrying the originating task id.
const HeaderTaskID = "x-task-id"

// Task is a user-declared unit of work.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Mode        TaskMode `json:"mode"`
	Target      string   `json:"target"`
	Args        string   `json:"args,omitempty"`
	Kwargs      string   `json:"kwargs,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	ScheduleMode       ScheduleMode `json:"schedule_mode,omitempty"`
	CrontabMinute      string       `json:"crontab_minute,omitempty"`
	CrontabHour        string       `json:"crontab_hour,omitempty"`
	CrontabDayOfWeek   string       `json:"crontab_day_of_week,omitempty"`
	CrontabDayOfMonth  string       `json:"crontab_day_of_month,omitempty"`
	CrontabMonthOfYear string       `json:"crontab_month_of_year,omitempty"`
	IntervalSeconds    int          `json:"interval_seconds,omitempty"`
	IntervalMinutes    int          `json:"interval_minutes,omitempty"`
	IntervalHours      int          `json:"interval_hours,omitempty"`
	IntervalDays       int          `json:"interval_days,omitempty"`

	Enabled         bool       `json:"enabled"`
	Status          TaskStatus `json:"status"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// Validate checks the parts of a task that do not depend on schedule parsing:
// identity, mode, arguments and the scheduled-once timestamp.
func (t Task) Validate(now time.Time) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidTask)
	}
	switch t.Mode {
	case ModeFireOnce:
	case ModeScheduledOnce:
		if t.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled time is required for scheduled tasks", ErrInvalidSchedule)
		}
		if !t.ScheduledAt.After(now) {
			return fmt.Errorf("%w: scheduled time %s is not in the future", ErrInvalidSchedule, t.ScheduledAt.UTC().Format(time.RFC3339))
		}
	case ModePeriodic:
		if t.ScheduleMode == "" {
			return fmt.Errorf("%w: schedule mode is required for periodic tasks", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidSchedule, t.Mode)
	}
	if _, _, err := t.ParseArguments(); err != nil {
		return err
	}
	return nil
}

// ParseArguments decodes the serialized positional and keyword arguments.
// Empty values decode to an empty slice and map.
func (t Task) ParseArguments() ([]any, map[string]any, error) {
	return ParseArguments(t.Args, t.Kwargs)
}

// ParseArguments decodes a JSON array of positional args and a JSON object of kwargs.
func ParseArguments(rawArgs, rawKwargs string) ([]any, map[string]any, error) {
	args := []any{}
	kwargs := map[string]any{}
	if s := strings.TrimSpace(rawArgs); s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return nil, nil, fmt.Errorf("%w: args: %v", ErrMalformedArguments, err)
		}
	}
	if s := strings.TrimSpace(rawKwargs); s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &kwargs); err != nil {
			return nil, nil, fmt.Errorf("%w: kwargs: %v", ErrMalformedArguments, err)
		}
	}
	return args, kwargs, nil
}
