package models

import (
	"time"
)

// ExecutionStatus enumerates lifecycle states of a single run attempt.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "pending"
	ExecutionStarted  ExecutionStatus = "started"
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionFailed   ExecutionStatus = "failed"
	ExecutionRetrying ExecutionStatus = "retrying"
	ExecutionRevoked  ExecutionStatus = "revoked"
	ExecutionDisabled ExecutionStatus = "disabled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionRevoked, ExecutionDisabled:
		return true
	}
	return false
}

// TaskExecution is one concrete run attempt of a task.
type TaskExecution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	TaskName    string          `json:"task_name"`
	BackendID   string          `json:"backend_id"`
	Args        string          `json:"args,omitempty"`
	Kwargs      string          `json:"kwargs,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Runtime     *float64        `json:"runtime,omitempty"`
	Result      string          `json:"result,omitempty"`
	Traceback   string          `json:"traceback,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskEffect is the change an execution transition applies to its owning task.
// Zero fields are left untouched.
type TaskEffect struct {
	Status      TaskStatus
	LastRunAt   *time.Time
	ExecutionID string
}

// Empty reports whether the effect changes nothing.
func (e TaskEffect) Empty() bool {
	return e.Status == "" && e.LastRunAt == nil && e.ExecutionID == ""
}

// ExecutionMutation edits an execution row in place inside a store transaction
// and returns the effect on the owning task. Returning ErrNoChange skips the write.
type ExecutionMutation func(exec *TaskExecution) (TaskEffect, error)
