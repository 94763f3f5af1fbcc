package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-orchestrator/internal/models"
)

// Memory is a mutex-guarded, process-local implementation of the Postgres
// store's method set. It backs STORE_DRIVER=memory and every unit test that
// needs a task store. Records are copied in and out so callers never share
// state with the store.
type Memory struct {
	mu         sync.Mutex
	tasks      map[string]*models.Task
	taskOrder  []string
	executions map[string]*models.TaskExecution
	byBackend  map[string]string
	now        func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:      make(map[string]*models.Task),
		executions: make(map[string]*models.TaskExecution),
		byBackend:  make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateTask(_ context.Context, t models.Task) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t.ID = uuid.New().String()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.DeletedAt = nil
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	m.tasks[t.ID] = &t
	m.taskOrder = append(m.taskOrder, t.ID)
	return t, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveTask(id)
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return *t, nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]models.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []models.Task
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		if t, ok := m.liveTask(m.taskOrder[i]); ok {
			live = append(live, *t)
		}
	}
	return page(live, f.Offset, f.Limit), len(live), nil
}

func (m *Memory) UpdateTask(_ context.Context, t models.Task) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.liveTask(t.ID)
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	cur.Name, cur.Description, cur.Mode, cur.Target = t.Name, t.Description, t.Mode, t.Target
	cur.Args, cur.Kwargs, cur.ScheduledAt, cur.ScheduleMode = t.Args, t.Kwargs, t.ScheduledAt, t.ScheduleMode
	cur.CrontabMinute, cur.CrontabHour = t.CrontabMinute, t.CrontabHour
	cur.CrontabDayOfWeek, cur.CrontabDayOfMonth, cur.CrontabMonthOfYear = t.CrontabDayOfWeek, t.CrontabDayOfMonth, t.CrontabMonthOfYear
	cur.IntervalSeconds, cur.IntervalMinutes, cur.IntervalHours, cur.IntervalDays = t.IntervalSeconds, t.IntervalMinutes, t.IntervalHours, t.IntervalDays
	cur.NextRunAt = t.NextRunAt
	cur.UpdatedAt = m.now()
	return *cur, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveTask(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	now := m.now()
	t.DeletedAt = &now
	t.Enabled = false
	t.UpdatedAt = now
	return nil
}

func (m *Memory) SetTaskEnabled(_ context.Context, id string, enabled bool, status models.TaskStatus) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveTask(id)
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	t.Enabled = enabled
	t.Status = status
	t.UpdatedAt = m.now()
	return *t, nil
}

func (m *Memory) ListEnabledPeriodic(_ context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, id := range m.taskOrder {
		t, ok := m.liveTask(id)
		if ok && t.Mode == models.ModePeriodic && t.Enabled {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *Memory) FindTaskByTarget(_ context.Context, target string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.taskOrder {
		if t, ok := m.liveTask(id); ok && t.Target == target {
			return *t, nil
		}
	}
	return models.Task{}, fmt.Errorf("task with target %s: %w", target, models.ErrNotFound)
}

func (m *Memory) UpdateTaskLastRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveTask(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	lr := lastRun.UTC()
	t.LastRunAt = &lr
	t.NextRunAt = nextRun
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) RecordDispatch(_ context.Context, taskID string, exec models.TaskExecution, status models.TaskStatus) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec = prepareExecution(exec)
	inserted := m.insertExecution(exec)
	if t, ok := m.liveTask(taskID); ok {
		t.LastExecutionID = exec.BackendID
		if inserted {
			t.Status = status
			lr := exec.CreatedAt
			t.LastRunAt = &lr
		}
		t.UpdatedAt = m.now()
	}
	return exec, nil
}

func (m *Memory) MarkTaskFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.liveTask(id); ok {
		t.Status = models.TaskFailed
		t.LastExecutionID = ""
		t.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.TaskExecution{}, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	return copyExecution(e), nil
}

func (m *Memory) GetExecutionByBackendID(_ context.Context, backendID string) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byBackend[backendID]
	if !ok {
		return models.TaskExecution{}, fmt.Errorf("execution %s: %w", backendID, models.ErrNotFound)
	}
	return copyExecution(m.executions[id]), nil
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]models.TaskExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskExecution
	for _, e := range m.executions {
		if f.TaskID == "" || e.TaskID == f.TaskID {
			out = append(out, copyExecution(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Offset, f.Limit), len(out), nil
}

func (m *Memory) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	delete(m.byBackend, e.BackendID)
	delete(m.executions, id)
	return nil
}

// MutateExecution holds the store lock for the whole read-modify-write, which
// gives the same isolation as the row lock taken by the Postgres store.
func (m *Memory) MutateExecution(_ context.Context, backendID string, seed *models.TaskExecution, fn models.ExecutionMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seed != nil {
		row := prepareExecution(*seed)
		row.BackendID = backendID
		m.insertExecution(row)
	}
	id, ok := m.byBackend[backendID]
	if !ok {
		return false, nil
	}
	exec := copyExecution(m.executions[id])
	effect, err := fn(&exec)
	if errors.Is(err, models.ErrNoChange) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	exec.UpdatedAt = m.now()
	m.executions[id] = &exec

	if exec.TaskID != "" && !effect.Empty() {
		if t, ok := m.liveTask(exec.TaskID); ok {
			if effect.Status != "" {
				t.Status = effect.Status
			}
			if effect.LastRunAt != nil {
				lr := *effect.LastRunAt
				t.LastRunAt = &lr
			}
			if effect.ExecutionID != "" {
				t.LastExecutionID = effect.ExecutionID
			}
			t.UpdatedAt = m.now()
		}
	}
	return true, nil
}

func (m *Memory) liveTask(id string) (*models.Task, bool) {
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, false
	}
	return t, true
}

func (m *Memory) insertExecution(e models.TaskExecution) bool {
	if _, exists := m.byBackend[e.BackendID]; exists {
		return false
	}
	m.executions[e.ID] = &e
	m.byBackend[e.BackendID] = e.ID
	return true
}

func copyExecution(e *models.TaskExecution) models.TaskExecution {
	out := *e
	if e.Runtime != nil {
		r := *e.Runtime
		out.Runtime = &r
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	limit = limitOrDefault(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
