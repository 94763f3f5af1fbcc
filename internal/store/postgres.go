package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence of tasks and executions.
type Store struct {
	pool *pgxpool.Pool
}

// TaskFilter pages through tasks, newest first.
type TaskFilter struct {
	Offset int
	Limit  int
}

// ExecutionFilter pages through executions, newest first. An empty TaskID lists all.
type ExecutionFilter struct {
	TaskID string
	Offset int
	Limit  int
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, name, description, mode, target, args, kwargs, scheduled_at, schedule_mode,
	crontab_minute, crontab_hour, crontab_day_of_week, crontab_day_of_month, crontab_month_of_year,
	interval_seconds, interval_minutes, interval_hours, interval_days,
	enabled, status, last_run_at, next_run_at, last_execution_id, created_at, updated_at, deleted_at`

const executionColumns = `id, task_id, task_name, backend_id, args, kwargs, status, started_at, completed_at,
	runtime, result, traceback, worker, created_at, updated_at`

// CreateTask inserts a task, assigning its id and timestamps.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $24, NULL)
	`, t.ID, t.Name, t.Description, t.Mode, t.Target, t.Args, t.Kwargs, t.ScheduledAt, t.ScheduleMode,
		t.CrontabMinute, t.CrontabHour, t.CrontabDayOfWeek, t.CrontabDayOfMonth, t.CrontabMonthOfYear,
		t.IntervalSeconds, t.IntervalMinutes, t.IntervalHours, t.IntervalDays,
		t.Enabled, t.Status, t.LastRunAt, t.NextRunAt, emptyToNil(t.LastExecutionID), now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask fetches a live (not deleted) task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

// ListTasks returns a page of live tasks and the total count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE deleted_at IS NULL
		ORDER BY created_at DESC OFFSET $1 LIMIT $2
	`, f.Offset, limitOrDefault(f.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	return tasks, total, err
}

// UpdateTask rewrites the user-editable fields of a task.
func (s *Store) UpdateTask(ctx context.Context, t models.Task) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET name = $2, description = $3, mode = $4, target = $5, args = $6, kwargs = $7,
			scheduled_at = $8, schedule_mode = $9, crontab_minute = $10, crontab_hour = $11,
			crontab_day_of_week = $12, crontab_day_of_month = $13, crontab_month_of_year = $14,
			interval_seconds = $15, interval_minutes = $16, interval_hours = $17, interval_days = $18,
			next_run_at = $19, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+taskColumns,
		t.ID, t.Name, t.Description, t.Mode, t.Target, t.Args, t.Kwargs, t.ScheduledAt, t.ScheduleMode,
		t.CrontabMinute, t.CrontabHour, t.CrontabDayOfWeek, t.CrontabDayOfMonth, t.CrontabMonthOfYear,
		t.IntervalSeconds, t.IntervalMinutes, t.IntervalHours, t.IntervalDays, t.NextRunAt)
	updated, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	return updated, err
}

// DeleteTask logically deletes a task; its executions stay for audit.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET deleted_at = NOW(), enabled = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetTaskEnabled flips the enabled flag and sets the matching status.
func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool, status models.TaskStatus) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET enabled = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+taskColumns, id, enabled, status)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

// ListEnabledPeriodic returns every live periodic task with enabled = true, oldest first.
func (s *Store) ListEnabledPeriodic(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE mode = $1 AND enabled = TRUE AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, models.ModePeriodic)
	if err != nil {
		return nil, fmt.Errorf("list periodic tasks: %w", err)
	}
	return collectTasks(rows)
}

// FindTaskByTarget returns the oldest live task whose target matches.
func (s *Store) FindTaskByTarget(ctx context.Context, target string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE target = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT 1
	`, target)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task with target %s: %w", target, models.ErrNotFound)
	}
	return t, err
}

// UpdateTaskLastRun records a periodic firing and the advisory next run.
func (s *Store) UpdateTaskLastRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, lastRun.UTC(), nextRun)
	if err != nil {
		return fmt.Errorf("update last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// RecordDispatch persists a successful dispatch as one unit: the pending
// execution row and the task's status, last run and execution id. When the
// worker already created the row the task status is left to the tracker.
func (s *Store) RecordDispatch(ctx context.Context, taskID string, exec models.TaskExecution, status models.TaskStatus) (models.TaskExecution, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.TaskExecution{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	exec = prepareExecution(exec)
	tag, err := insertExecution(ctx, tx, exec)
	if err != nil {
		return models.TaskExecution{}, err
	}
	if tag.RowsAffected() == 1 {
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, last_execution_id = $3, last_run_at = $4, updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
		`, taskID, status, exec.BackendID, exec.CreatedAt)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET last_execution_id = $2, updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
		`, taskID, exec.BackendID)
	}
	if err != nil {
		return models.TaskExecution{}, fmt.Errorf("update task after dispatch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TaskExecution{}, fmt.Errorf("commit: %w", err)
	}
	return exec, nil
}

// MarkTaskFailed records a dispatch failure: status failed and no execution id.
func (s *Store) MarkTaskFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_execution_id = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, models.TaskFailed)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	return nil
}

// GetExecution fetches an execution by its own id.
func (s *Store) GetExecution(ctx context.Context, id string) (models.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskExecution{}, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	return e, err
}

// GetExecutionByBackendID fetches an execution by the backend execution id.
func (s *Store) GetExecutionByBackendID(ctx context.Context, backendID string) (models.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE backend_id = $1`, backendID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskExecution{}, fmt.Errorf("execution %s: %w", backendID, models.ErrNotFound)
	}
	return e, err
}

// ListExecutions returns a page of executions and the total count.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.TaskExecution, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_executions WHERE ($1 = '' OR task_id = $1)
	`, f.TaskID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE ($1 = '' OR task_id = $1)
		ORDER BY created_at DESC OFFSET $2 LIMIT $3
	`, f.TaskID, f.Offset, limitOrDefault(f.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// DeleteExecution removes an execution record.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// MutateExecution runs fn against the execution row for backendID inside one
// transaction holding a row lock. When seed is non-nil it is inserted first
// unless a row already exists. The returned TaskEffect is applied to the
// owning task. It reports whether a row existed to mutate.
func (s *Store) MutateExecution(ctx context.Context, backendID string, seed *models.TaskExecution, fn models.ExecutionMutation) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if seed != nil {
		row := prepareExecution(*seed)
		row.BackendID = backendID
		if _, err := insertExecution(ctx, tx, row); err != nil {
			return false, err
		}
	}

	exec, err := scanExecution(tx.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM task_executions WHERE backend_id = $1 FOR UPDATE
	`, backendID))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	effect, err := fn(&exec)
	if errors.Is(err, models.ErrNoChange) {
		// keep a seeded row even when the mutation writes nothing
		if err := tx.Commit(ctx); err != nil {
			return true, fmt.Errorf("commit: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return true, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE task_executions SET status = $2, started_at = $3, completed_at = $4, runtime = $5,
			result = $6, traceback = $7, worker = $8, task_id = $9, task_name = $10, updated_at = NOW()
		WHERE id = $1
	`, exec.ID, exec.Status, exec.StartedAt, exec.CompletedAt, exec.Runtime,
		exec.Result, exec.Traceback, exec.Worker, emptyToNil(exec.TaskID), exec.TaskName)
	if err != nil {
		return true, fmt.Errorf("update execution: %w", err)
	}

	if exec.TaskID != "" && !effect.Empty() {
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET
				status = COALESCE(NULLIF($2, ''), status),
				last_run_at = COALESCE($3, last_run_at),
				last_execution_id = COALESCE(NULLIF($4, ''), last_execution_id),
				updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
		`, exec.TaskID, string(effect.Status), effect.LastRunAt, effect.ExecutionID)
		if err != nil {
			return true, fmt.Errorf("apply task effect: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func insertExecution(ctx context.Context, tx pgx.Tx, e models.TaskExecution) (pgconn.CommandTag, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (backend_id) DO NOTHING
	`, e.ID, emptyToNil(e.TaskID), e.TaskName, e.BackendID, e.Args, e.Kwargs, e.Status,
		e.StartedAt, e.CompletedAt, e.Runtime, e.Result, e.Traceback, e.Worker, e.CreatedAt)
	if err != nil {
		return tag, fmt.Errorf("insert execution: %w", err)
	}
	return tag, nil
}

func prepareExecution(e models.TaskExecution) models.TaskExecution {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	return e
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var lastExec pgtype.Text
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Mode, &t.Target, &t.Args, &t.Kwargs, &t.ScheduledAt, &t.ScheduleMode,
		&t.CrontabMinute, &t.CrontabHour, &t.CrontabDayOfWeek, &t.CrontabDayOfMonth, &t.CrontabMonthOfYear,
		&t.IntervalSeconds, &t.IntervalMinutes, &t.IntervalHours, &t.IntervalDays,
		&t.Enabled, &t.Status, &t.LastRunAt, &t.NextRunAt, &lastExec, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.LastExecutionID = textValue(lastExec)
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (models.TaskExecution, error) {
	var e models.TaskExecution
	var taskID pgtype.Text
	err := row.Scan(&e.ID, &taskID, &e.TaskName, &e.BackendID, &e.Args, &e.Kwargs, &e.Status, &e.StartedAt, &e.CompletedAt,
		&e.Runtime, &e.Result, &e.Traceback, &e.Worker, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TaskExecution{}, err
		}
		return models.TaskExecution{}, fmt.Errorf("scan execution: %w", err)
	}
	e.TaskID = textValue(taskID)
	return e, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
