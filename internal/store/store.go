package store

import (
	"context"
	"fmt"
	"time"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
)

// TaskStore is the method set shared by the Postgres and in-memory stores.
type TaskStore interface {
	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, int, error)
	UpdateTask(ctx context.Context, t models.Task) (models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool, status models.TaskStatus) (models.Task, error)
	ListEnabledPeriodic(ctx context.Context) ([]models.Task, error)
	FindTaskByTarget(ctx context.Context, target string) (models.Task, error)
	UpdateTaskLastRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error

	RecordDispatch(ctx context.Context, taskID string, exec models.TaskExecution, status models.TaskStatus) (models.TaskExecution, error)
	MarkTaskFailed(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (models.TaskExecution, error)
	GetExecutionByBackendID(ctx context.Context, backendID string) (models.TaskExecution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.TaskExecution, int, error)
	DeleteExecution(ctx context.Context, id string) error
	MutateExecution(ctx context.Context, backendID string, seed *models.TaskExecution, fn models.ExecutionMutation) (bool, error)
}

var (
	_ TaskStore = (*Store)(nil)
	_ TaskStore = (*Memory)(nil)
)

// Open selects the store named by cfg.StoreDriver. The Postgres store is
// migrated before it is returned. The returned func releases the store.
func Open(ctx context.Context, cfg config.Config) (TaskStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return NewMemory(), func() {}, nil
	case "", "postgres":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
