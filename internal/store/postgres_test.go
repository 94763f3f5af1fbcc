package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"task-orchestrator/internal/models"
)

// newPostgres connects to POSTGRES_DSN and applies migrations. Tests using it
// are skipped when no database is configured.
func newPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresRecordDispatchDoesNotOverwriteWorkerRow(t *testing.T) {
	ctx := context.Background()
	s := newPostgres(t)
	task, err := s.CreateTask(ctx, models.Task{Name: "pg-" + uuid.NewString(), Target: "demo.async", Mode: models.ModeFireOnce, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteTask(context.Background(), task.ID) })
	backendID := uuid.NewString()

	_, err = s.MutateExecution(ctx, backendID, &models.TaskExecution{TaskID: task.ID, TaskName: task.Name}, func(e *models.TaskExecution) (models.TaskEffect, error) {
		e.Status = models.ExecutionStarted
		return models.TaskEffect{Status: models.TaskStarted, ExecutionID: backendID}, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	if _, err := s.RecordDispatch(ctx, task.ID, models.TaskExecution{TaskID: task.ID, BackendID: backendID}, models.TaskRunning); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
	exec, err := s.GetExecutionByBackendID(ctx, backendID)
	if err != nil || exec.Status != models.ExecutionStarted {
		t.Fatalf("worker row must survive the late dispatch record, got %+v err=%v", exec, err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != models.TaskStarted || got.LastExecutionID != backendID {
		t.Fatalf("task status belongs to the tracker once the row exists, got %s/%s", got.Status, got.LastExecutionID)
	}
}

func TestPostgresMutateExecutionSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := newPostgres(t)
	backendID := uuid.NewString()
	if _, err := s.MutateExecution(ctx, backendID, &models.TaskExecution{TaskName: "orphan"}, func(*models.TaskExecution) (models.TaskEffect, error) {
		return models.TaskEffect{}, models.ErrNoChange
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateExecution(ctx, backendID, nil, func(e *models.TaskExecution) (models.TaskEffect, error) {
				e.Result += "x"
				return models.TaskEffect{}, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}
	exec, err := s.GetExecutionByBackendID(ctx, backendID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(exec.Result) != writers {
		t.Fatalf("expected %d serialized appends, got %q", writers, exec.Result)
	}
}

func TestPostgresMutateExecutionMissingRowAndNoChange(t *testing.T) {
	ctx := context.Background()
	s := newPostgres(t)

	found, err := s.MutateExecution(ctx, uuid.NewString(), nil, func(*models.TaskExecution) (models.TaskEffect, error) {
		t.Fatalf("mutation must not run without a row")
		return models.TaskEffect{}, nil
	})
	if err != nil || found {
		t.Fatalf("expected missing row, got found=%v err=%v", found, err)
	}

	backendID := uuid.NewString()
	_, _ = s.MutateExecution(ctx, backendID, &models.TaskExecution{Status: models.ExecutionSuccess}, func(*models.TaskExecution) (models.TaskEffect, error) {
		return models.TaskEffect{}, models.ErrNoChange
	})
	found, err = s.MutateExecution(ctx, backendID, nil, func(e *models.TaskExecution) (models.TaskEffect, error) {
		e.Status = models.ExecutionFailed
		return models.TaskEffect{}, models.ErrNoChange
	})
	if err != nil || !found {
		t.Fatalf("ErrNoChange is not an error, got found=%v err=%v", found, err)
	}
	exec, _ := s.GetExecutionByBackendID(ctx, backendID)
	if exec.Status != models.ExecutionSuccess {
		t.Fatalf("ErrNoChange must skip the write, got %s", exec.Status)
	}
}
