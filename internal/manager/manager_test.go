package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-orchestrator/internal/logging"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/scheduler"
)

func newTestManager(t *testing.T) (*Manager, *queue.RedisQueue, *scheduler.Table, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Options{})
	if err := q.RegisterTargets(context.Background(), "demo.async", "demo.scheduled", "demo.periodic"); err != nil {
		t.Fatalf("register targets: %v", err)
	}
	table := scheduler.NewTable()
	return New(q, table, time.UTC, logging.Discard()), q, table, mr
}

func TestDispatchFireOnceAttachesHeader(t *testing.T) {
	ctx := context.Background()
	m, q, _, _ := newTestManager(t)

	id, err := m.Dispatch(ctx, models.Task{ID: "t-1", Target: "demo.async", Mode: models.ModeFireOnce, Args: `[1, 2]`, Kwargs: `{"x": "y"}`})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	msg, err := q.Message(ctx, id)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Headers[models.HeaderTaskID] != "t-1" || len(msg.Args) != 2 || msg.Kwargs["x"] != "y" {
		t.Fatalf("unexpected message %+v", msg)
	}
	ready, _ := q.ReadyDepth(ctx)
	if ready != 1 {
		t.Fatalf("fire-once must be ready immediately, depth=%d", ready)
	}
}

func TestDispatchValidationOrder(t *testing.T) {
	ctx := context.Background()
	m, q, _, _ := newTestManager(t)
	past := time.Now().Add(-time.Minute)

	cases := []struct {
		name string
		task models.Task
		want error
	}{
		{"unregistered target wins over bad args", models.Task{Target: "nope", Mode: models.ModeFireOnce, Args: "{"}, models.ErrUnregisteredTarget},
		{"malformed args", models.Task{Target: "demo.async", Mode: models.ModeFireOnce, Args: "not json"}, models.ErrMalformedArguments},
		{"malformed kwargs", models.Task{Target: "demo.async", Mode: models.ModeFireOnce, Kwargs: "[1]"}, models.ErrMalformedArguments},
		{"scheduled in the past", models.Task{Target: "demo.scheduled", Mode: models.ModeScheduledOnce, ScheduledAt: &past}, models.ErrInvalidSchedule},
		{"scheduled without time", models.Task{Target: "demo.scheduled", Mode: models.ModeScheduledOnce}, models.ErrInvalidSchedule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Dispatch(ctx, tc.task); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("rejected dispatches must not submit, depth=%d", depth)
	}
	if sched, _ := q.Scheduled(ctx); len(sched) != 0 {
		t.Fatalf("rejected dispatches must not schedule, got %d", len(sched))
	}
}

func TestDispatchScheduledOnceUsesETA(t *testing.T) {
	ctx := context.Background()
	m, q, _, _ := newTestManager(t)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	id, err := m.Dispatch(ctx, models.Task{ID: "t-2", Target: "demo.scheduled", Mode: models.ModeScheduledOnce, ScheduledAt: &at})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sched, _ := q.Scheduled(ctx)
	if len(sched) != 1 || sched[0].ID != id {
		t.Fatalf("expected deferred submission, got %+v", sched)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("scheduled-once must not be ready yet")
	}
}

func TestDispatchPeriodicSubmitsOnce(t *testing.T) {
	ctx := context.Background()
	m, q, table, _ := newTestManager(t)

	if _, err := m.Dispatch(ctx, models.Task{ID: "t-3", Name: "p", Target: "demo.periodic", Mode: models.ModePeriodic}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("periodic dispatch is a single immediate trigger, depth=%d", depth)
	}
	if table.Len() != 0 {
		t.Fatalf("dispatch must not register a schedule entry")
	}
}

func TestDispatchBackendUnavailable(t *testing.T) {
	m, _, _, mr := newTestManager(t)
	mr.Close()

	_, err := m.Dispatch(context.Background(), models.Task{Target: "demo.async", Mode: models.ModeFireOnce})
	if !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
}

func TestRegisterAndUnregisterPeriodic(t *testing.T) {
	m, _, table, _ := newTestManager(t)

	err := m.RegisterPeriodic("empty", "demo.periodic", schedule.Config{Mode: models.ScheduleInterval}, nil, nil, "t-4")
	if !errors.Is(err, models.ErrInvalidSchedule) {
		t.Fatalf("all-zero interval must be rejected, got %v", err)
	}
	err = m.RegisterPeriodic("bad-mode", "demo.periodic", schedule.Config{Mode: "solar"}, nil, nil, "t-4")
	if !errors.Is(err, models.ErrInvalidSchedule) {
		t.Fatalf("unknown mode must be rejected, got %v", err)
	}

	cfg := schedule.Config{Mode: models.ScheduleInterval, Seconds: 30}
	for i := 0; i < 2; i++ {
		if err := m.RegisterPeriodic("every30", "demo.periodic", cfg, nil, nil, "t-4"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	e, ok := table.Get("every30")
	if !ok || table.Len() != 1 || e.Headers[models.HeaderTaskID] != "t-4" {
		t.Fatalf("expected one entry with correlation header, got len=%d entry=%+v", table.Len(), e)
	}

	m.UnregisterPeriodic("every30")
	m.UnregisterPeriodic("every30")
	if table.Len() != 0 {
		t.Fatalf("expected entry removed")
	}
}

func TestRegisterTaskAnchorsOnLastRun(t *testing.T) {
	m, _, table, _ := newTestManager(t)
	last := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	task := models.Task{
		ID: "t-5", Name: "five", Target: "demo.periodic", Mode: models.ModePeriodic,
		ScheduleMode: models.ScheduleInterval, IntervalMinutes: 5, LastRunAt: &last,
	}
	if err := m.RegisterTask(task); err != nil {
		t.Fatalf("register task: %v", err)
	}
	e, _ := table.Get("five")
	if want := last.Add(5 * time.Minute); !e.Next().Equal(want) {
		t.Fatalf("expected next fire %s, got %s", want, e.Next())
	}

	task.Mode = models.ModeFireOnce
	if err := m.RegisterTask(task); !errors.Is(err, models.ErrInvalidSchedule) {
		t.Fatalf("non-periodic task must be rejected, got %v", err)
	}
}

func TestRevokeAndQueryStatus(t *testing.T) {
	ctx := context.Background()
	m, q, _, _ := newTestManager(t)

	id, _ := m.Dispatch(ctx, models.Task{Target: "demo.async", Mode: models.ModeFireOnce})
	st, err := m.QueryStatus(ctx, id)
	if err != nil || st.State != queue.StatePending {
		t.Fatalf("expected pending, got %+v err=%v", st, err)
	}
	if err := m.Revoke(ctx, id, true); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, terminate, _ := q.IsRevoked(ctx, id)
	if !revoked || !terminate {
		t.Fatalf("expected terminate revocation recorded")
	}

	targets, err := m.RegisteredTargets(ctx)
	if err != nil || len(targets) != 3 || targets[0] != "demo.async" {
		t.Fatalf("unexpected targets %v err=%v", targets, err)
	}
}
