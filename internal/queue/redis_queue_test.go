package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-orchestrator/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Options{PriorityQueues: []string{"high", "default", "low"}}), mr
}

func TestSubmitAndDequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	low, err := q.Submit(ctx, Submission{Target: "demo.async", Queue: "low"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	high, _ := q.Submit(ctx, Submission{Target: "demo.async", Queue: "high", Headers: map[string]string{models.HeaderTaskID: "t-1"}})

	st, err := q.Query(ctx, high)
	if err != nil || st.State != StatePending {
		t.Fatalf("expected PENDING after submit, got %+v err=%v", st, err)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != high {
		t.Fatalf("expected high priority message first, got %s", got)
	}
	msg, err := q.Message(ctx, got)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Headers[models.HeaderTaskID] != "t-1" {
		t.Fatalf("expected correlation header to survive, got %v", msg.Headers)
	}

	next, _ := q.DequeueWithLease(ctx)
	if next != low {
		t.Fatalf("expected low priority message second, got %s", next)
	}
	empty, err := q.DequeueWithLease(ctx)
	if err != nil || empty != "" {
		t.Fatalf("expected empty queue, got %q err=%v", empty, err)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	eta := time.Now().Add(time.Hour)
	id, err := q.Submit(ctx, Submission{Target: "demo.scheduled", ETA: &eta})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != "" {
		t.Fatalf("message with future ETA must not be ready, got %s", got)
	}
	scheduled, err := q.Scheduled(ctx)
	if err != nil || len(scheduled) != 1 || scheduled[0].ID != id {
		t.Fatalf("expected one scheduled message, got %+v err=%v", scheduled, err)
	}

	n, err := q.PromoteScheduled(ctx, eta.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one promotion, got %d err=%v", n, err)
	}
	if n, _ := q.PromoteScheduled(ctx, eta.Add(time.Second), 10); n != 0 {
		t.Fatalf("second promotion must be a no-op, got %d", n)
	}
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("expected promoted message, got %s", got)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _ := q.Submit(ctx, Submission{Target: "demo.async"})
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("dequeue: got %s", got)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("expected lease to be reclaimed, got %v err=%v", reclaimed, err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("expected reclaimed message to be ready again, got %s", got)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Message(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("acked message body should be gone, got %v", err)
	}
}

func TestRevokeAndResults(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	revoked, _, err := q.IsRevoked(ctx, "abc")
	if err != nil || revoked {
		t.Fatalf("unexpected revoked=%v err=%v", revoked, err)
	}
	if err := q.Revoke(ctx, "abc", true); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, terminate, err := q.IsRevoked(ctx, "abc")
	if err != nil || !revoked || !terminate {
		t.Fatalf("expected terminate revocation, got revoked=%v terminate=%v err=%v", revoked, terminate, err)
	}

	if err := q.SetResult(ctx, Status{ID: "abc", State: StateFailure, Error: "boom", Worker: "w1"}); err != nil {
		t.Fatalf("set result: %v", err)
	}
	st, _ := q.Query(ctx, "abc")
	if st.State != StateFailure || st.Error != "boom" || st.Worker != "w1" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRevokeOutlivesScheduledETA(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	eta := time.Now().Add(4 * time.Hour)
	deferred, err := q.Submit(ctx, Submission{Target: "demo.scheduled", ETA: &eta})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Revoke(ctx, deferred, true); err != nil {
		t.Fatalf("revoke deferred: %v", err)
	}
	if err := q.Revoke(ctx, "immediate", false); err != nil {
		t.Fatalf("revoke immediate: %v", err)
	}

	mr.FastForward(3*time.Hour + time.Minute)
	if revoked, _, _ := q.IsRevoked(ctx, "immediate"); revoked {
		t.Fatalf("expected plain revocation to expire after the default ttl")
	}
	if revoked, terminate, _ := q.IsRevoked(ctx, deferred); !revoked || !terminate {
		t.Fatalf("expected deferred revocation to survive past 3h, got revoked=%v terminate=%v", revoked, terminate)
	}

	mr.FastForward(time.Hour)
	if n, err := q.PromoteScheduled(ctx, eta.Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected promotion, got %d err=%v", n, err)
	}
	if revoked, _, _ := q.IsRevoked(ctx, deferred); !revoked {
		t.Fatalf("expected revocation to still be visible when the message becomes ready")
	}
}

func TestExtendLeaseKeepsMessageInFlight(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{VisibilityTimeout: time.Second})

	id, _ := q.Submit(ctx, Submission{Target: "demo.sleep"})
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("expected %s leased, got %s", id, got)
	}
	if err := q.ExtendLease(ctx, id, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(5*time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected extended lease to survive, reclaimed %v", reclaimed)
	}
}

func TestTargetsRegistry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if ok, _ := q.IsRegistered(ctx, "demo.async"); ok {
		t.Fatalf("nothing registered yet")
	}
	if err := q.RegisterTargets(ctx, "demo.periodic", "demo.async"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, _ := q.IsRegistered(ctx, "demo.async"); !ok {
		t.Fatalf("expected demo.async to be registered")
	}
	targets, _ := q.RegisteredTargets(ctx)
	if len(targets) != 2 || targets[0] != "demo.async" {
		t.Fatalf("expected sorted targets, got %v", targets)
	}
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Heartbeat(ctx, WorkerInfo{ID: "w1", Hostname: "host", Concurrency: 2, StartedAt: time.Now()}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	id, _ := q.Submit(ctx, Submission{Target: "demo.async"})
	_, _ = q.Submit(ctx, Submission{Target: "demo.periodic"})

	reserved, err := q.Reserved(ctx)
	if err != nil || len(reserved) != 2 {
		t.Fatalf("expected 2 reserved, got %d err=%v", len(reserved), err)
	}

	_, _ = q.DequeueWithLease(ctx)
	msg, _ := q.Message(ctx, id)
	if err := q.MarkActive(ctx, "w1", msg, time.Now()); err != nil {
		t.Fatalf("mark active: %v", err)
	}
	active, err := q.Active(ctx)
	if err != nil || len(active["w1"]) != 1 || active["w1"][0].ID != id {
		t.Fatalf("expected one active execution on w1, got %+v err=%v", active, err)
	}

	stats, _ := q.WorkerStats(ctx)
	if stats["w1"].Active != 1 || stats["w1"].Concurrency != 2 {
		t.Fatalf("unexpected stats %+v", stats["w1"])
	}

	_ = q.ClearActive(ctx, "w1", id)
	stats, _ = q.WorkerStats(ctx)
	if stats["w1"].Active != 0 || stats["w1"].Processed != 1 {
		t.Fatalf("expected processed=1 active=0, got %+v", stats["w1"])
	}

	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected ready depth 1, got %d", depth)
	}
}

func TestSubscribeReceivesRevocations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, _ := newTestQueue(t)

	ch, err := q.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Revoke(ctx, "exec-1", true); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	select {
	case ctl := <-ch:
		if ctl.ID != "exec-1" || !ctl.Terminate || ctl.Action != ActionRevoke {
			t.Fatalf("unexpected control %+v", ctl)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for control message")
	}
}

func TestBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	mr.Close()

	if _, err := q.Submit(ctx, Submission{Target: "demo.async"}); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if _, err := q.IsRegistered(ctx, "demo.async"); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
