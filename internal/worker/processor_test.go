package worker

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/logging"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

type recorder struct {
	mu       sync.Mutex
	events   []models.Event
	onPrerun error
}

func (r *recorder) Handle(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Kind == models.EventPrerun {
		return r.onPrerun
	}
	return nil
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last(kind models.EventKind) models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i]
		}
	}
	return models.Event{}
}

func newTestProcessor(t *testing.T, listener Listener) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, queue.Options{})
	cfg := config.Config{
		WorkerID:       "w-test",
		MaxRetries:     2,
		BackoffInitial: time.Second,
		BackoffMax:     4 * time.Second,
	}
	p := NewProcessor(cfg, q, listener, logging.Discard())
	DemoTargets{Logger: logging.Discard()}.Register(p)
	return p, q
}

func submitAndLease(t *testing.T, q *queue.RedisQueue, s queue.Submission) string {
	t.Helper()
	ctx := context.Background()
	id, err := q.Submit(ctx, s)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != id {
		t.Fatalf("dequeue: got %q err=%v", got, err)
	}
	return id
}

func assertKinds(t *testing.T, got []models.EventKind, want ...models.EventKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestProcessSuccess(t *testing.T) {
	rec := &recorder{}
	p, q := newTestProcessor(t, rec)
	id := submitAndLease(t, q, queue.Submission{
		Target:  TargetEcho,
		Args:    []any{"hello"},
		Headers: map[string]string{models.HeaderTaskID: "task-1"},
	})

	p.Process(context.Background(), id)

	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventSuccess, models.EventPostrun)
	success := rec.last(models.EventSuccess)
	if success.Result != "test task return hello" || success.TaskID() != "task-1" || success.Worker != "w-test" {
		t.Fatalf("unexpected success event %+v", success)
	}
	st, _ := q.Query(context.Background(), id)
	if st.State != queue.StateSuccess || st.Worker != "w-test" {
		t.Fatalf("expected SUCCESS result, got %+v", st)
	}
}

func TestProcessIgnoredWhenListenerRejectsPrerun(t *testing.T) {
	rec := &recorder{onPrerun: models.ErrIgnored}
	p, q := newTestProcessor(t, rec)
	called := false
	p.RegisterHandler("test.spy", func(context.Context, Call) (any, error) {
		called = true
		return nil, nil
	})
	id := submitAndLease(t, q, queue.Submission{Target: "test.spy"})

	p.Process(context.Background(), id)

	if called {
		t.Fatalf("handler must not run for an ignored attempt")
	}
	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventFailure, models.EventPostrun)
	if !rec.last(models.EventFailure).Ignored {
		t.Fatalf("failure signal of an ignored attempt must be marked ignored")
	}
	st, _ := q.Query(context.Background(), id)
	if st.State != queue.StateIgnored {
		t.Fatalf("expected IGNORED, got %s", st.State)
	}
}

func TestProcessRetryThenFailure(t *testing.T) {
	rec := &recorder{}
	p, q := newTestProcessor(t, rec)
	ctx := context.Background()
	id := submitAndLease(t, q, queue.Submission{Target: TargetDynamic, Kwargs: map[string]any{"should_retry": true}})

	p.Process(ctx, id)
	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventRetry, models.EventPostrun)
	st, _ := q.Query(ctx, id)
	if st.State != queue.StateRetry {
		t.Fatalf("expected RETRY, got %s", st.State)
	}
	msg, err := q.Message(ctx, id)
	if err != nil || msg.Retries != 1 {
		t.Fatalf("expected message kept with retries=1, got %+v err=%v", msg, err)
	}
	scheduled, _ := q.Scheduled(ctx)
	if len(scheduled) != 1 || scheduled[0].ID != id {
		t.Fatalf("expected retry to be scheduled, got %+v", scheduled)
	}

	p.cfg.MaxRetries = 1
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10); n != 1 {
		t.Fatalf("expected retry promotion")
	}
	if got, _ := q.DequeueWithLease(ctx); got != id {
		t.Fatalf("expected retried message, got %s", got)
	}
	rec.events = nil
	p.Process(ctx, id)
	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventFailure, models.EventPostrun)
	st, _ = q.Query(ctx, id)
	if st.State != queue.StateFailure {
		t.Fatalf("expected FAILURE once retries are exhausted, got %s", st.State)
	}
}

func TestProcessFailureCarriesTraceback(t *testing.T) {
	rec := &recorder{}
	p, q := newTestProcessor(t, rec)
	p.RegisterHandler("test.panic", func(context.Context, Call) (any, error) {
		panic("kaboom")
	})

	id := submitAndLease(t, q, queue.Submission{Target: TargetDynamic, Kwargs: map[string]any{"should_fail": true}})
	p.Process(context.Background(), id)
	fail := rec.last(models.EventFailure)
	if !strings.Contains(fail.Error, "should_fail") || fail.Traceback == "" {
		t.Fatalf("expected failure with traceback, got %+v", fail)
	}

	id = submitAndLease(t, q, queue.Submission{Target: "test.panic"})
	p.Process(context.Background(), id)
	fail = rec.last(models.EventFailure)
	if !strings.Contains(fail.Error, "kaboom") || !strings.Contains(fail.Traceback, "goroutine") {
		t.Fatalf("expected panic to be reported with a stack, got %+v", fail)
	}
}

func TestProcessRevokedAndExpired(t *testing.T) {
	rec := &recorder{}
	p, q := newTestProcessor(t, rec)
	ctx := context.Background()

	id, _ := q.Submit(ctx, queue.Submission{Target: TargetAsync})
	if err := q.Revoke(ctx, id, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, _ = q.DequeueWithLease(ctx)
	p.Process(ctx, id)
	assertKinds(t, rec.kinds(), models.EventRevoked)
	if ev := rec.last(models.EventRevoked); ev.Expired || ev.Terminated {
		t.Fatalf("plain revocation should be neither expired nor terminated: %+v", ev)
	}

	rec.events = nil
	past := time.Now().Add(-time.Minute)
	expiredID := submitAndLease(t, q, queue.Submission{Target: TargetAsync, Expires: &past})
	p.Process(ctx, expiredID)
	assertKinds(t, rec.kinds(), models.EventRevoked)
	if !rec.last(models.EventRevoked).Expired {
		t.Fatalf("expected expired revocation")
	}
	st, _ := q.Query(ctx, expiredID)
	if st.State != queue.StateRevoked {
		t.Fatalf("expected REVOKED, got %s", st.State)
	}
}

func TestProcessTerminate(t *testing.T) {
	rec := &recorder{}
	p, q := newTestProcessor(t, rec)
	started := make(chan struct{})
	p.RegisterHandler("test.block", func(ctx context.Context, _ Call) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := submitAndLease(t, q, queue.Submission{Target: "test.block"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Process(context.Background(), id)
	}()
	<-started
	if !p.terminate(id) {
		t.Fatalf("expected running attempt to be found")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("terminated attempt did not return")
	}

	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventRevoked)
	if !rec.last(models.EventRevoked).Terminated {
		t.Fatalf("expected terminated revocation")
	}
}

func TestLongAttemptKeepsItsLease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	lease := 300 * time.Millisecond
	q := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Options{VisibilityTimeout: lease})
	rec := &recorder{}
	p := NewProcessor(config.Config{WorkerID: "w-test", VisibilityTimeout: lease}, q, rec, logging.Discard())

	var reclaimed []string
	p.RegisterHandler("test.slow", func(ctx context.Context, _ Call) (any, error) {
		time.Sleep(3 * lease)
		var err error
		reclaimed, err = q.RequeueExpired(ctx, time.Now(), 10)
		return nil, err
	})
	id := submitAndLease(t, q, queue.Submission{Target: "test.slow"})

	p.Process(context.Background(), id)

	if len(reclaimed) != 0 {
		t.Fatalf("expected lease to be extended while running, reclaimed %v", reclaimed)
	}
	assertKinds(t, rec.kinds(), models.EventPrerun, models.EventSuccess, models.EventPostrun)
	if got, _ := q.DequeueWithLease(context.Background()); got != "" {
		t.Fatalf("expected no second delivery, got %s", got)
	}
}

func TestForwardQueuesAllButPrerun(t *testing.T) {
	rec := &recorder{}
	events := make(chan models.Event, 8)
	p, q := newTestProcessor(t, Forward{Sync: rec, Events: events})
	id := submitAndLease(t, q, queue.Submission{Target: TargetEcho, Args: []any{"x"}})

	p.Process(context.Background(), id)
	close(events)

	assertKinds(t, rec.kinds(), models.EventPrerun)
	var queued []models.EventKind
	for ev := range events {
		if ev.ExecutionID != id {
			t.Fatalf("unexpected execution id %s", ev.ExecutionID)
		}
		queued = append(queued, ev.Kind)
	}
	assertKinds(t, queued, models.EventSuccess, models.EventPostrun)
}

func TestForwardKeepsIgnoredDecisionSynchronous(t *testing.T) {
	rec := &recorder{onPrerun: models.ErrIgnored}
	events := make(chan models.Event, 8)
	p, q := newTestProcessor(t, Forward{Sync: rec, Events: events})
	id := submitAndLease(t, q, queue.Submission{Target: TargetEcho})

	p.Process(context.Background(), id)
	close(events)

	st, _ := q.Query(context.Background(), id)
	if st.State != queue.StateIgnored {
		t.Fatalf("expected IGNORED, got %s", st.State)
	}
	var queued []models.EventKind
	for ev := range events {
		queued = append(queued, ev.Kind)
	}
	assertKinds(t, queued, models.EventFailure, models.EventPostrun)
}

func TestRetryErrorUnwraps(t *testing.T) {
	base := errors.New("flaky")
	err := Retry(base, time.Second)
	var re *RetryError
	if !errors.As(err, &re) || !errors.Is(err, base) || re.Countdown != time.Second {
		t.Fatalf("unexpected retry error %#v", err)
	}
}
