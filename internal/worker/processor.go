package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/queue"
	"task-orchestrator/internal/telemetry"
)

const heartbeatInterval = 5 * time.Second

// Listener receives lifecycle signals synchronously, in the order they are
// emitted. Returning models.ErrIgnored from a prerun signal abandons the attempt.
type Listener interface {
	Handle(ctx context.Context, ev models.Event) error
}

// Forward hands prerun signals to Sync and pushes every other signal onto
// Events for a separate consumer. Prerun stays synchronous because its answer
// decides whether the attempt runs. Events must be drained until the
// processor's Run has returned.
type Forward struct {
	Sync   Listener
	Events chan<- models.Event
}

func (f Forward) Handle(ctx context.Context, ev models.Event) error {
	if ev.Kind == models.EventPrerun {
		return f.Sync.Handle(ctx, ev)
	}
	f.Events <- ev
	return nil
}

// Call is one invocation of a target.
type Call struct {
	ID      string
	Target  string
	Args    []any
	Kwargs  map[string]any
	Headers map[string]string
	Retries int
}

// Handler executes a target. The returned value is recorded as the result.
type Handler func(ctx context.Context, call Call) (any, error)

// RetryError asks the worker to run the execution again after Countdown.
// A zero Countdown uses exponential backoff.
type RetryError struct {
	Err       error
	Countdown time.Duration
}

func (e *RetryError) Error() string { return "retry requested: " + e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the worker reschedules the execution.
func Retry(err error, countdown time.Duration) error {
	return &RetryError{Err: err, Countdown: countdown}
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	listener  Listener
	handlers  map[string]Handler
	workerID  string
	hostname  string
	startedAt time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*attempt
}

type attempt struct {
	cancel     context.CancelFunc
	terminated bool
}

// NewProcessor creates a processor. Lifecycle signals go to listener, which may be nil.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, listener Listener, logger *slog.Logger) *Processor {
	host, _ := os.Hostname()
	id := cfg.WorkerID
	if id == "" {
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return &Processor{
		cfg:       cfg,
		queue:     q,
		listener:  listener,
		handlers:  make(map[string]Handler),
		workerID:  id,
		hostname:  host,
		startedAt: time.Now().UTC(),
		logger:    logger.With("worker", id),
		running:   make(map[string]*attempt),
	}
}

// ID returns the worker id used in results and the registry.
func (p *Processor) ID() string { return p.workerID }

// RegisterHandler binds a handler to a target name.
func (p *Processor) RegisterHandler(target string, handler Handler) {
	if target == "" || handler == nil {
		return
	}
	p.handlers[target] = handler
}

// Targets lists the registered target names.
func (p *Processor) Targets() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run advertises the registered targets and processes messages with
// WORKER_CONCURRENCY loops until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.queue.RegisterTargets(ctx, p.Targets()...); err != nil {
		return err
	}
	controls, err := p.queue.Subscribe(ctx)
	if err != nil {
		return err
	}
	p.heartbeat(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.watchControls(controls)
	}()
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	p.logger.Info("worker started", "concurrency", n, "targets", p.Targets())
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()

	_ = p.queue.Deregister(context.WithoutCancel(ctx), p.workerID)
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context) {
	for ctx.Err() == nil {
		id, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue failed", "err", err)
			}
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if id == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.Process(ctx, id)
	}
}

// maintain promotes due scheduled messages, reclaims expired leases and
// refreshes the worker heartbeat.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	beat := time.NewTicker(heartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			p.heartbeat(ctx)
		case <-ticker.C:
			now := time.Now()
			_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
			if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
				p.logger.Warn("requeued expired leases", "count", len(reclaimed))
			}
			if depth, err := p.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		}
	}
}

func (p *Processor) heartbeat(ctx context.Context) {
	err := p.queue.Heartbeat(ctx, queue.WorkerInfo{
		ID:          p.workerID,
		Hostname:    p.hostname,
		Concurrency: p.cfg.WorkerConcurrency,
		StartedAt:   p.startedAt,
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("heartbeat failed", "err", err)
	}
}

func (p *Processor) watchControls(controls <-chan queue.Control) {
	for ctl := range controls {
		if ctl.Action == queue.ActionRevoke && ctl.Terminate {
			if p.terminate(ctl.ID) {
				p.logger.Info("terminating execution", "execution_id", ctl.ID)
			}
		}
	}
}

// Process runs one leased message through the full signal sequence.
func (p *Processor) Process(ctx context.Context, id string) {
	msg, err := p.queue.Message(ctx, id)
	if err != nil {
		p.logger.Warn("dropping message without body", "execution_id", id, "err", err)
		_ = p.queue.Ack(ctx, id)
		return
	}
	now := time.Now().UTC()
	base := models.Event{ExecutionID: id, Target: msg.Target, Headers: msg.Headers, Worker: p.workerID}

	revoked, _, err := p.queue.IsRevoked(ctx, id)
	if err != nil {
		p.logger.Warn("revocation lookup failed", "execution_id", id, "err", err)
	}
	if revoked || msg.Expired(now) {
		ev := base
		ev.Kind = models.EventRevoked
		ev.Expired = !revoked
		ev.Reason = "revoked"
		if ev.Expired {
			ev.Reason = "expired"
		}
		p.emit(ctx, ev)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateRevoked, Error: ev.Reason})
		return
	}

	handler, ok := p.handlers[msg.Target]
	if !ok {
		p.logger.Error("received unregistered target", "execution_id", id, "target", msg.Target)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateFailure, Error: fmt.Sprintf("unregistered target %q", msg.Target)})
		return
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(id, cancel)
	defer p.untrack(id)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	_ = p.queue.MarkActive(ctx, p.workerID, msg, now)
	defer func() { _ = p.queue.ClearActive(context.WithoutCancel(ctx), p.workerID, id) }()

	pre := base
	pre.Kind = models.EventPrerun
	pre.At = now
	if err := p.emit(ctx, pre); errors.Is(err, models.ErrIgnored) {
		fail := base
		fail.Kind = models.EventFailure
		fail.Ignored = true
		fail.Error = "execution ignored: task is disabled"
		p.emit(ctx, fail)
		p.postrun(ctx, base)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateIgnored, Error: fail.Error})
		return
	}
	_ = p.queue.SetResult(ctx, queue.Status{ID: id, State: queue.StateStarted, Worker: p.workerID})

	leaseCtx, stopLease := context.WithCancel(attemptCtx)
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		p.keepLease(leaseCtx, id)
	}()
	out := invoke(attemptCtx, handler, Call{
		ID:      id,
		Target:  msg.Target,
		Args:    msg.Args,
		Kwargs:  msg.Kwargs,
		Headers: msg.Headers,
		Retries: msg.Retries,
	})
	stopLease()
	<-leaseDone

	var retry *RetryError
	switch {
	case out.err == nil:
		ev := base
		ev.Kind = models.EventSuccess
		ev.Result = encodeResult(out.result)
		p.emit(ctx, ev)
		p.postrun(ctx, base)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateSuccess, Result: ev.Result})

	case p.terminated(id):
		ev := base
		ev.Kind = models.EventRevoked
		ev.Terminated = true
		ev.Reason = "terminated"
		p.emit(ctx, ev)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateRevoked, Error: ev.Reason})

	case ctx.Err() != nil:
		// shutting down; the lease expires and another worker picks the message up
		p.logger.Warn("attempt interrupted by shutdown", "execution_id", id)

	case errors.As(out.err, &retry) && msg.Retries < p.cfg.MaxRetries:
		countdown := retry.Countdown
		if countdown <= 0 {
			countdown = backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, msg.Retries+1)
		}
		ev := base
		ev.Kind = models.EventRetry
		ev.Reason = retry.Err.Error()
		p.emit(ctx, ev)
		p.postrun(ctx, base)
		_ = p.queue.SetResult(ctx, queue.Status{ID: id, State: queue.StateRetry, Error: ev.Reason, Worker: p.workerID})
		if err := p.queue.Retry(ctx, msg, countdown); err != nil {
			p.logger.Error("reschedule retry failed", "execution_id", id, "err", err)
		}
		telemetry.ExecutionsFinished.WithLabelValues(string(queue.StateRetry)).Inc()

	default:
		ev := base
		ev.Kind = models.EventFailure
		ev.Error = out.err.Error()
		ev.Traceback = out.trace
		p.emit(ctx, ev)
		p.postrun(ctx, base)
		p.finish(ctx, queue.Status{ID: id, State: queue.StateFailure, Error: ev.Error, Traceback: ev.Traceback})
	}
}

// keepLease extends the lease on id every half visibility timeout so a long
// attempt is not reclaimed and run a second time.
func (p *Processor) keepLease(ctx context.Context, id string) {
	lease := p.cfg.VisibilityTimeout
	if lease <= 0 {
		lease = p.queue.VisibilityTimeout()
	}
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id, lease); err != nil && ctx.Err() == nil {
				p.logger.Warn("extend lease failed", "execution_id", id, "err", err)
			}
		}
	}
}

func (p *Processor) emit(ctx context.Context, ev models.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if p.listener == nil {
		return nil
	}
	return p.listener.Handle(ctx, ev)
}

func (p *Processor) postrun(ctx context.Context, base models.Event) {
	base.Kind = models.EventPostrun
	p.emit(ctx, base)
}

func (p *Processor) finish(ctx context.Context, st queue.Status) {
	st.Worker = p.workerID
	if err := p.queue.SetResult(ctx, st); err != nil {
		p.logger.Warn("store result failed", "execution_id", st.ID, "err", err)
	}
	if err := p.queue.Ack(ctx, st.ID); err != nil {
		p.logger.Warn("ack failed", "execution_id", st.ID, "err", err)
	}
	telemetry.ExecutionsFinished.WithLabelValues(string(st.State)).Inc()
}

func (p *Processor) track(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[id] = &attempt{cancel: cancel}
}

func (p *Processor) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}

func (p *Processor) terminate(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.running[id]
	if !ok {
		return false
	}
	a.terminated = true
	a.cancel()
	return true
}

func (p *Processor) terminated(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.running[id]
	return ok && a.terminated
}

type outcome struct {
	result any
	err    error
	trace  string
}

func invoke(ctx context.Context, h Handler, call Call) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic in %s: %v", call.Target, r)
			out.trace = string(debug.Stack())
		}
	}()
	out.result, out.err = h(ctx, call)
	if out.err != nil {
		out.trace = fmt.Sprintf("%s[%s] args=%v kwargs=%v\n%+v", call.Target, call.ID, call.Args, call.Kwargs, out.err)
	}
	return out
}

func encodeResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
