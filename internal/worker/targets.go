package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Demo target names advertised by every worker.
const (
	TargetAsync     = "demo.async"
	TargetDynamic   = "demo.dynamic"
	TargetPeriodic  = "demo.periodic"
	TargetScheduled = "demo.scheduled"
	TargetEcho      = "demo.echo"
	TargetSleep     = "demo.sleep"
	TargetThumbnail = "image.thumbnail"
)

// DemoTargets holds the built-in example targets.
type DemoTargets struct {
	AsyncDelay time.Duration
	Logger     *slog.Logger
}

// Register binds every demo target to p.
func (d DemoTargets) Register(p *Processor) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	p.RegisterHandler(TargetAsync, d.async)
	p.RegisterHandler(TargetDynamic, d.dynamic)
	p.RegisterHandler(TargetPeriodic, d.periodic)
	p.RegisterHandler(TargetScheduled, d.scheduled)
	p.RegisterHandler(TargetEcho, d.echo)
	p.RegisterHandler(TargetSleep, d.sleep)
}

func (d DemoTargets) async(ctx context.Context, _ Call) (any, error) {
	if err := wait(ctx, d.AsyncDelay); err != nil {
		return nil, err
	}
	return "Task completed", nil
}

func (d DemoTargets) periodic(_ context.Context, call Call) (any, error) {
	d.Logger.Info("periodic task executed", "execution_id", call.ID)
	return "Periodic task completed", nil
}

func (d DemoTargets) scheduled(_ context.Context, call Call) (any, error) {
	d.Logger.Info("scheduled task executed", "execution_id", call.ID)
	return "Scheduled task completed", nil
}

// dynamic echoes its arguments. kwargs should_fail and should_retry force the
// failure and retry paths; duration_ms simulates slow work.
func (d DemoTargets) dynamic(ctx context.Context, call Call) (any, error) {
	if ms, ok := asInt(call.Kwargs["duration_ms"]); ok && ms > 0 {
		if err := wait(ctx, time.Duration(ms)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	if val, ok := call.Kwargs["should_retry"].(bool); ok && val {
		return nil, Retry(errors.New("retry requested by kwargs.should_retry"), 0)
	}
	if val, ok := call.Kwargs["should_fail"].(bool); ok && val {
		return nil, errors.New("simulated failure requested by kwargs.should_fail")
	}
	d.Logger.Info("dynamic task executed", "execution_id", call.ID, "args", call.Args, "kwargs", call.Kwargs)
	return fmt.Sprintf("Dynamic task %s completed with args: %v, kwargs: %v", call.ID, call.Args, call.Kwargs), nil
}

func (d DemoTargets) echo(_ context.Context, call Call) (any, error) {
	word, _ := call.Kwargs["word"].(string)
	if word == "" && len(call.Args) > 0 {
		word = fmt.Sprint(call.Args[0])
	}
	return "test task return " + word, nil
}

func (d DemoTargets) sleep(ctx context.Context, call Call) (any, error) {
	secs, ok := asInt(call.Kwargs["seconds"])
	if !ok && len(call.Args) > 0 {
		secs, ok = asInt(call.Args[0])
	}
	if !ok || secs < 0 {
		return nil, errors.New("seconds must be a non-negative number")
	}
	if err := wait(ctx, time.Duration(secs)*time.Second); err != nil {
		return nil, err
	}
	return fmt.Sprintf("long running task finished in %ds", secs), nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
