package models

import (
	"errors"
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		task Task
		want error
	}{
		{"fire once", Task{Name: "a", Target: "demo.async", Mode: ModeFireOnce}, nil},
		{"missing name", Task{Name: " ", Target: "x", Mode: ModeFireOnce}, ErrInvalidTask},
		{"missing target", Task{Name: "a", Mode: ModeFireOnce}, ErrInvalidTask},
		{"unknown mode", Task{Name: "a", Target: "x", Mode: "sometimes"}, ErrInvalidSchedule},
		{"scheduled without time", Task{Name: "a", Target: "x", Mode: ModeScheduledOnce}, ErrInvalidSchedule},
		{"scheduled in past", Task{Name: "a", Target: "x", Mode: ModeScheduledOnce, ScheduledAt: &past}, ErrInvalidSchedule},
		{"scheduled now", Task{Name: "a", Target: "x", Mode: ModeScheduledOnce, ScheduledAt: &now}, ErrInvalidSchedule},
		{"scheduled in future", Task{Name: "a", Target: "x", Mode: ModeScheduledOnce, ScheduledAt: &future}, nil},
		{"periodic without mode", Task{Name: "a", Target: "x", Mode: ModePeriodic}, ErrInvalidSchedule},
		{"bad args", Task{Name: "a", Target: "x", Mode: ModeFireOnce, Args: `{"not":"a list"}`}, ErrMalformedArguments},
		{"bad kwargs", Task{Name: "a", Target: "x", Mode: ModeFireOnce, Kwargs: `[1,2`}, ErrMalformedArguments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate(now)
			if tc.want == nil && err != nil {
				t.Fatalf("expected valid task, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	args, kwargs, err := ParseArguments(`[1, "two"]`, `{"k": true}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(args) != 2 || args[1] != "two" {
		t.Fatalf("unexpected args %v", args)
	}
	if kwargs["k"] != true {
		t.Fatalf("unexpected kwargs %v", kwargs)
	}

	args, kwargs, err = ParseArguments("", "null")
	if err != nil || len(args) != 0 || len(kwargs) != 0 {
		t.Fatalf("empty input should decode to empty values, got %v %v %v", args, kwargs, err)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecutionSuccess, ExecutionFailed, ExecutionRevoked, ExecutionDisabled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionStarted, ExecutionRunning, ExecutionRetrying} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
