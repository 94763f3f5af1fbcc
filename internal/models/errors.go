package models

import "errors"

var (
	// ErrNotFound is returned by stores when a task or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnregisteredTarget means no worker has registered the requested target.
	ErrUnregisteredTarget = errors.New("unregistered target")
	// ErrMalformedArguments means serialized args or kwargs failed to parse.
	ErrMalformedArguments = errors.New("malformed arguments")
	// ErrInvalidTask means a task or entry is missing its name or target.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidSchedule covers every schedule or mode validation failure.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrBackendUnavailable wraps transport failures talking to the execution backend.
	ErrBackendUnavailable = errors.New("execution backend unavailable")
	// ErrUntrackedSignal marks a lifecycle signal that resolves to no task or execution.
	ErrUntrackedSignal = errors.New("untracked signal")
	// ErrIgnored is the outcome of the disabled-task short-circuit: the attempt
	// is abandoned and must not be counted as a failure.
	ErrIgnored = errors.New("execution ignored")
	// ErrNoChange lets an execution mutation skip the write.
	ErrNoChange = errors.New("no change")
)
