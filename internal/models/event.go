package models

import "time"

// EventKind names a lifecycle signal emitted by the execution backend.
type EventKind string

const (
	EventPrerun  EventKind = "prerun"
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
	EventRetry   EventKind = "retry"
	EventRevoked EventKind = "revoked"
	EventPostrun EventKind = "postrun"
)

// Event is one lifecycle signal for a backend execution id. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind        EventKind         `json:"kind"`
	ExecutionID string            `json:"execution_id"`
	Target      string            `json:"target,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Worker      string            `json:"worker,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Traceback   string            `json:"traceback,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Terminated  bool              `json:"terminated,omitempty"`
	Expired     bool              `json:"expired,omitempty"`
	Ignored     bool              `json:"ignored,omitempty"`
	At          time.Time         `json:"at"`
}

// TaskID returns the correlation header value, if any.
func (e Event) TaskID() string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[HeaderTaskID]
}
