package queue

import "time"

// State is the backend-side result state of an execution.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRetry   State = "RETRY"
	StateRevoked State = "REVOKED"
	StateIgnored State = "IGNORED"
)

// Submission describes one execution request.
type Submission struct {
	Target  string
	Args    []any
	Kwargs  map[string]any
	ETA     *time.Time
	Expires *time.Time
	Headers map[string]string
	Queue   string
}

// Message is the persisted form of a submission, keyed by its execution id.
type Message struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Args      []any             `json:"args"`
	Kwargs    map[string]any    `json:"kwargs"`
	Headers   map[string]string `json:"headers,omitempty"`
	Queue     string            `json:"queue"`
	ETA       *time.Time        `json:"eta,omitempty"`
	Expires   *time.Time        `json:"expires,omitempty"`
	Retries   int               `json:"retries"`
	CreatedAt time.Time         `json:"created_at"`
}

// Expired reports whether the message passed its expiry before now.
func (m Message) Expired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

// Status is what the backend knows about an execution id.
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// TaskInfo is an introspection view of one execution held by the backend.
type TaskInfo struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Args      []any             `json:"args"`
	Kwargs    map[string]any    `json:"kwargs"`
	Headers   map[string]string `json:"headers,omitempty"`
	Queue     string            `json:"queue,omitempty"`
	Worker    string            `json:"worker,omitempty"`
	ETA       *time.Time        `json:"eta,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
}

// WorkerInfo is the heartbeat record of a worker process.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Concurrency int       `json:"concurrency"`
	Processed   int64     `json:"processed"`
	Active      int64     `json:"active"`
	StartedAt   time.Time `json:"started_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Control is a message broadcast to every worker on the control channel.
type Control struct {
	Action    string `json:"action"`
	ID        string `json:"id"`
	Terminate bool   `json:"terminate,omitempty"`
}

const ActionRevoke = "revoke"

func infoFromMessage(m Message) TaskInfo {
	return TaskInfo{
		ID:      m.ID,
		Target:  m.Target,
		Args:    m.Args,
		Kwargs:  m.Kwargs,
		Headers: m.Headers,
		Queue:   m.Queue,
		ETA:     m.ETA,
	}
}
