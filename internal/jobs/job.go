// Package jobs holds the canonical job record, its lifecycle state machine
// and the status store shared between the API service and the workers.
package jobs

import "time"

// Status is a job lifecycle state.
type Status string

// Lifecycle states. PENDING → STARTED → (SUCCESS | FAILURE | RETRY);
// RETRY re-enters STARTED after backoff; CANCELLED is reachable from
// PENDING or STARTED.
const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusRetry     Status = "RETRY"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending: {StatusStarted, StatusCancelled},
	StatusStarted: {StatusSuccess, StatusFailure, StatusRetry, StatusCancelled},
	StatusRetry:   {StatusStarted, StatusFailure, StatusCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the canonical representation of a unit of inference work. The status
// store owns the record; workers mutate it only through lifecycle hooks, and
// every write carries a strictly newer UpdatedAt.
type Job struct {
	ID          string         `json:"job_id"`
	Type        string         `json:"job_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorID     string         `json:"error_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Message is the payload published to the queue for a submitted job. Workers
// load the full record from the status store by ID.
type Message struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
