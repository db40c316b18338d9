package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is where a job record currently sits.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is the stored form of a job.
type Record struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	// Token identifies the current reservation; completions from a worker
	// whose lease was reaped are refused.
	Token      string          `json:"token,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	RunAt      time.Time       `json:"runAt,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

var (
	// ErrNoJob is returned by Reserve when nothing became ready in time.
	ErrNoJob = errors.New("no job ready")
	// ErrJobNotFound is returned when a job record does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a reservation was reaped and handed to
	// another worker.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrDuplicateJob is returned when a caller-supplied job id is reused.
	ErrDuplicateJob = errors.New("job id already exists")
)

// LeaseLost reports whether ctx was cancelled because the worker lost the
// job's lease. Files the attempt shares with the job then belong to the
// attempt that took over and must be left alone.
func LeaseLost(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrLeaseLost)
}

// Job is the handler's view of a reserved record.
type Job struct {
	ID          string
	Queue       string
	Attempt     int
	MaxAttempts int
	Payload     json.RawMessage

	progress func(ctx context.Context, percent int) error
}

// NewJob builds a handler view outside a worker, for example when replaying a
// retained failure by hand. progress may be nil.
func NewJob(queue, id string, payload json.RawMessage, progress func(ctx context.Context, percent int) error) *Job {
	return &Job{ID: id, Queue: queue, Attempt: 1, MaxAttempts: 1, Payload: payload, progress: progress}
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job payload: %w", j.Queue, err)
	}
	return nil
}

// ReportProgress publishes a progress event for the job. Values are clamped
// to 0..100.
func (j *Job) ReportProgress(ctx context.Context, percent int) error {
	if j.progress == nil {
		return nil
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return j.progress(ctx, percent)
}

// LastAttempt reports whether a failure now would be final.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// EventType enumerates the lifecycle events published for a job.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is the message published on the EventBus.
type Event struct {
	Type     EventType       `json:"type"`
	Queue    string          `json:"queue"`
	JobID    string          `json:"jobId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempt  int             `json:"attempt"`
	// Final is set on a failed event once no attempts remain.
	Final      bool      `json:"final,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// DecodePayload unmarshals the originating job payload.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// DecodeResult unmarshals the completion result.
func (e Event) DecodeResult(v any) error {
	if len(e.Result) == 0 {
		return errors.New("event has no result")
	}
	return json.Unmarshal(e.Result, v)
}
