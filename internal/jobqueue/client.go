package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the pipeline.
const (
	QueueTranscode = "transcode"
	QueueDeletion  = "deletion"
)

// Client enqueues jobs and inspects their records.
type Client struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewClient wraps a store. The policy supplies the default attempt budget.
func NewClient(store Store, policy Policy) *Client {
	return &Client{store: store, policy: policy.withDefaults(), now: time.Now}
}

type enqueueOptions struct {
	jobID    string
	attempts int
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithJobID pre-assigns the job id, so callers can persist the correlation
// key before the job exists.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = strings.TrimSpace(id) }
}

// WithAttempts overrides the policy's attempt budget for one job.
func WithAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// NewJobID returns an id suitable for WithJobID.
func NewJobID() string {
	return uuid.NewString()
}

// Enqueue stores payload on queue and returns the job id.
func (c *Client) Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (string, error) {
	if strings.TrimSpace(queue) == "" {
		return "", errors.New("queue name is required")
	}
	options := enqueueOptions{attempts: c.policy.Attempts}
	for _, opt := range opts {
		opt(&options)
	}
	if options.jobID == "" {
		options.jobID = NewJobID()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", queue, err)
	}
	now := c.now()
	rec := Record{
		ID:          options.jobID,
		Queue:       queue,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: options.attempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := c.store.Push(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return rec.ID, nil
}

// Job returns the stored record, if it is still retained.
func (c *Client) Job(ctx context.Context, queue, id string) (Record, error) {
	return c.store.Get(ctx, queue, id)
}

// Failed lists the most recent permanently failed jobs of a queue.
func (c *Client) Failed(ctx context.Context, queue string, limit int) ([]Record, error) {
	return c.store.Failed(ctx, queue, limit)
}
