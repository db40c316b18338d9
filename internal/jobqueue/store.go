package jobqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists job records and their position in a queue. Implementations
// must be safe for concurrent use by many workers and processes.
type Store interface {
	// Push adds a new record to the wait list.
	Push(ctx context.Context, rec Record) error
	// Reserve blocks up to wait for a ready job, marks it active under a
	// fresh lease and increments its attempt counter.
	Reserve(ctx context.Context, queue string, lease, wait time.Duration) (Record, error)
	// Extend renews the lease of an active reservation.
	Extend(ctx context.Context, rec Record, lease time.Duration) error
	// Complete finishes a reservation successfully, optionally dropping the
	// record.
	Complete(ctx context.Context, rec Record, result json.RawMessage, remove bool) error
	// Retry schedules another attempt at the given time.
	Retry(ctx context.Context, rec Record, at time.Time, reason string) error
	// Fail moves the job to the retained failed set.
	Fail(ctx context.Context, rec Record, reason string) error
	// Release hands an unfinished reservation back without consuming an
	// attempt; used on graceful shutdown.
	Release(ctx context.Context, rec Record) error
	// Reap returns active jobs whose lease expired to the wait list, or
	// moves them to the failed set once their attempts are used up.
	Reap(ctx context.Context, queue string, lease time.Duration) (ReapResult, error)
	Get(ctx context.Context, queue, id string) (Record, error)
	Failed(ctx context.Context, queue string, limit int) ([]Record, error)
}

// StalledReason is recorded on jobs whose final attempt lost its lease.
const StalledReason = "job stalled"

// ReapResult reports what one Reap pass recovered.
type ReapResult struct {
	Requeued int
	// Failed holds the records moved to the failed set, in their stored
	// form.
	Failed []Record
}

// Total counts every recovered job.
func (r ReapResult) Total() int {
	return r.Requeued + len(r.Failed)
}

func exhausted(rec Record) bool {
	return rec.MaxAttempts > 0 && rec.Attempt >= rec.MaxAttempts
}
