package jobqueue

import (
	"errors"
	"time"
)

// Policy controls retries and retention for a queue.
type Policy struct {
	// Attempts is the total number of times a job may run.
	Attempts int
	// BaseDelay is the first retry delay; attempt n waits BaseDelay*2^(n-1).
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Zero means uncapped.
	MaxDelay time.Duration
	// RemoveOnComplete drops the job record once it succeeds.
	RemoveOnComplete bool
	// Lease is how long a reservation stays valid without a heartbeat.
	Lease time.Duration
}

// DefaultPolicy is three attempts, one second base backoff, successful
// records removed and exhausted failures kept.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:         3,
		BaseDelay:        time.Second,
		RemoveOnComplete: true,
		Lease:            30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = defaults.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.Lease <= 0 {
		p.Lease = defaults.Lease
	}
	return p
}

// Backoff returns the delay before the retry that follows the given failed
// attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the worker fails the job immediately instead of
// spending the remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var target *unrecoverableError
	return errors.As(err, &target)
}
