package jobqueue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	policy := DefaultPolicy()
	cases := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	}
	for attempt, want := range cases {
		if got := policy.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}

	policy.MaxDelay = 3 * time.Second
	if got := policy.Backoff(5); got != 3*time.Second {
		t.Fatalf("expected backoff capped at 3s, got %v", got)
	}
}

func TestDefaultPolicyRetention(t *testing.T) {
	policy := DefaultPolicy()
	if policy.Attempts != 3 || !policy.RemoveOnComplete {
		t.Fatalf("unexpected default policy: %+v", policy)
	}
}

func TestUnrecoverableSurvivesWrapping(t *testing.T) {
	base := errors.New("empty ladder")
	wrapped := fmt.Errorf("transcode: %w", Unrecoverable(base))
	if !IsUnrecoverable(wrapped) {
		t.Fatal("expected wrapped unrecoverable error to be detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected unrecoverable error to unwrap to its cause")
	}
	if IsUnrecoverable(base) {
		t.Fatal("plain error must not be unrecoverable")
	}
	if Unrecoverable(nil) != nil {
		t.Fatal("expected nil to stay nil")
	}
}
