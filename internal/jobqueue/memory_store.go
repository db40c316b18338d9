package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryQueue struct {
	wait    []string
	active  map[string]time.Time
	delayed map[string]time.Time
	failed  map[string]time.Time
}

// MemoryStore keeps queues in process. It is used by tests and single-node
// deployments where Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	records map[string]Record
	signal  chan struct{}
	now     func() time.Time
}

// NewMemoryStore returns an empty store. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		queues:  make(map[string]*memoryQueue),
		records: make(map[string]Record),
		signal:  make(chan struct{}),
		now:     clock,
	}
}

func recordKey(queue, id string) string {
	return queue + "\x00" + id
}

func (s *MemoryStore) queueLocked(name string) *memoryQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memoryQueue{
			active:  make(map[string]time.Time),
			delayed: make(map[string]time.Time),
			failed:  make(map[string]time.Time),
		}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) notifyLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *MemoryStore) Push(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec.Queue, rec.ID)
	if _, exists := s.records[key]; exists {
		return ErrDuplicateJob
	}
	rec.State = StateWaiting
	s.records[key] = rec
	q := s.queueLocked(rec.Queue)
	q.wait = append(q.wait, rec.ID)
	s.notifyLocked()
	return nil
}

// promoteLocked moves due delayed jobs to the wait list in due order and
// returns the earliest remaining due time.
func (s *MemoryStore) promoteLocked(queue string, now time.Time) time.Time {
	q := s.queueLocked(queue)
	var due []string
	var next time.Time
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		rec := s.records[recordKey(queue, id)]
		rec.State = StateWaiting
		s.records[recordKey(queue, id)] = rec
		q.wait = append(q.wait, id)
	}
	return next
}

func (s *MemoryStore) Reserve(ctx context.Context, queue string, lease, wait time.Duration) (Record, error) {
	var expired <-chan time.Time
	if wait > 0 {
		overall := time.NewTimer(wait)
		defer overall.Stop()
		expired = overall.C
	}
	for {
		s.mu.Lock()
		now := s.now()
		nextDue := s.promoteLocked(queue, now)
		q := s.queueLocked(queue)
		if len(q.wait) > 0 {
			id := q.wait[0]
			q.wait = q.wait[1:]
			key := recordKey(queue, id)
			rec := s.records[key]
			rec.State = StateActive
			rec.Attempt++
			rec.Token = uuid.NewString()
			rec.UpdatedAt = now
			s.records[key] = rec
			q.active[id] = now.Add(lease)
			s.mu.Unlock()
			return rec, nil
		}
		signal := s.signal
		s.mu.Unlock()

		if expired == nil {
			return Record{}, ErrNoJob
		}
		var due *time.Timer
		var dueC <-chan time.Time
		if !nextDue.IsZero() {
			due = time.NewTimer(nextDue.Sub(now))
			dueC = due.C
		}
		select {
		case <-ctx.Done():
			stopTimer(due)
			return Record{}, ctx.Err()
		case <-expired:
			stopTimer(due)
			return Record{}, ErrNoJob
		case <-signal:
		case <-dueC:
		}
		stopTimer(due)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// activeLocked returns the stored record when rec still owns the lease.
func (s *MemoryStore) activeLocked(rec Record) (Record, *memoryQueue, error) {
	key := recordKey(rec.Queue, rec.ID)
	stored, ok := s.records[key]
	if !ok {
		return Record{}, nil, ErrJobNotFound
	}
	q := s.queueLocked(rec.Queue)
	if _, active := q.active[rec.ID]; !active || stored.Token != rec.Token {
		return Record{}, nil, ErrLeaseLost
	}
	return stored, q, nil
}

func (s *MemoryStore) Extend(ctx context.Context, rec Record, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, q, err := s.activeLocked(rec)
	if err != nil {
		return err
	}
	q.active[rec.ID] = s.now().Add(lease)
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, rec Record, result json.RawMessage, remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, q, err := s.activeLocked(rec)
	if err != nil {
		return err
	}
	delete(q.active, rec.ID)
	key := recordKey(rec.Queue, rec.ID)
	if remove {
		delete(s.records, key)
		return nil
	}
	stored.State = StateCompleted
	stored.Result = result
	stored.Token = ""
	stored.UpdatedAt = s.now()
	s.records[key] = stored
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, rec Record, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, q, err := s.activeLocked(rec)
	if err != nil {
		return err
	}
	delete(q.active, rec.ID)
	stored.State = StateDelayed
	stored.LastError = reason
	stored.Token = ""
	stored.RunAt = at
	stored.UpdatedAt = s.now()
	s.records[recordKey(rec.Queue, rec.ID)] = stored
	q.delayed[rec.ID] = at
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, rec Record, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, q, err := s.activeLocked(rec)
	if err != nil {
		return err
	}
	now := s.now()
	delete(q.active, rec.ID)
	stored.State = StateFailed
	stored.LastError = reason
	stored.Token = ""
	stored.UpdatedAt = now
	s.records[recordKey(rec.Queue, rec.ID)] = stored
	q.failed[rec.ID] = now
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, q, err := s.activeLocked(rec)
	if err != nil {
		return err
	}
	delete(q.active, rec.ID)
	stored.State = StateWaiting
	stored.Token = ""
	if stored.Attempt > 0 {
		stored.Attempt--
	}
	stored.UpdatedAt = s.now()
	s.records[recordKey(rec.Queue, rec.ID)] = stored
	q.wait = append([]string{rec.ID}, q.wait...)
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) Reap(ctx context.Context, queue string, lease time.Duration) (ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	q := s.queueLocked(queue)
	var expired []string
	for id, until := range q.active {
		if now.After(until) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	var result ReapResult
	for _, id := range expired {
		delete(q.active, id)
		key := recordKey(queue, id)
		rec := s.records[key]
		rec.Token = ""
		rec.UpdatedAt = now
		if exhausted(rec) {
			rec.State = StateFailed
			rec.LastError = StalledReason
			s.records[key] = rec
			q.failed[id] = now
			result.Failed = append(result.Failed, rec)
			continue
		}
		rec.State = StateWaiting
		s.records[key] = rec
		q.wait = append(q.wait, id)
		result.Requeued++
	}
	if result.Requeued > 0 {
		s.notifyLocked()
	}
	return result, nil
}

func (s *MemoryStore) Get(ctx context.Context, queue, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(queue, id)]
	if !ok {
		return Record{}, ErrJobNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Failed(ctx context.Context, queue string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(queue)
	ids := make([]string, 0, len(q.failed))
	for id := range q.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return q.failed[ids[i]].After(q.failed[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, s.records[recordKey(queue, id)])
	}
	return records, nil
}
