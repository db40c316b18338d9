package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "opticast:jobs"
	reservePollInterval = 50 * time.Millisecond
)

// reserveScript moves the oldest waiting id to the active list and writes its
// lease in one step, so an active id always has a lease until it expires.
//
//	KEYS[1] wait, KEYS[2] active
//	ARGV[1] lease key prefix, ARGV[2] token, ARGV[3] lease ms
var reserveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('LPUSH', KEYS[2], id)
redis.call('SET', ARGV[1] .. id, ARGV[2], 'PX', ARGV[3])
return id
`)

// reapScript removes id from the active list only while it has no lease.
//
//	KEYS[1] active, KEYS[2] lease
//	ARGV[1] id
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
return redis.call('LREM', KEYS[1], 1, ARGV[1])
`)

// RedisStore keeps each queue in a handful of keys sharing one hash tag so
// the layout also works on Redis Cluster:
//
//	wait    list of ready job ids (LPUSH in, RPOP out)
//	active  list of reserved job ids
//	delayed sorted set of ids scored by ready time (ms)
//	failed  sorted set of exhausted ids scored by failure time (ms)
//	job:ID  JSON record
//	lease:ID reservation token with a PX expiry
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisStoreOption customises a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithStoreClock overrides the clock used for delays and lease grace.
func WithStoreClock(clock func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	store := &RedisStore{client: client, prefix: defaultRedisPrefix, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) key(queue, part string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, queue, part)
}

func (s *RedisStore) jobKey(queue, id string) string {
	return s.key(queue, "job:"+id)
}

func (s *RedisStore) leaseKey(queue, id string) string {
	return s.key(queue, "lease:"+id)
}

func (s *RedisStore) load(ctx context.Context, queue, id string) (Record, error) {
	raw, err := s.client.Get(ctx, s.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrJobNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return rec, nil
}

func encodeRecord(rec Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", rec.ID, err)
	}
	return string(raw), nil
}

func (s *RedisStore) Push(ctx context.Context, rec Record) error {
	rec.State = StateWaiting
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, s.jobKey(rec.Queue, rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !created {
		return ErrDuplicateJob
	}
	if err := s.client.LPush(ctx, s.key(rec.Queue, "wait"), rec.ID).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// promote moves due delayed jobs to the wait list. ZREM decides which
// caller wins when several workers promote at once.
func (s *RedisStore) promote(ctx context.Context, queue string) error {
	now := s.now()
	ids, err := s.client.ZRangeByScore(ctx, s.key(queue, "delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("list delayed jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, s.key(queue, "delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if rec, err := s.load(ctx, queue, id); err == nil {
			rec.State = StateWaiting
			rec.UpdatedAt = now
			if data, err := encodeRecord(rec); err == nil {
				s.client.Set(ctx, s.jobKey(queue, id), data, 0)
			}
		}
		if err := s.client.LPush(ctx, s.key(queue, "wait"), id).Err(); err != nil {
			return fmt.Errorf("promote job: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Reserve(ctx context.Context, queue string, lease, wait time.Duration) (Record, error) {
	token := uuid.NewString()
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	var id string
	for {
		if err := s.promote(ctx, queue); err != nil {
			return Record{}, err
		}
		claimed, err := reserveScript.Run(ctx, s.client,
			[]string{s.key(queue, "wait"), s.key(queue, "active")},
			s.key(queue, "lease:"), token, lease.Milliseconds(),
		).Text()
		if err == nil {
			id = claimed
			break
		}
		if !errors.Is(err, redis.Nil) {
			return Record{}, fmt.Errorf("reserve job: %w", err)
		}
		if deadline == nil {
			return Record{}, ErrNoJob
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-deadline:
			return Record{}, ErrNoJob
		case <-time.After(reservePollInterval):
		}
	}

	rec, err := s.load(ctx, queue, id)
	if err != nil {
		s.client.LRem(ctx, s.key(queue, "active"), 0, id)
		s.client.Del(ctx, s.leaseKey(queue, id))
		return Record{}, err
	}
	rec.State = StateActive
	rec.Attempt++
	rec.Token = token
	rec.UpdatedAt = s.now()
	data, err := encodeRecord(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.client.Set(ctx, s.jobKey(queue, id), data, 0).Err(); err != nil {
		return Record{}, fmt.Errorf("mark job active: %w", err)
	}
	return rec, nil
}

// claim verifies that rec still owns its reservation and removes it from
// the active list. Losing the LREM race to the reaper means the lease is
// gone.
func (s *RedisStore) claim(ctx context.Context, rec Record) (Record, error) {
	stored, err := s.load(ctx, rec.Queue, rec.ID)
	if err != nil {
		return Record{}, err
	}
	if stored.State != StateActive || stored.Token != rec.Token {
		return Record{}, ErrLeaseLost
	}
	removed, err := s.client.LRem(ctx, s.key(rec.Queue, "active"), 0, rec.ID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("release active job: %w", err)
	}
	if removed == 0 {
		return Record{}, ErrLeaseLost
	}
	return stored, nil
}

func (s *RedisStore) Extend(ctx context.Context, rec Record, lease time.Duration) error {
	stored, err := s.load(ctx, rec.Queue, rec.ID)
	if err != nil {
		return err
	}
	if stored.State != StateActive || stored.Token != rec.Token {
		return ErrLeaseLost
	}
	if err := s.client.Set(ctx, s.leaseKey(rec.Queue, rec.ID), rec.Token, lease).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, rec Record, result json.RawMessage, remove bool) error {
	stored, err := s.claim(ctx, rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.leaseKey(rec.Queue, rec.ID))
		if remove {
			pipe.Del(ctx, s.jobKey(rec.Queue, rec.ID))
			return nil
		}
		stored.State = StateCompleted
		stored.Result = result
		stored.Token = ""
		stored.UpdatedAt = s.now()
		data, err := encodeRecord(stored)
		if err != nil {
			return err
		}
		pipe.Set(ctx, s.jobKey(rec.Queue, rec.ID), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, rec Record, at time.Time, reason string) error {
	stored, err := s.claim(ctx, rec)
	if err != nil {
		return err
	}
	stored.State = StateDelayed
	stored.LastError = reason
	stored.Token = ""
	stored.RunAt = at
	stored.UpdatedAt = s.now()
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.leaseKey(rec.Queue, rec.ID))
		pipe.Set(ctx, s.jobKey(rec.Queue, rec.ID), data, 0)
		pipe.ZAdd(ctx, s.key(rec.Queue, "delayed"), redis.Z{Score: float64(at.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, rec Record, reason string) error {
	stored, err := s.claim(ctx, rec)
	if err != nil {
		return err
	}
	now := s.now()
	stored.State = StateFailed
	stored.LastError = reason
	stored.Token = ""
	stored.UpdatedAt = now
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.leaseKey(rec.Queue, rec.ID))
		pipe.Set(ctx, s.jobKey(rec.Queue, rec.ID), data, 0)
		pipe.ZAdd(ctx, s.key(rec.Queue, "failed"), redis.Z{Score: float64(now.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, rec Record) error {
	stored, err := s.claim(ctx, rec)
	if err != nil {
		return err
	}
	stored.State = StateWaiting
	stored.Token = ""
	if stored.Attempt > 0 {
		stored.Attempt--
	}
	stored.UpdatedAt = s.now()
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.leaseKey(rec.Queue, rec.ID))
		pipe.Set(ctx, s.jobKey(rec.Queue, rec.ID), data, 0)
		// RPUSH puts it at the consuming end so it runs next.
		pipe.RPush(ctx, s.key(rec.Queue, "wait"), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

func (s *RedisStore) Reap(ctx context.Context, queue string, lease time.Duration) (ReapResult, error) {
	var result ReapResult
	ids, err := s.client.LRange(ctx, s.key(queue, "active"), 0, -1).Result()
	if err != nil {
		return result, fmt.Errorf("list active jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := reapScript.Run(ctx, s.client,
			[]string{s.key(queue, "active"), s.leaseKey(queue, id)}, id,
		).Int64()
		if err != nil {
			return result, fmt.Errorf("reap job: %w", err)
		}
		if removed == 0 {
			continue
		}
		rec, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			// Back on the wait list so the job is not stranded.
			s.client.LPush(ctx, s.key(queue, "wait"), id)
			return result, err
		}
		now := s.now()
		rec.Token = ""
		rec.UpdatedAt = now
		final := exhausted(rec)
		if final {
			rec.State = StateFailed
			rec.LastError = StalledReason
		} else {
			rec.State = StateWaiting
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return result, err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(queue, id), data, 0)
			if final {
				pipe.ZAdd(ctx, s.key(queue, "failed"), redis.Z{Score: float64(now.UnixMilli()), Member: id})
			} else {
				pipe.LPush(ctx, s.key(queue, "wait"), id)
			}
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("record reaped job: %w", err)
		}
		if final {
			result.Failed = append(result.Failed, rec)
		} else {
			result.Requeued++
		}
	}
	return result, nil
}

func (s *RedisStore) Get(ctx context.Context, queue, id string) (Record, error) {
	return s.load(ctx, queue, id)
}

func (s *RedisStore) Failed(ctx context.Context, queue string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.key(queue, "failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
