package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis Streams event bus. Every subscriber of
// one Group shares the stream, so each event is handled by exactly one
// process of that group.
type RedisBusConfig struct {
	Client       redis.UniversalClient
	Stream       string
	Group        string
	Logger       *slog.Logger
	BlockTimeout time.Duration
	Buffer       int
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

// NewRedisBus initialises a bus backed by a Redis stream and consumer group.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (EventBus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "opticast:job-events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "status-mirror"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	bus := &redisBus{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
		maxLen:       cfg.MaxLen,
	}
	if bus.logger == nil {
		bus.logger = slog.Default()
	}
	if bus.blockTimeout <= 0 {
		bus.blockTimeout = 2 * time.Second
	}
	if err := bus.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}

type redisBus struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int
	maxLen       int64

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"payload": string(payload)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

func (b *redisBus) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Event, b.buffer),
	}
	go sub.run(ctx)
	return sub
}

// ensureGroup creates the consumer group at the start of the stream so
// events published before the first subscriber are still delivered.
func (b *redisBus) ensureGroup(ctx context.Context) error {
	if b.groupReady.Load() {
		return nil
	}
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupReady.Load() {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	b.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.bus.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.logger.Warn("event bus group ensure failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		messages, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.logger.Warn("event bus read failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for _, msg := range messages {
			var event Event
			raw, _ := msg.Values["payload"].(string)
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				s.bus.logger.Error("event bus decode failed", "id", msg.ID, "error", err)
				s.ack(msg.ID)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(msg.ID)
			case <-ctx.Done():
				// Unacknowledged entries stay pending for this group and
				// are claimed again by the next subscriber.
				return
			}
		}
	}
}

// read first takes over stale pending entries, then blocks for new ones.
func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	pending, err := s.claimStale(ctx)
	if err != nil && ctx.Err() == nil {
		s.bus.logger.Debug("event bus autoclaim failed", "error", err)
	}
	if len(pending) > 0 {
		return pending, nil
	}
	streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.bus.group,
		Consumer: s.consumer,
		Streams:  []string{s.bus.stream, ">"},
		Count:    32,
		Block:    s.bus.blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

// claimStale takes over entries another consumer of the group read but never
// acknowledged, for instance because its process exited.
func (s *redisSubscription) claimStale(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.bus.stream,
		Group:    s.bus.group,
		Consumer: s.consumer,
		MinIdle:  30 * time.Second,
		Start:    "0-0",
		Count:    32,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return messages, err
}

func (s *redisSubscription) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.client.XAck(ctx, s.bus.stream, s.bus.group, id).Err(); err != nil {
		s.bus.logger.Warn("event bus ack failed", "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
