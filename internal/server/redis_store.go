package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "opticast:ratelimit"

// redisCounter shares httprate sliding-window counts between server
// replicas. Each window lives under its own key and expires after two
// windows, which is as far back as the sliding estimate looks.
type redisCounter struct {
	client       redis.UniversalClient
	prefix       string
	timeout      time.Duration
	windowLength time.Duration
}

var _ httprate.LimitCounter = (*redisCounter)(nil)

func newRedisCounter(client redis.UniversalClient, prefix string, timeout time.Duration) *redisCounter {
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &redisCounter{client: client, prefix: prefix, timeout: timeout}
}

func (c *redisCounter) Config(requestLimit int, windowLength time.Duration) {
	c.windowLength = windowLength
}

func (c *redisCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *redisCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	windowKey := c.windowKey(key, currentWindow)
	pipe := c.client.TxPipeline()
	pipe.IncrBy(ctx, windowKey, int64(amount))
	pipe.Expire(ctx, windowKey, c.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment rate limit counter: %w", err)
	}
	return nil
}

func (c *redisCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	values, err := c.client.MGet(ctx, c.windowKey(key, currentWindow), c.windowKey(key, previousWindow)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read rate limit counters: %w", err)
	}
	current, err := counterValue(values, 0)
	if err != nil {
		return 0, 0, err
	}
	previous, err := counterValue(values, 1)
	if err != nil {
		return 0, 0, err
	}
	return current, previous, nil
}

func (c *redisCounter) windowKey(key string, window time.Time) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, key, window.Unix())
}

func (c *redisCounter) ttl() time.Duration {
	if c.windowLength <= 0 {
		return time.Minute
	}
	return 2 * c.windowLength
}

func counterValue(values []interface{}, index int) (int, error) {
	if index >= len(values) || values[index] == nil {
		return 0, nil
	}
	raw, ok := values[index].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected rate limit counter type %T", values[index])
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse rate limit counter: %w", err)
	}
	return n, nil
}
