package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list job IDs are pushed to.
const DefaultKey = "deskmate:triage:jobs"

// RedisOptions configures the Redis queue.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// Key is the list name. Defaults to DefaultKey.
	Key string

	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration

	// PollInterval is the BRPOP timeout; Pop returns "" when it lapses.
	PollInterval time.Duration
}

// Redis is a queue on a Redis list (LPUSH / BRPOP), shared by every
// deskmate process pointed at the same server.
type Redis struct {
	client *redis.Client
	key    string
	poll   time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, key: opts.Key, poll: opts.PollInterval}, nil
}

// Push appends jobID to the list.
func (q *Redis) Push(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", q.key, err)
	}
	return nil
}

// Pop takes the oldest ID. It returns "" with no error when the poll
// interval passes without a delivery, so callers can re-check ctx.
func (q *Redis) Pop(ctx context.Context) (string, error) {
	// BRPOP returns [key, value]
	result, err := q.client.BRPop(ctx, q.poll, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to pop from queue %s: %w", q.key, err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("unexpected BRPOP result: %v", result)
	}
	return result[1], nil
}

// Len reports the number of pending IDs.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Client exposes the underlying connection so other Redis-backed
// components can share it.
func (q *Redis) Client() *redis.Client { return q.client }

// Close closes the Redis connection.
func (q *Redis) Close() error { return q.client.Close() }
