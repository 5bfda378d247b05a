package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// retryQueueKey is the sorted set holding delivery ids scored by due time.
const retryQueueKey = "webhook_retry_queue"

// Redis is a retry queue backed by a Redis sorted set: members are
// delivery ids, scores are due times in unix milliseconds. ZADD updates
// the score of an existing member, so an id can never be queued twice.
// Deployments that want retries to survive a restart select this
// implementation with REDIS_URL.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close releases the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Enqueue(ctx context.Context, deliveryID string, due time.Time) error {
	err := r.client.ZAdd(ctx, retryQueueKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: deliveryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing retry: %w", err)
	}
	return nil
}

func (r *Redis) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	count := int64(limit)
	if limit <= 0 {
		count = 0
	}

	members, err := r.client.ZRangeByScore(ctx, retryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling retry queue: %w", err)
	}

	var out []string
	for _, member := range members {
		// Claim by removal — if another instance already took it,
		// ZRem returns 0 and we skip.
		removed, err := r.client.ZRem(ctx, retryQueueKey, member).Result()
		if err != nil {
			return out, fmt.Errorf("claiming retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		out = append(out, member)
	}
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, deliveryID string) error {
	if err := r.client.ZRem(ctx, retryQueueKey, deliveryID).Err(); err != nil {
		return fmt.Errorf("removing retry: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, retryQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading retry queue depth: %w", err)
	}
	return int(n), nil
}
