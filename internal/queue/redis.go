package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis lists
type RedisQueue struct {
	client *redis.Client
	qKey   string
	closed atomic.Bool
}

// NewRedisQueue creates a Redis-backed queue on a shared client.
// Closing the queue does not close the client.
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Enqueue adds a payload to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	if err := q.client.RPush(ctx, q.qKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}

// Dequeue retrieves payloads from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error) {
	if maxItems <= 0 {
		maxItems = 1
	}

	var first string
	if q.closed.Load() {
		// Drain without blocking once closed
		result, err := q.client.LPop(ctx, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueClosed
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from Redis: %w", err)
		}
		first = result
	} else {
		result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			return [][]byte{}, nil // Timeout, no items
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from Redis: %w", err)
		}
		// result[0] is the key, result[1] is the value
		first = result[1]
	}

	items := [][]byte{[]byte(first)}

	// Try to get more items without blocking
	for len(items) < maxItems {
		result, err := q.client.LPop(ctx, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return items, nil // Return what we have so far
		}
		items = append(items, []byte(result))
	}

	return items, nil
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close stops accepting new items
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using Redis hashes
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
	closed atomic.Bool
}

// NewRedisDeadLetterQueue creates a Redis-backed dead letter queue on a shared client
func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add adds a failed payload to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, payload []byte, err error, retries int) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	dlItem := newDeadLetterItem(payload, err, retries)

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return nil
}

// List retrieves items from the dead letter queue
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	sortByTimestamp(items)
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}

	return items, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	removed, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close shuts down the dead letter queue
func (q *RedisDeadLetterQueue) Close() error {
	q.closed.Store(true)
	return nil
}
