// Package queue provides the queue used to hand work to background workers,
// with two interchangeable backends:
//
// 1. Memory Queue (in-memory, channel-based):
//   - No persistence, data lost on restart
//   - Zero external dependencies
//   - Suitable for single-instance deployments and tests
//
// 2. Redis Queue (Redis List-based):
//   - Persistent across restarts
//   - Supports distributed workers
//
// Payloads are opaque bytes. Producers and consumers agree on the encoding.
// Items that exhaust their retries land in a DeadLetterQueue.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds a payload to the queue
	Enqueue(ctx context.Context, payload []byte) error

	// Dequeue retrieves up to maxItems payloads. It waits at most timeout for
	// the first one and returns an empty slice if none arrived. A zero timeout
	// waits until an item arrives or ctx is done.
	Dequeue(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue. Remaining items can still be dequeued.
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add stores a payload that failed after retries attempts
	Add(ctx context.Context, payload []byte, err error, retries int) error

	// List retrieves items from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// QueueName is the name/key for the queue
	QueueName string

	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		QueueName:    queueName,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}
