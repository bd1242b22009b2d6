package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a pair lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for pair lock")

// Locker serializes work on a key. The returned unlock func is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockOptions tunes lock acquisition
type LockOptions struct {
	// WaitTimeout bounds how long Lock waits. Zero waits until ctx is done.
	WaitTimeout time.Duration

	// TTL is how long a Redis lock survives a crashed holder
	TTL time.Duration

	// RetryInterval is the Redis acquire polling interval
	RetryInterval time.Duration
}

// DefaultLockOptions returns the lock defaults
func DefaultLockOptions() LockOptions {
	return LockOptions{
		WaitTimeout:   30 * time.Second,
		TTL:           60 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

func waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// waitErr reports why waiting stopped, telling our own deadline from the caller's.
func waitErr(parent, wait context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(wait.Err(), context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return wait.Err()
}

// MemoryLocker is an in-process keyed mutex. Entries are reference counted
// and dropped once nobody holds or waits for them.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	opts    LockOptions
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker(opts LockOptions) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*lockEntry),
		opts:    opts,
	}
}

// Lock blocks until key is free, ctx is done or the wait timeout passes
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	waitCtx, cancel := waitContext(ctx, l.opts.WaitTimeout)
	defer cancel()

	select {
	case e.slot <- struct{}{}:
	case <-waitCtx.Done():
		l.release(key, e)
		return nil, waitErr(ctx, waitCtx)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(key, e)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size returns the number of tracked keys
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// releaseScript deletes the lock only if we still own it
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker is a lock shared by every keysync instance using the same Redis.
type RedisLocker struct {
	client *redis.Client
	opts   LockOptions
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client, opts LockOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockOptions().TTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultLockOptions().RetryInterval
	}
	return &RedisLocker{client: client, opts: opts, prefix: "keysync:lock:"}
}

// Lock polls SET NX until it wins, ctx is done or the wait timeout passes
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := waitContext(ctx, l.opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(waitCtx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, waitErr(ctx, waitCtx)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return nil, waitErr(ctx, waitCtx)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
