package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync/internal/logging"
	"keysync/internal/models"
	"keysync/internal/queue"
)

// recordingMailer fails the first failCount sends
type recordingMailer struct {
	mu        sync.Mutex
	sent      []Message
	attempts  int
	failCount int
}

func (m *recordingMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.attempts <= m.failCount {
		return errors.New("relay unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func testQueueConfig() *queue.Config {
	config := queue.DefaultConfig("test-notifications")
	config.BatchSize = 10
	config.BatchTimeout = 20 * time.Millisecond
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	return config
}

func newTestWorker(t *testing.T, q queue.Queue, mailer Mailer, dir UserDirectory) (*Worker, *queue.MemoryDeadLetterQueue) {
	t.Helper()
	dlq := queue.NewMemoryDeadLetterQueue()
	w := NewWorker(q, dlq, mailer, testQueueConfig(), WorkerOptions{Directory: dir, Logger: logging.Discard()})
	return w, dlq
}

func TestWorker_DeliversNotification(t *testing.T) {
	q := queue.NewMemoryQueue(testQueueConfig())
	mailer := &recordingMailer{}
	worker, dlq := newTestWorker(t, q, mailer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	defer worker.Stop()

	require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{
		UserID: 42, UserEmail: "u@example.com", AppID: "blog", KeyID: "k1", APIKey: "abc",
	}))

	require.Eventually(t, func() bool { return len(mailer.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Message{To: "u@example.com", Subject: "Your blog API Key", Body: "Key: abc"}, mailer.Sent()[0])

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	mailer := &recordingMailer{failCount: 2}
	worker, dlq := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), mailer, nil)
	ctx := context.Background()

	payload, err := json.Marshal(models.KeyIssued{UserID: 42, UserEmail: "u@example.com", AppID: "blog", APIKey: "abc"})
	require.NoError(t, err)

	require.NoError(t, worker.processItem(ctx, payload))
	assert.Len(t, mailer.Sent(), 1)
	assert.Equal(t, 3, mailer.attempts)

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWorker_DeadLettersAfterMaxRetries(t *testing.T) {
	mailer := &recordingMailer{failCount: 100}
	worker, dlq := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), mailer, nil)
	ctx := context.Background()

	payload, err := json.Marshal(models.KeyIssued{UserID: 42, UserEmail: "u@example.com", AppID: "blog", APIKey: "abc"})
	require.NoError(t, err)

	err = worker.processItem(ctx, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, mailer.attempts)

	items, err := worker.DeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, payload, items[0].Payload)
	assert.Equal(t, 2, items[0].Retries)
	assert.Contains(t, items[0].Error, "relay unavailable")

	// a retried item goes back on the queue and leaves the DLQ
	require.NoError(t, worker.RetryDeadLetterItem(ctx, items[0].ID))
	length, err := worker.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	items, err = dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, worker.RetryDeadLetterItem(ctx, "missing"), queue.ErrItemNotFound)
}

func TestWorker_PermanentFailuresSkipRetries(t *testing.T) {
	ctx := context.Background()
	mailer := &recordingMailer{}
	worker, dlq := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), mailer, NewStaticDirectory(nil))

	noEmail, err := json.Marshal(models.KeyIssued{UserID: 42, AppID: "blog", APIKey: "abc"})
	require.NoError(t, err)

	assert.ErrorIs(t, worker.processItem(ctx, noEmail), ErrNoRecipient)
	assert.Error(t, worker.processItem(ctx, []byte("{not json")))
	assert.Zero(t, mailer.attempts)

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].Retries)
}

func TestWorker_UsesDirectory(t *testing.T) {
	ctx := context.Background()
	mailer := &recordingMailer{}
	worker, _ := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), mailer,
		NewStaticDirectory(map[int64]string{42: "dir@example.com"}))

	payload, err := json.Marshal(models.KeyIssued{UserID: 42, AppID: "blog", APIKey: "abc"})
	require.NoError(t, err)

	require.NoError(t, worker.processItem(ctx, payload))
	require.Len(t, mailer.Sent(), 1)
	assert.Equal(t, "dir@example.com", mailer.Sent()[0].To)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	worker, _ := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), &recordingMailer{}, nil)
	worker.Start(context.Background())

	done := make(chan struct{})
	go func() {
		_ = worker.Stop()
		_ = worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	config := testQueueConfig()
	q, err := queue.NewRedisQueue(client, config)
	require.NoError(t, err)
	dlq, err := queue.NewRedisDeadLetterQueue(client, config)
	require.NoError(t, err)

	mailer := &recordingMailer{}
	worker := NewWorker(q, dlq, mailer, config, WorkerOptions{Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 1, UserEmail: "a@example.com", AppID: "blog", APIKey: "k-a"}))
	require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 2, UserEmail: "b@example.com", AppID: "shop", APIKey: "k-b"}))

	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool { return len(mailer.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Your blog API Key", mailer.Sent()[0].Subject)
	assert.Equal(t, "Your shop API Key", mailer.Sent()[1].Subject)
}

func TestWorker_StopWithoutStart(t *testing.T) {
	worker, _ := newTestWorker(t, queue.NewMemoryQueue(testQueueConfig()), &recordingMailer{}, nil)
	assert.NoError(t, worker.Stop())
}

func TestWorker_EnqueueFallsBackToDLQWhenQueueFull(t *testing.T) {
	config := testQueueConfig()
	config.BatchSize = 1
	q := queue.NewMemoryQueue(config)
	mailer := &recordingMailer{}
	worker, dlq := newTestWorker(t, q, mailer, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: int64(i + 1), UserEmail: "a@example.com", AppID: "blog", APIKey: "k"}))
	}

	start := time.Now()
	require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 99, UserEmail: "late@example.com", AppID: "blog", KeyID: "key-99", APIKey: "k-99"}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, queue.ErrQueueFull.Error())
	assert.Equal(t, 0, items[0].Retries)

	// Once the backlog drains the parked secret is still deliverable
	_, err = q.Dequeue(ctx, 10, time.Second)
	require.NoError(t, err)
	require.NoError(t, worker.RetryDeadLetterItem(ctx, items[0].ID))

	worker.Start(ctx)
	require.Eventually(t, func() bool { return len(mailer.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, worker.Stop())
	assert.Equal(t, "late@example.com", mailer.Sent()[0].To)
	assert.Equal(t, "Key: k-99", mailer.Sent()[0].Body)
}

func TestWorker_EnqueueAfterCancelStillParksSecret(t *testing.T) {
	q := queue.NewMemoryQueue(testQueueConfig())
	worker, dlq := newTestWorker(t, q, &recordingMailer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 1, UserEmail: "a@example.com", AppID: "blog", APIKey: "k"}))

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, context.Canceled.Error())
}

func TestWorker_EnqueueWithoutDLQReturnsQueueError(t *testing.T) {
	config := testQueueConfig()
	config.BatchSize = 1
	q := queue.NewMemoryQueue(config)
	worker := NewWorker(q, nil, &recordingMailer{}, config, WorkerOptions{Logger: logging.Discard()})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 1, AppID: "blog"}))
	}
	assert.ErrorIs(t, worker.Enqueue(ctx, models.KeyIssued{UserID: 2, AppID: "blog"}), queue.ErrQueueFull)
}
