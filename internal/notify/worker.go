package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"keysync/internal/logging"
	"keysync/internal/metrics"
	"keysync/internal/models"
	"keysync/internal/queue"
)

const dlqFallbackTimeout = 5 * time.Second

// Delivery results reported to metrics
const (
	ResultSent         = "sent"
	ResultRetried      = "retried"
	ResultDeadLettered = "dead_lettered"
)

// Worker delivers key notifications from a queue
type Worker struct {
	queue     queue.Queue
	dlq       queue.DeadLetterQueue
	mailer    Mailer
	directory UserDirectory
	config    *queue.Config
	metrics   metrics.Recorder
	logger    *logging.Logger

	started     atomic.Bool
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// WorkerOptions holds the optional collaborators of a Worker
type WorkerOptions struct {
	Directory UserDirectory
	Metrics   metrics.Recorder
	Logger    *logging.Logger
}

// NewWorker creates a notification worker
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, mailer Mailer, config *queue.Config, opts WorkerOptions) *Worker {
	if config == nil {
		config = queue.DefaultConfig("notifications")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("notify-worker")
	}

	return &Worker{
		queue:       q,
		dlq:         dlq,
		mailer:      mailer,
		directory:   opts.Directory,
		config:      config,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Enqueue queues a notification for an issued key. When the queue refuses it
// (full, closed or unreachable) the payload goes to the DLQ instead, so the
// secret can still be delivered with RetryDeadLetterItem. An error is returned
// only when both writes fail.
func (w *Worker) Enqueue(ctx context.Context, issued models.KeyIssued) error {
	data, err := json.Marshal(issued)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	qerr := w.queue.Enqueue(ctx, data)
	if qerr == nil {
		return nil
	}

	if w.dlq == nil {
		return qerr
	}

	// The event may already be past its deadline; the secret still has to land somewhere
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dlqFallbackTimeout)
	defer cancel()

	cause := fmt.Errorf("failed to enqueue notification: %w", qerr)
	if err := w.dlq.Add(dlqCtx, data, cause, 0); err != nil {
		return errors.Join(qerr, fmt.Errorf("failed to add to dead letter queue: %w", err))
	}

	w.metrics.ObserveNotification(ResultDeadLettered)
	w.logger.Warn("Notification queue rejected item, moved to DLQ",
		"user_id", issued.UserID, "app_id", issued.AppID, "key_id", issued.KeyID, "error", qerr)
	return nil
}

// Start starts the worker goroutine. Later calls are ignored.
func (w *Worker) Start(ctx context.Context) {
	if w.started.CompareAndSwap(false, true) {
		go w.run(ctx)
	}
}

// Stop gracefully stops the worker and waits for the current batch
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.stoppedChan
	}
	return nil
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Notification worker stopping")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch delivers one batch of notifications
func (w *Worker) processBatch(ctx context.Context) {
	items, err := w.queue.Dequeue(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, queue.ErrQueueClosed) {
			w.logger.Info("Notification queue closed")
			<-ctx.Done()
			return
		}
		w.logger.Error("Failed to dequeue notifications", "error", err)
		w.sleep(ctx, time.Second) // Back off on error
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing notification batch", "count", len(items))

	// Items already dequeued are delivered even if we are stopping
	deliverCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		if err := w.processItem(deliverCtx, item); err != nil {
			w.logger.Warn("Notification not delivered", "error", err)
		}
	}
}

// processItem delivers one notification with retries
func (w *Worker) processItem(ctx context.Context, payload []byte) error {
	var issued models.KeyIssued
	if err := json.Unmarshal(payload, &issued); err != nil {
		return w.deadLetter(ctx, payload, fmt.Errorf("malformed notification: %w", err), 0)
	}

	to, err := resolveRecipient(ctx, w.directory, issued)
	if err != nil {
		return w.deadLetter(ctx, payload, err, 0)
	}

	msg, err := Render(to, issued)
	if err != nil {
		return w.deadLetter(ctx, payload, err, 0)
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying notification", "attempt", attempt, "backoff", backoff)
			w.metrics.ObserveNotification(ResultRetried)
			w.sleep(ctx, backoff)
		}

		if err := w.mailer.Send(ctx, msg); err != nil {
			lastErr = err
			w.logger.Warn("Failed to send notification", "attempt", attempt, "app_id", issued.AppID, "key_id", issued.KeyID, "error", err)
			continue
		}

		w.metrics.ObserveNotification(ResultSent)
		w.logger.Info("Key notification sent", "user_id", issued.UserID, "app_id", issued.AppID, "key_id", issued.KeyID)
		return nil
	}

	return w.deadLetter(ctx, payload, fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr), w.config.MaxRetries)
}

func (w *Worker) deadLetter(ctx context.Context, payload []byte, cause error, retries int) error {
	w.metrics.ObserveNotification(ResultDeadLettered)
	if w.dlq == nil {
		return cause
	}
	if err := w.dlq.Add(ctx, payload, cause, retries); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return cause
	}
	w.logger.Warn("Notification moved to DLQ", "error", cause)
	return cause
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopChan:
	case <-ctx.Done():
	}
}

// QueueLength returns the number of pending notifications
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// DeadLetterItems returns notifications that could not be delivered
func (w *Worker) DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a dead lettered notification back onto the queue
func (w *Worker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, item := range items {
		if item.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, item.Payload); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
