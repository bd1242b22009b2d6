package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync/internal/config"
	"keysync/internal/logging"
	"keysync/internal/models"
	"keysync/internal/notify"
	"keysync/internal/queue"
	"keysync/internal/remote"
	"keysync/internal/storage"
)

type remoteCall struct {
	Op      string
	BaseURL string
	Req     remote.KeyRequest
}

// fakeRemote records calls and fails for base URLs listed in failFor
type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	failFor map[string]error
	delay   time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{failFor: map[string]error{}}
}

func (f *fakeRemote) record(op, baseURL string, req remote.KeyRequest) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{Op: op, BaseURL: baseURL, Req: req})
	return f.failFor[baseURL]
}

func (f *fakeRemote) Create(ctx context.Context, baseURL string, req remote.KeyRequest) (*remote.CreateResult, error) {
	if err := f.record("create", baseURL, req); err != nil {
		return nil, err
	}
	return &remote.CreateResult{APIKey: "secret-" + req.KeyID}, nil
}

func (f *fakeRemote) Update(ctx context.Context, baseURL string, req remote.KeyRequest) error {
	return f.record("update", baseURL, req)
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func (f *fakeRemote) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu     sync.Mutex
	issued []models.KeyIssued
	err    error
}

func (n *fakeNotifier) Enqueue(ctx context.Context, issued models.KeyIssued) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.issued = append(n.issued, issued)
	return nil
}

// failingStore injects errors into an otherwise working store
type failingStore struct {
	*storage.MemoryKeyStore
	insertErr error
	updateErr error
	findErr   error
}

func (s *failingStore) Find(ctx context.Context, userID int64, appID string) (*models.KeyRecord, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryKeyStore.Find(ctx, userID, appID)
}

func (s *failingStore) Insert(ctx context.Context, record *models.KeyRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.MemoryKeyStore.Insert(ctx, record)
}

func (s *failingStore) Update(ctx context.Context, keyID string, update models.KeyUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.MemoryKeyStore.Update(ctx, keyID, update)
}

func blogPermissions() *models.RawPermissions {
	return &models.RawPermissions{
		Limits: map[string]any{"posts": map[string]any{"hour": 10, "day": 50}},
		Flags:  map[string]any{"beta": true},
	}
}

func testCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	catalog, err := config.NewCatalog(
		models.AppConfig{
			ID:      "blog",
			BaseURL: "https://blog.example.com",
			Tiers: map[int64]models.TierConfig{
				5: {ID: 5, Name: "Gold", Permissions: blogPermissions()},
				9: {ID: 9, Name: "Platinum", Permissions: &models.RawPermissions{
					Limits: map[string]any{"posts": map[string]any{"hour": "100", "day": 500}},
					Flags:  map[string]any{"beta": true, "export": "yes"},
				}},
			},
		},
		models.AppConfig{
			ID:      "forum",
			BaseURL: "https://forum.example.com",
			Tiers: map[int64]models.TierConfig{
				7: {ID: 7, Name: "Member", Permissions: blogPermissions()},
			},
		},
		models.AppConfig{
			ID:      "shop",
			BaseURL: "https://shop.example.com",
			Tiers: map[int64]models.TierConfig{
				7: {ID: 7, Permissions: blogPermissions()},
			},
		},
		models.AppConfig{
			ID:      "wiki",
			BaseURL: "https://wiki.example.com",
			Tiers: map[int64]models.TierConfig{
				7: {ID: 7, Name: "Member", Permissions: blogPermissions()},
			},
		},
		models.AppConfig{
			ID: "draft",
			Tiers: map[int64]models.TierConfig{
				5: {ID: 5, Name: "Gold", Permissions: blogPermissions()},
			},
		},
		models.AppConfig{
			ID:      "nospec",
			BaseURL: "https://nospec.example.com",
			Tiers: map[int64]models.TierConfig{
				5: {ID: 5, Name: "Gold"},
			},
		},
	)
	require.NoError(t, err)
	return catalog
}

type testEnv struct {
	engine   *Engine
	store    *storage.MemoryKeyStore
	remote   *fakeRemote
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, store storage.KeyStore) *testEnv {
	t.Helper()
	mem := storage.NewMemoryKeyStore()
	if store == nil {
		store = mem
	} else if fs, ok := store.(*failingStore); ok {
		mem = fs.MemoryKeyStore
	}

	env := &testEnv{store: mem, remote: newFakeRemote(), notifier: &fakeNotifier{}}
	engine, err := NewEngine(Options{
		Config:         testCatalog(t),
		Store:          store,
		Remote:         env.remote,
		Notifier:       env.notifier,
		Logger:         logging.Discard(),
		MaxConcurrency: 4,
	})
	require.NoError(t, err)
	env.engine = engine
	return env
}

func resultFor(t *testing.T, report *Report, appID string) AppResult {
	t.Helper()
	for _, r := range report.Results {
		if r.AppID == appID {
			return r
		}
	}
	t.Fatalf("no result for app %s", appID)
	return AppResult{}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)
}

func TestHandleTierChange_CreatesKey(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	report := env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42, UserEmail: "u@example.com"})
	require.False(t, report.Skipped)

	blog := resultFor(t, report, "blog")
	require.Equal(t, ActionCreated, blog.Action)
	require.NoError(t, blog.Err)

	calls := env.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "create", calls[0].Op)
	assert.Equal(t, "https://blog.example.com", calls[0].BaseURL)
	assert.Equal(t, "Gold", calls[0].Req.Tier)
	assert.Equal(t, blog.KeyID, calls[0].Req.KeyID)

	canonical, err := calls[0].Req.Permissions.Canonical()
	require.NoError(t, err)
	assert.JSONEq(t, `{"limits":{"posts":{"hour":10,"day":50}},"flags":{"beta":true}}`, canonical)

	records := env.store.All()
	require.Len(t, records, 1)
	assert.Equal(t, int64(42), records[0].UserID)
	assert.Equal(t, "blog", records[0].AppID)
	assert.Equal(t, blog.KeyID, records[0].KeyID)
	assert.Equal(t, "Gold", records[0].TierName)
	assert.True(t, records[0].Active)
	assert.Len(t, records[0].KeyID, 36)

	require.Len(t, env.notifier.issued, 1)
	assert.Equal(t, models.KeyIssued{
		UserID:    42,
		UserEmail: "u@example.com",
		AppID:     "blog",
		KeyID:     blog.KeyID,
		APIKey:    "secret-" + blog.KeyID,
	}, env.notifier.issued[0])
}

func TestHandleTierChange_SkipsIncompleteApps(t *testing.T) {
	env := newTestEnv(t, nil)

	report := env.engine.HandleTierChange(context.Background(), TierChangeEvent{LevelID: 5, UserID: 42})

	require.Len(t, report.Results, 3)
	assert.Equal(t, []string{"blog", "draft", "nospec"}, []string{
		report.Results[0].AppID, report.Results[1].AppID, report.Results[2].AppID,
	})

	for _, appID := range []string{"draft", "nospec"} {
		res := resultFor(t, report, appID)
		assert.Equal(t, ActionSkipped, res.Action)
		assert.ErrorIs(t, res.Err, ErrConfigIncomplete)
	}
	assert.Len(t, env.remote.Calls(), 1)
}

func TestHandleTierChange_UpgradeUpdatesSameKey(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	require.Equal(t, ActionCreated, first.Action)

	second := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 9, UserID: 42}), "blog")
	require.Equal(t, ActionUpdated, second.Action)
	assert.Equal(t, first.KeyID, second.KeyID)

	calls := env.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "update", calls[1].Op)
	assert.Equal(t, first.KeyID, calls[1].Req.KeyID)
	assert.Equal(t, "Platinum", calls[1].Req.Tier)

	records := env.store.All()
	require.Len(t, records, 1)
	assert.Equal(t, first.KeyID, records[0].KeyID)
	assert.Equal(t, "Platinum", records[0].TierName)
	assert.Equal(t, models.Limit{Hour: 100, Day: 500}, records[0].Permissions.Limits["posts"])
	assert.True(t, records[0].Permissions.Flags["export"])

	// one notification, for the creation only
	assert.Len(t, env.notifier.issued, 1)
}

func TestHandleTierChange_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	event := TierChangeEvent{LevelID: 5, UserID: 42}

	first := resultFor(t, env.engine.HandleTierChange(ctx, event), "blog")
	require.Equal(t, ActionCreated, first.Action)

	for i := 0; i < 3; i++ {
		res := resultFor(t, env.engine.HandleTierChange(ctx, event), "blog")
		assert.Equal(t, ActionUpdated, res.Action)
		assert.Equal(t, first.KeyID, res.KeyID)
	}

	assert.Equal(t, 1, env.remote.count("create"))
	assert.Equal(t, 3, env.remote.count("update"))
	assert.Len(t, env.store.All(), 1)
}

func TestHandleTierChange_ReactivatesOnUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	inactive := false
	require.NoError(t, env.store.Update(ctx, first.KeyID, models.KeyUpdate{Active: &inactive}))

	res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	require.Equal(t, ActionUpdated, res.Action)

	record, err := env.store.Find(ctx, 42, "blog")
	require.NoError(t, err)
	assert.True(t, record.Active)
}

func TestHandleTierChange_NoOpEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, event := range []TierChangeEvent{
		{LevelID: 0, UserID: 42},
		{LevelID: 5, UserID: 0},
	} {
		report := env.engine.HandleTierChange(ctx, event)
		assert.True(t, report.Skipped)
		assert.Empty(t, report.Results)
	}

	// a tier no app binds produces an empty, non-skipped report
	report := env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 99, UserID: 42})
	assert.False(t, report.Skipped)
	assert.Empty(t, report.Results)

	assert.Empty(t, env.remote.Calls())
	assert.Empty(t, env.store.All())
}

func TestHandleTierChange_CancellationKeepsKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42})
	before := env.store.All()

	env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 0, UserID: 42})
	assert.Equal(t, before, env.store.All())
}

func TestHandleTierChange_RemoteFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.remote.failFor["https://blog.example.com"] = fmt.Errorf("dial: %w", remote.ErrRemoteUnavailable)

		res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
		assert.Equal(t, ActionFailed, res.Action)
		assert.ErrorIs(t, res.Err, remote.ErrRemoteUnavailable)
		assert.Empty(t, env.store.All())
		assert.Empty(t, env.notifier.issued)
	})

	t.Run("update", func(t *testing.T) {
		env := newTestEnv(t, nil)
		first := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
		require.Equal(t, ActionCreated, first.Action)
		before := env.store.All()

		env.remote.failFor["https://blog.example.com"] = &remote.RemoteError{Op: "update", StatusCode: 500, Err: remote.ErrRemoteRejected}

		res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 9, UserID: 42}), "blog")
		assert.Equal(t, ActionFailed, res.Action)
		assert.Equal(t, first.KeyID, res.KeyID)
		assert.ErrorIs(t, res.Err, remote.ErrRemoteRejected)
		assert.Equal(t, before, env.store.All())
	})
}

func TestHandleTierChange_FanOutIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.failFor["https://shop.example.com"] = remote.ErrRemoteUnavailable

	report := env.engine.HandleTierChange(context.Background(), TierChangeEvent{LevelID: 7, UserID: 42})

	require.Len(t, report.Results, 3)
	assert.Equal(t, ActionCreated, resultFor(t, report, "forum").Action)
	assert.Equal(t, ActionFailed, resultFor(t, report, "shop").Action)
	assert.Equal(t, ActionCreated, resultFor(t, report, "wiki").Action)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "shop", failed[0].AppID)

	assert.Len(t, env.store.All(), 2)
	_, err := env.store.Find(context.Background(), 42, "shop")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleTierChange_TierNameFallsBackToID(t *testing.T) {
	env := newTestEnv(t, nil)

	env.engine.HandleTierChange(context.Background(), TierChangeEvent{LevelID: 7, UserID: 42})

	for _, c := range env.remote.Calls() {
		if c.BaseURL == "https://shop.example.com" {
			assert.Equal(t, "7", c.Req.Tier)
			return
		}
	}
	t.Fatal("shop was not called")
}

func TestHandleTierChange_StoreFailureAfterRemoteSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("insert", func(t *testing.T) {
		store := &failingStore{MemoryKeyStore: storage.NewMemoryKeyStore(), insertErr: storage.ErrDuplicateKeyID}
		env := newTestEnv(t, store)

		res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
		assert.Equal(t, ActionFailed, res.Action)
		assert.ErrorIs(t, res.Err, storage.ErrDuplicateKeyID)
		assert.Equal(t, 1, env.remote.count("create"))
		assert.Empty(t, env.notifier.issued)
	})

	t.Run("update", func(t *testing.T) {
		store := &failingStore{MemoryKeyStore: storage.NewMemoryKeyStore()}
		env := newTestEnv(t, store)
		require.Equal(t, ActionCreated, resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog").Action)

		store.updateErr = storage.ErrNotFound
		res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 9, UserID: 42}), "blog")
		assert.Equal(t, ActionFailed, res.Action)
		assert.ErrorIs(t, res.Err, storage.ErrNotFound)
	})

	t.Run("find", func(t *testing.T) {
		store := &failingStore{MemoryKeyStore: storage.NewMemoryKeyStore(), findErr: errors.New("connection reset")}
		env := newTestEnv(t, store)

		res := resultFor(t, env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
		assert.Equal(t, ActionFailed, res.Action)
		assert.Empty(t, env.remote.Calls())
	})
}

func TestHandleTierChange_NotifierFailureKeepsKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.notifier.err = errors.New("queue full")

	res := resultFor(t, env.engine.HandleTierChange(context.Background(), TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	assert.Equal(t, ActionCreated, res.Action)
	assert.Len(t, env.store.All(), 1)
}

// blockingNotifier never accepts an item until its context ends
type blockingNotifier struct {
	ctxErr chan error
}

func (n *blockingNotifier) Enqueue(ctx context.Context, issued models.KeyIssued) error {
	<-ctx.Done()
	n.ctxErr <- ctx.Err()
	return ctx.Err()
}

func TestHandleTierChange_StuckNotifierDoesNotHoldEvent(t *testing.T) {
	notifier := &blockingNotifier{ctxErr: make(chan error, 1)}
	engine, err := NewEngine(Options{
		Config:   testCatalog(t),
		Store:    storage.NewMemoryKeyStore(),
		Remote:   newFakeRemote(),
		Notifier: notifier,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	engine.notifyTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	res := resultFor(t, engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	assert.Equal(t, ActionCreated, res.Action)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, <-notifier.ctxErr, context.DeadlineExceeded)
}

func TestHandleTierChange_FullNotificationQueueKeepsSecret(t *testing.T) {
	queueCfg := queue.DefaultConfig("full")
	queueCfg.BatchSize = 1 // buffer of 10
	dlq := queue.NewMemoryDeadLetterQueue()
	// never started, so nothing drains the queue
	worker := notify.NewWorker(queue.NewMemoryQueue(queueCfg), dlq, notify.NewLogMailer(logging.Discard()), queueCfg, notify.WorkerOptions{
		Logger: logging.Discard(),
	})

	store := storage.NewMemoryKeyStore()
	engine, err := NewEngine(Options{
		Config:   testCatalog(t),
		Store:    store,
		Remote:   newFakeRemote(),
		Notifier: worker,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	for user := int64(1); user <= 11; user++ {
		res := resultFor(t, engine.HandleTierChange(ctx, TierChangeEvent{LevelID: 5, UserID: user, UserEmail: "u@example.com"}), "blog")
		require.Equal(t, ActionCreated, res.Action)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, store.All(), 11)

	length, err := worker.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, length)

	items, err := worker.DeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, queue.ErrQueueFull.Error())

	var issued models.KeyIssued
	require.NoError(t, json.Unmarshal(items[0].Payload, &issued))
	assert.Equal(t, int64(11), issued.UserID)
	assert.Equal(t, "blog", issued.AppID)
	assert.NotEmpty(t, issued.APIKey)
}

func TestHandleTierChange_ConcurrentEventsCreateOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.delay = 5 * time.Millisecond
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	reports := make([]*Report, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			level := int64(5)
			if i%2 == 1 {
				level = 9
			}
			reports[i] = env.engine.HandleTierChange(ctx, TierChangeEvent{LevelID: level, UserID: 42})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, report := range reports {
		r := resultFor(t, report, "blog")
		require.NoError(t, r.Err)
		if r.Action == ActionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, env.remote.count("create"))
	assert.Equal(t, workers-1, env.remote.count("update"))
	assert.Len(t, env.store.All(), 1)
}

func TestHandleTierChange_LockTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	locker := NewMemoryLocker(LockOptions{WaitTimeout: 20 * time.Millisecond})
	env.engine.locker = locker

	unlock, err := locker.Lock(context.Background(), pairKey(42, "blog"))
	require.NoError(t, err)
	defer unlock()

	res := resultFor(t, env.engine.HandleTierChange(context.Background(), TierChangeEvent{LevelID: 5, UserID: 42}), "blog")
	assert.Equal(t, ActionFailed, res.Action)
	assert.ErrorIs(t, res.Err, ErrLockTimeout)
	assert.Empty(t, env.remote.Calls())
}

func TestReport_JSON(t *testing.T) {
	report := &Report{
		Event: TierChangeEvent{LevelID: 5, UserID: 42},
		Results: []AppResult{
			{AppID: "blog", Action: ActionCreated, KeyID: "k1"},
			{AppID: "shop", Action: ActionFailed, Err: remote.ErrRemoteUnavailable},
		},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": {"level_id": 5, "user_id": 42},
		"skipped": false,
		"results": [
			{"app_id": "blog", "action": "created", "key_id": "k1"},
			{"app_id": "shop", "action": "failed", "error": "remote key service unavailable"}
		]
	}`, string(data))
}
