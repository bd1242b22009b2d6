// Package reconcile keeps remote API keys in step with membership tiers.
//
// For every tier-change event the Engine visits each app bound to the new
// tier and either creates a key (first grant for that user and app) or updates
// the existing one. The local KeyStore is only written after the app accepted
// the change, so a remote failure leaves local state untouched.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"keysync/internal/logging"
	"keysync/internal/metrics"
	"keysync/internal/models"
	"keysync/internal/permissions"
	"keysync/internal/remote"
	"keysync/internal/storage"
)

// ErrConfigIncomplete marks an app or tier without a URL or permission spec
var ErrConfigIncomplete = errors.New("app configuration incomplete")

// Action is the outcome of reconciling one (user, app) pair
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
	ActionFailed  Action = "failed"
)

// notifyTimeout is the default bound on handing a new secret to the notifier
const notifyTimeout = 5 * time.Second

// TierChangeEvent is fired whenever a user's membership level changes.
// LevelID 0 means the membership was cancelled.
type TierChangeEvent struct {
	LevelID   int64  `json:"level_id"`
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
}

// AppResult is the outcome for one app
type AppResult struct {
	AppID  string
	Action Action
	KeyID  string
	Err    error
}

// MarshalJSON renders Err as a string
func (r AppResult) MarshalJSON() ([]byte, error) {
	out := struct {
		AppID  string `json:"app_id"`
		Action Action `json:"action"`
		KeyID  string `json:"key_id,omitempty"`
		Error  string `json:"error,omitempty"`
	}{AppID: r.AppID, Action: r.Action, KeyID: r.KeyID}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Report collects the per-app results of one event, ordered by app id
type Report struct {
	Event   TierChangeEvent `json:"event"`
	Skipped bool            `json:"skipped"`
	Results []AppResult     `json:"results"`
}

// Failed returns the results that did not succeed
func (r *Report) Failed() []AppResult {
	var out []AppResult
	for _, res := range r.Results {
		if res.Action == ActionFailed {
			out = append(out, res)
		}
	}
	return out
}

// ConfigSource resolves which apps a tier is bound to
type ConfigSource interface {
	AppsForTier(tierID int64) []models.AppConfig
}

// KeyService is the remote create/update contract
type KeyService interface {
	Create(ctx context.Context, baseURL string, req remote.KeyRequest) (*remote.CreateResult, error)
	Update(ctx context.Context, baseURL string, req remote.KeyRequest) error
}

// Notifier delivers a newly issued secret to its user
type Notifier interface {
	Enqueue(ctx context.Context, issued models.KeyIssued) error
}

// Options configures an Engine
type Options struct {
	Config   ConfigSource
	Store    storage.KeyStore
	Remote   KeyService
	Locker   Locker
	Notifier Notifier
	Metrics  metrics.Recorder
	Logger   *logging.Logger

	// MaxConcurrency bounds how many apps are reconciled at once per event
	MaxConcurrency int
}

// Engine reconciles tier-change events against every bound app
type Engine struct {
	config         ConfigSource
	store          storage.KeyStore
	remote         KeyService
	locker         Locker
	notifier       Notifier
	metrics        metrics.Recorder
	logger         *logging.Logger
	maxConcurrency int
	newKeyID       func() string
	notifyTimeout  time.Duration
}

// NewEngine creates an engine. Config, Store and Remote are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("config, store and remote are required")
	}

	e := &Engine{
		config:         opts.Config,
		store:          opts.Store,
		remote:         opts.Remote,
		locker:         opts.Locker,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		maxConcurrency: opts.MaxConcurrency,
		newKeyID:       uuid.NewString,
		notifyTimeout:  notifyTimeout,
	}

	if e.locker == nil {
		e.locker = NewMemoryLocker(DefaultLockOptions())
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNoopMetrics()
	}
	if e.logger == nil {
		e.logger = logging.NewLogger("reconcile")
	}
	if e.maxConcurrency < 1 {
		e.maxConcurrency = 1
	}

	return e, nil
}

// HandleTierChange reconciles every app bound to the event's tier. It never
// fails as a whole: each app's outcome is reported separately.
func (e *Engine) HandleTierChange(ctx context.Context, event TierChangeEvent) *Report {
	start := time.Now()
	report := &Report{Event: event, Results: []AppResult{}}

	if event.LevelID == 0 || event.UserID == 0 {
		// cancellation or anonymous change; keys are left as they are
		report.Skipped = true
		e.logger.Debug("Ignoring tier change", "level_id", event.LevelID, "user_id", event.UserID)
		e.metrics.ObserveEvent(true, time.Since(start))
		return report
	}

	apps := e.config.AppsForTier(event.LevelID)
	report.Results = make([]AppResult, len(apps))

	// errgroup is only used for its limit; branch errors live in the report
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, app := range apps {
		g.Go(func() error {
			report.Results[i] = e.reconcileApp(ctx, event, app)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		e.metrics.ObserveOutcome(res.AppID, string(res.Action))
	}
	e.metrics.ObserveEvent(false, time.Since(start))

	e.logger.Info("Tier change reconciled",
		"level_id", event.LevelID,
		"user_id", event.UserID,
		"apps", len(apps),
		"failed", len(report.Failed()),
		"duration", time.Since(start),
	)

	return report
}

func pairKey(userID int64, appID string) string {
	return strconv.FormatInt(userID, 10) + ":" + appID
}

func (e *Engine) reconcileApp(ctx context.Context, event TierChangeEvent, app models.AppConfig) (result AppResult) {
	result = AppResult{AppID: app.ID}
	log := e.logger.With("user_id", event.UserID, "app_id", app.ID, "level_id", event.LevelID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Reconcile panicked", "panic", r)
			result = AppResult{AppID: app.ID, Action: ActionFailed, Err: fmt.Errorf("reconcile panicked: %v", r)}
		}
	}()

	tier, _ := app.Tier(event.LevelID)
	if app.BaseURL == "" || tier.Permissions == nil {
		log.Debug("Skipping app with incomplete configuration")
		result.Action = ActionSkipped
		result.Err = ErrConfigIncomplete
		return result
	}
	spec := permissions.Compile(tier.Permissions)

	unlock, err := e.locker.Lock(ctx, pairKey(event.UserID, app.ID))
	if err != nil {
		log.Warn("Failed to acquire pair lock", "error", err)
		result.Action = ActionFailed
		result.Err = err
		return result
	}
	defer unlock()

	existing, err := e.store.Find(ctx, event.UserID, app.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.createKey(ctx, log, event, app, tier, spec)
	case err != nil:
		log.Error("Failed to look up key record", "error", err)
		result.Action = ActionFailed
		result.Err = fmt.Errorf("failed to look up key record: %w", err)
		return result
	default:
		return e.updateKey(ctx, log, app, tier, spec, existing)
	}
}

func (e *Engine) createKey(ctx context.Context, log *logging.Logger, event TierChangeEvent, app models.AppConfig, tier models.TierConfig, spec models.PermissionSpec) AppResult {
	keyID := e.newKeyID()
	result := AppResult{AppID: app.ID, KeyID: keyID}
	req := remote.KeyRequest{KeyID: keyID, Tier: tier.DisplayName(), Permissions: spec}

	start := time.Now()
	created, err := e.remote.Create(ctx, app.BaseURL, req)
	e.metrics.ObserveRemoteCall(app.ID, "create", err, time.Since(start))
	if err != nil {
		log.Warn("Remote key creation failed", "key_id", keyID, "error", err)
		result.Action = ActionFailed
		result.Err = err
		return result
	}

	record := &models.KeyRecord{
		UserID:      event.UserID,
		AppID:       app.ID,
		KeyID:       keyID,
		TierName:    req.Tier,
		Permissions: spec,
		Active:      true,
	}
	if err := e.store.Insert(ctx, record); err != nil {
		// the app now holds a key we have no record of
		log.Error("Key created remotely but not recorded", "key_id", keyID, "error", err)
		result.Action = ActionFailed
		result.Err = fmt.Errorf("failed to record created key: %w", err)
		return result
	}

	result.Action = ActionCreated
	log.Info("API key created", "key_id", keyID, "tier", req.Tier)

	if e.notifier != nil {
		issued := models.KeyIssued{
			UserID:    event.UserID,
			UserEmail: event.UserEmail,
			AppID:     app.ID,
			KeyID:     keyID,
			APIKey:    created.APIKey,
		}
		// Detached from the event so a cancelled caller can't drop the secret,
		// and bounded so a stuck queue can't hold the pair lock
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		err := e.notifier.Enqueue(nctx, issued)
		cancel()
		if err != nil {
			log.Error("Failed to queue key notification, secret not delivered", "key_id", keyID, "error", err)
		}
	}

	return result
}

func (e *Engine) updateKey(ctx context.Context, log *logging.Logger, app models.AppConfig, tier models.TierConfig, spec models.PermissionSpec, existing *models.KeyRecord) AppResult {
	result := AppResult{AppID: app.ID, KeyID: existing.KeyID}
	req := remote.KeyRequest{KeyID: existing.KeyID, Tier: tier.DisplayName(), Permissions: spec}

	start := time.Now()
	err := e.remote.Update(ctx, app.BaseURL, req)
	e.metrics.ObserveRemoteCall(app.ID, "update", err, time.Since(start))
	if err != nil {
		log.Warn("Remote key update failed", "key_id", existing.KeyID, "error", err)
		result.Action = ActionFailed
		result.Err = err
		return result
	}

	active := true
	update := models.KeyUpdate{TierName: &req.Tier, Permissions: &spec, Active: &active}
	if err := e.store.Update(ctx, existing.KeyID, update); err != nil {
		log.Error("Key updated remotely but not recorded", "key_id", existing.KeyID, "error", err)
		result.Action = ActionFailed
		result.Err = fmt.Errorf("failed to record key update: %w", err)
		return result
	}

	result.Action = ActionUpdated
	log.Info("API key updated", "key_id", existing.KeyID, "tier", req.Tier)
	return result
}
