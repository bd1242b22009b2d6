package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"keysync/internal/config"
	"keysync/internal/logging"
	"keysync/internal/metrics"
	"keysync/internal/middleware"
	"keysync/internal/notify"
	"keysync/internal/queue"
	"keysync/internal/reconcile"
	"keysync/internal/remote"
	"keysync/internal/storage"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Engine   *reconcile.Engine
	Store    storage.KeyStore
	Catalog  *config.Catalog
	Notifier *notify.Worker
	Metrics  metrics.Metrics
	Logger   *logging.Logger

	// Optional backing connections, checked by /health and closed on shutdown
	DB    *storage.DB
	Redis *redis.Client
}

// NewDependencies builds every service from cfg and starts the notification worker.
func NewDependencies(cfg *config.Config) (*Dependencies, error) {
	logger := logging.NewLogger("keysync", logging.ParseLogLevel(cfg.LogLevel))
	deps := &Dependencies{
		Metrics: metrics.NewPrometheusMetrics(),
		Logger:  logger,
	}

	catalog, err := config.LoadCatalog(cfg.AppsConfigPath)
	if err != nil {
		return nil, err
	}
	deps.Catalog = catalog

	// Initialize key store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := storage.NewDB(storage.DBConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			QueryTimeout:    cfg.Database.QueryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.DB = db
		deps.Store = db.NewKeyRecordRepository()
	default:
		logger.Warn("Using in-memory key store, records are lost on restart")
		deps.Store = storage.NewMemoryKeyStore()
	}

	// Initialize Redis client
	if cfg.UsesRedis() {
		client, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.Redis = client
	}

	// Pair locker
	lockOpts := reconcile.LockOptions{
		WaitTimeout:   cfg.Lock.WaitTimeout,
		TTL:           cfg.Lock.TTL,
		RetryInterval: cfg.Lock.RetryInterval,
	}
	var locker reconcile.Locker
	if cfg.Lock.Backend == config.BackendRedis {
		locker = reconcile.NewRedisLocker(deps.Redis, lockOpts)
	} else {
		locker = reconcile.NewMemoryLocker(lockOpts)
	}

	// Notification queue
	queueCfg := queue.DefaultConfig(cfg.Notify.QueueName)
	queueCfg.BatchSize = cfg.Notify.BatchSize
	queueCfg.BatchTimeout = cfg.Notify.BatchTimeout
	queueCfg.MaxRetries = cfg.Notify.MaxRetries
	queueCfg.RetryBackoff = cfg.Notify.RetryBackoff

	var notifyQueue queue.Queue
	var notifyDLQ queue.DeadLetterQueue
	if cfg.Notify.QueueBackend == config.BackendRedis {
		if notifyQueue, err = queue.NewRedisQueue(deps.Redis, queueCfg); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create notification queue: %w", err)
		}
		if notifyDLQ, err = queue.NewRedisDeadLetterQueue(deps.Redis, queueCfg); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create notification DLQ: %w", err)
		}
	} else {
		notifyQueue = queue.NewMemoryQueue(queueCfg)
		notifyDLQ = queue.NewMemoryDeadLetterQueue()
	}

	var mailer notify.Mailer
	if cfg.Notify.SMTPAddr != "" {
		smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:     cfg.Notify.SMTPAddr,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create mailer: %w", err)
		}
		mailer = smtpMailer
	} else {
		mailer = notify.NewLogMailer(logger.With("component", "mailer"))
	}

	deps.Notifier = notify.NewWorker(notifyQueue, notifyDLQ, mailer, queueCfg, notify.WorkerOptions{
		Metrics: deps.Metrics,
		Logger:  logger.With("component", "notify-worker"),
	})

	engine, err := reconcile.NewEngine(reconcile.Options{
		Config: catalog,
		Store:  deps.Store,
		Remote: remote.NewClient(remote.Config{
			Timeout:   cfg.Remote.Timeout,
			UserAgent: cfg.Remote.UserAgent,
		}),
		Locker:         locker,
		Notifier:       deps.Notifier,
		Metrics:        deps.Metrics,
		Logger:         logger.With("component", "reconcile"),
		MaxConcurrency: cfg.Remote.MaxConcurrency,
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create reconcile engine: %w", err)
	}
	deps.Engine = engine

	deps.Notifier.Start(context.Background())

	return deps, nil
}

// Close stops the worker and releases connections.
func (d *Dependencies) Close() error {
	var errs []error
	if d.Notifier != nil {
		errs = append(errs, d.Notifier.Stop())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

// NewRouter creates an HTTP handler with all dependencies wired up
func NewRouter(cfg *config.Config) (http.Handler, *Dependencies, error) {
	deps, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewHandler(deps, cfg.ServiceJWTSecret), deps, nil
}

// NewHandler registers every route on a fresh mux.
func NewHandler(deps *Dependencies, jwtSecret []byte) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("keysync")
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps, jwtSecret)
	return middleware.RequestMiddleware(deps.Logger.With("component", "http"), deps.Metrics)(mux)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, jwtSecret []byte) {
	// Health check endpoint - public
	mux.HandleFunc("GET /health", deps.handleHealth)

	// Metrics endpoint - public
	mux.Handle("GET /metrics", deps.Metrics.HTTPHandler())

	// Everything under /v1 requires a service token
	serviceJWT := middleware.ServiceJWTMiddleware(jwtSecret)
	mux.Handle("POST /v1/events/tier-change", serviceJWT(http.HandlerFunc(deps.handleTierChange)))
	mux.Handle("GET /v1/users/{user_id}/keys", serviceJWT(http.HandlerFunc(deps.handleUserKeys)))
	mux.Handle("GET /v1/admin/keys", serviceJWT(http.HandlerFunc(deps.handleAdminKeys)))
	mux.Handle("GET /v1/admin/apps", serviceJWT(http.HandlerFunc(deps.handleAdminApps)))
	mux.Handle("GET /v1/admin/notifications/dead-letters", serviceJWT(http.HandlerFunc(deps.handleDeadLetters)))
	mux.Handle("POST /v1/admin/notifications/dead-letters/{id}/retry", serviceJWT(http.HandlerFunc(deps.handleRetryDeadLetter)))
}
