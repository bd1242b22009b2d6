package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds configuration for the keysync service.
type Config struct {
	HTTPPort         string
	ServiceJWTSecret []byte
	AppsConfigPath   string
	LogLevel         string
	StoreBackend     string // postgres or memory
	Database         DatabaseConfig
	Redis            RedisConfig
	Remote           RemoteConfig
	Lock             LockConfig
	Notify           NotifyConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RemoteConfig holds settings for calls to app key APIs
type RemoteConfig struct {
	Timeout        time.Duration // per request
	MaxConcurrency int           // apps reconciled in parallel per event
	UserAgent      string
}

// LockConfig selects how reconciliation is serialized per (user, app)
type LockConfig struct {
	Backend       string // memory or redis
	TTL           time.Duration
	RetryInterval time.Duration
	WaitTimeout   time.Duration
}

// NotifyConfig holds settings for delivering newly issued keys to users
type NotifyConfig struct {
	QueueBackend string // memory or redis
	QueueName    string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	SMTPAddr     string // host:port; empty logs deliveries instead of sending
	SMTPUsername string
	SMTPPassword string
	From         string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
	}
}

// LoadDatabase reads only the database settings, for tools that never serve
// requests. DATABASE_URL is required.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if db.URL == "" {
		return DatabaseConfig{}, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:         getEnvString("HTTP_PORT", "8080"),
		ServiceJWTSecret: []byte(os.Getenv("SERVICE_JWT_SECRET")),
		AppsConfigPath:   getEnvString("APPS_CONFIG_PATH", "/etc/keysync/apps.yaml"),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		StoreBackend:     strings.ToLower(getEnvString("STORE_BACKEND", BackendPostgres)),
		Database:         databaseFromEnv(),
		Redis: RedisConfig{
			Address:      os.Getenv("REDIS_ADDRESS"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Remote: RemoteConfig{
			Timeout:        getEnvDuration("REMOTE_TIMEOUT", 10*time.Second),
			MaxConcurrency: getEnvInt("REMOTE_MAX_CONCURRENCY", 4),
			UserAgent:      getEnvString("REMOTE_USER_AGENT", "keysync/1.0"),
		},
		Lock: LockConfig{
			Backend:       strings.ToLower(getEnvString("LOCK_BACKEND", BackendMemory)),
			TTL:           getEnvDuration("LOCK_TTL", 60*time.Second),
			RetryInterval: getEnvDuration("LOCK_RETRY_INTERVAL", 50*time.Millisecond),
			WaitTimeout:   getEnvDuration("LOCK_WAIT_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			QueueBackend: strings.ToLower(getEnvString("NOTIFY_QUEUE_BACKEND", BackendMemory)),
			QueueName:    getEnvString("NOTIFY_QUEUE_NAME", "notifications"),
			BatchSize:    getEnvInt("NOTIFY_BATCH_SIZE", 20),
			BatchTimeout: getEnvDuration("NOTIFY_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("NOTIFY_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("NOTIFY_RETRY_BACKOFF", 1*time.Second),
			SMTPAddr:     os.Getenv("SMTP_ADDR"),
			SMTPUsername: os.Getenv("SMTP_USERNAME"),
			SMTPPassword: os.Getenv("SMTP_PASSWORD"),
			From:         getEnvString("NOTIFY_FROM", "keys@localhost"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required settings are present and backends are known.
func (c *Config) Validate() error {
	if len(c.ServiceJWTSecret) == 0 {
		return fmt.Errorf("SERVICE_JWT_SECRET is required")
	}

	switch c.StoreBackend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	for name, backend := range map[string]string{
		"LOCK_BACKEND":         c.Lock.Backend,
		"NOTIFY_QUEUE_BACKEND": c.Notify.QueueBackend,
	} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.Address == "" {
				return fmt.Errorf("REDIS_ADDRESS is required when %s=redis", name)
			}
		default:
			return fmt.Errorf("unknown %s %q", name, backend)
		}
	}

	if c.Remote.MaxConcurrency < 1 {
		c.Remote.MaxConcurrency = 1
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == BackendRedis || c.Notify.QueueBackend == BackendRedis
}
