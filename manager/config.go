package manager

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupq/groupq/group"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

// QueueConfig is one queue's operational defaults, spec.md §6
// "Configuration (process level)".
type QueueConfig struct {
	Concurrency    int
	MaxRetries     int
	RetryDelay     time.Duration
	Timeout        time.Duration
	RateLimitRPS   float64 // 0 disables the per-queue submission limiter
	RateLimitBurst int
	CreateWorkers  bool
}

// DefaultQueueConfig returns a single-worker queue with the spec's documented
// task-option defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:   1,
		MaxRetries:    0,
		RetryDelay:    time.Second,
		Timeout:       300 * time.Second,
		CreateWorkers: true,
	}
}

// Config is a Manager's process-wide configuration. Grounded on the
// teacher's main.go: explicit construction, no package-level singleton
// (spec.md §9's re-architecture note against globals).
type Config struct {
	InstanceID string
	Store      store.Config

	Queues map[string]QueueConfig
	Groups map[string]group.Config

	DLQMaxRetries     int
	DLQBackoff        task.Backoff
	DLQAlertThreshold int64

	MetricsInterval     time.Duration
	HealthCheckInterval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns baseline process settings: 60s metrics/health
// ticks, DLQ alert threshold 10.
func DefaultConfig() Config {
	return Config{
		InstanceID:          "groupq-" + task.NewID("instance"),
		Queues:              make(map[string]QueueConfig),
		Groups:              make(map[string]group.Config),
		DLQBackoff:          task.BackoffExponential,
		DLQAlertThreshold:   10,
		MetricsInterval:     60 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		Logger:              zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// LoadConfigFromEnv builds a Config from environment variables, falling back
// to DefaultConfig's values when unset. Grounded on the teacher's main.go
// os.Getenv/fmt.Sscanf pattern — no config library rises above this for a
// module this size in the pack.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("GROUPQ_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	cfg.Store.Addr = envOr("GROUPQ_REDIS_ADDR", "localhost:6379")
	cfg.Store.Password = os.Getenv("GROUPQ_REDIS_PASSWORD")
	cfg.Store.DB = envIntOr("GROUPQ_REDIS_DB", 0)
	cfg.Store.KeyPrefix = os.Getenv("GROUPQ_KEY_PREFIX")
	cfg.Store.TLS = envBoolOr("GROUPQ_REDIS_TLS", false)
	cfg.Store.InstanceID = cfg.InstanceID

	cfg.DLQAlertThreshold = int64(envIntOr("GROUPQ_DLQ_ALERT_THRESHOLD", int(cfg.DLQAlertThreshold)))
	cfg.MetricsInterval = envDurationOr("GROUPQ_METRICS_INTERVAL", cfg.MetricsInterval)
	cfg.HealthCheckInterval = envDurationOr("GROUPQ_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
