package event

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds the tunables that govern tier placement, polling cadence,
// and retry behavior. Construct with DefaultConfig and override with
// Option functions, or populate from the environment with LoadConfigFromEnv.
type Config struct {
	// ImmediateHorizon is how close to now an incoming event must be to go
	// straight into the hot store instead of the cold store.
	ImmediateHorizon time.Duration

	// TransferHorizon is how far ahead of fire time the TransferLoop
	// promotes cold entries into the hot store.
	TransferHorizon time.Duration

	// ColdSyncInterval is how often the TransferLoop scans the cold store
	// for entries entering TransferHorizon.
	ColdSyncInterval time.Duration

	// HotProcessingInterval is the HotLoop's tick period for peeking due
	// entries. Stale claims are reaped on a separate tick of half
	// StaleClaimTimeout.
	HotProcessingInterval time.Duration

	// MaxRetries is the number of retries after the first failed dispatch
	// attempt before an entry moves to StatusFailed, so an entry is
	// published at most MaxRetries+1 times.
	MaxRetries int

	// RetryDelay is the base backoff between dispatch attempts.
	RetryDelay time.Duration

	// MaxConcurrentExecutions bounds the HotLoop worker pool size.
	MaxConcurrentExecutions int

	// DispatchRate caps publish attempts per second across the HotLoop's
	// worker pool. Zero means unlimited.
	DispatchRate float64

	// StaleClaimTimeout is how long an entry may sit in StatusProcessing
	// before the reaper reverts it to StatusQueued.
	StaleClaimTimeout time.Duration

	// MaxDelaySeconds is the default ScheduledEvent.MaxDelaySeconds applied
	// by Engine.Schedule to events that don't set their own; see
	// DefaultMaxDelaySeconds.
	MaxDelaySeconds int

	// ExecutionHistoryTTLDays bounds how long a terminal cold-tier entry
	// (StatusTransferred, StatusCompleted, StatusFailed, StatusCancelled) is kept before
	// TransferLoop's cleanup pass purges it, measured from UpdatedAt.
	ExecutionHistoryTTLDays int

	// KeyPrefix namespaces Redis keys. Mongo collection names are not
	// prefixed.
	KeyPrefix string

	// NodeID identifies this scheduler process, stamped onto entries this
	// node claims or transfers. Defaults to the host's hostname, falling
	// back to a random ID if the hostname can't be determined.
	NodeID string

	// Logger receives structured log output for all components.
	Logger *slog.Logger

	// Metrics receives instrumentation callbacks; defaults to a no-op.
	Metrics Metrics
}

// defaultNodeID resolves this process's node identity from the hostname,
// falling back to a random ID in environments where the hostname is
// unavailable (some sandboxed containers).
func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

// DefaultConfig returns a Config with the defaults from the operational
// tunables table: 86400s immediate horizon, 3600s transfer horizon, 300s
// cold sync, 5s hot processing tick, 3 max retries, 60s retry delay, 10
// max concurrent executions, and a stale claim timeout of twice the hot
// processing interval.
func DefaultConfig() *Config {
	hotProcessingInterval := 5 * time.Second
	return &Config{
		ImmediateHorizon:        86400 * time.Second,
		TransferHorizon:         3600 * time.Second,
		ColdSyncInterval:        300 * time.Second,
		HotProcessingInterval:   hotProcessingInterval,
		MaxRetries:              3,
		RetryDelay:              60 * time.Second,
		MaxConcurrentExecutions: 10,
		DispatchRate:            0,
		StaleClaimTimeout:       2 * hotProcessingInterval,
		MaxDelaySeconds:         DefaultMaxDelaySeconds,
		ExecutionHistoryTTLDays: 30,
		KeyPrefix:               "sched:",
		NodeID:                  defaultNodeID(),
		Logger:                  slog.Default(),
		Metrics:                 dummyMetrics{},
	}
}

// Option configures a Config.
type Option func(*Config)

// WithImmediateHorizon sets how close to now an event must be to skip the
// cold tier entirely.
func WithImmediateHorizon(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ImmediateHorizon = d
		}
	}
}

// WithTransferHorizon sets how far ahead of fire time entries are promoted
// from cold to hot storage.
func WithTransferHorizon(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.TransferHorizon = d
		}
	}
}

// WithColdSyncInterval sets the TransferLoop's cold-store scan cadence.
func WithColdSyncInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ColdSyncInterval = d
		}
	}
}

// WithHotProcessingInterval sets the HotLoop's tick period.
func WithHotProcessingInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.HotProcessingInterval = d
		}
	}
}

// WithMaxRetries sets the dispatch attempt budget before StatusFailed.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxRetries = n
		}
	}
}

// WithRetryDelay sets the base backoff between dispatch attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RetryDelay = d
		}
	}
}

// WithMaxConcurrentExecutions bounds the HotLoop worker pool size.
func WithMaxConcurrentExecutions(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxConcurrentExecutions = n
		}
	}
}

// WithDispatchRate caps publish attempts per second across the HotLoop's
// worker pool, smoothing bursts when many entries enter their fire time
// together. Zero (the default) leaves dispatch unlimited.
func WithDispatchRate(rps float64) Option {
	return func(c *Config) {
		if rps > 0 {
			c.DispatchRate = rps
		}
	}
}

// WithStaleClaimTimeout sets how long a claim may sit unrenewed before the
// reaper reclaims it.
func WithStaleClaimTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.StaleClaimTimeout = d
		}
	}
}

// WithMaxDelaySeconds sets the default max-delay budget Schedule stamps
// onto events that don't set their own MaxDelaySeconds.
func WithMaxDelaySeconds(seconds int) Option {
	return func(c *Config) {
		if seconds > 0 {
			c.MaxDelaySeconds = seconds
		}
	}
}

// WithExecutionHistoryTTLDays sets how many days a terminal cold-tier
// entry survives before cleanup purges it.
func WithExecutionHistoryTTLDays(days int) Option {
	return func(c *Config) {
		if days > 0 {
			c.ExecutionHistoryTTLDays = days
		}
	}
}

// WithKeyPrefix sets the namespace prefix for Redis keys; Mongo collection
// names are not prefixed. Use for multi-tenant deployments.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		if prefix != "" {
			c.KeyPrefix = prefix
		}
	}
}

// WithNodeID overrides the node identity stamped onto claimed and
// transferred entries.
func WithNodeID(id string) Option {
	return func(c *Config) {
		if id != "" {
			c.NodeID = id
		}
	}
}

// WithLogger sets the structured logger used by all components.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithMetrics sets the Metrics sink used by all components.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.Metrics = m
		}
	}
}

// envDuration and envInt parse an environment variable into the target if
// present and well-formed, leaving the default untouched otherwise.
func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// LoadConfigFromEnv builds a Config from DefaultConfig, then overrides it
// from environment variables (loading a .env file first if one is present,
// which is a no-op when absent). Recognized variables:
//
//	IMMEDIATE_HORIZON_SECONDS, TRANSFER_HORIZON_SECONDS,
//	COLD_SYNC_INTERVAL_SECONDS, HOT_PROCESSING_INTERVAL_SECONDS,
//	MAX_RETRIES, RETRY_DELAY_SECONDS, MAX_CONCURRENT_EXECUTIONS,
//	DISPATCH_RATE, STALE_CLAIM_SECONDS, MAX_DELAY_SECONDS,
//	EXECUTION_HISTORY_TTL_DAYS, SCHEDULER_KEY_PREFIX, SCHEDULER_NODE_ID
func LoadConfigFromEnv(opts ...Option) *Config {
	_ = godotenv.Load()

	c := DefaultConfig()
	envDuration("IMMEDIATE_HORIZON_SECONDS", &c.ImmediateHorizon)
	envDuration("TRANSFER_HORIZON_SECONDS", &c.TransferHorizon)
	envDuration("COLD_SYNC_INTERVAL_SECONDS", &c.ColdSyncInterval)
	envDuration("HOT_PROCESSING_INTERVAL_SECONDS", &c.HotProcessingInterval)
	envInt("MAX_RETRIES", &c.MaxRetries)
	envDuration("RETRY_DELAY_SECONDS", &c.RetryDelay)
	envInt("MAX_CONCURRENT_EXECUTIONS", &c.MaxConcurrentExecutions)
	envFloat("DISPATCH_RATE", &c.DispatchRate)
	envDuration("STALE_CLAIM_SECONDS", &c.StaleClaimTimeout)
	envInt("MAX_DELAY_SECONDS", &c.MaxDelaySeconds)
	envInt("EXECUTION_HISTORY_TTL_DAYS", &c.ExecutionHistoryTTLDays)
	if v := os.Getenv("SCHEDULER_KEY_PREFIX"); v != "" {
		c.KeyPrefix = v
	}
	if v := os.Getenv("SCHEDULER_NODE_ID"); v != "" {
		c.NodeID = v
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}
