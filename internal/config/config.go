package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Retry modes.
const (
	RetrySleep   = "sleep"
	RetryDelayed = "delayed"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9090"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QueueName      string        `env:"QUEUE_NAME" envDefault:"webhook"`
	DequeueTimeout time.Duration `env:"DEQUEUE_TIMEOUT" envDefault:"5s"`
	ReconnectDelay time.Duration `env:"REDIS_RECONNECT_DELAY" envDefault:"5s"`
	JoinTimeout    time.Duration `env:"WORKER_JOIN_TIMEOUT" envDefault:"10s"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`

	LockTTL          time.Duration `env:"LOCK_TTL" envDefault:"60s"`
	LockWait         time.Duration `env:"LOCK_BLOCKING_TIMEOUT" envDefault:"10s"`
	LockPollInterval time.Duration `env:"LOCK_POLL_INTERVAL" envDefault:"50ms"`

	MaxRetries int           `env:"MAX_RETRIES" envDefault:"5"`
	MaxBackoff time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	RetryMode  string        `env:"RETRY_MODE" envDefault:"sleep"`

	PromoteTick  time.Duration `env:"PROMOTE_INTERVAL" envDefault:"1s"`
	PromoteBatch int64         `env:"PROMOTE_BATCH" envDefault:"200"`

	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout   time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerHalfOpenSuccesses int           `env:"BREAKER_HALF_OPEN_SUCCESSES" envDefault:"1"`

	GatewayURL     string        `env:"EVOLUTION_HOST"`
	GatewayAPIKey  string        `env:"EVOLUTION_API_KEY"`
	GatewayTimeout time.Duration `env:"EVOLUTION_TIMEOUT" envDefault:"30s"`

	AIBaseURL      string `env:"AI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AIAPIKey       string `env:"OPENAI_API_KEY"`
	AIModel        string `env:"AI_MODEL" envDefault:"gpt-4o-mini"`
	AISystemPrompt string `env:"AI_SYSTEM_PROMPT"`
	HistoryLimit   int    `env:"HISTORY_LIMIT" envDefault:"30"`
	SummaryEvery   int    `env:"SUMMARY_EVERY" envDefault:"20"`
	ReplyMaxLength int    `env:"REPLY_MAX_LENGTH" envDefault:"4000"`
	// RequireBot rejects events whose sender has no row in bots instead of
	// answering with the AI_* defaults.
	RequireBot bool `env:"REQUIRE_BOT" envDefault:"false"`

	WebhookSecret    string `env:"WEBHOOK_SECRET"`
	WebhookRateLimit int    `env:"WEBHOOK_RATE_LIMIT" envDefault:"120"`
	AdminToken       string `env:"ADMIN_TOKEN"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces invariants env tags cannot express. The lock must outlive
// the job it protects, otherwise a slow job can lose its lock to a second
// worker mid-flight.
func (c *Config) Validate() error {
	if c.LockTTL <= c.JobTimeout {
		return errors.Errorf("LOCK_TTL (%s) must exceed JOB_TIMEOUT (%s)", c.LockTTL, c.JobTimeout)
	}
	for name, d := range map[string]time.Duration{
		"DEQUEUE_TIMEOUT":          c.DequeueTimeout,
		"REDIS_RECONNECT_DELAY":    c.ReconnectDelay,
		"WORKER_JOIN_TIMEOUT":      c.JoinTimeout,
		"JOB_TIMEOUT":              c.JobTimeout,
		"LOCK_POLL_INTERVAL":       c.LockPollInterval,
		"MAX_BACKOFF":              c.MaxBackoff,
		"BREAKER_RECOVERY_TIMEOUT": c.BreakerRecoveryTimeout,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.ReplyMaxLength < 1 {
		return errors.Errorf("REPLY_MAX_LENGTH must be at least 1, got %d", c.ReplyMaxLength)
	}
	if c.WebhookRateLimit < 0 {
		return errors.Errorf("WEBHOOK_RATE_LIMIT must not be negative, got %d", c.WebhookRateLimit)
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerHalfOpenSuccesses < 1 {
		return errors.New("breaker thresholds must be at least 1")
	}
	switch c.RetryMode {
	case RetrySleep, RetryDelayed:
	default:
		return errors.Errorf("RETRY_MODE must be %q or %q, got %q", RetrySleep, RetryDelayed, c.RetryMode)
	}
	return nil
}
