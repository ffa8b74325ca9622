package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	NotificationsEnabled bool          `env:"NOTIFICATIONS_ENABLED,default=true"`
	NotificationBaseURL  string        `env:"NOTIFICATION_BASE_URL,default=https://sigil.app"`
	MaxRetries           int           `env:"NOTIFICATION_MAX_RETRIES,default=3"`
	BatchSize            int           `env:"NOTIFICATION_BATCH_SIZE,default=50"`
	RateLimit            int           `env:"NOTIFICATION_RATE_LIMIT,default=100"`
	RateWindow           time.Duration `env:"NOTIFICATION_RATE_WINDOW,default=1m"`
	RateLimitBackend     string        `env:"RATE_LIMIT_BACKEND,default=memory"`
	RateLimitDefer       bool          `env:"RATE_LIMIT_DEFER,default=false"`
	RunGuardBackend      string        `env:"RUN_GUARD_BACKEND,default=memory"`
	RunLockTTL           time.Duration `env:"RUN_LOCK_TTL,default=5m"`
	RetentionDays        int           `env:"RETENTION_DAYS,default=30"`
	PendingMaxAge        time.Duration `env:"PENDING_MAX_AGE,default=168h"`
	RetryBackoffBase     time.Duration `env:"RETRY_BACKOFF_BASE,default=30s"`
	RetryBackoffMax      time.Duration `env:"RETRY_BACKOFF_MAX,default=15m"`
	DeliveryTimeout      time.Duration `env:"DELIVERY_TIMEOUT,default=10s"`

	DispatchSchedule    string `env:"DISPATCH_SCHEDULE,default=@every 30s"`
	RetentionSchedule   string `env:"RETENTION_SCHEDULE,default=@daily"`
	RemindersEnabled    bool   `env:"REMINDERS_ENABLED,default=false"`
	DailyReminderHour   int    `env:"DAILY_REMINDER_HOUR,default=7"`
	EveningReminderHour int    `env:"EVENING_REMINDER_HOUR,default=18"`

	WebhookVerifySignature bool `env:"WEBHOOK_VERIFY_SIGNATURE,default=true"`
	WebhookRatePerSec      int  `env:"WEBHOOK_RATE_PER_SEC,default=50"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.RateLimitBackend = strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	cfg.RunGuardBackend = strings.ToLower(strings.TrimSpace(cfg.RunGuardBackend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Retention is the age after which terminal notifications are deleted.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) Validate() error {
	var errs []error

	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_MAX_RETRIES must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_BATCH_SIZE must be positive"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_RATE_LIMIT must be positive"))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_RATE_WINDOW must be positive"))
	}
	if c.BatchSize > c.RateLimit {
		errs = append(errs, errors.New("NOTIFICATION_BATCH_SIZE must not exceed NOTIFICATION_RATE_LIMIT"))
	}
	if c.RunLockTTL < 2*c.DeliveryTimeout {
		errs = append(errs, errors.New("RUN_LOCK_TTL must be at least twice DELIVERY_TIMEOUT"))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, errors.New("RETENTION_DAYS must be positive"))
	}
	if c.PendingMaxAge < 0 || c.RetryBackoffBase < 0 || c.RetryBackoffMax < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.WebhookRatePerSec <= 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE_PER_SEC must be positive"))
	}
	for name, hour := range map[string]int{
		"DAILY_REMINDER_HOUR":   c.DailyReminderHour,
		"EVENING_REMINDER_HOUR": c.EveningReminderHour,
	} {
		if hour < 0 || hour > 23 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 23", name))
		}
	}

	for name, backend := range map[string]string{
		"RATE_LIMIT_BACKEND": c.RateLimitBackend,
		"RUN_GUARD_BACKEND":  c.RunGuardBackend,
	} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if strings.TrimSpace(c.RedisURL) == "" {
				errs = append(errs, fmt.Errorf("%s=redis requires REDIS_URL", name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s must be %q or %q", name, BackendMemory, BackendRedis))
		}
	}

	return errors.Join(errs...)
}
