package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App        AppConfig
	HTTP       ServerConfig
	MySQL      MySQLConfig
	Redis      RedisConfig
	Log        LogConfig
	Razorpay   RazorpayConfig
	Payments   PaymentsConfig
	RateLimits RateLimitsConfig
	Jobs       JobsConfig
}

type AppConfig struct {
	ServiceName string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	ScheduleKey     string
	RateLimitPrefix string
}

type LogConfig struct {
	Level string
}

type RazorpayConfig struct {
	KeyID             string
	KeySecret         string
	WebhookSecret     string
	BaseURL           string
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	DefaultRetryAfter time.Duration
}

type PaymentsConfig struct {
	// MaxAmountCents caps a single debit; 0 disables the ceiling.
	MaxAmountCents int64

	// BillingCycle buckets automatic charges for idempotency key derivation.
	// One charge per entity per cycle.
	BillingCycle time.Duration

	// MaxStaleness is how far past its due time an obligation may still be
	// executed. Older items are skipped and marked, not charged late.
	MaxStaleness time.Duration

	ReconcileStaleAfter time.Duration
	JobBatchSize        int32
}

type RateLimitsConfig struct {
	EntityMaxAttempts int
	EntityWindow      time.Duration
	UserMaxAttempts   int
	UserWindow        time.Duration
}

type JobsConfig struct {
	DrainInterval     time.Duration
	ReconcileInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "autopay-service"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:            getEnv("REDIS_ADDR", "localhost:6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getIntEnv("REDIS_DB", 0),
			ScheduleKey:     getEnv("REDIS_SCHEDULE_KEY", "autopay:schedule"),
			RateLimitPrefix: getEnv("REDIS_RATE_LIMIT_PREFIX", "autopay:rate_limit"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Razorpay: RazorpayConfig{
			KeyID:             getEnv("RAZORPAY_KEY_ID", ""),
			KeySecret:         getEnv("RAZORPAY_KEY_SECRET", ""),
			WebhookSecret:     getEnv("RAZORPAY_WEBHOOK_SECRET", ""),
			BaseURL:           getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
			MaxAttempts:       getIntEnv("RAZORPAY_MAX_ATTEMPTS", 3),
			PerAttemptTimeout: getSecondsEnv("RAZORPAY_ATTEMPT_TIMEOUT_SECONDS", 10*time.Second),
			BaseBackoff:       getSecondsEnv("RAZORPAY_BASE_BACKOFF_SECONDS", time.Second),
			MaxBackoff:        getSecondsEnv("RAZORPAY_MAX_BACKOFF_SECONDS", 8*time.Second),
			DefaultRetryAfter: getSecondsEnv("RAZORPAY_DEFAULT_RETRY_AFTER_SECONDS", 2*time.Second),
		},
		Payments: PaymentsConfig{
			MaxAmountCents:      getInt64Env("PAYMENTS_MAX_AMOUNT_CENTS", 0),
			BillingCycle:        getMinutesEnv("PAYMENTS_BILLING_CYCLE_MINUTES", 24*60*time.Minute),
			MaxStaleness:        getMinutesEnv("PAYMENTS_MAX_STALENESS_MINUTES", 24*60*time.Minute),
			ReconcileStaleAfter: getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:        int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		RateLimits: RateLimitsConfig{
			EntityMaxAttempts: getIntEnv("RATE_LIMIT_ENTITY_MAX_ATTEMPTS", 10),
			EntityWindow:      getMinutesEnv("RATE_LIMIT_ENTITY_WINDOW_MINUTES", time.Hour),
			UserMaxAttempts:   getIntEnv("RATE_LIMIT_USER_MAX_ATTEMPTS", 30),
			UserWindow:        getMinutesEnv("RATE_LIMIT_USER_WINDOW_MINUTES", time.Hour),
		},
		Jobs: JobsConfig{
			DrainInterval:     getSecondsEnv("JOBS_DRAIN_INTERVAL_SECONDS", 30*time.Second),
			ReconcileInterval: getMinutesEnv("JOBS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
