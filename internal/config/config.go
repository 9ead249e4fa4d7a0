package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	LogFile  string // optional rotating log file, stdout only when empty
	Env      string

	// Store selects the storage backend: "postgres" or "memory".
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	// SQS config; an empty queue URL keeps dispatch jobs in process
	SQSRegion   string
	SQSQueueURL string

	// SNS topic receiving message.read events, optional
	SNSRegion          string
	ReadEventsTopicARN string

	// Email transport: "ses", "smtp" or "log"
	EmailTransport string

	// SMTP config for email sending
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// AWS Services
	AWSRegion    string
	SESFromEmail string

	// Webhook delivery
	WebhookConnectTimeout time.Duration
	WebhookReadTimeout    time.Duration

	// Read path
	ReadLockTimeout time.Duration
	ReadRateLimit   int // reads per minute per client IP

	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool

	PublicBaseURL        string
	CookieSecret         string
	BillingWebhookSecret string
	AdminEmail           string

	// Plans
	FreeMessageLimit int
	FreeHistoryDays  int
	StatsWindowDays  int

	WorkerConcurrency int

	// Circuit breaker around outbound transports
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Load reads configuration from an optional .env file and environment
// variables, falling back to defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Store:    "postgres",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "readit",
		DBName:     "readit",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisHost: "localhost",
		RedisPort: 6379,

		EmailTransport: "log",

		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "noreply@readit.local",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@readit.local",

		WebhookConnectTimeout: 5 * time.Second,
		WebhookReadTimeout:    10 * time.Second,

		ReadLockTimeout: 3 * time.Second,
		ReadRateLimit:   60,

		PublicBaseURL: "http://localhost:8080",

		FreeMessageLimit: 10,
		FreeHistoryDays:  7,
		StatsWindowDays:  30,

		WorkerConcurrency: 4,

		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if store := os.Getenv("STORE"); store != "" {
		if store != "postgres" && store != "memory" {
			return nil, fmt.Errorf("invalid STORE: %q", store)
		}
		cfg.Store = store
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
		cfg.RedisEnabled = true
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust != "" {
		b, err := strconv.ParseBool(trust)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUST_PROXY_HEADERS: %w", err)
		}
		cfg.TrustProxyHeaders = b
	}

	if transport := os.Getenv("EMAIL_TRANSPORT"); transport != "" {
		switch transport {
		case "ses", "smtp", "log":
			cfg.EmailTransport = transport
		default:
			return nil, fmt.Errorf("invalid EMAIL_TRANSPORT: %q", transport)
		}
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("READ_EVENTS_TOPIC_ARN"); arn != "" {
		cfg.ReadEventsTopicARN = arn
	}

	// Webhook config
	if cfg.WebhookConnectTimeout, err = durationEnv("WEBHOOK_CONNECT_TIMEOUT", cfg.WebhookConnectTimeout); err != nil {
		return nil, err
	}

	if cfg.WebhookReadTimeout, err = durationEnv("WEBHOOK_READ_TIMEOUT", cfg.WebhookReadTimeout); err != nil {
		return nil, err
	}

	if cfg.ReadLockTimeout, err = durationEnv("READ_LOCK_TIMEOUT", cfg.ReadLockTimeout); err != nil {
		return nil, err
	}

	if cfg.ReadRateLimit, err = intEnv("READ_RATE_LIMIT", cfg.ReadRateLimit); err != nil {
		return nil, err
	}

	if url := os.Getenv("PUBLIC_BASE_URL"); url != "" {
		cfg.PublicBaseURL = url
	}

	if secret := os.Getenv("COOKIE_SECRET"); secret != "" {
		cfg.CookieSecret = secret
	}

	if secret := os.Getenv("BILLING_WEBHOOK_SECRET"); secret != "" {
		cfg.BillingWebhookSecret = secret
	}

	if email := os.Getenv("ADMIN_EMAIL"); email != "" {
		cfg.AdminEmail = email
	}

	if cfg.FreeMessageLimit, err = intEnv("FREE_MESSAGE_LIMIT", cfg.FreeMessageLimit); err != nil {
		return nil, err
	}

	if cfg.FreeHistoryDays, err = intEnv("FREE_HISTORY_DAYS", cfg.FreeHistoryDays); err != nil {
		return nil, err
	}

	if cfg.StatsWindowDays, err = intEnv("STATS_WINDOW_DAYS", cfg.StatsWindowDays); err != nil {
		return nil, err
	}

	if cfg.WorkerConcurrency, err = intEnv("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}

	if cfg.BreakerFailures, err = intEnv("BREAKER_FAILURES", cfg.BreakerFailures); err != nil {
		return nil, err
	}

	if cfg.BreakerCooldown, err = durationEnv("BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return nil, err
	}

	if cfg.Env == "production" && cfg.CookieSecret == "" {
		return nil, errors.New("COOKIE_SECRET is required in production")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FreeHistoryWindow is FreeHistoryDays as a duration.
func (c *Config) FreeHistoryWindow() time.Duration {
	return time.Duration(c.FreeHistoryDays) * 24 * time.Hour
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
