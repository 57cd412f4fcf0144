// Package config defines the configuration for the mailroom delivery
// subsystem. Configuration is loaded once at process start and is immutable
// thereafter; components receive only the subsets they require. Any missing
// required value or invalid format fails the process immediately.
package config

import (
	"time"
)

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailroom"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Retry     RetryConfig
	Safeguard SafeguardConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings for the API process.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// ProviderConfig holds the delivery provider credentials and the hard
// per-attempt timeout applied to every gateway call.
type ProviderConfig struct {
	APIKey      string `envconfig:"PROVIDER_API_KEY" validate:"required"`
	BaseURL     string `envconfig:"PROVIDER_BASE_URL"` // override for tests/sandbox
	FromAddress string `envconfig:"MAIL_FROM_ADDRESS" default:"no-reply@mailroom.dev" validate:"email"`
	FromName    string `envconfig:"MAIL_FROM_NAME" default:"Mailroom"`

	// AttemptTimeout bounds a single submit call so a hung connection cannot
	// stall a scheduler sweep or an inline retry sequence.
	AttemptTimeout time.Duration `envconfig:"PROVIDER_ATTEMPT_TIMEOUT" default:"10s"`
}

// WebhookConfig holds settings for the inbound delivery-status webhook.
type WebhookConfig struct {
	// PublicKey is the provider's base64-encoded ECDSA public key used to
	// verify event webhook signatures.
	PublicKey   string `envconfig:"WEBHOOK_PUBLIC_KEY" validate:"required"`
	MaxBodySize int64  `envconfig:"WEBHOOK_MAX_BODY_SIZE" default:"262144"`
}

// RetryConfig holds the retry scheduler policy. Defaults implement the
// standard schedule: 5m after inline exhaustion, then 30m, 2h, 12h, 24h,
// abandoning after five scheduler attempts or 48 hours of age.
type RetryConfig struct {
	SweepInterval time.Duration `envconfig:"RETRY_SWEEP_INTERVAL" default:"5m"`
	BatchSize     int           `envconfig:"RETRY_BATCH_SIZE" default:"10"`
	MaxRetries    int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	MaxAge        time.Duration `envconfig:"RETRY_MAX_AGE" default:"48h"`
	InitialDelay  time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"5m"`

	// SweepConcurrency bounds in-flight provider calls within one sweep. The
	// batch size, not this value, is the backpressure mechanism against the
	// provider.
	SweepConcurrency int `envconfig:"RETRY_SWEEP_CONCURRENCY" default:"4"`

	// FailureAlertThreshold triggers the aggregate alert when more than this
	// many scheduler attempts failed within the trailing FailureWindow.
	FailureAlertThreshold int           `envconfig:"RETRY_FAILURE_ALERT_THRESHOLD" default:"10"`
	FailureWindow         time.Duration `envconfig:"RETRY_FAILURE_WINDOW" default:"1h"`
}

// SafeguardConfig holds the raw environment-level send safeguard settings.
// The loader converts these into the tagged delivery.Safeguard variant; the
// raw struct exists only for envconfig binding.
type SafeguardConfig struct {
	// Mode is one of: off, log_only, allowlist, redirect.
	Mode            string   `envconfig:"SEND_SAFEGUARD_MODE" default:"off" validate:"oneof=off log_only allowlist redirect"`
	AllowedDomains  []string `envconfig:"SEND_ALLOWED_DOMAINS"`
	RedirectAddress string   `envconfig:"SEND_REDIRECT_ADDRESS"`
}

// AWSConfig holds AWS settings for the alert queue and delivery metrics.
// AlertQueueURL empty means alerts are emitted to the structured log only.
type AWSConfig struct {
	Region           string `envconfig:"AWS_REGION" default:"us-east-1"`
	AlertQueueURL    string `envconfig:"SQS_ALERT_QUEUE"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"Mailroom/Delivery"`

	// EndpointURL supports LocalStack in development; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}
