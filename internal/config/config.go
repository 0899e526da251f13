package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/DrorGr/amesaFE-sub002/internal/flow"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	"github.com/DrorGr/amesaFE-sub002/internal/provider/commerce"
	"github.com/DrorGr/amesaFE-sub002/internal/provider/stripe"
	"github.com/DrorGr/amesaFE-sub002/internal/reconciler"
	pkgconfig "github.com/DrorGr/amesaFE-sub002/pkg/config"
	"github.com/DrorGr/amesaFE-sub002/pkg/database"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
	pkgkafka "github.com/DrorGr/amesaFE-sub002/pkg/kafka"
	"github.com/DrorGr/amesaFE-sub002/pkg/middleware"
	"github.com/DrorGr/amesaFE-sub002/pkg/tracing"
)

// Provider modes.
const (
	ProvidersMock = "mock"
	ProvidersLive = "live"
)

// Scratch backends.
const (
	ScratchRedis  = "redis"
	ScratchMemory = "memory"
)

const devJWTSecret = "dev-secret-change-me"

// Config holds all configuration for the payflow service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort       int           `env:"PAYFLOW_HTTP_PORT" envDefault:"8090"`
	RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORS           middleware.CORSConfig

	MetricsAllowedCIDRs []string `env:"METRICS_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`
	PprofAllowedCIDRs   []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// Purchase flow timers and caps
	Flow flow.Options `envPrefix:"FLOW_"`

	// Lottery backend: pricing, reservations, tickets
	Lottery        gateway.Config
	LotteryHTTP    httpclient.Config               `envPrefix:"LOTTERY_HTTP_"`
	LotteryBreaker httpclient.CircuitBreakerConfig `envPrefix:"LOTTERY_"`

	// Payment rails. "mock" runs both in memory.
	Providers       string `env:"PAYMENT_PROVIDERS" envDefault:"mock"`
	Stripe          stripe.Config
	Commerce        commerce.Config
	CommerceHTTP    httpclient.Config               `envPrefix:"COMMERCE_HTTP_"`
	CommerceBreaker httpclient.CircuitBreakerConfig `envPrefix:"COMMERCE_"`
	MockIntentTTL   time.Duration                   `env:"MOCK_INTENT_TTL" envDefault:"15m"`
	MockSettleAfter int                             `env:"MOCK_CRYPTO_SETTLE_AFTER" envDefault:"3"`

	// Recovery records for card authentication redirects
	Scratch string `env:"SCRATCH_BACKEND" envDefault:"redis"`
	Redis   database.RedisConfig

	// Settlement ledger
	Postgres           database.PostgresConfig
	SlowQueryThreshold time.Duration `env:"LOG_SLOW_QUERY" envDefault:"500ms"`

	// Events and server-side issuance
	Kafka              pkgkafka.ProducerConfig
	KafkaGroupID       string            `env:"KAFKA_GROUP_ID" envDefault:"payflow-reconciler"`
	KafkaMaxRetries    int               `env:"KAFKA_MAX_RETRIES" envDefault:"3"`
	KafkaRetryBackoff  time.Duration     `env:"KAFKA_RETRY_BACKOFF" envDefault:"1s"`
	EventDedupTTL      time.Duration     `env:"EVENT_DEDUP_TTL" envDefault:"24h"`
	Reconciler         reconciler.Config `envPrefix:"RECONCILER_"`
	ReconcilerDisabled bool              `env:"RECONCILER_DISABLED" envDefault:"false"`

	// OpenTelemetry
	Tracing tracing.Config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load payflow config: %w", err)
	}
	if cfg.LotteryBreaker.Name == "" {
		cfg.LotteryBreaker.Name = "lottery-backend"
	}
	if cfg.CommerceBreaker.Name == "" {
		cfg.CommerceBreaker.Name = "commerce"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Environment == "production" && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	switch c.Providers {
	case ProvidersMock:
		if c.MockSettleAfter < 1 {
			return fmt.Errorf("MOCK_CRYPTO_SETTLE_AFTER must be at least 1, got %d", c.MockSettleAfter)
		}
	case ProvidersLive:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required with live providers")
		}
		if c.Commerce.APIKey == "" {
			return fmt.Errorf("COMMERCE_API_KEY is required with live providers")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDERS must be %q or %q, got %q", ProvidersMock, ProvidersLive, c.Providers)
	}

	switch c.Scratch {
	case ScratchRedis, ScratchMemory:
	default:
		return fmt.Errorf("SCRATCH_BACKEND must be %q or %q, got %q", ScratchRedis, ScratchMemory, c.Scratch)
	}

	for name, rawURL := range map[string]string{
		"LOTTERY_API_URL":  c.Lottery.BaseURL,
		"COMMERCE_API_URL": c.Commerce.BaseURL,
		"FLOW_RETURN_URL":  c.Flow.ReturnURL,
	} {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}

	if c.Flow.DebounceDelay <= 0 {
		return fmt.Errorf("FLOW_DEBOUNCE_DELAY must be positive")
	}
	if c.Flow.CountdownInterval <= 0 || c.Flow.CryptoPollInterval <= 0 {
		return fmt.Errorf("FLOW_COUNTDOWN_INTERVAL and FLOW_CRYPTO_POLL_INTERVAL must be positive")
	}
	if c.Flow.IntentRetryLimit < 0 || c.Flow.IssuanceRetryLimit < 0 {
		return fmt.Errorf("flow retry limits must not be negative")
	}
	if c.Flow.RecoveryTTL <= 0 {
		return fmt.Errorf("FLOW_RECOVERY_TTL must be positive")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.Tracing.SampleRate)
	}
	return nil
}
