// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/freightbay/freightbay/internal/settlement"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Stripe Connect
	StripeSecretKey     string // Empty runs the in-process fake gateway (development only)
	StripeWebhookSecret string
	PayoutCurrency      string
	ConnectRefreshURL   string
	ConnectReturnURL    string

	// Security
	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string

	// Settlement
	StaleTransferAfter      time.Duration
	GatewayBreakerThreshold int
	GatewayBreakerCooldown  time.Duration
	MonitorInterval         time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultPayoutCurrency          = "usd"
	DefaultStaleTransferAfter      = settlement.DefaultStaleTransferAfter
	DefaultGatewayBreakerThreshold = 5
	DefaultGatewayBreakerCooldown  = 30 * time.Second
	DefaultMonitorInterval         = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PayoutCurrency:          strings.ToLower(getEnv("PAYOUT_CURRENCY", DefaultPayoutCurrency)),
		ConnectRefreshURL:       os.Getenv("CONNECT_REFRESH_URL"),
		ConnectReturnURL:        os.Getenv("CONNECT_RETURN_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTIssuer:               os.Getenv("JWT_ISSUER"),
		CORSOrigins:             getEnvList("CORS_ORIGINS"),
		StaleTransferAfter:      getEnvDuration("STALE_TRANSFER_AFTER", DefaultStaleTransferAfter),
		GatewayBreakerThreshold: getEnvInt("GATEWAY_BREAKER_THRESHOLD", DefaultGatewayBreakerThreshold),
		GatewayBreakerCooldown:  getEnvDuration("GATEWAY_BREAKER_COOLDOWN", DefaultGatewayBreakerCooldown),
		MonitorInterval:         getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if len(c.PayoutCurrency) != 3 {
		errs = append(errs, fmt.Errorf("PAYOUT_CURRENCY must be a 3-letter ISO code, got %q", c.PayoutCurrency))
	}
	if c.StaleTransferAfter <= 0 {
		errs = append(errs, errors.New("STALE_TRANSFER_AFTER must be positive"))
	}
	if c.GatewayBreakerThreshold <= 0 {
		errs = append(errs, errors.New("GATEWAY_BREAKER_THRESHOLD must be positive"))
	}
	if c.GatewayBreakerCooldown <= 0 {
		errs = append(errs, errors.New("GATEWAY_BREAKER_COOLDOWN must be positive"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("MONITOR_INTERVAL must be positive"))
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required with STRIPE_SECRET_KEY"))
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.ConnectRefreshURL == "" || c.ConnectReturnURL == "" {
			errs = append(errs, errors.New("CONNECT_REFRESH_URL and CONNECT_RETURN_URL are required in production"))
		}
	}

	return errors.Join(errs...)
}

// UseFakeGateway reports whether payouts go through the in-process fake.
func (c *Config) UseFakeGateway() bool {
	return c.StripeSecretKey == ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
