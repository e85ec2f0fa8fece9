// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply embedded migrations on startup

	// Ledger
	DefaultCurrency      string
	IdempotencyRetention time.Duration
	VerifyInterval       time.Duration

	// Payment gateway
	GatewayWebhookSecret string
	StripeAPIKey         string // Empty disables gateway retries
	PaymentMaxAttempts   int
	PaymentRetryBase     time.Duration
	PaymentRetryMax      time.Duration

	// Event publishing
	KafkaBrokers []string // Empty publishes to the in-process bus
	KafkaTopic   string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // Empty allows any origin without credentials
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultCurrency             = "AUD"
	DefaultKafkaTopic           = "ledger.events"
	DefaultRateLimit            = 600
	DefaultPaymentMaxAttempts   = 5
	DefaultPaymentRetryBase     = time.Minute
	DefaultPaymentRetryMax      = 6 * time.Hour
	DefaultIdempotencyRetention = 2 * 365 * 24 * time.Hour
	DefaultVerifyInterval       = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		IdempotencyRetention: getEnvDuration("IDEMPOTENCY_RETENTION", DefaultIdempotencyRetention),
		VerifyInterval:       getEnvDuration("VERIFY_INTERVAL", DefaultVerifyInterval),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		PaymentMaxAttempts:   int(getEnvInt64("PAYMENT_MAX_ATTEMPTS", DefaultPaymentMaxAttempts)),
		PaymentRetryBase:     getEnvDuration("PAYMENT_RETRY_BASE", DefaultPaymentRetryBase),
		PaymentRetryMax:      getEnvDuration("PAYMENT_RETRY_MAX", DefaultPaymentRetryMax),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:          splitList(os.Getenv("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO 4217 code")
	}
	if c.PaymentMaxAttempts < 1 {
		return fmt.Errorf("PAYMENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.PaymentRetryBase <= 0 || c.PaymentRetryMax < c.PaymentRetryBase {
		return fmt.Errorf("PAYMENT_RETRY_BASE must be positive and not exceed PAYMENT_RETRY_MAX")
	}
	if c.IdempotencyRetention < 24*time.Hour {
		return fmt.Errorf("IDEMPOTENCY_RETENTION must be at least 24h")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.GatewayWebhookSecret == "" {
			return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
		}
	}

	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
