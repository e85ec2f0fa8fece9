package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                  "development",
		LogFormat:            "text",
		DefaultCurrency:      "AUD",
		PaymentMaxAttempts:   5,
		PaymentRetryBase:     time.Minute,
		PaymentRetryMax:      time.Hour,
		IdempotencyRetention: DefaultIdempotencyRetention,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.DefaultCurrency)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, DefaultPaymentMaxAttempts, cfg.PaymentMaxAttempts)
	assert.Equal(t, DefaultPaymentRetryBase, cfg.PaymentRetryBase)
	assert.Equal(t, DefaultIdempotencyRetention, cfg.IdempotencyRetention)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "DEFAULT_CURRENCY", "usd")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092,")
	setEnv(t, "PAYMENT_RETRY_BASE", "30s")
	setEnv(t, "PAYMENT_RETRY_MAX", "2h")
	setEnv(t, "VERIFY_INTERVAL", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.PaymentRetryBase)
	assert.Equal(t, 2*time.Hour, cfg.PaymentRetryMax)
	assert.Equal(t, 5*time.Minute, cfg.VerifyInterval)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")
	setEnv(t, "GATEWAY_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad currency",
			mutate:  func(c *Config) { c.DefaultCurrency = "EURO" },
			wantErr: "DEFAULT_CURRENCY",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.PaymentMaxAttempts = 0 },
			wantErr: "PAYMENT_MAX_ATTEMPTS",
		},
		{
			name:    "base above max",
			mutate:  func(c *Config) { c.PaymentRetryBase = 2 * time.Hour },
			wantErr: "PAYMENT_RETRY_BASE",
		},
		{
			name:    "short retention",
			mutate:  func(c *Config) { c.IdempotencyRetention = time.Hour },
			wantErr: "IDEMPOTENCY_RETENTION",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "LOG_FORMAT",
		},
		{
			name: "production without webhook secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s3cret"
			},
			wantErr: "GATEWAY_WEBHOOK_SECRET is required",
		},
		{
			name: "production with secrets",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s3cret"
				c.GatewayWebhookSecret = "whsec_test"
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_BAD_BOOL", "maybe")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BAD_BOOL", true))
	assert.False(t, getEnvBool("TEST_UNSET_BOOL", false))
}

func TestGetEnvFloatAndSampleRatio(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_BAD_FLOAT", "quarter")
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("TEST_BAD_FLOAT", 1))

	setEnv(t, "TRACE_SAMPLE_RATIO", "1.5")
	_, err := Load()
	assert.ErrorContains(t, err, "TRACE_SAMPLE_RATIO")
}
