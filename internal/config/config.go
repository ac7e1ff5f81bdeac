// Package config loads billbridge configuration from the environment and an
// optional .env file in the data directory, and persists the last billing
// snapshot across restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Supported billing providers.
const (
	ProviderStripe = "stripe"
	ProviderMock   = "mock"
)

// defaultDataDir is used when BILLBRIDGE_DATA_DIR is not set.
var defaultDataDir = "/etc/billbridge"

// Config holds all daemon configuration.
type Config struct {
	// Server settings
	Host        string
	Port        int
	MetricsPort int // 0 disables the metrics listener
	DataPath    string

	// Billing settings
	BillingProvider   string
	ProductID         string
	RetryBaseDelay    time.Duration
	RetryMax          int64
	DeferredTaskDelay time.Duration
	CallTimeout       time.Duration

	// Stripe settings
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	StripeCustomerID    string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Mock provider settings
	MockSubscribed bool

	// Logging settings
	LogLevel  string
	LogFormat string

	// Security settings
	APIToken       string
	AllowedOrigins string

	// History settings
	HistoryRetentionDays int

	// Track which settings are overridden by environment variables
	EnvOverrides map[string]bool `json:"-"`
}

// Load reads configuration from the environment with defaults suitable for a
// systemd deployment. The data directory's .env is loaded first, then the
// working directory's for development setups.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := os.Getenv("BILLBRIDGE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from current directory")
	}

	cfg := &Config{
		Host:                 "0.0.0.0",
		Port:                 7680,
		MetricsPort:          9101,
		DataPath:             dataDir,
		BillingProvider:      ProviderMock,
		ProductID:            "billbridge.premium.monthly",
		RetryBaseDelay:       500 * time.Millisecond,
		RetryMax:             5,
		DeferredTaskDelay:    3 * time.Second,
		CallTimeout:          30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "auto",
		AllowedOrigins:       "", // empty means no CORS headers (same-origin only)
		HistoryRetentionDays: 90,
		EnvOverrides:         make(map[string]bool),
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
			c.EnvOverrides[key] = true
		}
	}
	setInt := func(key string, target *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer in environment")
				return
			}
			*target = n
			c.EnvOverrides[key] = true
		}
	}
	setInt64 := func(key string, target *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer in environment")
				return
			}
			*target = n
			c.EnvOverrides[key] = true
		}
	}
	setBool := func(key string, target *bool) {
		if v := os.Getenv(key); v != "" {
			*target = v == "true" || v == "1"
			c.EnvOverrides[key] = true
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration in environment")
				return
			}
			*target = d
			c.EnvOverrides[key] = true
		}
	}

	setString("BILLBRIDGE_HOST", &c.Host)
	setInt("BILLBRIDGE_PORT", &c.Port)
	setInt("BILLBRIDGE_METRICS_PORT", &c.MetricsPort)

	setString("BILLBRIDGE_PROVIDER", &c.BillingProvider)
	setString("BILLBRIDGE_PRODUCT_ID", &c.ProductID)
	setDuration("BILLBRIDGE_RETRY_BASE_DELAY", &c.RetryBaseDelay)
	setInt64("BILLBRIDGE_RETRY_MAX", &c.RetryMax)
	setDuration("BILLBRIDGE_TASK_DELAY", &c.DeferredTaskDelay)
	setDuration("BILLBRIDGE_CALL_TIMEOUT", &c.CallTimeout)

	setString("STRIPE_API_KEY", &c.StripeAPIKey)
	setString("STRIPE_WEBHOOK_SECRET", &c.StripeWebhookSecret)
	setString("STRIPE_PRICE_ID", &c.StripePriceID)
	setString("STRIPE_CUSTOMER_ID", &c.StripeCustomerID)
	setString("BILLBRIDGE_CHECKOUT_SUCCESS_URL", &c.CheckoutSuccessURL)
	setString("BILLBRIDGE_CHECKOUT_CANCEL_URL", &c.CheckoutCancelURL)

	setBool("BILLBRIDGE_MOCK_SUBSCRIBED", &c.MockSubscribed)

	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setString("API_TOKEN", &c.APIToken)
	setString("ALLOWED_ORIGINS", &c.AllowedOrigins)

	setInt("BILLBRIDGE_HISTORY_RETENTION_DAYS", &c.HistoryRetentionDays)
}

// Validate checks cross-field and provider-specific requirements.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.ProductID == "" {
		return fmt.Errorf("config: product ID must not be empty")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: retry base delay must be positive")
	}
	if c.RetryMax <= 0 {
		return fmt.Errorf("config: retry max must be positive")
	}

	switch strings.ToLower(c.BillingProvider) {
	case ProviderMock:
	case ProviderStripe:
		if c.StripeAPIKey == "" {
			return fmt.Errorf("config: STRIPE_API_KEY is required for the stripe provider")
		}
		if c.StripePriceID == "" {
			return fmt.Errorf("config: STRIPE_PRICE_ID is required for the stripe provider")
		}
	default:
		return fmt.Errorf("config: unknown billing provider %q", c.BillingProvider)
	}
	return nil
}

// Redacted returns a copy safe for display, with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.StripeAPIKey != "" {
		out.StripeAPIKey = "[redacted]"
	}
	if out.StripeWebhookSecret != "" {
		out.StripeWebhookSecret = "[redacted]"
	}
	if out.APIToken != "" {
		out.APIToken = "[redacted]"
	}
	return out
}
