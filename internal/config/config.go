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
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. Both optional: without DATABASE_URL the server runs on the
	// in-memory stores; without REDIS_URL sweeps are not coordinated.
	DatabaseURL string
	RedisURL    string

	// Auth
	JWTSecret string

	// Marketplace policy
	EscrowHoldDays int
	OfferTTL       time.Duration
	SweepInterval  time.Duration

	// Payment gateway ingress
	GatewaySecret       string
	StripeWebhookSecret string

	// Outbound notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	NotifyWorkers       int

	// HTTP edge
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultEscrowHoldDays = 7
	DefaultOfferTTL       = 72 * time.Hour
	DefaultSweepInterval  = 30 * time.Second
	DefaultNotifyWorkers  = 4
	DefaultRateLimitRPM   = 300
	DefaultRateLimitBurst = 30
	DefaultTraceSample    = 1.0

	// devJWTSecret signs tokens outside production when JWT_SECRET is unset.
	devJWTSecret = "landtrust-development-secret"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		GatewaySecret:       os.Getenv("GATEWAY_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	var errs []error
	cfg.EscrowHoldDays = getEnvInt(&errs, "ESCROW_HOLD_DAYS", DefaultEscrowHoldDays)
	cfg.OfferTTL = getEnvDuration(&errs, "OFFER_TTL", DefaultOfferTTL)
	cfg.SweepInterval = getEnvDuration(&errs, "SWEEP_INTERVAL", DefaultSweepInterval)
	cfg.NotifyWorkers = getEnvInt(&errs, "NOTIFY_WORKERS", DefaultNotifyWorkers)
	cfg.RateLimitRPM = getEnvInt(&errs, "RATE_LIMIT_RPM", DefaultRateLimitRPM)
	cfg.RateLimitBurst = getEnvInt(&errs, "RATE_LIMIT_BURST", DefaultRateLimitBurst)
	cfg.TraceSampleRatio = getEnvFloat(&errs, "OTEL_TRACES_SAMPLER_ARG", DefaultTraceSample)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
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
	}
	if c.IsProduction() {
		if c.JWTSecret == devJWTSecret || len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}
	if c.EscrowHoldDays <= 0 {
		errs = append(errs, fmt.Errorf("ESCROW_HOLD_DAYS must be positive, got %d", c.EscrowHoldDays))
	}
	if c.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be positive, got %s", c.OfferTTL))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval))
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.NotifyWorkers))
	}
	if c.NotifyWebhookURL != "" && !strings.HasPrefix(c.NotifyWebhookURL, "http://") && !strings.HasPrefix(c.NotifyWebhookURL, "https://") {
		errs = append(errs, fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http(s) URL"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1], got %g", c.TraceSampleRatio))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
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

func getEnvInt(errs *[]error, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func getEnvFloat(errs *[]error, key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a number", key, value))
		return defaultValue
	}
	return f
}

func getEnvDuration(errs *[]error, key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
