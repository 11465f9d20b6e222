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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Detection thresholds
	QuickExitInterval time.Duration // clicks closer together than this count as quick exits
	QuickExitRatio    float64       // quickExits/clickCount above this marks a session suspicious
	MinSampleSize     int           // minimum clicks before the ratio is trusted
	MaxClickCount     int           // per-session click counter ceiling
	BlockThreshold    int           // risk score at or above which the identity is blocked
	AlertThreshold    int           // risk score at or above which an alert fires
	VolumeThreshold   int           // long-window click count at which volume becomes a risk signal

	// TTLs and windows
	SessionTTL    time.Duration
	BlockDuration time.Duration
	LongWindow    time.Duration
	LongCeiling   int
	ShortWindow   time.Duration
	ShortCeiling  int

	// Signal configuration
	BotPatterns         []string // case-insensitive UA substrings
	SuspiciousCountries []string // ISO country codes

	// Failure policy: deny on internal errors instead of allowing
	FailClosed bool

	// Collaborators
	GeoIPDBPath        string // MaxMind GeoLite2 City .mmdb (optional)
	AbuseIPDBKey       string // IP reputation API key (optional)
	AlertWebhookURL    string // alert sink webhook (optional, logs if unset)
	AlertWebhookSecret string // HMAC secret for webhook signatures
	OTLPEndpoint       string // OTLP gRPC endpoint for tracing (optional)

	// HTTP-level rate limit (requests per minute per client IP)
	HTTPRateLimitRPM int
}

// Defaults collapse the threshold variants observed in production into one policy.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultQuickExitInterval = 2 * time.Second
	DefaultQuickExitRatio    = 0.4
	DefaultMinSampleSize     = 3
	DefaultMaxClickCount     = 100
	DefaultBlockThreshold    = 80
	DefaultAlertThreshold    = 50
	DefaultVolumeThreshold   = 3
	DefaultSessionTTL        = time.Hour
	DefaultBlockDuration     = time.Hour
	DefaultLongWindow        = 24 * time.Hour
	DefaultLongCeiling       = 5
	DefaultShortWindow       = 60 * time.Second
	DefaultShortCeiling      = 2
	DefaultHTTPRateLimit     = 100
)

// DefaultBotPatterns are UA substrings that identify non-human clients.
var DefaultBotPatterns = []string{
	"bot", "crawler", "spider", "scraper", "headless",
	"curl", "wget", "python", "httpie", "okhttp", "go-http",
	"phantomjs", "selenium", "puppeteer", "playwright",
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		QuickExitInterval: getEnvDuration("QUICK_EXIT_INTERVAL", DefaultQuickExitInterval),
		QuickExitRatio:    getEnvFloat("QUICK_EXIT_RATIO", DefaultQuickExitRatio),
		MinSampleSize:     getEnvInt("MIN_SAMPLE_SIZE", DefaultMinSampleSize),
		MaxClickCount:     getEnvInt("MAX_CLICK_COUNT", DefaultMaxClickCount),
		BlockThreshold:    getEnvInt("BLOCK_THRESHOLD", DefaultBlockThreshold),
		AlertThreshold:    getEnvInt("ALERT_THRESHOLD", DefaultAlertThreshold),
		VolumeThreshold:   getEnvInt("VOLUME_THRESHOLD", DefaultVolumeThreshold),

		SessionTTL:    getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		BlockDuration: getEnvDuration("BLOCK_DURATION", DefaultBlockDuration),
		LongWindow:    getEnvDuration("LONG_WINDOW", DefaultLongWindow),
		LongCeiling:   getEnvInt("LONG_CEILING", DefaultLongCeiling),
		ShortWindow:   getEnvDuration("SHORT_WINDOW", DefaultShortWindow),
		ShortCeiling:  getEnvInt("SHORT_CEILING", DefaultShortCeiling),

		BotPatterns:         getEnvList("BOT_PATTERNS", DefaultBotPatterns),
		SuspiciousCountries: getEnvList("SUSPICIOUS_COUNTRIES", nil),

		FailClosed: getEnvBool("FAIL_CLOSED", false),

		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		AbuseIPDBKey:       os.Getenv("ABUSEIPDB_KEY"),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		HTTPRateLimitRPM: getEnvInt("HTTP_RATE_LIMIT_RPM", DefaultHTTPRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.QuickExitRatio <= 0 || c.QuickExitRatio > 1 {
		return fmt.Errorf("QUICK_EXIT_RATIO must be in (0, 1], got %v", c.QuickExitRatio)
	}
	if c.BlockThreshold < c.AlertThreshold {
		return fmt.Errorf("BLOCK_THRESHOLD (%d) must not be below ALERT_THRESHOLD (%d)",
			c.BlockThreshold, c.AlertThreshold)
	}
	if c.BlockThreshold > 100 {
		return fmt.Errorf("BLOCK_THRESHOLD must be at most 100, got %d", c.BlockThreshold)
	}
	if c.LongCeiling <= 0 || c.ShortCeiling <= 0 {
		return fmt.Errorf("rate ceilings must be positive (long=%d short=%d)",
			c.LongCeiling, c.ShortCeiling)
	}
	if c.ShortWindow > c.LongWindow {
		return fmt.Errorf("SHORT_WINDOW (%v) must not exceed LONG_WINDOW (%v)",
			c.ShortWindow, c.LongWindow)
	}
	if c.MinSampleSize < 1 {
		return fmt.Errorf("MIN_SAMPLE_SIZE must be at least 1, got %d", c.MinSampleSize)
	}
	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList parses a comma-separated value, trimming whitespace.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
