// Package config loads gateway configuration from the environment, with
// optional YAML rule-threshold overrides.
package config

import (
	"errors"
	"os"
	"strconv"
)

// ErrMissingSecret is returned when the HMAC shared secret is not configured.
// The gateway cannot authenticate anything without it.
var ErrMissingSecret = errors.New("ARES_SHARED_SECRET is not set")

// Config holds gateway configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	SharedSecret string

	ReplayWindowSeconds int
	RateLimitPerMinute  int
	CooldownSeconds     int
	SeverityFloor       int
	AlertDedupSeconds   int
	IdempotencyTTLDays  int

	UsePersistentStore  bool
	PersistentStorePath string

	AuditPath  string
	AlertsPath string

	RulesFile string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults.
// A missing shared secret is not an error here: the gateway answers 500 on
// ingest until one is configured, which Validate surfaces at startup.
func Load() *Config {
	return &Config{
		ListenAddr: envString("ARES_LISTEN_ADDR", ":8088"),
		LogLevel:   envString("ARES_LOG_LEVEL", "INFO"),

		SharedSecret: os.Getenv("ARES_SHARED_SECRET"),

		ReplayWindowSeconds: envInt("ARES_REPLAY_WINDOW_SECONDS", 120),
		RateLimitPerMinute:  envInt("ARES_RATE_LIMIT_PER_MIN", 300),
		CooldownSeconds:     envInt("ARES_COOLDOWN_SECONDS", 120),
		SeverityFloor:       envInt("ARES_SEVERITY_FLOOR", 0),
		AlertDedupSeconds:   envInt("ARES_ALERT_DEDUP_SECONDS", 300),
		IdempotencyTTLDays:  envInt("ARES_IDEMPOTENCY_TTL_DAYS", 7),

		UsePersistentStore:  envBool("ARES_USE_PERSISTENT_STORE", true),
		PersistentStorePath: envString("ARES_PERSISTENT_STORE_PATH", "out/state.db"),

		AuditPath:  envString("ARES_AUDIT_PATH", "out/audit.jsonl"),
		AlertsPath: envString("ARES_ALERTS_PATH", "out/alerts.jsonl"),

		RulesFile: os.Getenv("ARES_RULES_FILE"),

		OTLPEndpoint: os.Getenv("ARES_OTLP_ENDPOINT"),
	}
}

// Validate reports configuration problems that make the gateway unusable.
func (c *Config) Validate() error {
	if c.SharedSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
