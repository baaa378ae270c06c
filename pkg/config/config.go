package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// StorePath is the sqlite kernel database. ":memory:" is allowed
	// for throwaway runs.
	StorePath string

	// Queue selects the task queue backend: "local" or "broker".
	QueueBackend  string
	BrokerURL     string
	BrokerAddr    string
	BrokerUser    string
	BrokerPass    string
	BrokerTLS     bool
	BrokerSubject string
	LeaseTTL      time.Duration
	SweepInterval time.Duration

	// Staging gate.
	StagingMode       string
	StagingAllowKinds []string

	// Policy engine.
	PolicyPosture  string
	PolicyRuleFile string

	// Capsule trust store; empty disables inline capsule adoption.
	TrustStorePath string

	// AuthSecret enables JWT subject binding; empty means dev mode.
	AuthSecret string

	RateRPS   float64
	RateBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("KEEL_PORT", "8090"),
		LogLevel:       envOr("KEEL_LOG_LEVEL", "INFO"),
		StorePath:      envOr("KEEL_STORE_PATH", "keel.db"),
		QueueBackend:   envOr("KEEL_QUEUE_BACKEND", "local"),
		BrokerURL:      os.Getenv("KEEL_BROKER_URL"),
		BrokerAddr:     os.Getenv("KEEL_BROKER_ADDR"),
		BrokerUser:     os.Getenv("KEEL_BROKER_USER"),
		BrokerPass:     os.Getenv("KEEL_BROKER_PASS"),
		BrokerTLS:      os.Getenv("KEEL_BROKER_TLS") == "true",
		BrokerSubject:  envOr("KEEL_BROKER_SUBJECT", "keel.tasks"),
		LeaseTTL:       envDuration("KEEL_QUEUE_LEASE_TTL", 30*time.Second),
		SweepInterval:  envDuration("KEEL_QUEUE_SWEEP_INTERVAL", 250*time.Millisecond),
		StagingMode:    envOr("KEEL_STAGING_MODE", "auto"),
		PolicyPosture:  envOr("KEEL_POLICY_POSTURE", "standard"),
		PolicyRuleFile: os.Getenv("KEEL_POLICY_RULES"),
		TrustStorePath: os.Getenv("KEEL_TRUST_STORE"),
		AuthSecret:     os.Getenv("KEEL_AUTH_SECRET"),
		RateRPS:        envFloat("KEEL_RATE_RPS", 50),
		RateBurst:      envInt("KEEL_RATE_BURST", 100),
	}

	if raw := os.Getenv("KEEL_STAGING_ALLOW_KINDS"); raw != "" {
		for _, kind := range strings.Split(raw, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				cfg.StagingAllowKinds = append(cfg.StagingAllowKinds, kind)
			}
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
