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

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-memory cache if not set)

	// Evaluation deadlines
	EvalDeadline     time.Duration // hard ceiling for one evaluation
	CollectorTimeout time.Duration // per-signal-collector budget
	AnomalyTimeout   time.Duration // anomaly scorer call budget

	// Velocity
	VelocityWindow    time.Duration
	VelocityThreshold int64 // transactions per window before scoring starts

	// Threat intelligence
	ThreatIntelURL     string
	ThreatIntelTimeout time.Duration
	ThreatIntelTTL     time.Duration // cache TTL for lookups
	Blocklist          []string      // "ip:1.2.3.4", "domain:evil.example", "prefix:999999"
	Allowlist          []string

	// Anomaly scorer
	AnomalyScorerURL string
	AnomalyMemoTTL   time.Duration // memoized score TTL, keyed by vector hash

	// Amount-threshold collector
	BaselineAvgAmount string // fallback historical average when actor has no history

	// Geolocation
	GeoIPDBPath string // MaxMind mmdb path (optional, static resolver if not set)

	// SLA / monitoring
	SLATargetP95 time.Duration
	PerfWindow   int // number of recent evaluations kept for percentiles

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultEvalDeadline     = 200 * time.Millisecond
	DefaultCollectorTimeout = 25 * time.Millisecond
	DefaultAnomalyTimeout   = 45 * time.Millisecond
	DefaultVelocityWindow   = 5 * time.Minute
	DefaultVelocityLimit    = 5
	DefaultThreatTimeout    = 30 * time.Millisecond
	DefaultThreatTTL        = time.Hour
	DefaultAnomalyMemoTTL   = 10 * time.Minute
	DefaultSLATargetP95     = 100 * time.Millisecond
	DefaultPerfWindow       = 1024
	DefaultRateLimit        = 600
	DefaultBaselineAvg      = "250.00"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		EvalDeadline:       getEnvDuration("EVAL_DEADLINE", DefaultEvalDeadline),
		CollectorTimeout:   getEnvDuration("COLLECTOR_TIMEOUT", DefaultCollectorTimeout),
		AnomalyTimeout:     getEnvDuration("ANOMALY_TIMEOUT", DefaultAnomalyTimeout),
		VelocityWindow:     getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		VelocityThreshold:  getEnvInt64("VELOCITY_THRESHOLD", DefaultVelocityLimit),
		ThreatIntelURL:     os.Getenv("THREAT_INTEL_URL"),
		ThreatIntelTimeout: getEnvDuration("THREAT_INTEL_TIMEOUT", DefaultThreatTimeout),
		ThreatIntelTTL:     getEnvDuration("THREAT_INTEL_TTL", DefaultThreatTTL),
		Blocklist:          getEnvList("BLOCKLIST"),
		Allowlist:          getEnvList("ALLOWLIST"),
		AnomalyScorerURL:   os.Getenv("ANOMALY_SCORER_URL"),
		AnomalyMemoTTL:     getEnvDuration("ANOMALY_MEMO_TTL", DefaultAnomalyMemoTTL),
		BaselineAvgAmount:  getEnv("BASELINE_AVG_AMOUNT", DefaultBaselineAvg),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		SLATargetP95:       getEnvDuration("SLA_TARGET_P95", DefaultSLATargetP95),
		PerfWindow:         int(getEnvInt64("PERF_WINDOW", DefaultPerfWindow)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.EvalDeadline <= 0 {
		return fmt.Errorf("EVAL_DEADLINE must be positive")
	}
	if c.CollectorTimeout >= c.EvalDeadline {
		return fmt.Errorf("COLLECTOR_TIMEOUT (%s) must be shorter than EVAL_DEADLINE (%s)", c.CollectorTimeout, c.EvalDeadline)
	}
	if c.AnomalyTimeout >= c.EvalDeadline {
		return fmt.Errorf("ANOMALY_TIMEOUT (%s) must be shorter than EVAL_DEADLINE (%s)", c.AnomalyTimeout, c.EvalDeadline)
	}
	if c.ThreatIntelTimeout >= c.EvalDeadline {
		return fmt.Errorf("THREAT_INTEL_TIMEOUT (%s) must be shorter than EVAL_DEADLINE (%s)", c.ThreatIntelTimeout, c.EvalDeadline)
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
	}
	if c.VelocityThreshold <= 0 {
		return fmt.Errorf("VELOCITY_THRESHOLD must be positive")
	}
	for _, entry := range append(append([]string{}, c.Blocklist...), c.Allowlist...) {
		if !strings.Contains(entry, ":") {
			return fmt.Errorf("list entry %q must be kind:value (ip:, domain:, prefix:)", entry)
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
