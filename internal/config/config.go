package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, parsed from the
// environment. Secrets have no fallback defaults: the binary refuses to
// start without them unless the feature that needs them is disabled.
// Use a .env file for local development: cp .env.example .env
type Config struct {
	Port     string `env:"PORT" envDefault:"5339"`
	DBPath   string `env:"DB_PATH" envDefault:"./data/graph-engine.db"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_FORMAT_JSON" envDefault:"false"`

	// Upstream indexer.
	UpstreamEndpoint string `env:"UPSTREAM_ENDPOINT"`
	UpstreamAPIKey   string `env:"UPSTREAM_API_KEY"`
	SkipUpstream     bool   `env:"SKIP_UPSTREAM" envDefault:"false"`

	// Security.
	AllowedOrigins    string `env:"ALLOWED_ORIGINS"`
	AnonymizationSalt string `env:"ANONYMIZATION_SALT"`
	MonitoringWebhook string `env:"MONITORING_WEBHOOK"`

	// Upstream fabric tuning.
	UpstreamRatePerSec   int `env:"UPSTREAM_RATE_PER_SEC" envDefault:"5"`
	UpstreamBurst        int `env:"UPSTREAM_BURST" envDefault:"10"`
	BreakerFailures      int `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryMS    int `env:"BREAKER_RECOVERY_MS" envDefault:"30000"`
	UpstreamQueueBound   int `env:"UPSTREAM_QUEUE_BOUND" envDefault:"1000"`
	UpstreamMaxRetries   int `env:"UPSTREAM_MAX_RETRIES" envDefault:"3"`
	UpstreamBaseDelayMS  int `env:"UPSTREAM_BASE_DELAY_MS" envDefault:"500"`
	UpstreamTimeoutMS    int `env:"UPSTREAM_TIMEOUT_MS" envDefault:"15000"`
	MediumHoldSeconds    int `env:"UPSTREAM_MEDIUM_HOLD_SECONDS" envDefault:"10"`

	// Query protection.
	QueryTimeoutMS    int `env:"QUERY_TIMEOUT_MS" envDefault:"5000"`
	QueryMaxRows      int `env:"QUERY_MAX_ROWS" envDefault:"10000"`
	QueryMaxMemoryMB  int `env:"QUERY_MAX_MEMORY_MB" envDefault:"100"`
	ComplexityCap     float64 `env:"QUERY_COMPLEXITY_CAP" envDefault:"10"`

	// Cost rate limiter.
	RateWindowSeconds int `env:"RATE_WINDOW_SECONDS" envDefault:"60"`
	RateBudget        int `env:"RATE_BUDGET" envDefault:"100"`

	// Data freshness and collection limits.
	StalenessHours         int `env:"STALENESS_HOURS" envDefault:"24"`
	CollectMaxAddresses    int `env:"COLLECT_MAX_ADDRESSES" envDefault:"200"`
	CollectMaxPages        int `env:"COLLECT_MAX_PAGES" envDefault:"10"`
	CollectMaxTransfers    int `env:"COLLECT_MAX_TRANSFERS_PER_ADDRESS" envDefault:"1000"`

	// Streaming.
	StreamMaxPages int `env:"STREAM_MAX_PAGES" envDefault:"20"`
}

// Load reads .env (if present) and parses the environment into Config.
func Load() (*Config, error) {
	// Missing .env is fine: production injects real environment vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.SkipUpstream {
		if c.UpstreamEndpoint == "" {
			return fmt.Errorf("UPSTREAM_ENDPOINT is required unless SKIP_UPSTREAM=true")
		}
		if c.UpstreamAPIKey == "" {
			return fmt.Errorf("UPSTREAM_API_KEY is required unless SKIP_UPSTREAM=true")
		}
	}
	if c.AnonymizationSalt == "" {
		return fmt.Errorf("ANONYMIZATION_SALT is required")
	}
	return nil
}

// Origins splits the ALLOWED_ORIGINS CSV into trimmed entries.
// Empty input means no cross-origin access is granted.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
