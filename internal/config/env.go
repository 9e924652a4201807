package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv applies environment overrides on top of file-based config.
func LoadFromEnv(cfg *Config) {
	if host := os.Getenv("PGHARNESS_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("PGHARNESS_GATEWAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = p
		}
	}
	if url := os.Getenv("PGHARNESS_METRICS_URL"); url != "" {
		cfg.Gateway.MetricsURL = url
	}
	if n := os.Getenv("PGHARNESS_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Scenario.Concurrency = v
		}
	}
	if d := os.Getenv("PGHARNESS_PROBE_TIMEOUT"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			cfg.Scenario.ProbeTimeout = v
		}
	}
	if policy := os.Getenv("PGHARNESS_PHASE_POLICY"); policy != "" {
		cfg.Scenario.PhasePolicy = policy
	}
	if pw := os.Getenv("PGHARNESS_DB_PASSWORD"); pw != "" {
		cfg.Cluster.Password = pw
	}
}
