// Package config holds harness configuration: the cluster layout, the
// gateway endpoints and the scenario knobs. Values come from a YAML file
// with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ClusterConfig describes the stack under the gateway.
type ClusterConfig struct {
	ComposeFile string       `yaml:"compose_file"`
	WorkDir     string       `yaml:"work_dir"`
	Nodes       []NodeConfig `yaml:"nodes"`
	User        string       `yaml:"user"`
	Password    string       `yaml:"password"`
	Database    string       `yaml:"database"`
	GatewayName string       `yaml:"gateway_container"`
	ReportDir   string       `yaml:"report_dir"`
}

type NodeConfig struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	DataPort    int    `yaml:"data_port"`
	ControlPort int    `yaml:"control_port"`
}

// GatewayConfig is the balancer under test: its client-facing connection
// endpoint and its metrics endpoint.
type GatewayConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MetricsURL string `yaml:"metrics_url"`
}

// ScenarioConfig are the recognized scenario options.
type ScenarioConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	MinHealthWait      time.Duration `yaml:"min_health_wait"`
	MaxHealthWait      time.Duration `yaml:"max_health_wait"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
	FailoverDelay      time.Duration `yaml:"failover_delay"`
	RecoveryWindow     time.Duration `yaml:"recovery_window"`
	ObserveWindow      time.Duration `yaml:"observe_window"`
	SuccessThreshold   float64       `yaml:"success_threshold"` // percent
	ZeroFailurePhases  []string      `yaml:"zero_failure_phases"`
	PhasePolicy        string        `yaml:"phase_policy"` // "signal" or "time"
	Churn              bool          `yaml:"churn"`        // connect/disconnect stress instead of query probes
}

// UnmarshalYAML accepts Go duration strings ("15s", "2m") for the timing
// fields, which yaml.v3 will not decode into time.Duration on its own.
func (s *ScenarioConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Concurrency        *int     `yaml:"concurrency"`
		ProbeTimeout       string   `yaml:"probe_timeout"`
		MinHealthWait      string   `yaml:"min_health_wait"`
		MaxHealthWait      string   `yaml:"max_health_wait"`
		HealthPollInterval string   `yaml:"health_poll_interval"`
		FailoverDelay      string   `yaml:"failover_delay"`
		RecoveryWindow     string   `yaml:"recovery_window"`
		ObserveWindow      string   `yaml:"observe_window"`
		SuccessThreshold   *float64 `yaml:"success_threshold"`
		ZeroFailurePhases  []string `yaml:"zero_failure_phases"`
		PhasePolicy        string   `yaml:"phase_policy"`
		Churn              *bool    `yaml:"churn"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Concurrency != nil {
		s.Concurrency = *raw.Concurrency
	}
	if raw.SuccessThreshold != nil {
		s.SuccessThreshold = *raw.SuccessThreshold
	}
	if raw.ZeroFailurePhases != nil {
		s.ZeroFailurePhases = raw.ZeroFailurePhases
	}
	if raw.PhasePolicy != "" {
		s.PhasePolicy = raw.PhasePolicy
	}
	if raw.Churn != nil {
		s.Churn = *raw.Churn
	}

	for _, d := range []struct {
		in  string
		out *time.Duration
	}{
		{raw.ProbeTimeout, &s.ProbeTimeout},
		{raw.MinHealthWait, &s.MinHealthWait},
		{raw.MaxHealthWait, &s.MaxHealthWait},
		{raw.HealthPollInterval, &s.HealthPollInterval},
		{raw.FailoverDelay, &s.FailoverDelay},
		{raw.RecoveryWindow, &s.RecoveryWindow},
		{raw.ObserveWindow, &s.ObserveWindow},
	} {
		if d.in == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", d.in, err)
		}
		*d.out = parsed
	}
	return nil
}

type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration matching the reference three-node
// stack: gateway on 6432, metrics on 9090, patroni nodes on 5433-5435.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			ComposeFile: "docker-compose-patroni.yml",
			User:        "postgres",
			Password:    "postgres",
			Database:    "postgres",
			GatewayName: "pg_gateway",
			ReportDir:   "reports",
			Nodes: []NodeConfig{
				{Name: "patroni1", Host: "localhost", DataPort: 5433, ControlPort: 8008},
				{Name: "patroni2", Host: "localhost", DataPort: 5434, ControlPort: 8009},
				{Name: "patroni3", Host: "localhost", DataPort: 5435, ControlPort: 8010},
			},
		},
		Gateway: GatewayConfig{
			Host:       "localhost",
			Port:       6432,
			MetricsURL: "http://localhost:9090/metrics",
		},
		Scenario: ScenarioConfig{
			Concurrency:        5,
			ProbeTimeout:       2 * time.Second,
			MinHealthWait:      15 * time.Second,
			MaxHealthWait:      90 * time.Second,
			HealthPollInterval: 3 * time.Second,
			FailoverDelay:      5 * time.Second,
			RecoveryWindow:     30 * time.Second,
			ObserveWindow:      10 * time.Second,
			SuccessThreshold:   70,
			ZeroFailurePhases:  []string{"before", "after"},
			PhasePolicy:        "signal",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8091,
		},
	}
}

// Load reads a YAML file over the defaults, then applies env overrides.
// An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scenario cannot run with.
func (c *Config) Validate() error {
	if len(c.Cluster.Nodes) == 0 {
		return fmt.Errorf("config: at least one cluster node required")
	}
	if c.Scenario.Concurrency <= 0 {
		return fmt.Errorf("config: concurrency must be positive, got %d", c.Scenario.Concurrency)
	}
	if c.Scenario.MinHealthWait > c.Scenario.MaxHealthWait {
		return fmt.Errorf("config: min_health_wait %s exceeds max_health_wait %s",
			c.Scenario.MinHealthWait, c.Scenario.MaxHealthWait)
	}
	switch c.Scenario.PhasePolicy {
	case "signal", "time":
	default:
		return fmt.Errorf("config: phase_policy must be signal or time, got %q", c.Scenario.PhasePolicy)
	}
	return nil
}
