// Package config provides configuration loading for the VM power agent.
// Required values come from file; optional fields get their defaults in
// Validate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported values for Config.Cloud.
const (
	CloudAzure = "azure"
	CloudAWS   = "aws"
	CloudGCP   = "gcp"
	CloudAuto  = "auto"
)

// Config holds the agent configuration for `agent run`.
type Config struct {
	// Cloud selects the power provider: azure, aws, gcp, or auto (IMDS
	// detection). Defaults to azure.
	Cloud string `yaml:"cloud"`

	// IntervalSeconds is the reconcile loop period. Minimum 30.
	IntervalSeconds int `yaml:"interval_seconds"`

	// PrometheusURL enables the CPU idle detector when set.
	PrometheusURL string `yaml:"prometheus_url"`

	// MetricsListen is the address the /metrics endpoint binds to.
	MetricsListen string `yaml:"metrics_listen"`

	// RuntimeConfigPath points at the JSON runtime override file, re-read
	// every cycle. Optional.
	RuntimeConfigPath string `yaml:"runtime_config_path"`

	Savings    SavingsConfig    `yaml:"savings"`
	Audit      AuditConfig      `yaml:"audit"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Targets    []TargetConfig   `yaml:"targets"`
}

// SavingsConfig configures deallocation savings accounting.
type SavingsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint receives JSON savings events when non-empty.
	Endpoint string `yaml:"endpoint"`

	// DefaultHourlyRateUSD applies to targets without their own rate.
	DefaultHourlyRateUSD float64 `yaml:"default_hourly_rate_usd"`
}

// AuditConfig configures signed action manifests.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// SecretKey is the HMAC signing key. Required when enabled.
	SecretKey string `yaml:"secret_key"`
}

// GuardrailsConfig bounds what the agent may power off.
type GuardrailsConfig struct {
	// Protected lists VM names that are never powered off.
	Protected []string `yaml:"protected"`

	// MinRunning is the floor for running VMs within the managed set.
	MinRunning int `yaml:"min_running"`

	// MaxCPUPercentForOff blocks OFF actions for VMs above this CPU
	// utilization. 0 disables the veto.
	MaxCPUPercentForOff float64 `yaml:"max_cpu_percent_for_off"`
}

// IsProtected checks whether a VM name is on the protected list.
func (g *GuardrailsConfig) IsProtected(vmName string) bool {
	for _, p := range g.Protected {
		if p == vmName {
			return true
		}
	}
	return false
}

// TargetConfig declares one managed VM.
type TargetConfig struct {
	// Name labels the target in logs and metrics. Defaults to VM.
	Name string `yaml:"name"`

	// VM, ResourceGroup, and Subscription identify the machine.
	VM            string `yaml:"vm"`
	ResourceGroup string `yaml:"resource_group"`
	Subscription  string `yaml:"subscription"`

	// Schedule is a govaluate expression deciding the desired state each
	// cycle (true = ON). Targets without a schedule follow runtime pins
	// only.
	Schedule string `yaml:"schedule"`

	// Node is an optional Kubernetes node name to drain before OFF and
	// uncordon after ON.
	Node string `yaml:"node,omitempty"`

	// HourlyRateUSD overrides the default savings rate for this target.
	HourlyRateUSD float64 `yaml:"hourly_rate_usd,omitempty"`

	// InstanceType lets startup look up the savings rate from the cloud
	// pricing API when HourlyRateUSD is unset. EC2 types only.
	InstanceType string `yaml:"instance_type,omitempty"`
}

// Load reads configuration from a YAML file.
// Returns an error if file is missing or invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and fills defaults for optional ones.
func (c *Config) Validate() error {
	switch c.Cloud {
	case "":
		c.Cloud = CloudAzure
	case CloudAzure, CloudAWS, CloudGCP, CloudAuto:
	default:
		return fmt.Errorf("cloud must be one of azure, aws, gcp, auto; got %q", c.Cloud)
	}

	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 300
	}
	if c.IntervalSeconds < 30 {
		return fmt.Errorf("interval_seconds must be >= 30")
	}

	if c.MetricsListen == "" {
		c.MetricsListen = ":8080"
	}

	if c.Audit.Enabled && c.Audit.SecretKey == "" {
		return fmt.Errorf("audit.secret_key is required when audit is enabled")
	}

	if c.Savings.DefaultHourlyRateUSD < 0 {
		return fmt.Errorf("savings.default_hourly_rate_usd must be >= 0")
	}

	if c.Guardrails.MinRunning < 0 {
		return fmt.Errorf("guardrails.min_running must be >= 0")
	}
	if c.Guardrails.MaxCPUPercentForOff < 0 || c.Guardrails.MaxCPUPercentForOff > 100 {
		return fmt.Errorf("guardrails.max_cpu_percent_for_off must be between 0 and 100")
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.VM == "" {
			return fmt.Errorf("targets[%d].vm is required", i)
		}
		if t.ResourceGroup == "" {
			return fmt.Errorf("targets[%d].resource_group is required", i)
		}
		if t.Subscription == "" {
			return fmt.Errorf("targets[%d].subscription is required", i)
		}
		if t.Name == "" {
			t.Name = t.VM
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if t.HourlyRateUSD < 0 {
			return fmt.Errorf("targets[%d].hourly_rate_usd must be >= 0", i)
		}
	}

	return nil
}

// Interval returns the reconcile loop period as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// HourlyRate resolves the savings rate for one target.
func (c *Config) HourlyRate(t TargetConfig) float64 {
	if t.HourlyRateUSD > 0 {
		return t.HourlyRateUSD
	}
	return c.Savings.DefaultHourlyRateUSD
}
