package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Pin values accepted in the runtime override file.
const (
	PinOn  = "ON"
	PinOff = "OFF"
)

// RuntimeConfig holds dynamic overrides that can change without restarting
// the agent. The file is reloaded on every reconcile cycle.
type RuntimeConfig struct {
	// Pins maps a VM name to a desired state ("ON"/"OFF") that overrides the
	// target's schedule until the pin is removed.
	Pins map[string]string `json:"pins"`

	// DisabledTargets lists target names to skip entirely this cycle.
	DisabledTargets []string `json:"disabled_targets"`
}

// LoadRuntimeConfig loads the runtime overrides from the specified path.
// Malformed content is an error; callers keep the last good config.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}

	if err := normalizeRuntime(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultRuntimeConfig returns an empty override set.
func DefaultRuntimeConfig() *RuntimeConfig {
	cfg := RuntimeConfig{}
	if err := normalizeRuntime(&cfg); err != nil {
		// Unreachable: an empty config always normalizes.
		panic(err)
	}
	return &cfg
}

func normalizeRuntime(cfg *RuntimeConfig) error {
	pins := make(map[string]string, len(cfg.Pins))
	for vm, value := range cfg.Pins {
		vm = strings.TrimSpace(vm)
		if vm == "" {
			return fmt.Errorf("runtime pin with empty vm name")
		}
		switch strings.ToUpper(strings.TrimSpace(value)) {
		case PinOn:
			pins[vm] = PinOn
		case PinOff:
			pins[vm] = PinOff
		default:
			return fmt.Errorf("runtime pin for %q has invalid value %q (want ON or OFF)", vm, value)
		}
	}
	cfg.Pins = pins

	disabled := cfg.DisabledTargets[:0]
	for _, name := range cfg.DisabledTargets {
		name = strings.TrimSpace(name)
		if name != "" {
			disabled = append(disabled, name)
		}
	}
	cfg.DisabledTargets = disabled

	return nil
}

// PinFor returns the pinned desired state for a VM, if any.
func (c *RuntimeConfig) PinFor(vmName string) (string, bool) {
	if c == nil {
		return "", false
	}
	value, ok := c.Pins[vmName]
	return value, ok
}

// IsDisabled reports whether a target name is disabled this cycle.
func (c *RuntimeConfig) IsDisabled(targetName string) bool {
	if c == nil {
		return false
	}
	for _, name := range c.DisabledTargets {
		if name == targetName {
			return true
		}
	}
	return false
}
