package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FakeRateScenario describes deterministic hourly-rate responses for local
// tests and e2e harnesses. Series keys are instance types; "*" matches any.
type FakeRateScenario struct {
	Default    FakeRateStep              `json:"default"`
	Series     map[string][]FakeRateStep `json:"series"`
	RepeatLast *bool                     `json:"repeat_last,omitempty"`
}

// FakeRateStep defines one scripted response step. A step without rate_usd
// inherits the scenario default's rate.
type FakeRateStep struct {
	RateUSD *float64 `json:"rate_usd,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// FakeRateProvider is a deterministic, script-driven RateProvider for tests.
type FakeRateProvider struct {
	mu         sync.Mutex
	scenario   FakeRateScenario
	repeatLast bool
	cursors    map[string]int
}

var _ RateProvider = (*FakeRateProvider)(nil)

// NewFakeRateProvider builds a fake provider from an in-memory scenario.
func NewFakeRateProvider(scenario FakeRateScenario) (*FakeRateProvider, error) {
	if err := validateFakeRateScenario(scenario); err != nil {
		return nil, err
	}
	repeatLast := true
	if scenario.RepeatLast != nil {
		repeatLast = *scenario.RepeatLast
	}
	return &FakeRateProvider{
		scenario:   scenario,
		repeatLast: repeatLast,
		cursors:    make(map[string]int, len(scenario.Series)),
	}, nil
}

// NewFakeRateProviderFromFile loads a fake provider from a JSON file.
func NewFakeRateProviderFromFile(path string) (*FakeRateProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fake rate scenario file %q: %w", path, err)
	}
	return NewFakeRateProviderFromJSONBytes(raw)
}

// NewFakeRateProviderFromJSON loads a fake provider from JSON text.
func NewFakeRateProviderFromJSON(raw string) (*FakeRateProvider, error) {
	return NewFakeRateProviderFromJSONBytes([]byte(raw))
}

// NewFakeRateProviderFromJSONBytes loads a fake provider from JSON bytes.
func NewFakeRateProviderFromJSONBytes(raw []byte) (*FakeRateProvider, error) {
	var scenario FakeRateScenario
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("decode fake rate scenario json: %w", err)
	}
	return NewFakeRateProvider(scenario)
}

// HourlyRate returns the scripted on-demand rate for an instance type.
// Each call advances the matched series by one step.
func (f *FakeRateProvider) HourlyRate(ctx context.Context, instanceType string) (float64, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	step, err := f.nextStepLocked(instanceType)
	if err != nil {
		return 0, err
	}

	if step.Error != "" {
		return 0, fmt.Errorf("fake rate provider injected error for %s: %s", instanceType, step.Error)
	}
	if step.RateUSD == nil {
		return 0, fmt.Errorf("fake rate step for %s has neither rate_usd nor error", instanceType)
	}
	return *step.RateUSD, nil
}

func (f *FakeRateProvider) nextStepLocked(instanceType string) (FakeRateStep, error) {
	seriesKey, ok := f.selectSeriesKey(instanceType)
	if !ok {
		if !f.scenario.Default.hasAnyValue() {
			return FakeRateStep{}, fmt.Errorf("no fake rate series or default for %s", instanceType)
		}
		return f.scenario.Default, nil
	}

	sequence := f.scenario.Series[seriesKey]
	if len(sequence) == 0 {
		return FakeRateStep{}, fmt.Errorf("empty fake rate series %q", seriesKey)
	}

	index := f.cursors[seriesKey]
	if index >= len(sequence) {
		if !f.repeatLast {
			return FakeRateStep{}, fmt.Errorf("fake rate series exhausted for %q", seriesKey)
		}
		index = len(sequence) - 1
	}

	if index < len(sequence)-1 {
		f.cursors[seriesKey] = index + 1
	} else if index == len(sequence)-1 && !f.repeatLast {
		// Mark exhausted so the next call returns an exhaustion error.
		f.cursors[seriesKey] = len(sequence)
	}

	step := mergeFakeRateSteps(f.scenario.Default, sequence[index])
	return step, nil
}

func (f *FakeRateProvider) selectSeriesKey(instanceType string) (string, bool) {
	instanceType = strings.TrimSpace(instanceType)
	if instanceType == "" {
		instanceType = "*"
	}

	candidates := []string{instanceType, "*"}
	for _, key := range candidates {
		if _, ok := f.scenario.Series[key]; ok {
			return key, true
		}
	}
	return "", false
}

func validateFakeRateScenario(scenario FakeRateScenario) error {
	if !scenario.Default.hasAnyValue() && len(scenario.Series) == 0 {
		return fmt.Errorf("fake rate scenario must define default and/or series")
	}

	for key, sequence := range scenario.Series {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("fake rate scenario contains empty series key")
		}
		if len(sequence) == 0 {
			return fmt.Errorf("fake rate series %q must contain at least one step", key)
		}
	}
	return nil
}

func mergeFakeRateSteps(base, override FakeRateStep) FakeRateStep {
	out := base
	if override.RateUSD != nil {
		out.RateUSD = override.RateUSD
	}
	if override.Error != "" {
		out.Error = override.Error
	}
	return out
}

func (s FakeRateStep) hasAnyValue() bool {
	return s.RateUSD != nil || s.Error != ""
}
