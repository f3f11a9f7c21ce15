package cmd

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
)

func TestResolveRuntimeRateProvider_UsesFakeFromInlineJSON(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "powerstate-local")
	t.Setenv(fakeRateProviderJSONEnv, `{"series": {"m5.xlarge": [{"rate_usd": 0.192}]}}`)
	t.Setenv(fakeRateProviderFileEnv, "")

	rates, err := resolveRuntimeRateProvider(context.Background(), config.CloudAWS, slog.Default(), true)
	if err != nil {
		t.Fatalf("resolveRuntimeRateProvider failed: %v", err)
	}

	rate, err := rates.HourlyRate(context.Background(), "m5.xlarge")
	if err != nil {
		t.Fatalf("HourlyRate failed: %v", err)
	}
	if rate != 0.192 {
		t.Fatalf("rate = %v, want 0.192", rate)
	}
}

func TestResolveRuntimeRateProvider_RejectsFakeInLiveMode(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "powerstate-local")
	t.Setenv(fakeRateProviderJSONEnv, `{"default": {"rate_usd": 0.1}}`)
	t.Setenv(fakeRateProviderFileEnv, "")

	_, err := resolveRuntimeRateProvider(context.Background(), config.CloudAWS, slog.Default(), false)
	if err == nil || !strings.Contains(err.Error(), "--dry-run=true") {
		t.Fatalf("expected dry-run guard error, got: %v", err)
	}
}

func TestResolveTargetRates_FillsOnlyMissingRates(t *testing.T) {
	rates, err := cloudapi.NewFakeRateProviderFromJSON(`{"default": {"rate_usd": 0.192}}`)
	if err != nil {
		t.Fatalf("NewFakeRateProviderFromJSON failed: %v", err)
	}

	cfg := &config.Config{
		Targets: []config.TargetConfig{
			{Name: "priced", VM: "vm-a", InstanceType: "m5.xlarge", HourlyRateUSD: 0.5},
			{Name: "typed", VM: "vm-b", InstanceType: "m5.xlarge"},
			{Name: "bare", VM: "vm-c"},
		},
	}

	resolveTargetRates(context.Background(), cfg, rates, slog.Default())

	if got := cfg.Targets[0].HourlyRateUSD; got != 0.5 {
		t.Errorf("explicit rate overwritten: got %v, want 0.5", got)
	}
	if got := cfg.Targets[1].HourlyRateUSD; got != 0.192 {
		t.Errorf("typed target rate = %v, want 0.192", got)
	}
	if got := cfg.Targets[2].HourlyRateUSD; got != 0 {
		t.Errorf("bare target rate = %v, want 0", got)
	}
}

func TestResolveTargetRates_LookupFailureKeepsDefault(t *testing.T) {
	rates, err := cloudapi.NewFakeRateProviderFromJSON(`{"default": {"error": "throttled"}}`)
	if err != nil {
		t.Fatalf("NewFakeRateProviderFromJSON failed: %v", err)
	}

	cfg := &config.Config{
		Targets: []config.TargetConfig{
			{Name: "typed", VM: "vm-b", InstanceType: "m5.xlarge"},
		},
	}

	resolveTargetRates(context.Background(), cfg, rates, slog.Default())

	if got := cfg.Targets[0].HourlyRateUSD; got != 0 {
		t.Errorf("failed lookup should keep zero rate, got %v", got)
	}
}

func TestTargetsNeedRateLookup(t *testing.T) {
	tests := []struct {
		name    string
		targets []config.TargetConfig
		want    bool
	}{
		{
			name:    "no targets",
			targets: nil,
			want:    false,
		},
		{
			name:    "explicit rates only",
			targets: []config.TargetConfig{{VM: "vm-a", HourlyRateUSD: 0.5}},
			want:    false,
		},
		{
			name:    "typed target with explicit rate",
			targets: []config.TargetConfig{{VM: "vm-a", InstanceType: "m5.xlarge", HourlyRateUSD: 0.5}},
			want:    false,
		},
		{
			name:    "typed target without rate",
			targets: []config.TargetConfig{{VM: "vm-a", InstanceType: "m5.xlarge"}},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Targets: tt.targets}
			if got := targetsNeedRateLookup(cfg); got != tt.want {
				t.Errorf("targetsNeedRateLookup() = %v, want %v", got, tt.want)
			}
		})
	}
}
