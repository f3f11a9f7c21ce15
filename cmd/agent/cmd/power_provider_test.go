package cmd

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/softcane/vm-power-agent/internal/config"
)

const fakePowerScenarioJSON = `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [
          {"code": "ProvisioningState/succeeded", "display_status": "Provisioning succeeded"},
          {"code": "PowerState/running", "display_status": "VM running"}
        ]}
      ]
    }
  }
}`

func TestResolveRuntimePowerProvider_UsesFakeFromInlineJSON(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "powerstate-local")
	t.Setenv(fakePowerProviderJSONEnv, fakePowerScenarioJSON)
	t.Setenv(fakePowerProviderFileEnv, "")

	resolved, err := resolveRuntimePowerProvider(context.Background(), config.CloudAzure, slog.Default(), true)
	if err != nil {
		t.Fatalf("resolveRuntimePowerProvider failed: %v", err)
	}
	if !resolved.isFake {
		t.Fatal("expected fake power provider to be active")
	}

	entries, err := resolved.provider.VMStatus(context.Background(), "rg-sql-dev", "vm-mssql-dev")
	if err != nil {
		t.Fatalf("VMStatus failed: %v", err)
	}
	if len(entries) != 2 || entries[1].DisplayStatus != "VM running" {
		t.Fatalf("unexpected fake status entries: %+v", entries)
	}
}

func TestResolveRuntimePowerProvider_UsesFakeFromFile(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "powerstate-local")
	t.Setenv(fakePowerProviderJSONEnv, "")

	file, err := os.CreateTemp(t.TempDir(), "fake-power-*.json")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	if _, err := file.WriteString(fakePowerScenarioJSON); err != nil {
		t.Fatalf("write temp scenario failed: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close temp scenario failed: %v", err)
	}
	t.Setenv(fakePowerProviderFileEnv, file.Name())

	resolved, err := resolveRuntimePowerProvider(context.Background(), config.CloudAzure, slog.Default(), true)
	if err != nil {
		t.Fatalf("resolveRuntimePowerProvider failed: %v", err)
	}
	if !resolved.isFake {
		t.Fatal("expected fake power provider to be active")
	}
	if got := resolved.provider.ActiveSubscription(); got != "sub-contoso-dev" {
		t.Fatalf("active subscription = %q, want sub-contoso-dev", got)
	}
}

func TestResolveRuntimePowerProvider_RejectsFakeInLiveMode(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "powerstate-local")
	t.Setenv(fakePowerProviderJSONEnv, fakePowerScenarioJSON)
	t.Setenv(fakePowerProviderFileEnv, "")

	_, err := resolveRuntimePowerProvider(context.Background(), config.CloudAzure, slog.Default(), false)
	if err == nil || !strings.Contains(err.Error(), "--dry-run=true") {
		t.Fatalf("expected dry-run guard error, got: %v", err)
	}
}

func TestResolveRuntimePowerProvider_RejectsFakeWithoutSuiteGuard(t *testing.T) {
	t.Setenv(e2eSuiteEnvVar, "")
	t.Setenv(fakePowerProviderJSONEnv, fakePowerScenarioJSON)
	t.Setenv(fakePowerProviderFileEnv, "")

	_, err := resolveRuntimePowerProvider(context.Background(), config.CloudAzure, slog.Default(), true)
	if err == nil || !strings.Contains(err.Error(), e2eSuiteEnvVar) {
		t.Fatalf("expected suite guard error, got: %v", err)
	}
}

func TestResolveRuntimePowerProvider_RejectsDualFakeSources(t *testing.T) {
	t.Setenv(fakePowerProviderJSONEnv, fakePowerScenarioJSON)
	t.Setenv(fakePowerProviderFileEnv, "/tmp/fake-power.json")

	_, err := resolveRuntimePowerProvider(context.Background(), config.CloudAzure, slog.Default(), true)
	if err == nil || !strings.Contains(err.Error(), "set only one") {
		t.Fatalf("expected dual-source validation error, got: %v", err)
	}
}
