package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
)

const (
	fakePowerProviderFileEnv = "VMPOWER_TEST_POWER_PROVIDER_FILE"
	fakePowerProviderJSONEnv = "VMPOWER_TEST_POWER_PROVIDER_JSON"
	e2eSuiteEnvVar           = "VMPOWER_E2E_SUITE"
)

// fakeSource is a validated test-only provider override from the environment.
// Exactly one of file and json is set.
type fakeSource struct {
	file string
	json string
}

// fakeSourceFromEnv checks the env vars gating a scripted fake provider.
// Returns ok=false when neither source is set. A set source must pass the
// dry-run and e2e-suite guards before it is honored.
func fakeSourceFromEnv(label, fileEnv, jsonEnv string, dryRun bool) (fakeSource, bool, error) {
	file := strings.TrimSpace(os.Getenv(fileEnv))
	json := strings.TrimSpace(os.Getenv(jsonEnv))

	if file == "" && json == "" {
		return fakeSource{}, false, nil
	}
	if file != "" && json != "" {
		return fakeSource{}, false, fmt.Errorf("set only one of %s or %s", fileEnv, jsonEnv)
	}
	if !dryRun {
		return fakeSource{}, false, fmt.Errorf("fake %s provider is test-only and requires --dry-run=true", label)
	}
	if strings.TrimSpace(os.Getenv(e2eSuiteEnvVar)) == "" {
		return fakeSource{}, false, fmt.Errorf("fake %s provider requires %s to be set (test suite guard)", label, e2eSuiteEnvVar)
	}
	return fakeSource{file: file, json: json}, true, nil
}

type runtimePowerProvider struct {
	provider cloudapi.PowerProvider
	isFake   bool
}

// resolveRuntimePowerProvider picks the power provider for this process: a
// scripted fake when the test env vars allow it, otherwise a real session
// for the configured cloud.
func resolveRuntimePowerProvider(ctx context.Context, cloud string, logger *slog.Logger, dryRun bool) (runtimePowerProvider, error) {
	source, ok, err := fakeSourceFromEnv("power", fakePowerProviderFileEnv, fakePowerProviderJSONEnv, dryRun)
	if err != nil {
		return runtimePowerProvider{}, err
	}

	if ok {
		var provider cloudapi.PowerProvider
		if source.file != "" {
			provider, err = cloudapi.NewFakePowerProviderFromFile(source.file)
			if err != nil {
				return runtimePowerProvider{}, fmt.Errorf("load fake power provider from file: %w", err)
			}
		} else {
			provider, err = cloudapi.NewFakePowerProviderFromJSON(source.json)
			if err != nil {
				return runtimePowerProvider{}, fmt.Errorf("load fake power provider from inline json: %w", err)
			}
		}
		logger.Info("using test-only fake power provider",
			"source_file", source.file,
			"suite", os.Getenv(e2eSuiteEnvVar),
		)
		return runtimePowerProvider{provider: provider, isFake: true}, nil
	}

	provider, err := newPowerProviderForCloud(ctx, cloud, logger)
	if err != nil {
		return runtimePowerProvider{}, fmt.Errorf("initialize power provider: %w", err)
	}
	return runtimePowerProvider{provider: provider, isFake: false}, nil
}

// newPowerProviderForCloud builds a real power session for an explicit cloud
// choice, or auto-detects via instance metadata with an Azure fallback.
func newPowerProviderForCloud(ctx context.Context, cloud string, logger *slog.Logger) (cloudapi.PowerProvider, error) {
	switch cloud {
	case config.CloudAzure:
		return cloudapi.NewAzurePowerSession(ctx, os.Getenv("AZURE_SUBSCRIPTION_ID"), logger)
	case config.CloudAWS:
		return cloudapi.NewAWSPowerProvider(ctx, awsRegionFromEnv(), awsAccountFromEnv(), logger)
	case config.CloudGCP:
		return cloudapi.NewGCPPowerProvider(ctx, os.Getenv("GOOGLE_CLOUD_PROJECT"), logger)
	default:
		provider, _, err := cloudapi.NewAutoDetectedPowerProvider(ctx, logger)
		if err != nil {
			logger.Warn("failed to auto-detect cloud provider, attempting Azure fallback", "error", err)
			return cloudapi.NewAzurePowerSession(ctx, os.Getenv("AZURE_SUBSCRIPTION_ID"), logger)
		}
		return provider, nil
	}
}

func awsRegionFromEnv() string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}

func awsAccountFromEnv() string {
	if profile := os.Getenv("AWS_PROFILE"); profile != "" {
		return profile
	}
	return "default"
}
