package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
)

const (
	fakeRateProviderFileEnv = "VMPOWER_TEST_RATE_PROVIDER_FILE"
	fakeRateProviderJSONEnv = "VMPOWER_TEST_RATE_PROVIDER_JSON"
)

// resolveRuntimeRateProvider picks the savings-rate source: a scripted fake
// when the test env vars allow it, otherwise the cloud pricing API.
func resolveRuntimeRateProvider(ctx context.Context, cloud string, logger *slog.Logger, dryRun bool) (cloudapi.RateProvider, error) {
	source, ok, err := fakeSourceFromEnv("rate", fakeRateProviderFileEnv, fakeRateProviderJSONEnv, dryRun)
	if err != nil {
		return nil, err
	}

	if ok {
		var provider cloudapi.RateProvider
		if source.file != "" {
			provider, err = cloudapi.NewFakeRateProviderFromFile(source.file)
			if err != nil {
				return nil, fmt.Errorf("load fake rate provider from file: %w", err)
			}
		} else {
			provider, err = cloudapi.NewFakeRateProviderFromJSON(source.json)
			if err != nil {
				return nil, fmt.Errorf("load fake rate provider from inline json: %w", err)
			}
		}
		logger.Info("using test-only fake rate provider",
			"source_file", source.file,
			"suite", os.Getenv(e2eSuiteEnvVar),
		)
		return provider, nil
	}

	provider, err := newRateProviderForCloud(ctx, cloud, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize rate provider: %w", err)
	}
	return provider, nil
}

// newRateProviderForCloud builds the pricing lookup for the configured cloud.
// AWS quotes come from the Pricing API and GCP rates are estimated from
// machine type shape. There is no Azure pricing client; Azure targets carry
// explicit rates or keep the config default.
func newRateProviderForCloud(ctx context.Context, cloud string, logger *slog.Logger) (cloudapi.RateProvider, error) {
	switch cloud {
	case config.CloudGCP:
		return cloudapi.NewGCPRateProvider(ctx, os.Getenv("GOOGLE_CLOUD_PROJECT"), gcpZoneFromEnv(), logger)
	default:
		return cloudapi.NewAWSRateProvider(ctx, awsRegionFromEnv(), logger)
	}
}

func gcpZoneFromEnv() string {
	if zone := os.Getenv("CLOUDSDK_COMPUTE_ZONE"); zone != "" {
		return zone
	}
	return "us-central1-a"
}

// targetsNeedRateLookup reports whether any target prices its savings by
// instance type instead of an explicit hourly rate.
func targetsNeedRateLookup(cfg *config.Config) bool {
	for _, t := range cfg.Targets {
		if t.HourlyRateUSD == 0 && t.InstanceType != "" {
			return true
		}
	}
	return false
}

// resolveTargetRates fills HourlyRateUSD for targets that declare an
// instance type but no explicit rate. A failed lookup keeps the target on
// the config default rate rather than aborting startup.
func resolveTargetRates(ctx context.Context, cfg *config.Config, rates cloudapi.RateProvider, logger *slog.Logger) {
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.HourlyRateUSD > 0 || t.InstanceType == "" {
			continue
		}
		rate, err := rates.HourlyRate(ctx, t.InstanceType)
		if err != nil {
			logger.Warn("rate lookup failed, target keeps the default rate",
				"target", t.Name,
				"instance_type", t.InstanceType,
				"error", err,
			)
			continue
		}
		t.HourlyRateUSD = rate
		logger.Info("resolved savings rate",
			"target", t.Name,
			"instance_type", t.InstanceType,
			"rate_usd", rate,
		)
	}
}
