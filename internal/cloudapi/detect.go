// Package cloudapi provides cloud provider auto-detection.
// Detects Azure, AWS, or GCP based on environment and IMDS.
package cloudapi

import (
	"context"
	"net/http"
	"os"
	"time"
)

// CloudType represents a cloud provider.
type CloudType string

const (
	CloudTypeAzure   CloudType = "azure"
	CloudTypeAWS     CloudType = "aws"
	CloudTypeGCP     CloudType = "gcp"
	CloudTypeUnknown CloudType = "unknown"
)

// IMDSEndpoints for cloud detection.
const (
	azureIMDSEndpoint = "http://169.254.169.254/metadata/instance"
	awsIMDSEndpoint   = "http://169.254.169.254/latest/meta-data/"
	gcpIMDSEndpoint   = "http://metadata.google.internal/computeMetadata/v1/"
)

// DetectCloud automatically detects the cloud provider.
// Detection order:
// 1. Environment variables (fastest)
// 2. IMDS endpoints (most reliable)
// Azure is probed first in both passes; it is the primary target of this
// agent and its env signals never overlap the other clouds'.
func DetectCloud(ctx context.Context) CloudType {
	// 1. Check environment variables first (fastest)
	if cloud := detectFromEnv(); cloud != CloudTypeUnknown {
		return cloud
	}

	// 2. Check IMDS endpoints
	if cloud := detectFromIMDS(ctx); cloud != CloudTypeUnknown {
		return cloud
	}

	return CloudTypeUnknown
}

// detectFromEnv checks common environment variables.
func detectFromEnv() CloudType {
	// Azure indicators
	if os.Getenv("AZURE_SUBSCRIPTION_ID") != "" {
		return CloudTypeAzure
	}
	if os.Getenv("AZURE_TENANT_ID") != "" {
		return CloudTypeAzure
	}

	// AWS indicators
	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_DEFAULT_REGION") != "" {
		return CloudTypeAWS
	}
	if os.Getenv("AWS_EXECUTION_ENV") != "" {
		return CloudTypeAWS
	}

	// GCP indicators
	if os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GCP_PROJECT") != "" {
		return CloudTypeGCP
	}
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		return CloudTypeGCP
	}

	return CloudTypeUnknown
}

// detectFromIMDS probes instance metadata endpoints.
func detectFromIMDS(ctx context.Context) CloudType {
	client := &http.Client{
		Timeout: 2 * time.Second,
	}

	// Azure and GCP both require a marker header, so a positive answer from
	// either is unambiguous. AWS is probed last; its endpoint IP is shared
	// with Azure's.
	if checkAzureIMDS(ctx, client) {
		return CloudTypeAzure
	}

	if checkGCPIMDS(ctx, client) {
		return CloudTypeGCP
	}

	if checkAWSIMDS(ctx, client) {
		return CloudTypeAWS
	}

	return CloudTypeUnknown
}

// checkAzureIMDS probes Azure Instance Metadata Service.
func checkAzureIMDS(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", azureIMDSEndpoint+"?api-version=2021-02-01", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata", "true")

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// checkGCPIMDS probes GCP Metadata Server.
func checkGCPIMDS(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", gcpIMDSEndpoint+"project/project-id", nil)
	if err != nil {
		return false
	}
	// GCP requires this header
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// checkAWSIMDS probes AWS Instance Metadata Service.
func checkAWSIMDS(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", awsIMDSEndpoint, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
