// Package cloudapi provides factories for power session instantiation.
package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/softcane/vm-power-agent/internal/cloudapi/aws"
	"github.com/softcane/vm-power-agent/internal/cloudapi/azure"
	"github.com/softcane/vm-power-agent/internal/cloudapi/gcp"
)

// NewAutoDetectedPowerProvider creates a power session based on detected cloud.
func NewAutoDetectedPowerProvider(ctx context.Context, logger *slog.Logger) (PowerProvider, CloudType, error) {
	cloud := DetectCloud(ctx)

	switch cloud {
	case CloudTypeAzure:
		provider, err := NewAzurePowerSession(ctx, getAzureSubscription(), logger)
		if err != nil {
			return nil, cloud, fmt.Errorf("failed to create Azure power session: %w", err)
		}
		return provider, cloud, nil

	case CloudTypeAWS:
		provider, err := NewAWSPowerProvider(ctx, getAWSRegion(), getAWSAccountLabel(), logger)
		if err != nil {
			return nil, cloud, fmt.Errorf("failed to create AWS power provider: %w", err)
		}
		return provider, cloud, nil

	case CloudTypeGCP:
		provider, err := NewGCPPowerProvider(ctx, getGCPProject(), logger)
		if err != nil {
			return nil, cloud, fmt.Errorf("failed to create GCP power provider: %w", err)
		}
		return provider, cloud, nil

	default:
		return nil, cloud, fmt.Errorf("unsupported cloud: %s", cloud)
	}
}

// NewAzurePowerSession creates an ARM-backed power provider. subscriptionID
// may be empty; the first reconcile then selects the subscription it needs.
func NewAzurePowerSession(ctx context.Context, subscriptionID string, logger *slog.Logger) (PowerProvider, error) {
	session, err := azure.NewSession(ctx, subscriptionID, logger)
	if err != nil {
		return nil, translateAzureErr(err)
	}
	return &azurePowerAdapter{session: session}, nil
}

// NewAWSPowerProvider creates an EC2-backed power provider for a specific
// region. account labels the credential identity reported as the active
// subscription.
func NewAWSPowerProvider(ctx context.Context, region, account string, logger *slog.Logger) (PowerProvider, error) {
	client, err := aws.NewPowerClient(ctx, region, account, logger)
	if err != nil {
		return nil, err
	}
	return &awsPowerAdapter{client: client}, nil
}

// NewGCPPowerProvider creates a Compute Engine-backed power provider for a
// specific project.
func NewGCPPowerProvider(ctx context.Context, project string, logger *slog.Logger) (PowerProvider, error) {
	client, err := gcp.NewPowerClient(ctx, project, logger)
	if err != nil {
		return nil, translateGCPErr(err)
	}
	return &gcpPowerAdapter{client: client}, nil
}

// NewAWSRateProvider creates a Pricing-API-backed rate provider. region is
// the region whose rates are quoted, not where the API is called.
func NewAWSRateProvider(ctx context.Context, region string, logger *slog.Logger) (RateProvider, error) {
	client, err := aws.NewPriceClient(ctx, region, logger)
	if err != nil {
		return nil, err
	}
	return &awsRateAdapter{client: client}, nil
}

// NewGCPRateProvider creates a rate provider that estimates hourly cost from
// machine type shape. Machine types are zonal, so the zone is fixed here.
func NewGCPRateProvider(ctx context.Context, project, zone string, logger *slog.Logger) (RateProvider, error) {
	client, err := gcp.NewPriceClient(ctx, project, logger)
	if err != nil {
		return nil, err
	}
	return &gcpRateAdapter{client: client, zone: zone}, nil
}

// getAzureSubscription returns the Azure subscription from environment.
func getAzureSubscription() string {
	return os.Getenv("AZURE_SUBSCRIPTION_ID")
}

// getAWSRegion returns the AWS region from environment or default.
func getAWSRegion() string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}

// getAWSAccountLabel returns the label reported as the AWS account identity.
func getAWSAccountLabel() string {
	if profile := os.Getenv("AWS_PROFILE"); profile != "" {
		return profile
	}
	return "default"
}

// getGCPProject returns the GCP project from environment.
func getGCPProject() string {
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" {
		return project
	}
	if project := os.Getenv("GCP_PROJECT"); project != "" {
		return project
	}
	return ""
}

// azurePowerAdapter adapts azure.Session to PowerProvider.
type azurePowerAdapter struct {
	session *azure.Session
}

var _ PowerProvider = (*azurePowerAdapter)(nil)

func (a *azurePowerAdapter) ActiveSubscription() string {
	return a.session.Active()
}

func (a *azurePowerAdapter) SelectSubscription(ctx context.Context, subscriptionID string) error {
	if err := a.session.Select(ctx, subscriptionID); err != nil {
		return translateAzureErr(err)
	}
	return nil
}

func (a *azurePowerAdapter) VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error) {
	statuses, err := a.session.InstanceStatuses(ctx, resourceGroup, vmName)
	if err != nil {
		return nil, translateAzureErr(err)
	}
	entries := make([]StatusEntry, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, StatusEntry{Code: s.Code, DisplayStatus: s.DisplayStatus})
	}
	return entries, nil
}

func (a *azurePowerAdapter) StartVM(ctx context.Context, resourceGroup, vmName string) error {
	if err := a.session.Start(ctx, resourceGroup, vmName); err != nil {
		return translateAzureErr(err)
	}
	return nil
}

// StopAndDeallocateVM maps straight to ARM deallocation. Deallocate is
// already a platform-level power off, so force needs no separate mapping.
func (a *azurePowerAdapter) StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error {
	if err := a.session.Deallocate(ctx, resourceGroup, vmName); err != nil {
		return translateAzureErr(err)
	}
	return nil
}

func (a *azurePowerAdapter) IsDryRun() bool {
	return false
}

func translateAzureErr(err error) error {
	switch {
	case errors.Is(err, azure.ErrSubscriptionAccess):
		return fmt.Errorf("%w: %w", ErrContextSwitch, err)
	case errors.Is(err, azure.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrVMNotFound, err)
	case errors.Is(err, azure.ErrQuery):
		return fmt.Errorf("%w: %w", ErrTransientQuery, err)
	case errors.Is(err, azure.ErrAction):
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	default:
		return err
	}
}

// awsPowerAdapter adapts aws.PowerClient to PowerProvider.
type awsPowerAdapter struct {
	client *aws.PowerClient
}

var _ PowerProvider = (*awsPowerAdapter)(nil)

func (a *awsPowerAdapter) ActiveSubscription() string {
	return a.client.Account()
}

func (a *awsPowerAdapter) SelectSubscription(ctx context.Context, subscriptionID string) error {
	if err := a.client.SelectAccount(subscriptionID); err != nil {
		return translateAWSErr(err)
	}
	return nil
}

func (a *awsPowerAdapter) VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error) {
	statuses, err := a.client.InstanceStatuses(ctx, resourceGroup, vmName)
	if err != nil {
		return nil, translateAWSErr(err)
	}
	entries := make([]StatusEntry, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, StatusEntry{Code: s.Code, DisplayStatus: s.DisplayStatus})
	}
	return entries, nil
}

func (a *awsPowerAdapter) StartVM(ctx context.Context, resourceGroup, vmName string) error {
	if err := a.client.Start(ctx, resourceGroup, vmName); err != nil {
		return translateAWSErr(err)
	}
	return nil
}

func (a *awsPowerAdapter) StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error {
	if err := a.client.StopAndDeallocate(ctx, resourceGroup, vmName, force); err != nil {
		return translateAWSErr(err)
	}
	return nil
}

func (a *awsPowerAdapter) IsDryRun() bool {
	return false
}

// awsRateAdapter adapts aws.PriceClient to RateProvider.
type awsRateAdapter struct {
	client *aws.PriceClient
}

var _ RateProvider = (*awsRateAdapter)(nil)

func (a *awsRateAdapter) HourlyRate(ctx context.Context, instanceType string) (float64, error) {
	return a.client.GetOnDemandPrice(ctx, instanceType)
}

func translateAWSErr(err error) error {
	switch {
	case errors.Is(err, aws.ErrAccountMismatch):
		return fmt.Errorf("%w: %w", ErrContextSwitch, err)
	case errors.Is(err, aws.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrVMNotFound, err)
	case errors.Is(err, aws.ErrQuery):
		return fmt.Errorf("%w: %w", ErrTransientQuery, err)
	case errors.Is(err, aws.ErrAction):
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	default:
		return err
	}
}

// gcpPowerAdapter adapts gcp.PowerClient to PowerProvider.
type gcpPowerAdapter struct {
	client *gcp.PowerClient
}

var _ PowerProvider = (*gcpPowerAdapter)(nil)

func (g *gcpPowerAdapter) ActiveSubscription() string {
	return g.client.Project()
}

func (g *gcpPowerAdapter) SelectSubscription(ctx context.Context, subscriptionID string) error {
	if err := g.client.Select(ctx, subscriptionID); err != nil {
		return translateGCPErr(err)
	}
	return nil
}

func (g *gcpPowerAdapter) VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error) {
	statuses, err := g.client.InstanceStatuses(ctx, resourceGroup, vmName)
	if err != nil {
		return nil, translateGCPErr(err)
	}
	entries := make([]StatusEntry, 0, len(statuses))
	for _, s := range statuses {
		entries = append(entries, StatusEntry{Code: s.Code, DisplayStatus: s.DisplayStatus})
	}
	return entries, nil
}

func (g *gcpPowerAdapter) StartVM(ctx context.Context, resourceGroup, vmName string) error {
	if err := g.client.Start(ctx, resourceGroup, vmName); err != nil {
		return translateGCPErr(err)
	}
	return nil
}

func (g *gcpPowerAdapter) StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error {
	if err := g.client.StopAndDeallocate(ctx, resourceGroup, vmName, force); err != nil {
		return translateGCPErr(err)
	}
	return nil
}

func (g *gcpPowerAdapter) IsDryRun() bool {
	return false
}

// gcpRateAdapter adapts gcp.PriceClient to RateProvider.
type gcpRateAdapter struct {
	client *gcp.PriceClient
	zone   string
}

var _ RateProvider = (*gcpRateAdapter)(nil)

func (g *gcpRateAdapter) HourlyRate(ctx context.Context, instanceType string) (float64, error) {
	return g.client.GetOnDemandPrice(ctx, instanceType, g.zone)
}

func translateGCPErr(err error) error {
	switch {
	case errors.Is(err, gcp.ErrProjectAccess):
		return fmt.Errorf("%w: %w", ErrContextSwitch, err)
	case errors.Is(err, gcp.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrVMNotFound, err)
	case errors.Is(err, gcp.ErrQuery):
		return fmt.Errorf("%w: %w", ErrTransientQuery, err)
	case errors.Is(err, gcp.ErrAction):
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	default:
		return err
	}
}
