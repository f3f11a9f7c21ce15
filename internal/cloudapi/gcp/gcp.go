// Package gcp provides Compute Engine power and pricing integration.
// Uses Google Cloud SDK for real API calls.
// No mocks, no fallbacks - production only.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Sentinel errors for GCP operations.
var (
	// ErrProjectAccess is returned when the project cannot be read with the
	// ambient credentials.
	ErrProjectAccess = errors.New("gcp: project not accessible")

	// ErrNotFound is returned when the instance does not exist in the zone.
	ErrNotFound = errors.New("gcp: instance not found")

	// ErrQuery is returned for other instance read failures.
	ErrQuery = errors.New("gcp: instance query failed")

	// ErrAction is returned when a start or stop call is rejected.
	ErrAction = errors.New("gcp: power operation rejected")
)

// InstanceStatus is one coded status line, in the same vocabulary the other
// clouds report so classification upstream stays provider-independent.
type InstanceStatus struct {
	Code          string
	DisplayStatus string
}

// PowerClient drives Compute Engine instance power state. The project plays
// the subscription role and the zone plays the resource-group role.
type PowerClient struct {
	instancesClient *compute.InstancesClient
	zonesClient     *compute.ZonesClient
	logger          *slog.Logger

	mu      sync.RWMutex
	project string
}

// NewPowerClient creates a Compute Engine power client. If project is
// non-empty it is selected (and validated) immediately.
func NewPowerClient(ctx context.Context, project string, logger *slog.Logger) (*PowerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	instancesClient, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create instances client: %w", err)
	}

	zonesClient, err := compute.NewZonesRESTClient(ctx)
	if err != nil {
		instancesClient.Close()
		return nil, fmt.Errorf("failed to create zones client: %w", err)
	}

	c := &PowerClient{
		instancesClient: instancesClient,
		zonesClient:     zonesClient,
		logger:          logger,
	}

	if project != "" {
		if err := c.Select(ctx, project); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases resources.
func (c *PowerClient) Close() error {
	err := c.instancesClient.Close()
	if zerr := c.zonesClient.Close(); err == nil {
		err = zerr
	}
	return err
}

// Project returns the currently selected project, or "" before the first
// Select.
func (c *PowerClient) Project() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.project
}

// Select switches the client to the given project, validating access by
// listing its zones first.
func (c *PowerClient) Select(ctx context.Context, project string) error {
	req := &computepb.ListZonesRequest{
		Project: project,
	}

	var zones int
	it := c.zonesClient.List(ctx, req)
	for {
		_, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrProjectAccess, project, err)
		}
		zones++
	}

	c.mu.Lock()
	c.project = project
	c.mu.Unlock()

	c.logger.Debug("gcp project selected", "project", project, "zones", zones)
	return nil
}

// InstanceStatuses reads the instance and synthesizes an instance-view
// status list from its Compute Engine status.
func (c *PowerClient) InstanceStatuses(ctx context.Context, zone, name string) ([]InstanceStatus, error) {
	project, err := c.selectedProject()
	if err != nil {
		return nil, err
	}

	inst, err := c.instancesClient.Get(ctx, &computepb.GetInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrNotFound, zone, name, err)
		}
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrQuery, zone, name, err)
	}

	status := inst.GetStatus()
	c.logger.Debug("gce instance status fetched",
		"name", name,
		"zone", zone,
		"status", status,
	)
	return statusesForState(status), nil
}

// Start issues an instance start. Issued, not awaited.
func (c *PowerClient) Start(ctx context.Context, zone, name string) error {
	project, err := c.selectedProject()
	if err != nil {
		return err
	}

	_, err = c.instancesClient.Start(ctx, &computepb.StartInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return fmt.Errorf("%w: start %s/%s: %v", ErrAction, zone, name, err)
	}
	return nil
}

// StopAndDeallocate issues an instance stop. Compute Engine's stop already
// releases compute billing and force-terminates after its own shutdown grace
// window, so force needs no separate mapping here.
func (c *PowerClient) StopAndDeallocate(ctx context.Context, zone, name string, force bool) error {
	project, err := c.selectedProject()
	if err != nil {
		return err
	}

	_, err = c.instancesClient.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return fmt.Errorf("%w: stop %s/%s: %v", ErrAction, zone, name, err)
	}
	return nil
}

func (c *PowerClient) selectedProject() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.project == "" {
		return "", fmt.Errorf("%w: no project selected", ErrProjectAccess)
	}
	return c.project, nil
}

// statusesForState synthesizes the two-entry status list (provisioning +
// power) from a Compute Engine instance status.
func statusesForState(status string) []InstanceStatus {
	switch status {
	case "RUNNING":
		return []InstanceStatus{
			{Code: "ProvisioningState/succeeded", DisplayStatus: "Provisioning succeeded"},
			{Code: "PowerState/running", DisplayStatus: "VM running"},
		}
	case "SUSPENDED":
		// Suspended instances keep state and still bill for it: the
		// stopped-but-not-deallocated middle ground.
		return []InstanceStatus{
			{Code: "ProvisioningState/succeeded", DisplayStatus: "Provisioning succeeded"},
			{Code: "PowerState/stopped", DisplayStatus: "VM stopped"},
		}
	case "TERMINATED":
		// TERMINATED is GCE's stopped state; compute billing has ended.
		return []InstanceStatus{
			{Code: "ProvisioningState/succeeded", DisplayStatus: "Provisioning succeeded"},
			{Code: "PowerState/deallocated", DisplayStatus: "VM deallocated"},
		}
	case "PROVISIONING", "STAGING":
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: "Updating"},
			{Code: "PowerState/starting", DisplayStatus: "VM starting"},
		}
	case "STOPPING":
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: "Updating"},
			{Code: "PowerState/deallocating", DisplayStatus: "VM deallocating"},
		}
	case "SUSPENDING":
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: "Updating"},
			{Code: "PowerState/stopping", DisplayStatus: "VM stopping"},
		}
	default:
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: status},
		}
	}
}

// PriceClient estimates on-demand machine pricing from machine type shape.
// GCP has no direct hourly price API, so this derives a rate from vCPU and
// memory counts for savings accounting when no configured rate exists.
type PriceClient struct {
	machineTypesClient *compute.MachineTypesClient
	logger             *slog.Logger
	project            string

	mu            sync.RWMutex
	onDemandCache map[string]float64 // key: machineType:zone
}

// NewPriceClient creates a new GCP price client.
func NewPriceClient(ctx context.Context, project string, logger *slog.Logger) (*PriceClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	machineTypesClient, err := compute.NewMachineTypesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine types client: %w", err)
	}

	return &PriceClient{
		machineTypesClient: machineTypesClient,
		logger:             logger,
		project:            project,
		onDemandCache:      make(map[string]float64),
	}, nil
}

// Close releases resources.
func (c *PriceClient) Close() error {
	return c.machineTypesClient.Close()
}

// GetOnDemandPrice fetches an estimated hourly on-demand price for a machine
// type in a zone.
func (c *PriceClient) GetOnDemandPrice(ctx context.Context, machineType, zone string) (float64, error) {
	// Check cache
	cacheKey := machineType + ":" + zone
	c.mu.RLock()
	if price, ok := c.onDemandCache[cacheKey]; ok {
		c.mu.RUnlock()
		return price, nil
	}
	c.mu.RUnlock()

	// Get machine type details
	req := &computepb.GetMachineTypeRequest{
		Project:     c.project,
		Zone:        zone,
		MachineType: machineType,
	}

	mt, err := c.machineTypesClient.Get(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to get machine type: %w", err)
	}

	// Calculate price based on vCPUs and memory
	// GCP pricing is roughly: $0.033 per vCPU/hour + $0.004 per GB/hour
	vcpus := mt.GetGuestCpus()
	memoryMB := mt.GetMemoryMb()
	memoryGB := float64(memoryMB) / 1024.0

	// Base pricing (approximate, varies by region)
	pricePerVCPU := 0.033
	pricePerGBMemory := 0.004

	price := float64(vcpus)*pricePerVCPU + memoryGB*pricePerGBMemory

	// Cache the result
	c.mu.Lock()
	c.onDemandCache[cacheKey] = price
	c.mu.Unlock()

	c.logger.Debug("machine type price estimated",
		"machine_type", machineType,
		"zone", zone,
		"price", price,
	)
	return price, nil
}
