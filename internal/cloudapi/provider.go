// Package cloudapi provides abstractions for cloud provider operations.
// All mutating operations pass through the PowerGate dry-run wrapper.
package cloudapi

import "context"

// StatusEntry is one coded status line from a VM's instance view.
// Provisioning state and power state are both reported this way.
type StatusEntry struct {
	Code          string
	DisplayStatus string
}

// Display-status vocabulary. Adapters normalize their native power states to
// these strings so classification stays provider-independent.
const (
	DisplayRunning      = "VM running"
	DisplayStopped      = "VM stopped"
	DisplayDeallocated  = "VM deallocated"
	DisplayStarting     = "VM starting"
	DisplayStopping     = "VM stopping"
	DisplayDeallocating = "VM deallocating"
)

// Status code prefixes and terminal codes.
const (
	PowerStateCodePrefix    = "PowerState/"
	ProvisioningCodePrefix  = "ProvisioningState/"
	ProvisioningSucceeded   = "ProvisioningState/succeeded"
	ProvisioningStateFailed = "ProvisioningState/failed"
)

// PowerProvider is a session against one cloud account. It owns the
// credentials and the active subscription context and exposes the operations
// a power reconciliation needs. Implementations never gate their own
// mutations; PowerGate does that.
type PowerProvider interface {
	// ActiveSubscription returns the subscription the session currently targets.
	ActiveSubscription() string

	// SelectSubscription switches the session to the given subscription.
	// Errors wrap ErrContextSwitch when the subscription is unknown or
	// inaccessible to the session credentials.
	SelectSubscription(ctx context.Context, subscriptionID string) error

	// VMStatus returns the instance-view status entries for a VM.
	// Errors wrap ErrVMNotFound or ErrTransientQuery.
	VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error)

	// StartVM issues a start call. The call is issued, not awaited to
	// completion; callers poll status if they care.
	StartVM(ctx context.Context, resourceGroup, vmName string) error

	// StopAndDeallocateVM issues a stop that releases the VM's compute
	// capacity. force guarantees deallocation on providers that otherwise
	// leave a soft-stopped machine reserved.
	StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error

	// IsDryRun returns whether the provider simulates mutations.
	IsDryRun() bool
}

// RateProvider resolves the on-demand hourly rate for an instance type.
// The savings meter uses the rate to value deallocated hours; targets with
// an explicit hourly_rate_usd in config never consult a RateProvider.
type RateProvider interface {
	// HourlyRate returns the current on-demand USD/hour rate for an
	// instance type. Implementations may cache aggressively; rates move
	// on the order of months.
	HourlyRate(ctx context.Context, instanceType string) (float64, error)
}
