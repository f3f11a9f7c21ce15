package cloudapi

import (
	"context"
	"log/slog"
)

// PowerGate wraps a real power provider with safety controls.
// Reads always pass through so decisions are made against live status; in
// dry-run mode the mutating calls are logged and simulated instead of
// delegated. Dry-run is the CLI default, so mutations must be armed
// explicitly.
type PowerGate struct {
	dryRun   bool
	provider PowerProvider // The underlying real provider (nil in dry-run only mode)
	logger   *slog.Logger
}

// PowerGateConfig configures the PowerGate.
type PowerGateConfig struct {
	DryRun   bool
	Provider PowerProvider
	Logger   *slog.Logger
}

// NewPowerGate creates a new safety wrapper for power operations.
func NewPowerGate(cfg PowerGateConfig) *PowerGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PowerGate{
		dryRun:   cfg.DryRun,
		provider: cfg.Provider,
		logger:   logger,
	}
}

// ActiveSubscription implements PowerProvider.ActiveSubscription.
func (g *PowerGate) ActiveSubscription() string {
	if g.provider == nil {
		return ""
	}
	return g.provider.ActiveSubscription()
}

// SelectSubscription implements PowerProvider.SelectSubscription.
// Context selection changes session state only, never the cloud, so it is
// not gated.
func (g *PowerGate) SelectSubscription(ctx context.Context, subscriptionID string) error {
	if g.provider == nil {
		g.logger.Error("no cloud provider configured")
		return ErrNoProvider
	}
	return g.provider.SelectSubscription(ctx, subscriptionID)
}

// VMStatus implements PowerProvider.VMStatus. Status queries pass through in
// dry-run mode too; a simulated status would make the trace lie.
func (g *PowerGate) VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error) {
	if g.provider == nil {
		g.logger.Error("no cloud provider configured")
		return nil, ErrNoProvider
	}
	return g.provider.VMStatus(ctx, resourceGroup, vmName)
}

// StartVM implements PowerProvider.StartVM with the dry-run gate.
func (g *PowerGate) StartVM(ctx context.Context, resourceGroup, vmName string) error {
	g.logger.Info("vm start requested",
		"vm", vmName,
		"resource_group", resourceGroup,
		"dry_run", g.dryRun,
	)

	// Dry-run mode: log and return simulated success
	if g.dryRun {
		g.logger.Info("dry-run: simulating vm start",
			"vm", vmName,
			"resource_group", resourceGroup,
			"action", "would_start_vm",
		)
		return nil
	}

	// Real execution path
	if g.provider == nil {
		g.logger.Error("no cloud provider configured for live mode")
		return ErrNoProvider
	}

	return g.provider.StartVM(ctx, resourceGroup, vmName)
}

// StopAndDeallocateVM implements PowerProvider.StopAndDeallocateVM with the
// dry-run gate.
func (g *PowerGate) StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error {
	g.logger.Info("vm stop-and-deallocate requested",
		"vm", vmName,
		"resource_group", resourceGroup,
		"force", force,
		"dry_run", g.dryRun,
	)

	// Dry-run mode: log and return simulated success
	if g.dryRun {
		g.logger.Info("dry-run: simulating vm stop-and-deallocate",
			"vm", vmName,
			"resource_group", resourceGroup,
			"force", force,
			"action", "would_stop_and_deallocate_vm",
		)
		return nil
	}

	// Real execution path
	if g.provider == nil {
		g.logger.Error("no cloud provider configured for live mode")
		return ErrNoProvider
	}

	return g.provider.StopAndDeallocateVM(ctx, resourceGroup, vmName, force)
}

// IsDryRun returns whether the gate is in dry-run mode.
func (g *PowerGate) IsDryRun() bool {
	return g.dryRun
}

// Compile-time interface check
var _ PowerProvider = (*PowerGate)(nil)
