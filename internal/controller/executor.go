package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softcane/vm-power-agent/internal/audit"
	"github.com/softcane/vm-power-agent/internal/billing"
	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/metrics"
	"github.com/softcane/vm-power-agent/internal/powerstate"
)

// ExecutorConfig wires the executor's collaborators. Session and Reconciler
// are required; Drainer, Meter and Auditor are optional features.
type ExecutorConfig struct {
	Session    cloudapi.PowerProvider
	Reconciler *powerstate.Reconciler
	Drainer    *Drainer
	Meter      *billing.Meter
	Auditor    *audit.Auditor
	Logger     *slog.Logger
}

// Executor applies one target's desired power state: drain ahead of a
// power-off, reconcile, then metrics, savings windows and audit records.
type Executor struct {
	session    cloudapi.PowerProvider
	reconciler *powerstate.Reconciler
	drainer    *Drainer
	meter      *billing.Meter
	auditor    *audit.Auditor
	logger     *slog.Logger
}

// NewExecutor creates a new executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("executor needs a power session")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("executor needs a reconciler")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		session:    cfg.Session,
		reconciler: cfg.Reconciler,
		drainer:    cfg.Drainer,
		meter:      cfg.Meter,
		auditor:    cfg.Auditor,
		logger:     logger,
	}, nil
}

// Execute reconciles one target towards the desired state. A failed drain
// aborts a power-off before any cloud call is made.
func (e *Executor) Execute(ctx context.Context, target config.TargetConfig, desired powerstate.DesiredPower, hourlyRate float64) (powerstate.ReconcileResult, error) {
	ref := powerstate.VMRef{
		VMName:         target.VM,
		ResourceGroup:  target.ResourceGroup,
		SubscriptionID: target.Subscription,
	}

	if desired == powerstate.OFF && target.Node != "" && e.drainer != nil {
		if _, err := e.drainer.Drain(ctx, target.Node); err != nil {
			metrics.ReconcileErrors.WithLabelValues("drain").Inc()
			return powerstate.ReconcileResult{}, fmt.Errorf("drain %s before power-off: %w", target.Node, err)
		}
	}

	result, err := e.reconciler.Reconcile(ctx, e.session, ref, desired)
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(errorStage(result, err)).Inc()
		return result, err
	}

	state := observedState(result)
	metrics.RecordPowerState(target.VM, int(state))

	if result.Action != powerstate.NoAction {
		metrics.ActionTaken.WithLabelValues(actionLabel(result.Action)).Inc()
	}

	// Savings windows open only on our own deallocations but close on any
	// observed running VM, so a machine started outside the agent stops
	// accruing savings.
	if e.meter != nil {
		switch {
		case result.Action == powerstate.StoppedAndDeallocated:
			e.meter.WindowOpened(target.VM, hourlyRate)
		case state == powerstate.Running:
			if err := e.meter.WindowClosed(ctx, target.VM); err != nil {
				e.logger.Error("savings report failed", "vm", target.VM, "error", err)
			}
		}
	}

	// A node cordoned for an earlier power-off becomes schedulable again
	// once the VM is wanted (and observed) up.
	if desired == powerstate.ON && target.Node != "" && e.drainer != nil && state == powerstate.Running {
		if err := e.drainer.Uncordon(ctx, target.Node); err != nil {
			e.logger.Warn("uncordon failed", "node", target.Node, "error", err)
		}
	}

	if result.Action != powerstate.NoAction && e.auditor != nil && !e.session.IsDryRun() {
		manifest := e.auditor.GenerateManifest(ref, result)
		if raw, err := manifest.ToJSON(); err == nil {
			e.logger.Info("action manifest", "manifest", string(raw))
		}
	}

	return result, nil
}

// errorStage classifies a reconcile failure for the error counter.
func errorStage(result powerstate.ReconcileResult, err error) string {
	switch {
	case errors.Is(err, cloudapi.ErrContextSwitch):
		return "context_switch"
	case result.Action == powerstate.Started:
		return "start"
	case result.Action == powerstate.StoppedAndDeallocated:
		return "stop_and_deallocate"
	default:
		return "status_query"
	}
}

// actionLabel maps an action onto its metric label.
func actionLabel(a powerstate.Action) string {
	switch a {
	case powerstate.Started:
		return "started"
	case powerstate.StoppedAndDeallocated:
		return "stopped_and_deallocated"
	default:
		return "no_action"
	}
}

// observedState is the best post-call estimate of the VM's power state:
// the mutation's outcome when one was issued, the prior classification
// otherwise. The next cycle's status query corrects any optimism.
func observedState(result powerstate.ReconcileResult) powerstate.PowerState {
	switch result.Action {
	case powerstate.Started:
		return powerstate.Running
	case powerstate.StoppedAndDeallocated:
		return powerstate.Deallocated
	default:
		return result.PriorState
	}
}
