package powerstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
)

// VMRef identifies the target VM for one reconciliation. Immutable for the
// duration of the call; never persisted.
type VMRef struct {
	VMName         string
	ResourceGroup  string
	SubscriptionID string
}

// Validate rejects empty identifier fields before any remote call is made.
func (r VMRef) Validate() error {
	if r.VMName == "" {
		return fmt.Errorf("powerstate: vm name is required")
	}
	if r.ResourceGroup == "" {
		return fmt.Errorf("powerstate: resource group is required")
	}
	if r.SubscriptionID == "" {
		return fmt.Errorf("powerstate: subscription id is required")
	}
	return nil
}

// Action is the mutation a reconciliation decided on.
type Action int

const (
	// NoAction means the observed state already satisfied the desired state.
	NoAction Action = iota
	// Started means a start call was issued.
	Started
	// StoppedAndDeallocated means a forced stop-and-deallocate call was issued.
	StoppedAndDeallocated
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Started:
		return "Started"
	case StoppedAndDeallocated:
		return "StoppedAndDeallocated"
	default:
		return "NoAction"
	}
}

// ReconcileResult captures one reconciliation decision.
type ReconcileResult struct {
	// PriorState is the classified state observed before any action.
	PriorState PowerState

	// PriorDisplayStatus is the raw display text behind PriorState, kept for
	// the trace.
	PriorDisplayStatus string

	// Action is what the reconciler decided to do.
	Action Action

	// Trace is the human-readable decision line, also logged at Info.
	Trace string
}

// Reconciler drives one VM's power state toward a desired state per call.
// It holds no state between calls; the session owns credentials and the
// active subscription context.
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a reconciler logging through the given logger.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger}
}

// Reconcile ensures the remote VM's power state matches desired, issuing at
// most one mutating call and only on a genuine mismatch. Nothing is retried
// and nothing is rolled back: context-switch, lookup, query, and action
// failures all surface to the caller as-is.
func (r *Reconciler) Reconcile(ctx context.Context, session cloudapi.PowerProvider, ref VMRef, desired DesiredPower) (ReconcileResult, error) {
	if err := ref.Validate(); err != nil {
		return ReconcileResult{}, err
	}

	// Step 1: make sure the session targets the VM's subscription.
	// Switched if and only if the active context differs.
	if active := session.ActiveSubscription(); active != ref.SubscriptionID {
		r.logger.Debug("switching subscription context",
			"from", active,
			"to", ref.SubscriptionID,
		)
		if err := session.SelectSubscription(ctx, ref.SubscriptionID); err != nil {
			return ReconcileResult{}, fmt.Errorf("select subscription %s: %w", ref.SubscriptionID, err)
		}
	}

	// Step 2: fetch the current status collection.
	entries, err := session.VMStatus(ctx, ref.ResourceGroup, ref.VMName)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("query status of %s: %w", ref.VMName, err)
	}

	// Step 3: classify.
	state, display := ClassifyStatuses(entries)

	// Step 4: decide. A stopped-but-not-deallocated VM still bills for
	// reserved compute, so OFF acts on Stopped as well as Running; only
	// Deallocated is the true OFF terminal state.
	action := NoAction
	switch desired {
	case ON:
		if state == Stopped || state == Deallocated {
			action = Started
		}
	case OFF:
		if state == Running || state == Stopped {
			action = StoppedAndDeallocated
		}
	}

	result := ReconcileResult{
		PriorState:         state,
		PriorDisplayStatus: display,
		Action:             action,
		Trace:              trace(ref.VMName, display, state, desired, action),
	}

	// Step 5: trace first, then act, matching the order a reader of the log
	// sees the decision in.
	r.logger.Info(result.Trace,
		"vm", ref.VMName,
		"resource_group", ref.ResourceGroup,
		"prior_state", state.String(),
		"desired", desired.String(),
		"action", action.String(),
	)

	switch action {
	case Started:
		// Issued, not awaited: whether to poll for the VM to come up is the
		// caller's business.
		if err := session.StartVM(ctx, ref.ResourceGroup, ref.VMName); err != nil {
			return result, fmt.Errorf("start %s: %w", ref.VMName, err)
		}
	case StoppedAndDeallocated:
		if err := session.StopAndDeallocateVM(ctx, ref.ResourceGroup, ref.VMName, true); err != nil {
			return result, fmt.Errorf("stop and deallocate %s: %w", ref.VMName, err)
		}
	}

	return result, nil
}

// trace renders the decision line for one reconciliation.
func trace(vmName, display string, state PowerState, desired DesiredPower, action Action) string {
	switch action {
	case Started:
		return fmt.Sprintf("[%s] powerstate: [%s]. Powering ON.....", vmName, display)
	case StoppedAndDeallocated:
		return fmt.Sprintf("[%s] powerstate: [%s]. Turning machine OFF and deallocating....", vmName, display)
	}
	if state == Unclassified {
		return fmt.Sprintf("[%s] powerstate: [%s]. No action taken.", vmName, display)
	}
	if desired == ON {
		return fmt.Sprintf("[%s] is already powered up and running.", vmName)
	}
	return fmt.Sprintf("[%s] is already powered off and deallocated.", vmName)
}
