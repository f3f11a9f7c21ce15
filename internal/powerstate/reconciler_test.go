package powerstate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/powerstate"
)

func newFakeSession(t *testing.T, scenarioJSON string) *cloudapi.FakePowerProvider {
	t.Helper()
	fake, err := cloudapi.NewFakePowerProviderFromJSON(scenarioJSON)
	if err != nil {
		t.Fatalf("building fake session failed: %v", err)
	}
	return fake
}

const morningStartScenario = `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [
          {"code": "ProvisioningState/succeeded", "display_status": "Provisioning succeeded"},
          {"code": "PowerState/deallocated", "display_status": "VM deallocated"}
        ]}
      ]
    }
  }
}`

func TestReconcile_PowerOn_StartsDeallocatedVM(t *testing.T) {
	fake := newFakeSession(t, morningStartScenario)
	rec := powerstate.NewReconciler(nil)

	ref := powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}

	result, err := rec.Reconcile(context.Background(), fake, ref, powerstate.ON)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.PriorState != powerstate.Deallocated {
		t.Errorf("prior state = %v, want Deallocated", result.PriorState)
	}
	if result.Action != powerstate.Started {
		t.Errorf("action = %v, want Started", result.Action)
	}
	wantTrace := "[vm-mssql-dev] powerstate: [VM deallocated]. Powering ON....."
	if result.Trace != wantTrace {
		t.Errorf("trace = %q, want %q", result.Trace, wantTrace)
	}

	starts := fake.StartCalls()
	if len(starts) != 1 {
		t.Fatalf("start calls = %d, want 1", len(starts))
	}
	if starts[0].ResourceGroup != "rg-sql-dev" || starts[0].VMName != "vm-mssql-dev" {
		t.Errorf("start call targeted %s/%s", starts[0].ResourceGroup, starts[0].VMName)
	}
	if got := len(fake.StopCalls()); got != 0 {
		t.Errorf("stop calls = %d, want 0", got)
	}
}

func TestReconcile_PowerOff_RunningVMIsStoppedAndDeallocated(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-prod",
  "subscriptions": ["sub-contoso-prod"],
  "vms": {
    "rg-web-prod/vm-web-prod": {
      "statuses": [
        {"entries": [
          {"code": "ProvisioningState/succeeded", "display_status": "Provisioning succeeded"},
          {"code": "PowerState/running", "display_status": "VM running"}
        ]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	ref := powerstate.VMRef{
		VMName:         "vm-web-prod",
		ResourceGroup:  "rg-web-prod",
		SubscriptionID: "sub-contoso-prod",
	}

	result, err := rec.Reconcile(context.Background(), fake, ref, powerstate.OFF)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.Action != powerstate.StoppedAndDeallocated {
		t.Errorf("action = %v, want StoppedAndDeallocated", result.Action)
	}
	wantTrace := "[vm-web-prod] powerstate: [VM running]. Turning machine OFF and deallocating...."
	if result.Trace != wantTrace {
		t.Errorf("trace = %q, want %q", result.Trace, wantTrace)
	}

	stops := fake.StopCalls()
	if len(stops) != 1 {
		t.Fatalf("stop calls = %d, want 1", len(stops))
	}
	if !stops[0].Force {
		t.Error("stop call was not forced")
	}
}

func TestReconcile_PowerOff_StoppedVMStillDeallocates(t *testing.T) {
	// Stopped is not good enough for OFF: reserved compute still bills
	// until the VM is deallocated.
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-prod",
  "subscriptions": ["sub-contoso-prod"],
  "vms": {
    "rg-web-prod/vm-web-prod": {
      "statuses": [
        {"entries": [
          {"code": "ProvisioningState/succeeded", "display_status": "Provisioning succeeded"},
          {"code": "PowerState/stopped", "display_status": "VM stopped"}
        ]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	result, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-web-prod",
		ResourceGroup:  "rg-web-prod",
		SubscriptionID: "sub-contoso-prod",
	}, powerstate.OFF)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.PriorState != powerstate.Stopped {
		t.Errorf("prior state = %v, want Stopped", result.PriorState)
	}
	if result.Action != powerstate.StoppedAndDeallocated {
		t.Errorf("action = %v, want StoppedAndDeallocated", result.Action)
	}
	if got := len(fake.StopCalls()); got != 1 {
		t.Errorf("stop calls = %d, want 1", got)
	}
}

func TestReconcile_PowerOn_StoppedVMStarts(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "PowerState/stopped", "display_status": "VM stopped"}]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	result, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}, powerstate.ON)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Action != powerstate.Started {
		t.Errorf("action = %v, want Started", result.Action)
	}
}

func TestReconcile_NoOpTraces(t *testing.T) {
	tests := []struct {
		name      string
		display   string
		code      string
		desired   powerstate.DesiredPower
		wantTrace string
	}{
		{
			name:      "already running",
			display:   "VM running",
			code:      "PowerState/running",
			desired:   powerstate.ON,
			wantTrace: "[vm-mssql-dev] is already powered up and running.",
		},
		{
			name:      "already deallocated",
			display:   "VM deallocated",
			code:      "PowerState/deallocated",
			desired:   powerstate.OFF,
			wantTrace: "[vm-mssql-dev] is already powered off and deallocated.",
		},
		{
			name:      "unclassified on",
			display:   "VM starting",
			code:      "PowerState/starting",
			desired:   powerstate.ON,
			wantTrace: "[vm-mssql-dev] powerstate: [VM starting]. No action taken.",
		},
		{
			name:      "unclassified off",
			display:   "VM stopping",
			code:      "PowerState/stopping",
			desired:   powerstate.OFF,
			wantTrace: "[vm-mssql-dev] powerstate: [VM stopping]. No action taken.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "`+tt.code+`", "display_status": "`+tt.display+`"}]}
      ]
    }
  }
}`)
			rec := powerstate.NewReconciler(nil)

			result, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
				VMName:         "vm-mssql-dev",
				ResourceGroup:  "rg-sql-dev",
				SubscriptionID: "sub-contoso-dev",
			}, tt.desired)
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}

			if result.Action != powerstate.NoAction {
				t.Errorf("action = %v, want NoAction", result.Action)
			}
			if result.Trace != tt.wantTrace {
				t.Errorf("trace = %q, want %q", result.Trace, tt.wantTrace)
			}
			if got := fake.MutationCount(); got != 0 {
				t.Errorf("mutations = %d, want 0", got)
			}
		})
	}
}

func TestReconcile_SubscriptionSwitchedOnlyOnMismatch(t *testing.T) {
	scenario := `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev", "sub-contoso-prod"],
  "vms": {
    "*/*": {
      "statuses": [
        {"entries": [{"code": "PowerState/running", "display_status": "VM running"}]}
      ]
    }
  }
}`

	t.Run("matching context leaves session alone", func(t *testing.T) {
		fake := newFakeSession(t, scenario)
		rec := powerstate.NewReconciler(nil)

		_, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
			VMName:         "vm-a",
			ResourceGroup:  "rg-a",
			SubscriptionID: "sub-contoso-dev",
		}, powerstate.ON)
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if calls := fake.SelectCalls(); len(calls) != 0 {
			t.Errorf("select calls = %v, want none", calls)
		}
	})

	t.Run("mismatch switches once and sticks", func(t *testing.T) {
		fake := newFakeSession(t, scenario)
		rec := powerstate.NewReconciler(nil)
		ref := powerstate.VMRef{
			VMName:         "vm-a",
			ResourceGroup:  "rg-a",
			SubscriptionID: "sub-contoso-prod",
		}

		for i := 0; i < 2; i++ {
			if _, err := rec.Reconcile(context.Background(), fake, ref, powerstate.ON); err != nil {
				t.Fatalf("Reconcile(%d) failed: %v", i+1, err)
			}
		}

		calls := fake.SelectCalls()
		if len(calls) != 1 || calls[0] != "sub-contoso-prod" {
			t.Errorf("select calls = %v, want exactly one switch to sub-contoso-prod", calls)
		}
		if fake.ActiveSubscription() != "sub-contoso-prod" {
			t.Errorf("active subscription = %q after switch", fake.ActiveSubscription())
		}
	})
}

func TestReconcile_ContextSwitchFailureStopsEverything(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "*/*": {
      "statuses": [
        {"entries": [{"code": "PowerState/deallocated", "display_status": "VM deallocated"}]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	_, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-a",
		ResourceGroup:  "rg-a",
		SubscriptionID: "sub-unknown",
	}, powerstate.ON)
	if !errors.Is(err, cloudapi.ErrContextSwitch) {
		t.Fatalf("expected ErrContextSwitch, got: %v", err)
	}
	if got := fake.MutationCount(); got != 0 {
		t.Errorf("mutations = %d after failed switch, want 0", got)
	}
}

func TestReconcile_VMNotFoundSurfaces(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-gone": {
      "statuses": [{"error_kind": "not_found"}]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	_, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-gone",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}, powerstate.OFF)
	if !errors.Is(err, cloudapi.ErrVMNotFound) {
		t.Fatalf("expected ErrVMNotFound, got: %v", err)
	}
	if got := fake.MutationCount(); got != 0 {
		t.Errorf("mutations = %d, want 0", got)
	}
}

func TestReconcile_TransientQueryFailureIsNotRetried(t *testing.T) {
	// One scripted failure followed by a healthy response: the failing call
	// must consume exactly one step, so the next invocation sees the
	// recovery. A retry inside Reconcile would swallow the failure.
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"error_kind": "transient"},
        {"entries": [{"code": "PowerState/running", "display_status": "VM running"}]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)
	ref := powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}

	_, err := rec.Reconcile(context.Background(), fake, ref, powerstate.ON)
	if !errors.Is(err, cloudapi.ErrTransientQuery) {
		t.Fatalf("expected ErrTransientQuery, got: %v", err)
	}
	if got := fake.MutationCount(); got != 0 {
		t.Errorf("mutations = %d after failed query, want 0", got)
	}

	result, err := rec.Reconcile(context.Background(), fake, ref, powerstate.ON)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if result.PriorState != powerstate.Running {
		t.Errorf("second call saw %v, want Running (first call must not have retried)", result.PriorState)
	}
}

func TestReconcile_InFlightProvisioningNeverActs(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "ProvisioningState/updating", "display_status": "VM running"}]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	result, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}, powerstate.OFF)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.PriorState != powerstate.Unclassified {
		t.Errorf("prior state = %v, want Unclassified", result.PriorState)
	}
	if result.Action != powerstate.NoAction {
		t.Errorf("action = %v, want NoAction", result.Action)
	}
	if got := fake.MutationCount(); got != 0 {
		t.Errorf("mutations = %d, want 0", got)
	}
}

func TestReconcile_ConvergesWithOneMutation(t *testing.T) {
	// Deallocated, then starting, then running: only the first invocation
	// mutates; the rest observe and leave the VM alone.
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "PowerState/deallocated", "display_status": "VM deallocated"}]},
        {"entries": [{"code": "PowerState/starting", "display_status": "VM starting"}]},
        {"entries": [{"code": "PowerState/running", "display_status": "VM running"}]}
      ]
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)
	ref := powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}

	wantActions := []powerstate.Action{
		powerstate.Started,
		powerstate.NoAction,
		powerstate.NoAction,
	}
	for i, want := range wantActions {
		result, err := rec.Reconcile(context.Background(), fake, ref, powerstate.ON)
		if err != nil {
			t.Fatalf("Reconcile(%d) failed: %v", i+1, err)
		}
		if result.Action != want {
			t.Errorf("Reconcile(%d) action = %v, want %v", i+1, result.Action, want)
		}
	}

	if got := fake.MutationCount(); got != 1 {
		t.Errorf("mutations = %d across convergence, want 1", got)
	}
}

func TestReconcile_StartFailureSurfacesVerbatim(t *testing.T) {
	fake := newFakeSession(t, `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "PowerState/deallocated", "display_status": "VM deallocated"}]}
      ],
      "start_error": "quota exceeded"
    }
  }
}`)
	rec := powerstate.NewReconciler(nil)

	result, err := rec.Reconcile(context.Background(), fake, powerstate.VMRef{
		VMName:         "vm-mssql-dev",
		ResourceGroup:  "rg-sql-dev",
		SubscriptionID: "sub-contoso-dev",
	}, powerstate.ON)
	if !errors.Is(err, cloudapi.ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got: %v", err)
	}

	// The decision stands even though the call failed; the caller gets both.
	if result.Action != powerstate.Started {
		t.Errorf("action = %v, want Started", result.Action)
	}
	if result.Trace == "" {
		t.Error("trace missing from failed-action result")
	}
}

func TestReconcile_RejectsIncompleteRef(t *testing.T) {
	fake := newFakeSession(t, morningStartScenario)
	rec := powerstate.NewReconciler(nil)

	tests := []struct {
		name string
		ref  powerstate.VMRef
	}{
		{"missing vm name", powerstate.VMRef{ResourceGroup: "rg", SubscriptionID: "sub"}},
		{"missing resource group", powerstate.VMRef{VMName: "vm", SubscriptionID: "sub"}},
		{"missing subscription", powerstate.VMRef{VMName: "vm", ResourceGroup: "rg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rec.Reconcile(context.Background(), fake, tt.ref, powerstate.ON); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if got := fake.MutationCount(); got != 0 {
		t.Errorf("mutations = %d from invalid refs, want 0", got)
	}
}
