package controller

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/softcane/vm-power-agent/internal/audit"
	"github.com/softcane/vm-power-agent/internal/billing"
	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/metrics"
	"github.com/softcane/vm-power-agent/internal/powerstate"
)

func fakeSession(t *testing.T, scenarioJSON string) *cloudapi.FakePowerProvider {
	t.Helper()
	session, err := cloudapi.NewFakePowerProviderFromJSON(scenarioJSON)
	if err != nil {
		t.Fatalf("building fake session failed: %v", err)
	}
	return session
}

func testTarget() config.TargetConfig {
	return config.TargetConfig{
		Name:          "mssql-dev",
		VM:            "vm-mssql-dev",
		ResourceGroup: "rg-sql-dev",
		Subscription:  "sub-contoso-dev",
	}
}

const deallocatedVMScenario = `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "PowerState/deallocated", "display_status": "VM deallocated"}]}
      ]
    }
  }
}`

const runningVMScenario = `{
  "active_subscription": "sub-contoso-dev",
  "subscriptions": ["sub-contoso-dev"],
  "vms": {
    "rg-sql-dev/vm-mssql-dev": {
      "statuses": [
        {"entries": [{"code": "PowerState/running", "display_status": "VM running"}]}
      ]
    }
  }
}`

func TestNewExecutor_Validation(t *testing.T) {
	session := fakeSession(t, runningVMScenario)

	if _, err := NewExecutor(ExecutorConfig{Reconciler: powerstate.NewReconciler(nil)}); err == nil {
		t.Error("expected error without a session")
	}
	if _, err := NewExecutor(ExecutorConfig{Session: session}); err == nil {
		t.Error("expected error without a reconciler")
	}
	if _, err := NewExecutor(ExecutorConfig{Session: session, Reconciler: powerstate.NewReconciler(nil)}); err != nil {
		t.Errorf("minimal config should build: %v", err)
	}
}

func TestExecute_StartsDeallocatedVM(t *testing.T) {
	session := fakeSession(t, deallocatedVMScenario)
	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	startedCounter := metrics.ActionTaken.WithLabelValues("started")
	countBefore := testutil.ToFloat64(startedCounter)

	result, err := executor.Execute(context.Background(), testTarget(), powerstate.ON, 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Action != powerstate.Started {
		t.Errorf("action = %v, want Started", result.Action)
	}
	if got := len(session.StartCalls()); got != 1 {
		t.Errorf("start calls = %d, want 1", got)
	}

	if got := testutil.ToFloat64(startedCounter); got != countBefore+1 {
		t.Errorf("action_total{started}: got %v, want %v", got, countBefore+1)
	}

	// The gauge reflects the optimistic post-start state.
	gauge := metrics.PowerStateObserved.WithLabelValues("vm-mssql-dev")
	if got := testutil.ToFloat64(gauge); got != float64(powerstate.Running) {
		t.Errorf("power_state{vm-mssql-dev}: got %v, want %v", got, float64(powerstate.Running))
	}
}

func TestExecute_OpensSavingsWindowOnDeallocate(t *testing.T) {
	session := fakeSession(t, runningVMScenario)
	meter := billing.NewMeter(billing.MeterConfig{})
	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Meter:      meter,
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	result, err := executor.Execute(context.Background(), testTarget(), powerstate.OFF, 0.416)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Action != powerstate.StoppedAndDeallocated {
		t.Fatalf("action = %v, want StoppedAndDeallocated", result.Action)
	}
	if got := meter.CurrentHourlyRate(); got != 0.416 {
		t.Errorf("CurrentHourlyRate: got %v, want 0.416", got)
	}
}

func TestExecute_ClosesSavingsWindowOnRunningVM(t *testing.T) {
	session := fakeSession(t, runningVMScenario)
	meter := billing.NewMeter(billing.MeterConfig{})
	// Window from an earlier deallocation; the VM has since been started
	// outside the agent.
	meter.WindowOpened("vm-mssql-dev", 0.416)

	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Meter:      meter,
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	result, err := executor.Execute(context.Background(), testTarget(), powerstate.ON, 0.416)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Action != powerstate.NoAction {
		t.Fatalf("action = %v, want NoAction", result.Action)
	}
	if got := meter.CurrentHourlyRate(); got != 0 {
		t.Errorf("CurrentHourlyRate after observing running VM: got %v, want 0", got)
	}
}

func TestExecute_DrainFailureAbortsPowerOff(t *testing.T) {
	session := fakeSession(t, runningVMScenario)

	k8s := fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "aks-node-1"}},
		nodePod("guarded-pod", "default", "aks-node-1"),
	)
	k8s.PrependReactor("create", "pods/eviction", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("disruption budget", 10)
	})

	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Drainer:    NewDrainer(k8s, nil, DrainConfig{}),
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	drainErrors := metrics.ReconcileErrors.WithLabelValues("drain")
	countBefore := testutil.ToFloat64(drainErrors)

	target := testTarget()
	target.Node = "aks-node-1"

	_, err = executor.Execute(context.Background(), target, powerstate.OFF, 0)
	if err == nil {
		t.Fatal("expected Execute to fail when the drain is refused")
	}
	if !strings.Contains(err.Error(), "before power-off") {
		t.Errorf("error should say the drain aborted the power-off, got: %v", err)
	}

	if got := session.MutationCount(); got != 0 {
		t.Errorf("mutations = %d after aborted drain, want 0", got)
	}
	if got := testutil.ToFloat64(drainErrors); got != countBefore+1 {
		t.Errorf("reconcile_errors_total{drain}: got %v, want %v", got, countBefore+1)
	}
}

func TestExecute_UncordonsAfterPowerOn(t *testing.T) {
	session := fakeSession(t, deallocatedVMScenario)

	k8s := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "aks-node-1"},
		Spec:       corev1.NodeSpec{Unschedulable: true},
	})

	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Drainer:    NewDrainer(k8s, nil, DrainConfig{}),
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	target := testTarget()
	target.Node = "aks-node-1"

	result, err := executor.Execute(context.Background(), target, powerstate.ON, 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Action != powerstate.Started {
		t.Fatalf("action = %v, want Started", result.Action)
	}

	node, _ := k8s.CoreV1().Nodes().Get(context.Background(), "aks-node-1", metav1.GetOptions{})
	if node.Spec.Unschedulable {
		t.Error("node should be schedulable after the VM came back")
	}
}

func TestExecute_AuditManifestEmittedLive(t *testing.T) {
	session := fakeSession(t, deallocatedVMScenario)
	auditor, err := audit.NewAuditor(audit.Config{SecretKey: "test-signing-key", AgentVersion: "1.0.0"}, nil)
	if err != nil {
		t.Fatalf("NewAuditor failed: %v", err)
	}

	var logBuf bytes.Buffer
	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Auditor:    auditor,
		Logger:     slog.New(slog.NewJSONHandler(&logBuf, nil)),
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	if _, err := executor.Execute(context.Background(), testTarget(), powerstate.ON, 0); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(logBuf.String(), "action manifest") {
		t.Error("expected an action manifest in the log")
	}
}

func TestExecute_AuditManifestSuppressedInDryRun(t *testing.T) {
	session := cloudapi.NewPowerGate(cloudapi.PowerGateConfig{
		DryRun:   true,
		Provider: fakeSession(t, deallocatedVMScenario),
	})
	auditor, err := audit.NewAuditor(audit.Config{SecretKey: "test-signing-key", AgentVersion: "1.0.0"}, nil)
	if err != nil {
		t.Fatalf("NewAuditor failed: %v", err)
	}

	var logBuf bytes.Buffer
	executor, err := NewExecutor(ExecutorConfig{
		Session:    session,
		Reconciler: powerstate.NewReconciler(nil),
		Auditor:    auditor,
		Logger:     slog.New(slog.NewJSONHandler(&logBuf, nil)),
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	result, err := executor.Execute(context.Background(), testTarget(), powerstate.ON, 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Action != powerstate.Started {
		t.Fatalf("action = %v, want Started (simulated)", result.Action)
	}

	if strings.Contains(logBuf.String(), "action manifest") {
		t.Error("dry-run must not sign manifests for actions that never happened")
	}
}

func TestErrorStage(t *testing.T) {
	tests := []struct {
		name   string
		result powerstate.ReconcileResult
		err    error
		want   string
	}{
		{
			name: "context switch",
			err:  cloudapi.ErrContextSwitch,
			want: "context_switch",
		},
		{
			name:   "start failure",
			result: powerstate.ReconcileResult{Action: powerstate.Started},
			err:    cloudapi.ErrActionFailed,
			want:   "start",
		},
		{
			name:   "stop failure",
			result: powerstate.ReconcileResult{Action: powerstate.StoppedAndDeallocated},
			err:    cloudapi.ErrActionFailed,
			want:   "stop_and_deallocate",
		},
		{
			name: "query failure",
			err:  cloudapi.ErrTransientQuery,
			want: "status_query",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorStage(tc.result, tc.err); got != tc.want {
				t.Errorf("errorStage: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestObservedState(t *testing.T) {
	tests := []struct {
		name   string
		result powerstate.ReconcileResult
		want   powerstate.PowerState
	}{
		{
			name:   "start implies running",
			result: powerstate.ReconcileResult{PriorState: powerstate.Deallocated, Action: powerstate.Started},
			want:   powerstate.Running,
		},
		{
			name:   "deallocate implies deallocated",
			result: powerstate.ReconcileResult{PriorState: powerstate.Running, Action: powerstate.StoppedAndDeallocated},
			want:   powerstate.Deallocated,
		},
		{
			name:   "no action keeps the prior state",
			result: powerstate.ReconcileResult{PriorState: powerstate.Stopped, Action: powerstate.NoAction},
			want:   powerstate.Stopped,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := observedState(tc.result); got != tc.want {
				t.Errorf("observedState: got %v, want %v", got, tc.want)
			}
		})
	}
}
