// Package metrics provides the Prometheus surface of the power agent:
// reconcile outcomes, guardrail activity, observed power states and savings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionTaken counts power mutations issued, by action.
	// action=started|stopped_and_deallocated
	ActionTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpower",
			Name:      "action_total",
			Help:      "Total number of power actions issued",
		},
		[]string{"action"},
	)

	// ReconcileErrors counts reconcile failures by the stage that failed.
	// stage=context_switch|status_query|start|stop_and_deallocate|drain
	ReconcileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpower",
			Name:      "reconcile_errors_total",
			Help:      "Total reconcile failures grouped by stage",
		},
		[]string{"stage"},
	)

	// GuardrailBlocked counts power-off attempts vetoed by guardrails.
	GuardrailBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpower",
			Name:      "guardrail_blocked_total",
			Help:      "Power-off attempts blocked by guardrails",
		},
		[]string{"guardrail"},
	)

	// PowerStateObserved tracks the last classified power state per VM.
	// Values: 0=unclassified, 1=running, 2=stopped, 3=deallocated.
	PowerStateObserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vmpower",
			Name:      "power_state",
			Help:      "Last observed power state (0=unclassified, 1=running, 2=stopped, 3=deallocated)",
		},
		[]string{"vm"},
	)

	// SavingsUSDHourly tracks the hourly compute spend avoided by VMs that
	// are currently deallocated.
	SavingsUSDHourly = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmpower",
			Name:      "savings_usd_hourly",
			Help:      "Current hourly savings from deallocated VMs",
		},
	)

	// ReconcileLoopDuration tracks the control loop cycle time.
	ReconcileLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vmpower",
			Name:      "reconcile_loop_duration_seconds",
			Help:      "Duration of complete reconciliation loop",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// TargetsManaged tracks the number of VM targets under management.
	TargetsManaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmpower",
			Name:      "targets_managed",
			Help:      "Number of VM targets currently managed",
		},
	)

	// TargetsSkipped counts per-cycle skips by reason.
	// reason=disabled|schedule_error
	TargetsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmpower",
			Name:      "targets_skipped_total",
			Help:      "Targets skipped during a reconcile cycle grouped by reason",
		},
		[]string{"reason"},
	)
)

// RecordPowerState publishes a classified state onto the per-VM gauge.
func RecordPowerState(vm string, state int) {
	PowerStateObserved.WithLabelValues(vm).Set(float64(state))
}

// RecordSavings recomputes the savings gauge from the currently
// deallocated targets' hourly rates.
func RecordSavings(hourlyRates []float64) {
	total := 0.0
	for _, rate := range hourlyRates {
		if rate > 0 {
			total += rate
		}
	}
	SavingsUSDHourly.Set(total)
}
