// Package controller hosts the guardrails that gate power-off decisions.
package controller

import (
	"fmt"
	"log/slog"

	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/metrics"
)

// GuardrailResult contains the result of a guardrail check.
type GuardrailResult struct {
	Approved      bool
	Reason        string
	GuardrailName string
}

// GuardrailChecker gates power-off decisions. Power-on is never blocked:
// waking a machine is safe, turning one off is not.
type GuardrailChecker struct {
	cfg    config.GuardrailsConfig
	logger *slog.Logger
}

// NewGuardrailChecker creates a new guardrail checker.
func NewGuardrailChecker(cfg config.GuardrailsConfig, logger *slog.Logger) *GuardrailChecker {
	if logger == nil {
		logger = slog.Default()
	}

	return &GuardrailChecker{
		cfg:    cfg,
		logger: logger,
	}
}

// CheckOff applies all power-off guardrails for one VM.
// runningAfterOff is how many managed VMs stay running if this one goes
// down. cpuPercent is the VM's utilization; negative means unknown.
func (g *GuardrailChecker) CheckOff(vmName string, runningAfterOff int, cpuPercent float64) *GuardrailResult {
	if result := g.checkProtected(vmName); !result.Approved {
		return g.blocked(vmName, result)
	}

	if result := g.checkMinRunning(runningAfterOff); !result.Approved {
		return g.blocked(vmName, result)
	}

	if result := g.checkBusyCPU(cpuPercent); !result.Approved {
		return g.blocked(vmName, result)
	}

	return &GuardrailResult{Approved: true}
}

// blocked records a veto on the guardrail counter and logs it at Warn.
func (g *GuardrailChecker) blocked(vmName string, result *GuardrailResult) *GuardrailResult {
	metrics.GuardrailBlocked.WithLabelValues(result.GuardrailName).Inc()

	g.logger.Warn("power-off blocked by guardrail",
		"vm", vmName,
		"guardrail", result.GuardrailName,
		"reason", result.Reason,
	)

	return result
}

// checkProtected blocks power-off for VMs on the protected list.
func (g *GuardrailChecker) checkProtected(vmName string) *GuardrailResult {
	if g.cfg.IsProtected(vmName) {
		return &GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("vm %s is on the protected list", vmName),
			GuardrailName: "protected",
		}
	}

	return &GuardrailResult{
		Approved:      true,
		GuardrailName: "protected",
	}
}

// checkMinRunning keeps the managed fleet above the running-VM floor.
func (g *GuardrailChecker) checkMinRunning(runningAfterOff int) *GuardrailResult {
	if g.cfg.MinRunning > 0 && runningAfterOff < g.cfg.MinRunning {
		return &GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("powering off would leave %d running, floor is %d", runningAfterOff, g.cfg.MinRunning),
			GuardrailName: "min_running",
		}
	}

	return &GuardrailResult{
		Approved:      true,
		GuardrailName: "min_running",
	}
}

// checkBusyCPU vetoes power-off while the machine is doing real work.
// The veto only fires on a reported utilization; an unknown value (negative)
// never blocks.
func (g *GuardrailChecker) checkBusyCPU(cpuPercent float64) *GuardrailResult {
	if g.cfg.MaxCPUPercentForOff > 0 && cpuPercent > g.cfg.MaxCPUPercentForOff {
		return &GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("cpu at %.1f%%, limit for power-off is %.1f%%", cpuPercent, g.cfg.MaxCPUPercentForOff),
			GuardrailName: "busy_cpu",
		}
	}

	return &GuardrailResult{
		Approved:      true,
		GuardrailName: "busy_cpu",
	}
}
