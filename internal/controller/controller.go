// Package controller implements the power agent's reconciliation loop.
// Each cycle decides every target's desired power state from its schedule
// or runtime pin, gates power-offs through the guardrails, and converges
// the VM through the single-VM reconciler.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/softcane/vm-power-agent/internal/audit"
	"github.com/softcane/vm-power-agent/internal/billing"
	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/metrics"
	"github.com/softcane/vm-power-agent/internal/powerstate"
)

// Controller drives the per-target reconcile cycles.
type Controller struct {
	mu       sync.Mutex
	session  cloudapi.PowerProvider
	executor *Executor
	guard    *GuardrailChecker
	prom     *metrics.Client
	logger   *slog.Logger

	cfg       *config.Config
	interval  time.Duration
	schedules map[string]*Schedule

	// State
	running bool
	stopCh  chan struct{}
	runtime *config.RuntimeConfig
	// lastState holds the most recent (possibly optimistic) power state
	// per target name; the next status query corrects it.
	lastState map[string]powerstate.PowerState
}

// Config holds controller configuration.
type Config struct {
	Session          cloudapi.PowerProvider
	Reconciler       *powerstate.Reconciler
	AppConfig        *config.Config
	K8sClient        kubernetes.Interface
	PrometheusClient *metrics.Client
	Meter            *billing.Meter
	Auditor          *audit.Auditor
	Logger           *slog.Logger
}

// New creates a new Controller instance.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Session == nil {
		return nil, fmt.Errorf("power session is required")
	}
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	if len(cfg.AppConfig.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}

	interval := cfg.AppConfig.Interval()
	if interval < 30*time.Second {
		return nil, fmt.Errorf("interval must be >= 30s, got %s", interval)
	}

	reconciler := cfg.Reconciler
	if reconciler == nil {
		reconciler = powerstate.NewReconciler(logger)
	}

	var drainer *Drainer
	if cfg.K8sClient != nil {
		drainer = NewDrainer(cfg.K8sClient, logger, DrainConfig{
			GracePeriodSeconds: 30,
			IgnoreDaemonSets:   true,
			DryRun:             cfg.Session.IsDryRun(),
		})
	}

	executor, err := NewExecutor(ExecutorConfig{
		Session:    cfg.Session,
		Reconciler: reconciler,
		Drainer:    drainer,
		Meter:      cfg.Meter,
		Auditor:    cfg.Auditor,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	// Schedules compile once. A broken expression degrades its target to
	// skipped-every-cycle instead of keeping the whole agent down.
	schedules := make(map[string]*Schedule, len(cfg.AppConfig.Targets))
	for _, target := range cfg.AppConfig.Targets {
		if strings.TrimSpace(target.Schedule) == "" {
			continue
		}
		schedule, err := NewSchedule(target.Schedule)
		if err != nil {
			logger.Error("schedule does not compile, target will be skipped",
				"target", target.Name,
				"schedule", target.Schedule,
				"error", err,
			)
			continue
		}
		schedules[target.Name] = schedule
	}

	return &Controller{
		session:   cfg.Session,
		executor:  executor,
		guard:     NewGuardrailChecker(cfg.AppConfig.Guardrails, logger),
		prom:      cfg.PrometheusClient,
		logger:    logger,
		cfg:       cfg.AppConfig,
		interval:  interval,
		schedules: schedules,
		stopCh:    make(chan struct{}),
		runtime:   config.DefaultRuntimeConfig(),
		lastState: make(map[string]powerstate.PowerState),
	}, nil
}

// Start begins the controller's main loop: one cycle immediately, then one
// per interval until the context is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("controller starting",
		"targets", len(c.cfg.Targets),
		"interval", c.interval,
		"dry_run", c.session.IsDryRun(),
	)

	metrics.TargetsManaged.Set(float64(len(c.cfg.Targets)))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.RunCycle(ctx); err != nil {
		c.logger.Error("initial cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped by context")
			return ctx.Err()
		case <-c.stopCh:
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
			if err := c.RunCycle(ctx); err != nil {
				c.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// Stop stops the controller.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

// RunCycle performs one reconcile pass over all targets. Per-target
// failures are logged and counted; only context cancellation stops the
// pass early.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcileLoopDuration.Observe(time.Since(start).Seconds())
	}()

	c.reloadRuntime()
	c.observeUnknown(ctx)
	cpuValues := c.cpuByVM(ctx)

	var failures int
	for _, target := range c.cfg.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.runtime.IsDisabled(target.Name) {
			metrics.TargetsSkipped.WithLabelValues("disabled").Inc()
			c.logger.Debug("target disabled by runtime override", "target", target.Name)
			continue
		}

		cpu := cpuFor(cpuValues, target.VM)

		desired, ok := c.desiredFor(target, cpu)
		if !ok {
			continue
		}

		if desired == powerstate.OFF {
			if blocked := c.guard.CheckOff(target.VM, c.runningAfterOff(target.Name), cpu); !blocked.Approved {
				continue
			}
		}

		result, err := c.executor.Execute(ctx, target, desired, c.cfg.HourlyRate(target))
		if err != nil {
			failures++
			c.logger.Error("target reconcile failed",
				"target", target.Name,
				"vm", target.VM,
				"error", err,
			)
			// A rejected mutation still carried a real observation.
			if errors.Is(err, cloudapi.ErrActionFailed) {
				c.lastState[target.Name] = result.PriorState
			}
			continue
		}

		c.lastState[target.Name] = observedState(result)
	}

	c.logger.Debug("cycle complete",
		"targets", len(c.cfg.Targets),
		"failures", failures,
		"duration", time.Since(start),
	)

	return nil
}

// desiredFor resolves a target's desired state for this cycle: a runtime
// pin wins, otherwise the schedule decides. ok=false means the target is
// skipped this cycle.
func (c *Controller) desiredFor(target config.TargetConfig, cpu float64) (powerstate.DesiredPower, bool) {
	if pin, pinned := c.runtime.PinFor(target.VM); pinned {
		desired, err := powerstate.ParseDesiredPower(pin)
		if err == nil {
			c.logger.Debug("runtime pin overrides schedule", "target", target.Name, "pin", pin)
			return desired, true
		}
		c.logger.Warn("ignoring invalid runtime pin", "target", target.Name, "pin", pin, "error", err)
	}

	schedule := c.schedules[target.Name]
	if schedule == nil {
		metrics.TargetsSkipped.WithLabelValues("schedule_error").Inc()
		c.logger.Warn("target has no usable schedule", "target", target.Name)
		return powerstate.ON, false
	}

	desired, err := schedule.Desired(ScheduleInputs{Now: time.Now(), CPUPercent: cpu})
	if err != nil {
		metrics.TargetsSkipped.WithLabelValues("schedule_error").Inc()
		c.logger.Warn("schedule evaluation failed", "target", target.Name, "error", err)
		return powerstate.ON, false
	}

	return desired, true
}

// reloadRuntime re-reads the runtime override file. A malformed file keeps
// the last good overrides.
func (c *Controller) reloadRuntime() {
	path := c.cfg.RuntimeConfigPath
	if path == "" {
		return
	}

	runtime, err := config.LoadRuntimeConfig(path)
	if err != nil {
		c.logger.Warn("runtime config reload failed, keeping last good",
			"path", path,
			"error", err,
		)
		return
	}
	c.runtime = runtime
}

// observeUnknown takes a first status reading for targets this controller
// has never seen, so the min-running floor counts real machines instead of
// guesses. Steady state costs nothing: seen targets are skipped.
func (c *Controller) observeUnknown(ctx context.Context) {
	if c.cfg.Guardrails.MinRunning <= 0 {
		return
	}

	for _, target := range c.cfg.Targets {
		if _, seen := c.lastState[target.Name]; seen {
			continue
		}

		state, err := c.probe(ctx, target)
		if err != nil {
			c.logger.Warn("initial status probe failed", "target", target.Name, "error", err)
			continue
		}
		c.lastState[target.Name] = state
	}
}

// probe reads and classifies one target's power state without acting on it.
func (c *Controller) probe(ctx context.Context, target config.TargetConfig) (powerstate.PowerState, error) {
	if c.session.ActiveSubscription() != target.Subscription {
		if err := c.session.SelectSubscription(ctx, target.Subscription); err != nil {
			return powerstate.Unclassified, fmt.Errorf("select subscription %s: %w", target.Subscription, err)
		}
	}

	statuses, err := c.session.VMStatus(ctx, target.ResourceGroup, target.VM)
	if err != nil {
		return powerstate.Unclassified, fmt.Errorf("query status of %s: %w", target.VM, err)
	}

	state, _ := powerstate.ClassifyStatuses(statuses)
	return state, nil
}

// cpuByVM fetches per-VM utilization once per cycle. Without a Prometheus
// client, or on query failure, every consumer sees -1.
func (c *Controller) cpuByVM(ctx context.Context) map[string]float64 {
	if c.prom == nil {
		return nil
	}

	values, err := c.prom.VMCPUPercents(ctx)
	if err != nil {
		c.logger.Warn("cpu query failed, schedules see cpu_percent=-1", "error", err)
		return nil
	}
	return values
}

// runningAfterOff counts how many managed VMs would stay running if the
// named target were powered off.
func (c *Controller) runningAfterOff(name string) int {
	running := 0
	for _, state := range c.lastState {
		if state == powerstate.Running {
			running++
		}
	}
	if c.lastState[name] == powerstate.Running {
		running--
	}
	return running
}

func cpuFor(values map[string]float64, vm string) float64 {
	if value, ok := values[vm]; ok {
		return value
	}
	return -1
}
