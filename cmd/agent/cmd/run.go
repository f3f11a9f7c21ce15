package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softcane/vm-power-agent/internal/audit"
	"github.com/softcane/vm-power-agent/internal/billing"
	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/controller"
	"github.com/softcane/vm-power-agent/internal/metrics"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the power agent controller",
	Long: `Run starts the power agent in controller mode.

The agent will:
1. Load the target set and schedules from the config file
2. Reconcile each target's power state once per interval
3. Drain Kubernetes nodes before powering their VMs off

Use --dry-run to observe decisions without touching any VM.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting power agent",
		"dry_run", IsDryRun(),
		"version", agentVersion,
	)

	// 1. Load Configuration
	if cfgFile == "" {
		cfgFile = "config/default.yaml" // Fallback to local default for now
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Resolve the power provider and wrap it in the dry-run gate.
	// Every mutation the controller issues goes through the gate.
	resolved, err := resolveRuntimePowerProvider(ctx, cfg.Cloud, slog.Default(), IsDryRun())
	if err != nil {
		return err
	}
	session := cloudapi.NewPowerGate(cloudapi.PowerGateConfig{
		DryRun:   IsDryRun(),
		Provider: resolved.provider,
		Logger:   slog.Default(),
	})

	// 3. Initialize Kubernetes Client, only when a target wants node draining
	var k8sClient kubernetes.Interface
	if anyTargetHasNode(cfg) {
		k8sClient, err = newKubernetesClient()
		if err != nil {
			return fmt.Errorf("failed to create kubernetes client: %w", err)
		}
	}

	// 4. Initialize Prometheus Client (idle detector)
	var promClient *metrics.Client
	if cfg.PrometheusURL != "" {
		promClient, err = metrics.NewClient(metrics.ClientConfig{
			PrometheusURL: cfg.PrometheusURL,
			Logger:        slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize prometheus client: %w", err)
		}
	}

	// 5. Initialize the savings meter. Targets priced by instance type get
	// their hourly rate from the pricing API before the first cycle.
	if targetsNeedRateLookup(cfg) {
		rates, err := resolveRuntimeRateProvider(ctx, cfg.Cloud, slog.Default(), IsDryRun())
		if err != nil {
			return err
		}
		resolveTargetRates(ctx, cfg, rates, slog.Default())
	}
	meter := billing.NewMeter(billing.MeterConfig{
		Endpoint: cfg.Savings.Endpoint,
		Enabled:  cfg.Savings.Enabled,
		DryRun:   IsDryRun(),
		Logger:   slog.Default(),
	})

	// 6. Initialize the auditor for signed action manifests
	var auditor *audit.Auditor
	if cfg.Audit.Enabled {
		auditor, err = audit.NewAuditor(audit.Config{
			SecretKey:    cfg.Audit.SecretKey,
			AgentVersion: agentVersion,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to initialize auditor: %w", err)
		}
	}

	// 7. Initialize Controller
	ctrl, err := controller.New(controller.Config{
		Session:          session,
		AppConfig:        cfg,
		K8sClient:        k8sClient,
		PrometheusClient: promClient,
		Meter:            meter,
		Auditor:          auditor,
		Logger:           slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	slog.Info("agent ready, starting reconciliation loop...")

	// 8. Start Metrics Server (Non-blocking)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting metrics server", "listen", cfg.MetricsListen)
		if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// 9. Start the Controller
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("controller failure: %w", err)
	}

	return nil
}

// newKubernetesClient connects in-cluster, falling back to kubeconfig for
// runs outside a pod.
func newKubernetesClient() (kubernetes.Interface, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(k8sConfig)
}

func anyTargetHasNode(cfg *config.Config) bool {
	for _, t := range cfg.Targets {
		if t.Node != "" {
			return true
		}
	}
	return false
}
