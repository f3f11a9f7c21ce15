package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
	"github.com/softcane/vm-power-agent/internal/config"
	"github.com/softcane/vm-power-agent/internal/powerstate"
	"github.com/spf13/cobra"
)

var (
	powerVM            string
	powerResourceGroup string
	powerSubscription  string
)

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "One-shot VM power operations",
	Long: `Power reconciles a single VM once and exits.

The subcommand names the desired state: on powers the VM up, off powers it
down and deallocates its compute. A VM already in the desired state is left
alone.

Example:
  agent power on  --vm Contoso1 --resource-group rg-dev --subscription 00000000-0000-0000-0000-000000000000
  agent power off --vm Contoso1 --resource-group rg-dev --subscription 00000000-0000-0000-0000-000000000000 --dry-run=false`,
}

var powerOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Power a VM on",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPowerAction(powerstate.ON)
	},
}

var powerOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Power a VM off and deallocate it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPowerAction(powerstate.OFF)
	},
}

func init() {
	rootCmd.AddCommand(powerCmd)
	powerCmd.AddCommand(powerOnCmd)
	powerCmd.AddCommand(powerOffCmd)

	powerCmd.PersistentFlags().StringVar(&powerVM, "vm", "",
		"Name of the virtual machine")
	powerCmd.PersistentFlags().StringVar(&powerResourceGroup, "resource-group", "",
		"Resource group holding the VM")
	powerCmd.PersistentFlags().StringVar(&powerSubscription, "subscription", "",
		"Subscription the VM belongs to")

	for _, flag := range []string{"vm", "resource-group", "subscription"} {
		if err := powerCmd.MarkPersistentFlagRequired(flag); err != nil {
			panic(err)
		}
	}
}

// runPowerAction performs exactly one reconciliation and prints its trace.
func runPowerAction(desired powerstate.DesiredPower) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := newOneShotSession(ctx)
	if err != nil {
		return err
	}

	reconciler := powerstate.NewReconciler(slog.Default())
	ref := powerstate.VMRef{
		VMName:         powerVM,
		ResourceGroup:  powerResourceGroup,
		SubscriptionID: powerSubscription,
	}

	result, err := reconciler.Reconcile(ctx, session, ref, desired)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", powerVM, err)
	}

	fmt.Println(result.Trace)
	return nil
}

// newOneShotSession resolves the provider for a single CLI invocation and
// wraps it in the dry-run gate.
func newOneShotSession(ctx context.Context) (cloudapi.PowerProvider, error) {
	resolved, err := resolveRuntimePowerProvider(ctx, config.CloudAuto, slog.Default(), IsDryRun())
	if err != nil {
		return nil, err
	}
	return cloudapi.NewPowerGate(cloudapi.PowerGateConfig{
		DryRun:   IsDryRun(),
		Provider: resolved.provider,
		Logger:   slog.Default(),
	}), nil
}
