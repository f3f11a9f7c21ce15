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

var statusOutput string

var powerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a VM's classified power state",
	Long: `Status queries a VM's instance view, classifies it, and prints the
result with the raw status entries. Nothing is mutated.

Example:
  agent power status --vm Contoso1 --resource-group rg-dev --subscription 00000000-0000-0000-0000-000000000000 --output json`,
	RunE: runPowerStatus,
}

func init() {
	powerCmd.AddCommand(powerStatusCmd)

	powerStatusCmd.Flags().StringVar(&statusOutput, "output", "table",
		"Output format: table, json")
}

// statusReport is the JSON shape of one status query.
type statusReport struct {
	VM            string              `json:"vm"`
	ResourceGroup string              `json:"resource_group"`
	Subscription  string              `json:"subscription"`
	State         string              `json:"state"`
	DisplayStatus string              `json:"display_status"`
	Entries       []statusEntryReport `json:"entries"`
}

type statusEntryReport struct {
	Code          string `json:"code"`
	DisplayStatus string `json:"display_status"`
}

func runPowerStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resolved, err := resolveRuntimePowerProvider(ctx, config.CloudAuto, slog.Default(), IsDryRun())
	if err != nil {
		return err
	}
	provider := resolved.provider

	// Status is read-only, but the session still has to target the right
	// subscription before the query.
	if active := provider.ActiveSubscription(); active != powerSubscription {
		if err := provider.SelectSubscription(ctx, powerSubscription); err != nil {
			return fmt.Errorf("select subscription %s: %w", powerSubscription, err)
		}
	}

	entries, err := provider.VMStatus(ctx, powerResourceGroup, powerVM)
	if err != nil {
		return fmt.Errorf("query status of %s: %w", powerVM, err)
	}

	state, display := powerstate.ClassifyStatuses(entries)
	report := statusReport{
		VM:            powerVM,
		ResourceGroup: powerResourceGroup,
		Subscription:  powerSubscription,
		State:         state.String(),
		DisplayStatus: display,
		Entries:       entryReports(entries),
	}

	switch statusOutput {
	case "json":
		return outputJSON(report)
	default:
		return outputStatusTable(report)
	}
}

func entryReports(entries []cloudapi.StatusEntry) []statusEntryReport {
	out := make([]statusEntryReport, 0, len(entries))
	for _, e := range entries {
		out = append(out, statusEntryReport{Code: e.Code, DisplayStatus: e.DisplayStatus})
	}
	return out
}

func outputStatusTable(report statusReport) error {
	fmt.Printf("VM:             %s\n", report.VM)
	fmt.Printf("RESOURCE GROUP: %s\n", report.ResourceGroup)
	fmt.Printf("SUBSCRIPTION:   %s\n", report.Subscription)
	fmt.Printf("STATE:          %s\n", report.State)
	fmt.Printf("DISPLAY:        %s\n", report.DisplayStatus)
	fmt.Println()

	fmt.Printf("%-40s %s\n", "CODE", "DISPLAY")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, e := range report.Entries {
		fmt.Printf("%-40s %s\n", e.Code, e.DisplayStatus)
	}

	return nil
}
