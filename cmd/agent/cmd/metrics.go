package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/softcane/vm-power-agent/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	prometheusURL string
	outputFormat  string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Query per-VM CPU utilization from Prometheus",
	Long: `Fetch CPU utilization from a Prometheus server.

This command runs the same node_exporter query the agent's idle detector
uses, so schedule expressions can be checked against live data before they
are trusted to power machines off.

Example:
  agent metrics --prometheus-url http://localhost:9090
  agent metrics --prometheus-url http://prometheus:9090 --output json`,
	RunE: runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)

	metricsCmd.Flags().StringVar(&prometheusURL, "prometheus-url", "http://localhost:9090",
		"URL of the Prometheus server")
	metricsCmd.Flags().StringVar(&outputFormat, "output", "table",
		"Output format: table, json")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := metrics.NewClient(metrics.ClientConfig{
		PrometheusURL: prometheusURL,
		Logger:        slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics client: %w", err)
	}

	cpuByVM, err := client.VMCPUPercents(ctx)
	if err != nil {
		return fmt.Errorf("failed to query cpu utilization: %w", err)
	}

	switch outputFormat {
	case "json":
		return outputJSON(cpuByVM)
	default:
		return outputCPUTable(cpuByVM)
	}
}

func outputJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputCPUTable(cpuByVM map[string]float64) error {
	names := make([]string, 0, len(cpuByVM))
	for name := range cpuByVM {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-30s %-10s\n", "VM", "CPU%")
	fmt.Println("----------------------------------------")
	for _, name := range names {
		fmt.Printf("%-30s %-10.1f\n", name, cpuByVM[name])
	}

	return nil
}
