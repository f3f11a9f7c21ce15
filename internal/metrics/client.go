// Package metrics provides a Prometheus client for querying VM utilization.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Client wraps the Prometheus API for VM utilization queries.
type Client struct {
	api    v1.API
	logger *slog.Logger
}

// ClientConfig holds configuration for the metrics client.
type ClientConfig struct {
	PrometheusURL string
	Logger        *slog.Logger
	// API is an optional Prometheus API client. If nil, one will be created from PrometheusURL.
	// Useful for testing.
	API v1.API
}

// NewClient creates a new Prometheus metrics client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var v1api v1.API
	if cfg.API != nil {
		v1api = cfg.API
	} else {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("PrometheusURL is required")
		}

		client, err := api.NewClient(api.Config{
			Address: cfg.PrometheusURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	return &Client{
		api:    v1api,
		logger: logger,
	}, nil
}

// VMCPUPercents returns CPU utilization per VM in percent, keyed by the
// instance label with any scrape-port suffix removed.
func (c *Client) VMCPUPercents(ctx context.Context) (map[string]float64, error) {
	// PromQL: 100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100)
	query := `100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100)`

	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query vm cpu usage: %w", err)
	}

	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	return c.extractInstanceValues(result), nil
}

// VMCPUPercent returns one VM's CPU utilization in percent.
// A VM with no samples yields -1; callers treat that as unknown and skip
// utilization-dependent decisions for the cycle.
func (c *Client) VMCPUPercent(ctx context.Context, vmName string) (float64, error) {
	values, err := c.VMCPUPercents(ctx)
	if err != nil {
		return -1, err
	}

	if value, ok := values[vmName]; ok {
		return value, nil
	}

	c.logger.Debug("no cpu samples for vm", "vm", vmName)
	return -1, nil
}

// FleetCPUPercent returns the average CPU utilization across all VMs that
// report samples, in percent. Returns -1 when nothing reports.
func (c *Client) FleetCPUPercent(ctx context.Context) (float64, error) {
	// PromQL: avg(100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100))
	query := `avg(100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100))`

	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return -1, fmt.Errorf("failed to query fleet cpu usage: %w", err)
	}

	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	switch v := result.(type) {
	case model.Vector:
		if len(v) > 0 {
			return float64(v[0].Value), nil
		}
	case *model.Scalar:
		return float64(v.Value), nil
	}

	c.logger.Debug("no fleet cpu data available")
	return -1, nil
}

// extractInstanceValues maps instance-labelled samples to VM names. The
// node_exporter instance label usually carries a scrape port; that suffix
// is stripped so keys line up with VM names.
func (c *Client) extractInstanceValues(result model.Value) map[string]float64 {
	values := make(map[string]float64)

	vector, ok := result.(model.Vector)
	if !ok {
		c.logger.Warn("unexpected prometheus result type", "type", result.Type())
		return values
	}

	for _, sample := range vector {
		instance := string(sample.Metric["instance"])
		if instance == "" {
			continue
		}
		if host, _, err := net.SplitHostPort(instance); err == nil {
			instance = host
		}
		values[instance] = float64(sample.Value)
	}

	return values
}
