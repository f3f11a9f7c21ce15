// Package billing meters the money saved by deallocating idle VMs.
//
// A deallocation window opens when a VM is stopped and deallocated and
// closes when it is started again. Savings accrue at the VM's hourly rate
// for as long as the window stays open.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/softcane/vm-power-agent/internal/metrics"
)

// SavingsEvent reports one closed deallocation window.
type SavingsEvent struct {
	VM               string    `json:"vm"`
	HourlyRateUSD    float64   `json:"hourly_rate_usd"`
	HoursDeallocated float64   `json:"hours_deallocated"`
	SavingsUSD       float64   `json:"savings_usd"`
	OpenedAt         time.Time `json:"opened_at"`
	ClosedAt         time.Time `json:"closed_at"`
}

// Meter tracks deallocation windows and reports realized savings.
type Meter struct {
	endpoint string
	enabled  bool
	dryRun   bool
	logger   *slog.Logger

	mu      sync.Mutex
	windows map[string]window

	// HTTP client with timeout
	client *http.Client
}

type window struct {
	OpenedAt      time.Time
	HourlyRateUSD float64
}

// MeterConfig holds configuration for the savings meter.
type MeterConfig struct {
	Endpoint string
	Enabled  bool
	DryRun   bool
	Logger   *slog.Logger
}

// NewMeter creates a new savings meter.
func NewMeter(cfg MeterConfig) *Meter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Meter{
		endpoint: cfg.Endpoint,
		enabled:  cfg.Enabled,
		dryRun:   cfg.DryRun,
		logger:   logger,
		windows:  make(map[string]window),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WindowOpened records that a VM was stopped and deallocated. Reopening an
// already-open window keeps the original start time.
func (m *Meter) WindowOpened(vm string, hourlyRateUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, open := m.windows[vm]; open {
		return
	}

	m.windows[vm] = window{
		OpenedAt:      time.Now(),
		HourlyRateUSD: hourlyRateUSD,
	}
	m.publishRate()

	m.logger.Info("savings window opened",
		"vm", vm,
		"hourly_rate_usd", hourlyRateUSD,
	)
}

// WindowClosed records that a VM was started again and reports the savings
// realized while it was deallocated. Closing a window that never opened is
// a no-op.
func (m *Meter) WindowClosed(ctx context.Context, vm string) error {
	m.mu.Lock()
	w, open := m.windows[vm]
	if open {
		delete(m.windows, vm)
		m.publishRate()
	}
	m.mu.Unlock()

	if !open {
		m.logger.Debug("no savings window for vm", "vm", vm)
		return nil
	}

	closedAt := time.Now()
	hours := closedAt.Sub(w.OpenedAt).Hours()

	event := SavingsEvent{
		VM:               vm,
		HourlyRateUSD:    w.HourlyRateUSD,
		HoursDeallocated: hours,
		SavingsUSD:       w.HourlyRateUSD * hours,
		OpenedAt:         w.OpenedAt,
		ClosedAt:         closedAt,
	}

	m.logger.Info("savings window closed",
		"vm", vm,
		"hours_deallocated", hours,
		"savings_usd", event.SavingsUSD,
	)

	return m.Report(ctx, event)
}

// Report sends a savings event to the configured endpoint.
func (m *Meter) Report(ctx context.Context, event SavingsEvent) error {
	if !m.enabled || m.endpoint == "" {
		m.logger.Debug("savings reporting disabled, skipping")
		return nil
	}

	if m.dryRun {
		m.logger.Info("DRY-RUN: would report savings",
			"vm", event.VM,
			"savings_usd", event.SavingsUSD,
			"endpoint", m.endpoint,
		)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal savings event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("failed to report savings", "error", err)
		return fmt.Errorf("failed to send savings event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.logger.Error("savings endpoint error",
			"status", resp.StatusCode,
			"vm", event.VM,
		)
		return fmt.Errorf("savings endpoint returned status %d", resp.StatusCode)
	}

	m.logger.Info("savings reported",
		"vm", event.VM,
		"savings_usd", event.SavingsUSD,
	)

	return nil
}

// CurrentHourlyRate returns the summed hourly rate of all open windows.
func (m *Meter) CurrentHourlyRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, w := range m.windows {
		if w.HourlyRateUSD > 0 {
			total += w.HourlyRateUSD
		}
	}
	return total
}

// publishRate pushes the summed open-window rate onto the savings gauge.
// Callers must hold m.mu.
func (m *Meter) publishRate() {
	rates := make([]float64, 0, len(m.windows))
	for _, w := range m.windows {
		rates = append(rates, w.HourlyRateUSD)
	}
	metrics.RecordSavings(rates)
}
