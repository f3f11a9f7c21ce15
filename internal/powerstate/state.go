// Package powerstate classifies VM instance-view statuses and reconciles a
// VM's observed power state against a declared desired state.
package powerstate

import (
	"fmt"
	"strings"

	"github.com/softcane/vm-power-agent/internal/cloudapi"
)

// PowerState is the classified power state of a VM.
type PowerState int

const (
	// Unclassified covers display text outside the known vocabulary. It is
	// an explicit state rather than a silent fallthrough: unrecognized
	// vendor text must never trigger an action.
	Unclassified PowerState = iota

	// Running means the VM is powered up and billing for compute.
	Running

	// Stopped means the VM is powered off but its compute is still reserved
	// (and may still incur cost).
	Stopped

	// Deallocated means the VM is powered off and its compute released.
	Deallocated
)

// String returns the state name.
func (s PowerState) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Deallocated:
		return "Deallocated"
	default:
		return "Unclassified"
	}
}

// DesiredPower is the caller-declared target power state.
type DesiredPower int

const (
	// ON asks for a running VM.
	ON DesiredPower = iota
	// OFF asks for a deallocated VM.
	OFF
)

// String returns the desired-power name.
func (d DesiredPower) String() string {
	if d == OFF {
		return "OFF"
	}
	return "ON"
}

// ParseDesiredPower parses ON or OFF, case-insensitively.
func ParseDesiredPower(s string) (DesiredPower, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return ON, nil
	case "OFF":
		return OFF, nil
	default:
		return ON, fmt.Errorf("powerstate: unknown desired power %q (want ON or OFF)", s)
	}
}

// ClassifyDisplayStatus maps the remote API's display text onto the closed
// state enum. Matching is exact; any drift in vendor text lands in
// Unclassified instead of silently passing for a known state.
func ClassifyDisplayStatus(text string) PowerState {
	switch text {
	case cloudapi.DisplayRunning:
		return Running
	case cloudapi.DisplayStopped:
		return Stopped
	case cloudapi.DisplayDeallocated:
		return Deallocated
	default:
		return Unclassified
	}
}

// ClassifyStatuses reduces an instance-view status list to one power state
// plus the raw display text that produced it. Entries reporting a
// provisioning state other than succeeded are excluded outright, whatever
// their display text says: provisioning in progress is not a safe point to
// act. Among the rest, the last entry that classifies to a known state wins,
// matching the order the instance view reports them in.
func ClassifyStatuses(entries []cloudapi.StatusEntry) (PowerState, string) {
	state := Unclassified
	display := ""

	for _, e := range entries {
		if strings.HasPrefix(e.Code, cloudapi.ProvisioningCodePrefix) && e.Code != cloudapi.ProvisioningSucceeded {
			continue
		}
		if s := ClassifyDisplayStatus(e.DisplayStatus); s != Unclassified {
			state = s
			display = e.DisplayStatus
		} else if state == Unclassified {
			// Keep the unknown text for the trace until something classifies.
			display = e.DisplayStatus
		}
	}

	return state, display
}
