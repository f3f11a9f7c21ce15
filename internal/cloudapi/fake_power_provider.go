package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FakePowerScenario describes deterministic subscription and VM status
// responses for local tests and e2e harnesses.
type FakePowerScenario struct {
	// ActiveSubscription is the subscription the fake session starts on.
	ActiveSubscription string `json:"active_subscription"`

	// Subscriptions lists the subscription IDs the session may select.
	// Selecting anything else fails the context switch.
	Subscriptions []string `json:"subscriptions"`

	// VMs maps "<resourceGroup>/<vmName>" (wildcards allowed per segment) to
	// a scripted status sequence.
	VMs map[string]FakeVMScript `json:"vms"`

	RepeatLast *bool `json:"repeat_last,omitempty"`
}

// FakeVMScript scripts one VM's status responses and mutation outcomes.
type FakeVMScript struct {
	// Statuses is consumed one step per VMStatus call.
	Statuses []FakeStatusStep `json:"statuses"`

	// StartError / StopError inject mutation failures ("failed").
	StartError string `json:"start_error,omitempty"`
	StopError  string `json:"stop_error,omitempty"`
}

// FakeStatusStep defines one scripted VMStatus response: either a status
// entry list or an injected error kind ("not_found" or "transient").
type FakeStatusStep struct {
	Entries   []FakeStatusEntry `json:"entries,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
}

// FakeStatusEntry mirrors StatusEntry with JSON tags.
type FakeStatusEntry struct {
	Code          string `json:"code"`
	DisplayStatus string `json:"display_status"`
}

// VMCall records one mutating call for assertions.
type VMCall struct {
	ResourceGroup string
	VMName        string
	Force         bool // stop calls only
}

// FakePowerProvider is a deterministic, script-driven PowerProvider for tests.
type FakePowerProvider struct {
	mu         sync.Mutex
	scenario   FakePowerScenario
	repeatLast bool
	active     string
	cursors    map[string]int

	selectCalls []string
	startCalls  []VMCall
	stopCalls   []VMCall
}

// NewFakePowerProvider builds a fake provider from an in-memory scenario.
func NewFakePowerProvider(scenario FakePowerScenario) (*FakePowerProvider, error) {
	if err := validateFakePowerScenario(scenario); err != nil {
		return nil, err
	}
	repeatLast := true
	if scenario.RepeatLast != nil {
		repeatLast = *scenario.RepeatLast
	}
	return &FakePowerProvider{
		scenario:   scenario,
		repeatLast: repeatLast,
		active:     scenario.ActiveSubscription,
		cursors:    make(map[string]int, len(scenario.VMs)),
	}, nil
}

// NewFakePowerProviderFromFile loads a fake provider from a JSON file.
func NewFakePowerProviderFromFile(path string) (*FakePowerProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fake power scenario file %q: %w", path, err)
	}
	return NewFakePowerProviderFromJSONBytes(raw)
}

// NewFakePowerProviderFromJSON loads a fake provider from JSON text.
func NewFakePowerProviderFromJSON(raw string) (*FakePowerProvider, error) {
	return NewFakePowerProviderFromJSONBytes([]byte(raw))
}

// NewFakePowerProviderFromJSONBytes loads a fake provider from JSON bytes.
func NewFakePowerProviderFromJSONBytes(raw []byte) (*FakePowerProvider, error) {
	var scenario FakePowerScenario
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("decode fake power scenario json: %w", err)
	}
	return NewFakePowerProvider(scenario)
}

// ActiveSubscription returns the scripted session's current subscription.
func (f *FakePowerProvider) ActiveSubscription() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SelectSubscription switches to a scripted subscription or fails the
// context switch for unknown IDs.
func (f *FakePowerProvider) SelectSubscription(ctx context.Context, subscriptionID string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selectCalls = append(f.selectCalls, subscriptionID)
	for _, id := range f.scenario.Subscriptions {
		if id == subscriptionID {
			f.active = subscriptionID
			return nil
		}
	}
	return fmt.Errorf("subscription %s not in scenario: %w", subscriptionID, ErrContextSwitch)
}

// VMStatus returns the next scripted status step for the VM.
func (f *FakePowerProvider) VMStatus(ctx context.Context, resourceGroup, vmName string) ([]StatusEntry, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	step, err := f.nextStepLocked(resourceGroup, vmName)
	if err != nil {
		return nil, err
	}

	switch step.ErrorKind {
	case "":
	case "not_found":
		return nil, fmt.Errorf("fake: vm %s/%s: %w", resourceGroup, vmName, ErrVMNotFound)
	case "transient":
		return nil, fmt.Errorf("fake: vm %s/%s: %w", resourceGroup, vmName, ErrTransientQuery)
	default:
		return nil, fmt.Errorf("fake: unknown injected error kind %q", step.ErrorKind)
	}

	entries := make([]StatusEntry, 0, len(step.Entries))
	for _, e := range step.Entries {
		entries = append(entries, StatusEntry{Code: e.Code, DisplayStatus: e.DisplayStatus})
	}
	return entries, nil
}

// StartVM records the call and returns any injected start error.
func (f *FakePowerProvider) StartVM(ctx context.Context, resourceGroup, vmName string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls = append(f.startCalls, VMCall{ResourceGroup: resourceGroup, VMName: vmName})
	if script, ok := f.scenario.VMs[f.scriptKeyLocked(resourceGroup, vmName)]; ok && script.StartError != "" {
		return fmt.Errorf("fake: start %s/%s: %s: %w", resourceGroup, vmName, script.StartError, ErrActionFailed)
	}
	return nil
}

// StopAndDeallocateVM records the call (with force) and returns any injected
// stop error.
func (f *FakePowerProvider) StopAndDeallocateVM(ctx context.Context, resourceGroup, vmName string, force bool) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls = append(f.stopCalls, VMCall{ResourceGroup: resourceGroup, VMName: vmName, Force: force})
	if script, ok := f.scenario.VMs[f.scriptKeyLocked(resourceGroup, vmName)]; ok && script.StopError != "" {
		return fmt.Errorf("fake: stop %s/%s: %s: %w", resourceGroup, vmName, script.StopError, ErrActionFailed)
	}
	return nil
}

// IsDryRun is always false: the fake stands in for a real provider behind
// the gate.
func (f *FakePowerProvider) IsDryRun() bool {
	return false
}

// SelectCalls returns the subscription IDs passed to SelectSubscription.
func (f *FakePowerProvider) SelectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.selectCalls))
	copy(out, f.selectCalls)
	return out
}

// StartCalls returns recorded start calls.
func (f *FakePowerProvider) StartCalls() []VMCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]VMCall, len(f.startCalls))
	copy(out, f.startCalls)
	return out
}

// StopCalls returns recorded stop-and-deallocate calls.
func (f *FakePowerProvider) StopCalls() []VMCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]VMCall, len(f.stopCalls))
	copy(out, f.stopCalls)
	return out
}

// MutationCount returns the total number of mutating calls recorded.
func (f *FakePowerProvider) MutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls) + len(f.stopCalls)
}

func (f *FakePowerProvider) nextStepLocked(resourceGroup, vmName string) (FakeStatusStep, error) {
	key := f.scriptKeyLocked(resourceGroup, vmName)
	if key == "" {
		return FakeStatusStep{}, fmt.Errorf("fake: no script for vm %s/%s: %w", resourceGroup, vmName, ErrVMNotFound)
	}

	sequence := f.scenario.VMs[key].Statuses
	if len(sequence) == 0 {
		return FakeStatusStep{}, fmt.Errorf("fake: empty status sequence for %q", key)
	}

	index := f.cursors[key]
	if index >= len(sequence) {
		if !f.repeatLast {
			return FakeStatusStep{}, fmt.Errorf("fake: status sequence exhausted for %q", key)
		}
		index = len(sequence) - 1
	}

	if index < len(sequence)-1 {
		f.cursors[key] = index + 1
	} else if !f.repeatLast {
		// Mark exhausted so the next call returns an exhaustion error.
		f.cursors[key] = len(sequence)
	}

	return sequence[index], nil
}

func (f *FakePowerProvider) scriptKeyLocked(resourceGroup, vmName string) string {
	resourceGroup = strings.TrimSpace(resourceGroup)
	vmName = strings.TrimSpace(vmName)
	if resourceGroup == "" {
		resourceGroup = "*"
	}
	if vmName == "" {
		vmName = "*"
	}

	candidates := []string{
		resourceGroup + "/" + vmName,
		resourceGroup + "/*",
		"*/" + vmName,
		"*/*",
	}
	for _, key := range candidates {
		if _, ok := f.scenario.VMs[key]; ok {
			return key
		}
	}
	return ""
}

func validateFakePowerScenario(scenario FakePowerScenario) error {
	if len(scenario.VMs) == 0 {
		return fmt.Errorf("fake power scenario must define at least one vm script")
	}

	for key, script := range scenario.VMs {
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("fake power scenario contains empty vm key")
		}
		if !strings.Contains(key, "/") {
			return fmt.Errorf("fake power vm key %q must be in <resourceGroup>/<vmName> format", key)
		}
		if len(script.Statuses) == 0 {
			return fmt.Errorf("fake power vm %q must script at least one status step", key)
		}
		for i, step := range script.Statuses {
			switch step.ErrorKind {
			case "", "not_found", "transient":
			default:
				return fmt.Errorf("fake power vm %q step %d has unknown error kind %q", key, i, step.ErrorKind)
			}
		}
	}
	return nil
}

// Compile-time interface check
var _ PowerProvider = (*FakePowerProvider)(nil)
