// Package azure implements the Azure Resource Manager power session.
// One session owns a credential and an explicit active subscription; VM
// clients are cached per subscription.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
)

// Sentinel errors for Azure operations.
var (
	// ErrSubscriptionAccess is returned when a subscription cannot be
	// selected with the session credentials.
	ErrSubscriptionAccess = errors.New("azure: subscription unavailable")

	// ErrNotFound is returned when the VM or its resource group does not exist.
	ErrNotFound = errors.New("azure: vm not found")

	// ErrQuery is returned for other instance-view query failures.
	ErrQuery = errors.New("azure: status query failed")

	// ErrAction is returned when a start or deallocate call is rejected.
	ErrAction = errors.New("azure: power operation rejected")
)

// InstanceStatus is one coded status from the VM instance view.
type InstanceStatus struct {
	Code          string
	DisplayStatus string
}

// Session is an authenticated handle on Azure Resource Manager with an
// explicit active subscription.
type Session struct {
	mu         sync.RWMutex
	cred       azcore.TokenCredential
	subs       *armsubscriptions.Client
	vmClients  map[string]*armcompute.VirtualMachinesClient
	active     string
	logger     *slog.Logger
}

// NewSession authenticates via the default credential chain (env, workload
// identity, managed identity, CLI) and, when subscriptionID is non-empty,
// selects it as the active subscription.
func NewSession(ctx context.Context, subscriptionID string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: acquire credential: %w", err)
	}

	subs, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create subscriptions client: %w", err)
	}

	s := &Session{
		cred:      cred,
		subs:      subs,
		vmClients: make(map[string]*armcompute.VirtualMachinesClient),
		logger:    logger,
	}

	if subscriptionID != "" {
		if err := s.Select(ctx, subscriptionID); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Active returns the currently selected subscription, empty when none is.
func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Select validates the subscription against ARM and makes it the session's
// active subscription. The VM client for it is created once and cached.
func (s *Session) Select(ctx context.Context, subscriptionID string) error {
	if _, err := s.subs.Get(ctx, subscriptionID, nil); err != nil {
		return fmt.Errorf("%w: get subscription %s: %v", ErrSubscriptionAccess, subscriptionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vmClients[subscriptionID]; !ok {
		client, err := armcompute.NewVirtualMachinesClient(subscriptionID, s.cred, nil)
		if err != nil {
			return fmt.Errorf("%w: create vm client for %s: %v", ErrSubscriptionAccess, subscriptionID, err)
		}
		s.vmClients[subscriptionID] = client
	}

	s.active = subscriptionID
	s.logger.Debug("azure subscription selected", "subscription", subscriptionID)
	return nil
}

// InstanceStatuses returns the instance-view status list for a VM in the
// active subscription. Provisioning and power states both appear as entries.
func (s *Session) InstanceStatuses(ctx context.Context, resourceGroup, vmName string) ([]InstanceStatus, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}

	view, err := client.InstanceView(ctx, resourceGroup, vmName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrNotFound, resourceGroup, vmName, err)
		}
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrQuery, resourceGroup, vmName, err)
	}

	statuses := make([]InstanceStatus, 0, len(view.Statuses))
	for _, st := range view.Statuses {
		if st == nil {
			continue
		}
		entry := InstanceStatus{}
		if st.Code != nil {
			entry.Code = *st.Code
		}
		if st.DisplayStatus != nil {
			entry.DisplayStatus = *st.DisplayStatus
		}
		statuses = append(statuses, entry)
	}

	s.logger.Debug("azure instance view fetched",
		"vm", vmName,
		"resource_group", resourceGroup,
		"statuses", len(statuses),
	)
	return statuses, nil
}

// Start issues a start for the VM. The long-running operation is accepted,
// not awaited; callers poll status if they care when it finishes.
func (s *Session) Start(ctx context.Context, resourceGroup, vmName string) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	if _, err := client.BeginStart(ctx, resourceGroup, vmName, nil); err != nil {
		return fmt.Errorf("%w: start %s/%s: %v", ErrAction, resourceGroup, vmName, err)
	}
	return nil
}

// Deallocate issues a stop that releases the VM's compute allocation.
// Deallocation is what ends compute billing; a plain power-off keeps the
// hardware reserved.
func (s *Session) Deallocate(ctx context.Context, resourceGroup, vmName string) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	if _, err := client.BeginDeallocate(ctx, resourceGroup, vmName, nil); err != nil {
		return fmt.Errorf("%w: deallocate %s/%s: %v", ErrAction, resourceGroup, vmName, err)
	}
	return nil
}

func (s *Session) activeClient() (*armcompute.VirtualMachinesClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == "" {
		return nil, fmt.Errorf("%w: no subscription selected", ErrSubscriptionAccess)
	}
	return s.vmClients[s.active], nil
}
