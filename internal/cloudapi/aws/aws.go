// Package aws provides AWS EC2 power and pricing integration.
// Uses aws-sdk-go-v2 (2026 SDK) for real API calls.
// No mocks, no fallbacks - production only.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// ResourceGroupTag is the instance tag standing in for a resource group.
// EC2 has no native resource-group scoping, so targets carry it as a tag.
const ResourceGroupTag = "resource-group"

// Sentinel errors for AWS operations.
var (
	// ErrAccountMismatch is returned when selecting a subscription other
	// than the one the client credentials are bound to.
	ErrAccountMismatch = errors.New("aws: session is bound to one account")

	// ErrNotFound is returned when no non-terminated instance matches the
	// resource-group and name tags.
	ErrNotFound = errors.New("aws: instance not found")

	// ErrQuery is returned for other describe failures.
	ErrQuery = errors.New("aws: instance query failed")

	// ErrAction is returned when a start or stop call is rejected.
	ErrAction = errors.New("aws: power operation rejected")
)

// InstanceStatus is one coded status line, in the same vocabulary the other
// clouds report so classification upstream stays provider-independent.
type InstanceStatus struct {
	Code          string
	DisplayStatus string
}

// PowerClient drives EC2 instance power state for one account and region.
type PowerClient struct {
	ec2Client *ec2.Client
	account   string
	region    string
	logger    *slog.Logger
}

// NewPowerClient creates an EC2 power client. account is a caller-chosen
// label for the credential identity; it answers the active-subscription
// question and cannot be switched in-session.
func NewPowerClient(ctx context.Context, region, account string, logger *slog.Logger) (*PowerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if account == "" {
		account = "default"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &PowerClient{
		ec2Client: ec2.NewFromConfig(cfg),
		account:   account,
		region:    region,
		logger:    logger,
	}, nil
}

// Account returns the label of the account this client is bound to.
func (c *PowerClient) Account() string {
	return c.account
}

// SelectAccount accepts only the bound account. EC2 credentials do not
// switch accounts mid-session the way an ARM credential switches
// subscriptions.
func (c *PowerClient) SelectAccount(account string) error {
	if account == c.account {
		return nil
	}
	return fmt.Errorf("%w: have %q, asked for %q", ErrAccountMismatch, c.account, account)
}

// InstanceStatuses resolves the instance by tags and synthesizes an
// instance-view status list from its EC2 state.
func (c *PowerClient) InstanceStatuses(ctx context.Context, resourceGroup, name string) ([]InstanceStatus, error) {
	inst, err := c.resolveInstance(ctx, resourceGroup, name)
	if err != nil {
		return nil, err
	}

	state := types.InstanceStateNamePending
	if inst.State != nil {
		state = inst.State.Name
	}

	c.logger.Debug("ec2 instance state fetched",
		"name", name,
		"resource_group", resourceGroup,
		"instance_id", aws.ToString(inst.InstanceId),
		"state", string(state),
	)
	return statusesForState(state), nil
}

// Start issues StartInstances for the resolved instance. Issued, not awaited.
func (c *PowerClient) Start(ctx context.Context, resourceGroup, name string) error {
	inst, err := c.resolveInstance(ctx, resourceGroup, name)
	if err != nil {
		return err
	}

	_, err = c.ec2Client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{aws.ToString(inst.InstanceId)},
	})
	if err != nil {
		return fmt.Errorf("%w: start %s/%s: %v", ErrAction, resourceGroup, name, err)
	}
	return nil
}

// StopAndDeallocate issues StopInstances. A stopped EC2 instance stops
// billing for compute, so stop is the deallocation here; force maps straight
// onto the API's Force flag (skip guest shutdown).
func (c *PowerClient) StopAndDeallocate(ctx context.Context, resourceGroup, name string, force bool) error {
	inst, err := c.resolveInstance(ctx, resourceGroup, name)
	if err != nil {
		return err
	}

	_, err = c.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{aws.ToString(inst.InstanceId)},
		Force:       aws.Bool(force),
	})
	if err != nil {
		return fmt.Errorf("%w: stop %s/%s: %v", ErrAction, resourceGroup, name, err)
	}
	return nil
}

// resolveInstance finds the single non-terminated instance tagged with the
// resource group and name.
func (c *PowerClient) resolveInstance(ctx context.Context, resourceGroup, name string) (*types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:Name"),
				Values: []string{name},
			},
			{
				Name:   aws.String("tag:" + ResourceGroupTag),
				Values: []string{resourceGroup},
			},
		},
	}

	result, err := c.ec2Client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: describe %s/%s: %v", ErrQuery, resourceGroup, name, err)
	}

	for _, res := range result.Reservations {
		for i := range res.Instances {
			inst := res.Instances[i]
			if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
				continue
			}
			return &inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceGroup, name)
}

// statusesForState synthesizes the two-entry status list (provisioning +
// power) from an EC2 instance state.
func statusesForState(state types.InstanceStateName) []InstanceStatus {
	switch state {
	case types.InstanceStateNameRunning:
		return []InstanceStatus{
			{Code: "ProvisioningState/succeeded", DisplayStatus: "Provisioning succeeded"},
			{Code: "PowerState/running", DisplayStatus: "VM running"},
		}
	case types.InstanceStateNameStopped:
		// Stopped EC2 bills no compute: deallocated in this agent's terms.
		return []InstanceStatus{
			{Code: "ProvisioningState/succeeded", DisplayStatus: "Provisioning succeeded"},
			{Code: "PowerState/deallocated", DisplayStatus: "VM deallocated"},
		}
	case types.InstanceStateNamePending:
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: "Updating"},
			{Code: "PowerState/starting", DisplayStatus: "VM starting"},
		}
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return []InstanceStatus{
			{Code: "ProvisioningState/updating", DisplayStatus: "Updating"},
			{Code: "PowerState/deallocating", DisplayStatus: "VM deallocating"},
		}
	default:
		return nil
	}
}

// PriceClient provides on-demand instance pricing for savings accounting.
type PriceClient struct {
	pricingClient *pricing.Client
	logger        *slog.Logger
	region        string

	mu            sync.RWMutex
	onDemandCache map[string]float64 // key: instanceType
}

// NewPriceClient creates a new AWS price client.
func NewPriceClient(ctx context.Context, region string, logger *slog.Logger) (*PriceClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &PriceClient{
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			// Pricing API is only available in us-east-1
			o.Region = "us-east-1"
		}),
		logger:        logger,
		region:        region,
		onDemandCache: make(map[string]float64),
	}, nil
}

// GetOnDemandPrice fetches the hourly on-demand price for an instance type.
// Prices are effectively static, so results are cached for the client's
// lifetime.
func (c *PriceClient) GetOnDemandPrice(ctx context.Context, instanceType string) (float64, error) {
	// Check cache
	c.mu.RLock()
	if price, ok := c.onDemandCache[instanceType]; ok {
		c.mu.RUnlock()
		return price, nil
	}
	c.mu.RUnlock()

	// Use AWS Pricing API
	// Filter for on-demand, Linux, current region
	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("instanceType"),
				Value: aws.String(instanceType),
			},
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("operatingSystem"),
				Value: aws.String("Linux"),
			},
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("preInstalledSw"),
				Value: aws.String("NA"),
			},
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("tenancy"),
				Value: aws.String("Shared"),
			},
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("capacitystatus"),
				Value: aws.String("Used"),
			},
			{
				Type:  pricingtypes.FilterTypeTermMatch,
				Field: aws.String("regionCode"),
				Value: aws.String(c.region),
			},
		},
		MaxResults: aws.Int32(1),
	}

	result, err := c.pricingClient.GetProducts(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get products: %w", err)
	}

	if len(result.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing found for %s", instanceType)
	}

	// Parse the complex JSON response to extract hourly price
	price, err := parseOnDemandPrice(result.PriceList[0])
	if err != nil {
		return 0, err
	}

	// Cache the result
	c.mu.Lock()
	c.onDemandCache[instanceType] = price
	c.mu.Unlock()

	c.logger.Debug("on-demand price fetched",
		"instance_type", instanceType,
		"region", c.region,
		"price", price,
	)
	return price, nil
}

// parseOnDemandPrice extracts hourly price from AWS Pricing API response.
func parseOnDemandPrice(priceList string) (float64, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(priceList), &payload); err != nil {
		return 0, fmt.Errorf("failed to parse pricing payload: %w", err)
	}

	termsAny, ok := payload["terms"]
	if !ok {
		return 0, fmt.Errorf("pricing payload missing terms")
	}
	terms, ok := termsAny.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("invalid terms format in pricing payload")
	}
	onDemandAny, ok := terms["OnDemand"]
	if !ok {
		return 0, fmt.Errorf("pricing payload missing terms.OnDemand")
	}
	onDemand, ok := onDemandAny.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("invalid OnDemand format in pricing payload")
	}

	best := 0.0
	found := false

	parseUSD := func(v interface{}) (float64, bool) {
		switch val := v.(type) {
		case string:
			p, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil || p <= 0 {
				return 0, false
			}
			return p, true
		case float64:
			if val <= 0 {
				return 0, false
			}
			return val, true
		default:
			return 0, false
		}
	}

	for _, skuAny := range onDemand {
		skuMap, ok := skuAny.(map[string]interface{})
		if !ok {
			continue
		}
		for _, termAny := range skuMap {
			termMap, ok := termAny.(map[string]interface{})
			if !ok {
				continue
			}
			dimsAny, ok := termMap["priceDimensions"]
			if !ok {
				continue
			}
			dimsMap, ok := dimsAny.(map[string]interface{})
			if !ok {
				continue
			}
			for _, dimAny := range dimsMap {
				dimMap, ok := dimAny.(map[string]interface{})
				if !ok {
					continue
				}
				ppuAny, ok := dimMap["pricePerUnit"]
				if !ok {
					continue
				}
				ppuMap, ok := ppuAny.(map[string]interface{})
				if !ok {
					continue
				}
				usdAny, ok := ppuMap["USD"]
				if !ok {
					continue
				}
				price, ok := parseUSD(usdAny)
				if !ok {
					continue
				}
				if !found || price < best {
					best = price
					found = true
				}
			}
		}
	}

	if !found {
		return 0, fmt.Errorf("unable to extract USD on-demand price from payload")
	}
	return best, nil
}
