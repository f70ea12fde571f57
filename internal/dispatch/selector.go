package dispatch

import (
	"context"
	"fmt"
	"time"
)

// VendorStatusStore is the read side of the relational vendor_status table,
// consulted by the selector. Nothing in the dispatcher refreshes that table.
type VendorStatusStore interface {
	GetVendorStatus(ctx context.Context, tenantID string, channel Channel, vendor string) (*VendorStatus, error)
}

// VendorConfig holds the statically configured vendor order per channel,
// with an optional per-tenant override falling back to the global default.
type VendorConfig struct {
	// Default is the ordered vendor-id list applied when a tenant has no
	// override for the channel.
	Default []string
	// PerTenant overrides Default for specific tenants.
	PerTenant map[string][]string
}

// Selector implements §4.3: ranks vendors per (channel, tenant), excludes
// unhealthy ones, and falls back to a last-resort probe when none qualify.
type Selector struct {
	statuses VendorStatusStore
	vendors  map[Channel]VendorConfig
}

// NewSelector constructs a Selector over the given per-channel vendor config.
func NewSelector(statuses VendorStatusStore, vendors map[Channel]VendorConfig) *Selector {
	return &Selector{statuses: statuses, vendors: vendors}
}

func (s *Selector) orderedVendors(channel Channel, tenantID string) []string {
	cfg, ok := s.vendors[channel]
	if !ok {
		return nil
	}
	if override, ok := cfg.PerTenant[tenantID]; ok && len(override) > 0 {
		return override
	}
	return cfg.Default
}

// Next returns the first configured vendor for (channel, tenant) that is
// neither in excluded nor unhealthy, in configuration order. If none
// qualify, it returns the first configured vendor regardless of health so
// the breaker gets a chance to close on a last-resort probe. Returns an
// error only when the channel has no vendors configured at all; Service.Process
// reports that error as NoVendorAvailable.
func (s *Selector) Next(ctx context.Context, channel Channel, tenantID string, excluded map[string]bool) (string, error) {
	order := s.orderedVendors(channel, tenantID)
	if len(order) == 0 {
		return "", fmt.Errorf("dispatch: no vendors configured for channel %s", channel)
	}

	for _, vendor := range order {
		if excluded[vendor] {
			continue
		}
		status, err := s.statuses.GetVendorStatus(ctx, tenantID, channel, vendor)
		if err != nil {
			// No status row yet (new vendor, not health-checked) is treated
			// as healthy; a missing row is not evidence of failure.
			return vendor, nil
		}
		if status.IsHealthy(time.Now()) {
			return vendor, nil
		}
	}

	// Last-resort probe: none qualified, try the first configured vendor
	// regardless of health so a closed-but-unobserved breaker gets exercised.
	return order[0], nil
}
