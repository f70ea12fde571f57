package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVendorStatusStore struct {
	statuses map[string]*VendorStatus
}

func newFakeVendorStatusStore() *fakeVendorStatusStore {
	return &fakeVendorStatusStore{statuses: map[string]*VendorStatus{}}
}

func (f *fakeVendorStatusStore) set(tenantID string, channel Channel, vendor string, status *VendorStatus) {
	f.statuses[tenantID+"/"+string(channel)+"/"+vendor] = status
}

func (f *fakeVendorStatusStore) GetVendorStatus(ctx context.Context, tenantID string, channel Channel, vendor string) (*VendorStatus, error) {
	s, ok := f.statuses[tenantID+"/"+string(channel)+"/"+vendor]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func healthyStatus() *VendorStatus {
	return &VendorStatus{State: VendorHealthy, SuccessRate: 0.99, LastCheck: time.Now()}
}

func unhealthyStatus() *VendorStatus {
	return &VendorStatus{State: VendorUnhealthy, SuccessRate: 0.40, LastCheck: time.Now()}
}

func TestSelector_Next_PicksFirstHealthy(t *testing.T) {
	store := newFakeVendorStatusStore()
	store.set("t1", ChannelEmail, "iterable", unhealthyStatus())
	store.set("t1", ChannelEmail, "sendgrid", healthyStatus())

	sel := NewSelector(store, map[Channel]VendorConfig{
		ChannelEmail: {Default: []string{"iterable", "sendgrid", "ses"}},
	})

	vendor, err := sel.Next(context.Background(), ChannelEmail, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "sendgrid", vendor)
}

func TestSelector_Next_ExcludesAlreadyAttempted(t *testing.T) {
	store := newFakeVendorStatusStore()
	store.set("t1", ChannelEmail, "iterable", healthyStatus())
	store.set("t1", ChannelEmail, "sendgrid", healthyStatus())

	sel := NewSelector(store, map[Channel]VendorConfig{
		ChannelEmail: {Default: []string{"iterable", "sendgrid"}},
	})

	vendor, err := sel.Next(context.Background(), ChannelEmail, "t1", map[string]bool{"iterable": true})
	require.NoError(t, err)
	assert.Equal(t, "sendgrid", vendor)
}

func TestSelector_Next_LastResortProbeWhenAllUnhealthy(t *testing.T) {
	store := newFakeVendorStatusStore()
	store.set("t1", ChannelSMS, "telnyx", unhealthyStatus())
	store.set("t1", ChannelSMS, "twilio", unhealthyStatus())

	sel := NewSelector(store, map[Channel]VendorConfig{
		ChannelSMS: {Default: []string{"telnyx", "twilio"}},
	})

	vendor, err := sel.Next(context.Background(), ChannelSMS, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "telnyx", vendor)
}

func TestSelector_Next_TenantOverride(t *testing.T) {
	store := newFakeVendorStatusStore()
	store.set("t2", ChannelPush, "sns", healthyStatus())

	sel := NewSelector(store, map[Channel]VendorConfig{
		ChannelPush: {
			Default:   []string{"sns"},
			PerTenant: map[string][]string{"t2": {"sns"}},
		},
	})

	vendor, err := sel.Next(context.Background(), ChannelPush, "t2", nil)
	require.NoError(t, err)
	assert.Equal(t, "sns", vendor)
}

func TestSelector_Next_NoVendorsConfigured(t *testing.T) {
	store := newFakeVendorStatusStore()
	sel := NewSelector(store, map[Channel]VendorConfig{})

	_, err := sel.Next(context.Background(), ChannelEmail, "t1", nil)
	assert.Error(t, err)
}
