package service_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBlocks []string

func (b staticBlocks) ListActiveBlocks(context.Context) ([]string, error) { return b, nil }

func TestAllocatorScanStartsAtClockSeed(t *testing.T) {
	// 16 blocks; the seed second 1000 starts the scan at index 8.
	clk := clock.NewFake(time.Unix(1000, 0))
	alloc, err := service.NewNetworkAllocator("10.200.0.0/20", 24, staticBlocks(nil), clk)
	require.NoError(t, err)
	assert.Equal(t, 16, alloc.Total())

	block, err := alloc.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.200.8.0/24", block.String())

	clk.Advance(time.Second)
	block, err = alloc.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.200.9.0/24", block.String())
}

func TestAllocatorWrapsAndSkipsUsedBlocks(t *testing.T) {
	clk := clock.NewFake(time.Unix(14, 0))
	used := staticBlocks{"10.200.14.0/24", "10.200.15.0/24", "10.200.0.0/24"}
	alloc, err := service.NewNetworkAllocator("10.200.0.0/20", 24, used, clk)
	require.NoError(t, err)

	block, err := alloc.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.200.1.0/24", block.String())
}

func TestAllocatorExhaustion(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	used := staticBlocks{"10.200.0.0/25", "10.200.0.128/25"}
	alloc, err := service.NewNetworkAllocator("10.200.0.0/24", 25, used, clk)
	require.NoError(t, err)

	_, err = alloc.Allocate(context.Background())
	assert.ErrorIs(t, err, domain.ErrNetworkExhausted)
}

func TestAllocatorRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		base   string
		prefix int
	}{
		{"not-a-cidr", 24},
		{"fd00::/48", 64},
		{"10.200.0.0/16", 8},
		{"10.200.0.0/16", 31},
	} {
		_, err := service.NewNetworkAllocator(tc.base, tc.prefix, staticBlocks(nil), clock.Real())
		assert.Error(t, err, "%s /%d", tc.base, tc.prefix)
	}
}

func TestHostAddresses(t *testing.T) {
	block := netip.MustParsePrefix("10.200.7.0/24")
	assert.Equal(t, "10.200.7.2", service.DeriveHostAddress(block).String())

	addr, ok := service.HostAddress(block, 1)
	assert.True(t, ok)
	assert.Equal(t, "10.200.7.1", addr.String())

	addr, ok = service.HostAddress(block, 254)
	assert.True(t, ok)
	assert.Equal(t, "10.200.7.254", addr.String())

	_, ok = service.HostAddress(block, 255)
	assert.False(t, ok)
	_, ok = service.HostAddress(block, 0)
	assert.False(t, ok)

	small := netip.MustParsePrefix("10.200.7.4/30")
	addr, ok = service.HostAddress(small, 2)
	assert.True(t, ok)
	assert.Equal(t, "10.200.7.6", addr.String())
	_, ok = service.HostAddress(small, 3)
	assert.False(t, ok)
}
