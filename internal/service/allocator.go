package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"
)

// BlockLister reports the network blocks held by non-terminal sessions.
type BlockLister interface {
	ListActiveBlocks(ctx context.Context) ([]string, error)
}

// NetworkAllocator carves fixed-size IPv4 subnets out of a base range.
type NetworkAllocator struct {
	base       netip.Prefix
	subnetBits int
	total      int
	blocks     BlockLister
	clock      clock.Clock
}

func NewNetworkAllocator(baseCIDR string, subnetPrefix int, blocks BlockLister, clk clock.Clock) (*NetworkAllocator, error) {
	base, err := netip.ParsePrefix(baseCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid base range %q: %w", baseCIDR, err)
	}
	if !base.Addr().Is4() {
		return nil, fmt.Errorf("base range %s is not IPv4", baseCIDR)
	}
	if subnetPrefix < base.Bits() || subnetPrefix > 30 {
		return nil, fmt.Errorf("subnet prefix /%d does not fit in %s", subnetPrefix, baseCIDR)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &NetworkAllocator{
		base:       base.Masked(),
		subnetBits: subnetPrefix,
		total:      1 << (subnetPrefix - base.Bits()),
		blocks:     blocks,
		clock:      clk,
	}, nil
}

// Total is the number of subnets that fit in the base range.
func (a *NetworkAllocator) Total() int { return a.total }

// Block returns the i-th subnet of the base range.
func (a *NetworkAllocator) Block(i int) netip.Prefix {
	start := addrToUint(a.base.Addr())
	size := uint32(1) << (32 - a.subnetBits)
	return netip.PrefixFrom(uintToAddr(start+uint32(i)*size), a.subnetBits)
}

// Allocate returns the first block not held by an active session, scanning
// from an index seeded by the current second and wrapping around.
func (a *NetworkAllocator) Allocate(ctx context.Context) (netip.Prefix, error) {
	inUse, err := a.blocks.ListActiveBlocks(ctx)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("list active blocks: %w", err)
	}
	used := make(map[string]struct{}, len(inUse))
	for _, b := range inUse {
		used[b] = struct{}{}
	}

	start := int(a.clock.Now().Unix() % int64(a.total))
	if start < 0 {
		start += a.total
	}
	for n := 0; n < a.total; n++ {
		candidate := a.Block((start + n) % a.total)
		if _, taken := used[candidate.String()]; !taken {
			return candidate, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("%d of %d blocks in use: %w", len(used), a.total, domain.ErrNetworkExhausted)
}

// DeriveHostAddress returns the primary workload address of a block.
func DeriveHostAddress(block netip.Prefix) netip.Addr {
	addr, _ := HostAddress(block, 2)
	return addr
}

// HostAddress returns the address at offset from the block's network
// address. ok is false when the offset falls outside the usable range.
func HostAddress(block netip.Prefix, offset int) (netip.Addr, bool) {
	size := 1 << (32 - block.Bits())
	if offset <= 0 || offset >= size-1 {
		return netip.Addr{}, false
	}
	return uintToAddr(addrToUint(block.Masked().Addr()) + uint32(offset)), true
}

func addrToUint(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uintToAddr(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
