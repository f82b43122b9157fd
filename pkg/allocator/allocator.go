// Package allocator derives a client tunnel address from a server subnet and a
// user id. The mapping is a pure function, so re-deriving the address for the
// same pair always gives the same answer and no allocation table is needed.
package allocator

import (
	"errors"
	"fmt"
	"net/netip"

	"modernvpn/pkg/model"
)

var (
	// ErrAddressExhausted is returned when the subnet has no assignable hosts.
	ErrAddressExhausted = errors.New("address space exhausted")
	// ErrUnsupportedSubnet is returned for subnets that are not IPv4 CIDRs.
	ErrUnsupportedSubnet = errors.New("unsupported subnet")
)

// firstOffset is the offset of the first client address from the subnet base.
// Offset 1 is the edge's own gateway address.
const firstOffset = 2

// Allocate returns the single-host prefix for userID inside server.Subnet.
// The address is base + 2 + userID mod Modulus. A user whose offset lands on
// the broadcast address cannot be placed on this server.
func Allocate(server model.Server, userID uint64) (netip.Prefix, error) {
	prefix, err := ParseSubnet(server.Subnet)
	if err != nil {
		return netip.Prefix{}, err
	}
	m := Modulus(prefix)
	if m == 0 {
		return netip.Prefix{}, fmt.Errorf("%w: subnet %s of server %s has no usable hosts", ErrAddressExhausted, prefix, server.ID)
	}
	offset := firstOffset + userID%m
	if offset >= size(prefix)-1 {
		return netip.Prefix{}, fmt.Errorf("%w: user %d maps to the broadcast address of %s", ErrAddressExhausted, userID, prefix)
	}
	addr := addOffset(prefix.Addr(), offset)
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseSubnet parses an IPv4 CIDR and normalizes it to its base address.
func ParseSubnet(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrUnsupportedSubnet, err)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %s is not IPv4", ErrUnsupportedSubnet, s)
	}
	return prefix.Masked(), nil
}

func size(prefix netip.Prefix) uint64 {
	return uint64(1) << (32 - prefix.Bits())
}

// Modulus is the host count of prefix without the network and broadcast
// addresses. It is 0 for /31 and /32.
func Modulus(prefix netip.Prefix) uint64 {
	n := size(prefix)
	if n <= 2 {
		return 0
	}
	return n - 2
}

// UsableHosts is the number of distinct client addresses Allocate can return
// for prefix: every host except the gateway.
func UsableHosts(prefix netip.Prefix) uint64 {
	n := size(prefix)
	if n <= 3 {
		return 0
	}
	return n - 3
}

func addOffset(base netip.Addr, offset uint64) netip.Addr {
	b := base.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += uint32(offset)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Gateway is the edge's own interface address: the first host of the subnet,
// carrying the subnet's prefix length.
func Gateway(server model.Server) (netip.Prefix, error) {
	prefix, err := ParseSubnet(server.Subnet)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addOffset(prefix.Addr(), 1), prefix.Bits()), nil
}
