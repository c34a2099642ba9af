/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package addr implements the address codec: parsing, formatting, and the
// numeric/subnet math shared by every component that touches an IP address.
//
// Grounded in internal/poolutil/address.go of the teacher repository, which
// does the equivalent CIDR/range math over net/netip for a Unifi IP pool.
package addr

import (
	"fmt"
	"math/big"
	"net/netip"
	"strings"
)

// Family is the address family of a network or address.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// InvalidIPError is returned when a string does not parse as an address.
type InvalidIPError struct {
	Input string
}

func (e *InvalidIPError) Error() string {
	return fmt.Sprintf("invalid IP address: %q", e.Input)
}

// InvalidSubnetError is returned when a string does not parse as a CIDR, or
// the parsed prefix does not satisfy the bit-width constraints napi requires.
type InvalidSubnetError struct {
	Input  string
	Reason string
}

func (e *InvalidSubnetError) Error() string {
	return fmt.Sprintf("invalid subnet %q: %s", e.Input, e.Reason)
}

// Parse parses a dotted-quad or canonical colon-hex address.
func Parse(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, &InvalidIPError{Input: s}
	}
	return a, nil
}

// Format renders an address in its canonical form: dotted-quad for v4,
// lowercase colon-hex for v6.
func Format(a netip.Addr) string {
	return a.String()
}

// FamilyOf returns the address family of a.
func FamilyOf(a netip.Addr) Family {
	if a.Is4() || a.Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ToNumeric returns the unsigned big-endian integer value of a. v4 addresses
// fit in 32 bits; v6 addresses need the full 128 bits, per §4.A.
func ToNumeric(a netip.Addr) *big.Int {
	b := a.As16()
	if a.Is4() {
		b4 := a.As4()
		return new(big.Int).SetBytes(b4[:])
	}
	return new(big.Int).SetBytes(b[:])
}

// FromNumeric reconstructs an address of the given family from its numeric
// form. Returns an error if n does not fit the family's bit width.
func FromNumeric(n *big.Int, family Family) (netip.Addr, error) {
	if n.Sign() < 0 {
		return netip.Addr{}, fmt.Errorf("negative numeric address")
	}

	switch family {
	case FamilyIPv4:
		if n.BitLen() > 32 {
			return netip.Addr{}, fmt.Errorf("numeric value exceeds 32 bits for ipv4")
		}
		var buf [4]byte
		n.FillBytes(buf[:])
		return netip.AddrFrom4(buf), nil
	case FamilyIPv6:
		if n.BitLen() > 128 {
			return netip.Addr{}, fmt.Errorf("numeric value exceeds 128 bits for ipv6")
		}
		var buf [16]byte
		n.FillBytes(buf[:])
		return netip.AddrFrom16(buf).Unmap(), nil
	default:
		return netip.Addr{}, fmt.Errorf("unknown family %q", family)
	}
}

// Cmp compares two addresses of the same family numerically.
func Cmp(a, b netip.Addr) int {
	return a.Compare(b)
}

// ParsePrefix parses s as a CIDR and validates the bit-width constraints from
// §3: subnet bits must be 8..30 for v4, 8..128 for v6.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, &InvalidSubnetError{Input: s, Reason: err.Error()}
	}
	p = p.Masked()

	bits := p.Bits()
	if p.Addr().Is4() {
		if bits < 8 || bits > 30 {
			return netip.Prefix{}, &InvalidSubnetError{Input: s, Reason: "ipv4 subnet bits must be in 8..30"}
		}
	} else {
		if bits < 8 || bits > 128 {
			return netip.Prefix{}, &InvalidSubnetError{Input: s, Reason: "ipv6 subnet bits must be in 8..128"}
		}
	}
	return p, nil
}

// BitsToNetmask renders the dotted-quad (v4) or bit-count (v6) netmask for a
// prefix length within the given family.
func BitsToNetmask(bits int, family Family) (string, error) {
	switch family {
	case FamilyIPv4:
		if bits < 0 || bits > 32 {
			return "", fmt.Errorf("bits out of range for ipv4: %d", bits)
		}
		full := ^uint32(0) << (32 - bits)
		if bits == 0 {
			full = 0
		}
		return fmt.Sprintf("%d.%d.%d.%d",
			byte(full>>24), byte(full>>16), byte(full>>8), byte(full)), nil
	case FamilyIPv6:
		if bits < 0 || bits > 128 {
			return "", fmt.Errorf("bits out of range for ipv6: %d", bits)
		}
		return fmt.Sprintf("/%d", bits), nil
	default:
		return "", fmt.Errorf("unknown family %q", family)
	}
}

// NetworkAddr returns the first address of prefix (the network/subnet
// address), i.e. the all-host-bits-zero address.
func NetworkAddr(p netip.Prefix) netip.Addr {
	return p.Masked().Addr()
}

// BroadcastAddr returns the last address of prefix (the all-host-bits-one
// address). For IPv4 this is the broadcast address; for IPv6 it is simply
// the prefix's last address and carries no broadcast semantics (see §9 Open
// Question (a)).
func BroadcastAddr(p netip.Prefix) netip.Addr {
	last := p.Masked().Addr()
	hostBits := last.BitLen() - p.Bits()
	if hostBits <= 0 {
		return last
	}
	n := ToNumeric(last)
	mask := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	mask.Sub(mask, big.NewInt(1))
	n.Or(n, mask)
	family := FamilyIPv4
	if last.Is6() {
		family = FamilyIPv6
	}
	addr, _ := FromNumeric(n, family)
	return addr
}

// InSubnet reports whether a lies within prefix.
func InSubnet(a netip.Addr, p netip.Prefix) bool {
	return p.Contains(a)
}

// NextIn returns the address that follows prev within [lo, hi] inclusive. It
// returns ok=false once prev has reached hi.
func NextIn(lo, hi, prev netip.Addr) (next netip.Addr, ok bool) {
	n := prev.Next()
	if !n.IsValid() || n.Compare(hi) > 0 || n.Compare(lo) < 0 {
		return netip.Addr{}, false
	}
	return n, true
}

// Add returns the address a+delta within the address space of a's family,
// or ok=false on overflow.
func Add(a netip.Addr, delta int64) (netip.Addr, bool) {
	n := ToNumeric(a)
	n.Add(n, big.NewInt(delta))
	family := FamilyIPv4
	if a.Is6() {
		family = FamilyIPv6
	}
	out, err := FromNumeric(n, family)
	if err != nil {
		return netip.Addr{}, false
	}
	return out, true
}

// Distance returns b-a as an int64, valid for the ranges napi deals with
// (no subnet exceeds 2^63 addresses in practice).
func Distance(a, b netip.Addr) int64 {
	na := ToNumeric(a)
	nb := ToNumeric(b)
	d := new(big.Int).Sub(nb, na)
	return d.Int64()
}
