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

package addr

import (
	"net/netip"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "v4", input: "10.0.1.5", wantErr: false},
		{name: "v6", input: "2001:db8::1", wantErr: false},
		{name: "garbage", input: "not-an-ip", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestToFromNumericRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		family Family
	}{
		{name: "v4", input: "192.168.1.10", family: FamilyIPv4},
		{name: "v6", input: "2001:db8::dead:beef", family: FamilyIPv6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			n := ToNumeric(a)
			back, err := FromNumeric(n, tt.family)
			if err != nil {
				t.Fatalf("FromNumeric: %v", err)
			}
			if back != a {
				t.Fatalf("round trip mismatch: got %s want %s", back, a)
			}
		})
	}
}

func TestParsePrefixBitsConstraints(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		wantErr bool
	}{
		{name: "valid /24", cidr: "10.0.1.0/24", wantErr: false},
		{name: "valid /28", cidr: "10.0.1.0/28", wantErr: false},
		{name: "too wide v4", cidr: "10.0.0.0/7", wantErr: true},
		{name: "too narrow v4", cidr: "10.0.1.1/31", wantErr: true},
		{name: "valid v6", cidr: "2001:db8::/64", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePrefix(tt.cidr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrefix(%q) error = %v, wantErr %v", tt.cidr, err, tt.wantErr)
			}
		})
	}
}

func TestNetworkAndBroadcastAddr(t *testing.T) {
	p, err := ParsePrefix("10.0.1.0/28")
	if err != nil {
		t.Fatalf("ParsePrefix: %v", err)
	}

	if got := NetworkAddr(p); got.String() != "10.0.1.0" {
		t.Fatalf("NetworkAddr = %s, want 10.0.1.0", got)
	}
	if got := BroadcastAddr(p); got.String() != "10.0.1.15" {
		t.Fatalf("BroadcastAddr = %s, want 10.0.1.15", got)
	}
}

func TestInSubnet(t *testing.T) {
	p, _ := ParsePrefix("10.0.1.0/28")
	inside := netip.MustParseAddr("10.0.1.5")
	outside := netip.MustParseAddr("10.0.2.5")

	if !InSubnet(inside, p) {
		t.Fatal("expected 10.0.1.5 to be in subnet")
	}
	if InSubnet(outside, p) {
		t.Fatal("expected 10.0.2.5 to be outside subnet")
	}
}

func TestNextIn(t *testing.T) {
	lo := netip.MustParseAddr("10.0.1.1")
	hi := netip.MustParseAddr("10.0.1.10")

	next, ok := NextIn(lo, hi, lo)
	if !ok || next.String() != "10.0.1.2" {
		t.Fatalf("NextIn = %s, %v; want 10.0.1.2, true", next, ok)
	}

	_, ok = NextIn(lo, hi, hi)
	if ok {
		t.Fatal("expected NextIn to report exhaustion at hi")
	}
}

func TestDistance(t *testing.T) {
	a := netip.MustParseAddr("10.0.1.1")
	b := netip.MustParseAddr("10.0.1.10")
	if d := Distance(a, b); d != 9 {
		t.Fatalf("Distance = %d, want 9", d)
	}
}
