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

// Package pooldispatch implements the pool dispatcher of §4.F: select a
// concrete network from a pool under owner/tag/family constraints, retrying
// across member networks when one is exhausted.
//
// Grounded in internal/controllers/ipaddressclaim_controller.go's
// UnifiProviderAdapter.FetchPool + UnifiClaimHandler.setupAllocation, which
// resolves a pool to a concrete claimable subnet before allocation; here
// generalized to iterate every member network under §4.F's filtering rules
// instead of resolving a single Unifi subnet.
package pooldispatch

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"go4.org/netipx"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/ipalloc"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
	"github.com/ubiquiti-community/napi-go/internal/policy"
)

// NetworkLookup resolves a network UUID to its full record; implemented by
// the orchestration layer that owns the napi_networks bucket.
type NetworkLookup func(ctx context.Context, uuid string) (*models.Network, error)

// Dispatcher selects a network from a pool and attempts allocation on it.
type Dispatcher struct {
	Allocator *ipalloc.Allocator
	Networks  NetworkLookup
	AdminUUID string
}

// New returns a Dispatcher backed by store for allocation and lookup for
// resolving pool member networks.
func New(store kv.Store, lookup NetworkLookup, adminUUID string) *Dispatcher {
	return &Dispatcher{Allocator: ipalloc.New(store), Networks: lookup, AdminUUID: adminUUID}
}

// Request describes a pool dispatch call, per §6's `/network_pools/:uuid/nics`.
type Request struct {
	Pool             *models.NetworkPool
	NicTag           string   // explicit hint
	NicTagsAvailable []string // caller's available tags
	OwnerUUID        string
	BelongsToType    string
	BelongsToUUID    string
	RequestedIP      *netip.Addr // rejected with PoolIpNotAllowed
}

// Allocate implements §4.F: enumerate the pool's member networks in
// declared order, filter each by family/tag/owner, and attempt allocation;
// advance past SubnetFull; exhaustion is PoolFull.
func (d *Dispatcher) Allocate(ctx context.Context, req Request) (*models.IPRecord, *models.Network, error) {
	if req.RequestedIP != nil {
		return nil, nil, apierror.New(apierror.KindPoolIpNotAllowed, "a concrete ip cannot be requested against a pool")
	}

	tag, ambiguous := policy.NicTagHint(req.NicTag, req.NicTagsAvailable, req.Pool.NicTagsPresent)
	if ambiguous {
		return nil, nil, apierror.New(apierror.KindNicTagsAmbiguous, "pool has multiple nic tags; specify nic_tag")
	}

	var lastErr error
	for _, netUUID := range req.Pool.Networks {
		network, err := d.Networks(ctx, netUUID)
		if err != nil {
			lastErr = err
			continue
		}

		if tag != "" && network.NicTag != tag {
			continue
		}
		if !policy.OwnerMatch(network.OwnerUUIDs, req.OwnerUUID, d.AdminUUID) {
			continue
		}
		if !policy.FamilyMatch(string(req.Pool.Family), string(network.Family)) {
			continue
		}

		rec, _, err := d.Allocator.Allocate(ctx, ipalloc.Request{
			NetworkUUID:      network.UUID,
			Subnet:           mustPrefix(network.Subnet),
			ProvisionStartIP: mustAddr(network.ProvisionStartIP),
			ProvisionEndIP:   mustAddr(network.ProvisionEndIP),
			OwnerUUID:        req.OwnerUUID,
			BelongsToType:    req.BelongsToType,
			BelongsToUUID:    req.BelongsToUUID,
		})
		if err == nil {
			return rec, network, nil
		}
		if apierror.Is(err, apierror.KindSubnetFull) {
			lastErr = err
			continue
		}
		return nil, nil, err
	}

	if lastErr != nil {
		return nil, nil, errors.Wrapf(
			apierror.New(apierror.KindPoolFull, "pool "+req.Pool.Name+" is exhausted"),
			"dispatch against pool %s", req.Pool.UUID,
		)
	}
	return nil, nil, apierror.New(apierror.KindPoolFull, "pool "+req.Pool.Name+" has no eligible networks")
}

// ComputeCapacity derives a pool's {Total, Used, Free, OutOfRange} summary
// by unioning each member network's provisionable range into an IPSet and
// counting the owned IP records against it.
//
// Grounded in the teacher's internal/poolutil.ComputePoolStatus, which
// builds the same shape from a netipx.IPSet of the pool's addresses against
// the in-use IPAddress list; here the "in use" list is the union of every
// member network's IP bucket instead of a cluster-wide IPAddress list.
func (d *Dispatcher) ComputeCapacity(ctx context.Context, pool *models.NetworkPool) (*models.PoolCapacity, error) {
	var builder netipx.IPSetBuilder
	var total int64

	type ranged struct {
		networkUUID string
		start, end  netip.Addr
	}
	var ranges []ranged

	for _, netUUID := range pool.Networks {
		network, err := d.Networks(ctx, netUUID)
		if err != nil {
			continue
		}
		start, end := mustAddr(network.ProvisionStartIP), mustAddr(network.ProvisionEndIP)
		if !start.IsValid() || !end.IsValid() {
			continue
		}
		builder.AddRange(netipx.IPRangeFrom(start, end))
		total += addr.Distance(start, end) + 1
		ranges = append(ranges, ranged{networkUUID: netUUID, start: start, end: end})
	}

	provisionable, err := builder.IPSet()
	if err != nil {
		return nil, err
	}

	var used, outOfRange int64
	for _, r := range ranges {
		results, err := d.Allocator.Store.Find(ctx, models.IPBucketName(r.networkUUID), kv.Filter{
			Terms: []kv.FilterTerm{{Field: "belongs_to_uuid", Op: kv.OpPresent}},
		}, kv.FindOptions{Limit: 0})
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			rec, err := models.DeserializeIPRecord(res.Record.Value)
			if err != nil {
				continue
			}
			ip, parseErr := addr.Parse(rec.IP)
			if parseErr != nil {
				continue
			}
			if provisionable.Contains(ip) {
				used++
			} else {
				outOfRange++
			}
		}
	}

	free := total - used
	if free < 0 {
		free = 0
	}
	return &models.PoolCapacity{Total: total, Used: used, Free: free, OutOfRange: outOfRange}, nil
}

func mustPrefix(s string) netip.Prefix {
	p, err := addr.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

func mustAddr(s string) netip.Addr {
	a, err := addr.Parse(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}
