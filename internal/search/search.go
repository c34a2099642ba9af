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

// Package search implements §4.H's search/list operations: by-address
// search across every network, and filtered, paginated listing over the
// nic-tag/network/pool/nic/aggregation buckets.
//
// Grounded in internal/poolutil/poolutil.go's ListAddressesInUse, which
// scans every claim across a pool's subnets to build a consolidated view;
// here the scan runs across every network's subnet instead of a pool's.
package search

import (
	"context"
	"net/netip"
	"sort"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

const (
	// DefaultLimit and MaxLimit bound listing pagination per §6.
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Searcher runs cross-bucket search/list queries.
type Searcher struct {
	Store kv.Store
}

// New returns a Searcher backed by store.
func New(store kv.Store) *Searcher {
	return &Searcher{Store: store}
}

// IPSearchResult is one materialized hit, as used by §6's `/search/ips` and
// §8 scenario 6.
type IPSearchResult struct {
	NetworkUUID string
	Record      models.IPRecord
	Free        bool
}

// SearchIPs implements §4.H's searchIPs: scans every network whose subnet
// contains ip, returning one record per network, materializing a free
// record where no IP record yet exists. Returns a ResourceNotFound error
// when no network contains the address.
func (s *Searcher) SearchIPs(ctx context.Context, ip netip.Addr, networks []*models.Network) ([]IPSearchResult, error) {
	var results []IPSearchResult

	for _, n := range networks {
		prefix, err := addr.ParsePrefix(n.Subnet)
		if err != nil {
			continue
		}
		if !addr.InSubnet(ip, prefix) {
			continue
		}

		bucket := models.IPBucketName(n.UUID)
		rec, err := s.Store.Get(ctx, bucket, addr.Format(ip))
		_, notFound := err.(*kv.NotFoundError)
		switch {
		case notFound:
			results = append(results, IPSearchResult{
				NetworkUUID: n.UUID,
				Record:      models.IPRecord{IP: addr.Format(ip)},
				Free:        true,
			})
		case err != nil:
			return nil, err
		default:
			ipRec, derr := models.DeserializeIPRecord(rec.Value)
			if derr != nil {
				return nil, derr
			}
			results = append(results, IPSearchResult{NetworkUUID: n.UUID, Record: *ipRec, Free: ipRec.Free()})
		}
	}

	if len(results) == 0 {
		return nil, apierror.New(apierror.KindResourceNotFound, "no network contains this address")
	}
	return results, nil
}

// ListOptions normalizes limit/offset per §6: limit 1..1000 (default 100),
// offset >=0.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize replaces a zero limit with DefaultLimit and returns an
// InvalidParams error when limit or offset is out of range, per §6.
func (o ListOptions) Normalize() (kv.FindOptions, error) {
	limit := o.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return kv.FindOptions{}, apierror.New(apierror.KindInvalidParams, "limit must be in 1..1000")
	}
	if o.Offset < 0 {
		return kv.FindOptions{}, apierror.New(apierror.KindInvalidParams, "offset must be >= 0")
	}
	return kv.FindOptions{Limit: limit, Offset: o.Offset}, nil
}

// ListIPs implements §4.H's listIPs: every existing record in a network's
// bucket, sorted by address ascending, paginated.
func (s *Searcher) ListIPs(ctx context.Context, networkUUID string, opts ListOptions) ([]*models.IPRecord, int, error) {
	fo, err := opts.Normalize()
	if err != nil {
		return nil, 0, err
	}

	// The store sorts index values as strings ("10.0.1.10" < "10.0.1.2"), so
	// every record is fetched and ordered by parsed address before paging.
	results, err := s.Store.Find(ctx, models.IPBucketName(networkUUID), kv.Filter{}, kv.FindOptions{})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*models.IPRecord, 0, len(results))
	for _, r := range results {
		rec, derr := models.DeserializeIPRecord(r.Record.Value)
		if derr != nil {
			return nil, 0, derr
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := netip.ParseAddr(out[i].IP)
		b, _ := netip.ParseAddr(out[j].IP)
		return a.Less(b)
	})
	total := len(out)
	if fo.Offset > total {
		fo.Offset = total
	}
	out = out[fo.Offset:]
	if fo.Limit < len(out) {
		out = out[:fo.Limit]
	}
	return out, total, nil
}

// ListEntities runs a generic filtered/paginated find over bucket, used by
// listNetworks/listPools/listNics/listAggregations (§4.H): the orchestrator
// owns field-name validation against each bucket's indexed fields.
func (s *Searcher) ListEntities(ctx context.Context, bucket string, filter kv.Filter, opts ListOptions) ([]kv.FindResult, int, error) {
	fo, err := opts.Normalize()
	if err != nil {
		return nil, 0, err
	}
	results, err := s.Store.Find(ctx, bucket, filter, fo)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	if len(results) > 0 {
		total = results[0].Count
	}
	return results, total, nil
}
