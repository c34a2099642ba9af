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

// Package ipalloc implements the IP allocator of §4.D: address selection,
// claim, reservation, release, and range updates within one network's IP
// bucket, under concurrent load with at-most-one allocation per address.
//
// Grounded in the teacher's internal/poolutil/poolutil.go (FindNextAvailableIP,
// ListAddressesInUse) for the selection-policy shape, generalized from the
// teacher's single-pass IPSet scan to the spec's three-step
// concrete/gap-scan/oldest-freed policy backed by the KV adapter instead of
// an in-memory IPSet.
package ipalloc

import (
	"context"
	"math/big"
	"net/netip"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

// MaxClaimRetries bounds the claim-protocol restart loop of §4.D, default 10.
const MaxClaimRetries = 10

// Allocator allocates, reserves, releases, and reassigns addresses within
// one network's IP bucket.
type Allocator struct {
	Store kv.Store
}

// New returns an Allocator backed by store.
func New(store kv.Store) *Allocator {
	return &Allocator{Store: store}
}

// Request describes a fresh allocation call, per §4.D step 1/2/3.
type Request struct {
	NetworkUUID      string
	Subnet           netip.Prefix
	ProvisionStartIP netip.Addr
	ProvisionEndIP   netip.Addr
	RequestedIP      *netip.Addr // caller-specified concrete ip, optional
	OwnerUUID        string
	BelongsToType    string
	BelongsToUUID    string
}

// Allocate runs the three-step selection policy and claim protocol of §4.D,
// returning the claimed record and its etag.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*models.IPRecord, kv.Etag, error) {
	bucket := models.IPBucketName(req.NetworkUUID)
	broadcast := addr.BroadcastAddr(req.Subnet)

	if req.RequestedIP != nil {
		return a.claimConcrete(ctx, bucket, req, broadcast)
	}

	for attempt := 0; attempt < MaxClaimRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		candidate, existing, err := a.selectCandidate(ctx, bucket, req)
		if err != nil {
			return nil, "", err
		}
		if candidate == (netip.Addr{}) {
			return nil, "", apierror.New(apierror.KindSubnetFull, "no free address in provision range")
		}

		rec, etag, err := a.tryClaim(ctx, bucket, candidate, existing, req)
		if err == nil {
			return rec, etag, nil
		}
		var conflict *kv.EtagConflictError
		if errors.As(err, &conflict) {
			continue // restart selection per §4.D claim protocol
		}
		var transient *kv.TransientError
		if errors.As(err, &transient) {
			return nil, "", apierror.Wrap(err, apierror.KindTransientRetry, "storage error while claiming address")
		}
		return nil, "", err
	}
	return nil, "", apierror.New(apierror.KindSubnetFull, "exhausted claim retries")
}

// selectCandidate runs steps 2 and 3 of §4.D: gap-scan, then oldest-freed
// scan. existing is the current record at the chosen key, if any (needed so
// tryClaim can pass the right etag for a reservation-reuse claim).
func (a *Allocator) selectCandidate(ctx context.Context, bucket string, req Request) (netip.Addr, *kv.FindResult, error) {
	family := addr.FamilyOf(req.ProvisionStartIP)
	lo := addr.ToNumeric(req.ProvisionStartIP)
	hi := addr.ToNumeric(req.ProvisionEndIP)

	// GapScan only knows numeric values; keyFor translates a candidate back
	// into the exact string key tryClaim/claimConcrete write records under,
	// so the scan and the writes agree on one key namespace.
	keyFor := func(n *big.Int) string {
		ip, err := addr.FromNumeric(n, family)
		if err != nil {
			return ""
		}
		return addr.Format(ip)
	}

	gaps, err := a.Store.GapScan(ctx, bucket, lo, hi, keyFor, 0)
	if err != nil {
		return netip.Addr{}, nil, translateStoreErr(err)
	}
	if len(gaps) > 0 {
		ip, ferr := addr.FromNumeric(gaps[0].Start, family)
		if ferr != nil {
			return netip.Addr{}, nil, ferr
		}
		return ip, nil, nil
	}

	results, err := a.Store.Find(ctx, bucket, freeFilter(), kv.FindOptions{Sort: []string{"modified_at"}, Limit: 1})
	if err != nil {
		return netip.Addr{}, nil, translateStoreErr(err)
	}
	if len(results) == 0 {
		return netip.Addr{}, nil, nil
	}
	rec, err := models.DeserializeIPRecord(results[0].Record.Value)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	ip, err := addr.Parse(rec.IP)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	return ip, &results[0], nil
}

func freeFilter() kv.Filter {
	return kv.Filter{Terms: []kv.FilterTerm{
		{Field: "belongs_to_uuid", Op: kv.OpEqual, Value: ""},
		{Field: "reserved", Op: kv.OpEqual, Value: "false"},
	}}
}

func (a *Allocator) tryClaim(ctx context.Context, bucket string, ip netip.Addr, existing *kv.FindResult, req Request) (*models.IPRecord, kv.Etag, error) {
	rec := &models.IPRecord{
		IP:            addr.Format(ip),
		BelongsToType: req.BelongsToType,
		BelongsToUUID: req.BelongsToUUID,
		OwnerUUID:     req.OwnerUUID,
		ModifiedAt:    nowFunc(),
	}

	opts := kv.PutOptions{IfAbsent: true}
	if existing != nil {
		e := existing.Record.Etag
		opts = kv.PutOptions{IfMatch: &e}
	}

	etag, err := a.Store.Put(ctx, bucket, rec.IP, rec.Serialize(), opts)
	if err != nil {
		return nil, "", err
	}
	return rec, etag, nil
}

// claimConcrete implements §4.D step 1: verify the requested ip lies in the
// subnet, is not the broadcast, and either is absent or reserved for the
// same owner, then claim it.
func (a *Allocator) claimConcrete(ctx context.Context, bucket string, req Request, broadcast netip.Addr) (*models.IPRecord, kv.Etag, error) {
	ip := *req.RequestedIP
	if !addr.InSubnet(ip, req.Subnet) {
		return nil, "", apierror.New(apierror.KindInvalidParams, "ip does not lie in the network's subnet")
	}
	if ip == broadcast {
		return nil, "", apierror.New(apierror.KindInvalidParams, "ip is the broadcast address")
	}

	key := addr.Format(ip)
	existing, err := a.Store.Get(ctx, bucket, key)
	var notFound *kv.NotFoundError
	switch {
	case errors.As(err, &notFound):
		rec := &models.IPRecord{IP: key, BelongsToType: req.BelongsToType, BelongsToUUID: req.BelongsToUUID, OwnerUUID: req.OwnerUUID, ModifiedAt: nowFunc()}
		etag, putErr := a.Store.Put(ctx, bucket, key, rec.Serialize(), kv.PutOptions{IfAbsent: true})
		if putErr != nil {
			return nil, "", translateStoreErr(putErr)
		}
		return rec, etag, nil
	case err != nil:
		return nil, "", translateStoreErr(err)
	}

	cur, derr := models.DeserializeIPRecord(existing.Value)
	if derr != nil {
		return nil, "", derr
	}
	if !cur.Free() {
		return nil, "", apierror.New(apierror.KindInvalidParams, "ip is already assigned")
	}
	if cur.Reserved && cur.OwnerUUID != "" && cur.OwnerUUID != req.OwnerUUID {
		return nil, "", apierror.New(apierror.KindInvalidParams, "ip is reserved for a different owner")
	}

	cur.BelongsToType = req.BelongsToType
	cur.BelongsToUUID = req.BelongsToUUID
	cur.ModifiedAt = nowFunc()
	etag := existing.Etag
	newEtag, err := a.Store.Put(ctx, bucket, key, cur.Serialize(), kv.PutOptions{IfMatch: &etag})
	if err != nil {
		return nil, "", translateStoreErr(err)
	}
	return cur, newEtag, nil
}

// Reserve sets reserved=true, keeping owner_uuid if provided, per §4.D.
// Reservation survives nic deletion and Unassign; Free clears it along with
// every other field. No allocator operation clears only the reserved flag.
func (a *Allocator) Reserve(ctx context.Context, networkUUID, ipStr, ownerUUID string) (*models.IPRecord, error) {
	bucket := models.IPBucketName(networkUUID)
	existing, etag, err := a.getOrZero(ctx, bucket, ipStr)
	if err != nil {
		return nil, err
	}
	existing.Reserved = true
	if ownerUUID != "" {
		existing.OwnerUUID = ownerUUID
	}
	existing.ModifiedAt = nowFunc()
	if _, err := a.Store.Put(ctx, bucket, ipStr, existing.Serialize(), putOpts(etag)); err != nil {
		return nil, translateStoreErr(err)
	}
	return existing, nil
}

// Unassign clears belongs_to_type/belongs_to_uuid while retaining
// owner_uuid and reserved, per §4.D.
func (a *Allocator) Unassign(ctx context.Context, networkUUID, ipStr string) (*models.IPRecord, error) {
	bucket := models.IPBucketName(networkUUID)
	existing, etag, err := a.getOrZero(ctx, bucket, ipStr)
	if err != nil {
		return nil, err
	}
	existing.BelongsToType = ""
	existing.BelongsToUUID = ""
	existing.ModifiedAt = nowFunc()
	if _, err := a.Store.Put(ctx, bucket, ipStr, existing.Serialize(), putOpts(etag)); err != nil {
		return nil, translateStoreErr(err)
	}
	return existing, nil
}

// Free clears everything except ip, used when reprovisioning to a new zone,
// per §4.D. Per §8's idempotence property, applying Free twice yields the
// same state as applying it once.
func (a *Allocator) Free(ctx context.Context, networkUUID, ipStr string) (*models.IPRecord, error) {
	bucket := models.IPBucketName(networkUUID)
	existing, etag, err := a.getOrZero(ctx, bucket, ipStr)
	if err != nil {
		return nil, err
	}
	fresh := &models.IPRecord{IP: ipStr, ModifiedAt: nowFunc()}
	if _, err := a.Store.Put(ctx, bucket, ipStr, fresh.Serialize(), putOpts(etag)); err != nil {
		return nil, translateStoreErr(err)
	}
	return fresh, nil
}

func (a *Allocator) getOrZero(ctx context.Context, bucket, ipStr string) (*models.IPRecord, *kv.Etag, error) {
	rec, err := a.Store.Get(ctx, bucket, ipStr)
	var notFound *kv.NotFoundError
	if errors.As(err, &notFound) {
		return &models.IPRecord{IP: ipStr}, nil, nil
	}
	if err != nil {
		return nil, nil, translateStoreErr(err)
	}
	ip, derr := models.DeserializeIPRecord(rec.Value)
	if derr != nil {
		return nil, nil, derr
	}
	e := rec.Etag
	return ip, &e, nil
}

func putOpts(etag *kv.Etag) kv.PutOptions {
	if etag == nil {
		return kv.PutOptions{IfAbsent: true}
	}
	return kv.PutOptions{IfMatch: etag}
}

// RangeUpdate applies §4.D's range-update operation as a single batch: when
// the new range is a superset of the old, obsolete range-sentinel
// placeholders (at old start-1/end+1) are deleted and new ones written;
// existing assigned/reserved records are left untouched.
func (a *Allocator) RangeUpdate(ctx context.Context, networkUUID string, oldStart, oldEnd, newStart, newEnd netip.Addr) error {
	bucket := models.IPBucketName(networkUUID)
	var ops []kv.BatchOp

	oldLo, oldLoOK := addr.Add(oldStart, -1)
	oldHi, oldHiOK := addr.Add(oldEnd, 1)
	newLo, newLoOK := addr.Add(newStart, -1)
	newHi, newHiOK := addr.Add(newEnd, 1)

	if oldLoOK && oldLo != newLo {
		if rec, err := a.Store.Get(ctx, bucket, addr.Format(oldLo)); err == nil {
			ops = append(ops, kv.BatchOp{Bucket: bucket, Key: addr.Format(oldLo), Delete: true, Options: kv.PutOptions{IfMatch: &rec.Etag}})
		}
	}
	if oldHiOK && oldHi != newHi {
		if rec, err := a.Store.Get(ctx, bucket, addr.Format(oldHi)); err == nil {
			ops = append(ops, kv.BatchOp{Bucket: bucket, Key: addr.Format(oldHi), Delete: true, Options: kv.PutOptions{IfMatch: &rec.Etag}})
		}
	}
	if newLoOK {
		sentinel := &models.IPRecord{IP: addr.Format(newLo), Reserved: true, ModifiedAt: nowFunc()}
		ops = append(ops, kv.BatchOp{Bucket: bucket, Key: sentinel.IP, Value: sentinel.Serialize(), Options: kv.PutOptions{}})
	}
	if newHiOK {
		sentinel := &models.IPRecord{IP: addr.Format(newHi), Reserved: true, ModifiedAt: nowFunc()}
		ops = append(ops, kv.BatchOp{Bucket: bucket, Key: sentinel.IP, Value: sentinel.Serialize(), Options: kv.PutOptions{}})
	}

	if len(ops) == 0 {
		return nil
	}
	if err := a.Store.Batch(ctx, ops); err != nil {
		return translateStoreErr(err)
	}
	return nil
}

// ListFree returns free, unreserved records ordered by ascending
// modified_at.
func (a *Allocator) ListFree(ctx context.Context, networkUUID string, limit int) ([]*models.IPRecord, error) {
	bucket := models.IPBucketName(networkUUID)
	results, err := a.Store.Find(ctx, bucket, freeFilter(), kv.FindOptions{Sort: []string{"modified_at"}, Limit: limit})
	if err != nil {
		return nil, translateStoreErr(err)
	}
	out := make([]*models.IPRecord, 0, len(results))
	for _, r := range results {
		rec, err := models.DeserializeIPRecord(r.Record.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

func translateStoreErr(err error) error {
	var transient *kv.TransientError
	if errors.As(err, &transient) {
		return apierror.Wrap(err, apierror.KindTransientRetry, "transient storage error")
	}
	var bnf *kv.BucketNotFoundError
	if errors.As(err, &bnf) {
		return apierror.Wrap(err, apierror.KindBucketNotFound, "bucket not found")
	}
	return err
}

// nowFunc is a package-level hook so tests can control modified_at ordering
// deterministically (§8 scenario 2's "separated by >=1ms" requirement).
var nowFunc = time.Now
