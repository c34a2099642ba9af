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

// Package nicfsm implements the nic provisioning state machine of §4.E:
// create, update-to-bind, rebind, and delete, coordinating with the IP
// allocator under contention via single-batch commits.
//
// Grounded in internal/controllers/ipaddressclaim_controller.go's
// UnifiClaimHandler (FetchPool/EnsureAddress/ReleaseAddress/setupAllocation)
// for the create/bind/release shape, and pkg/ipamutil/reconciler.go's
// finalizer-protected delete-then-release ordering for the delete path.
package nicfsm

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/ipalloc"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
	"github.com/ubiquiti-community/napi-go/internal/policy"
)

// Machine drives nic lifecycle transitions against a KV store and an
// allocator bound to the same store.
type Machine struct {
	Store     kv.Store
	Allocator *ipalloc.Allocator
	AdminUUID string
}

// New returns a Machine backed by store.
func New(store kv.Store, adminUUID string) *Machine {
	return &Machine{Store: store, Allocator: ipalloc.New(store), AdminUUID: adminUUID}
}

// CreateParams is the input to Create, matching §6's nic provisioning
// endpoints (`/networks/:uuid/nics`, `/nics`).
type CreateParams struct {
	Nic         *models.Nic
	Network     *models.Network // nil when creating an unbound nic
	RequestedIP *netip.Addr
	CheckOwner  bool
}

// Create implements §4.E's Create transition: for a bound-to-network nic the
// allocator first claims an allocated (or caller-specified) address, and the
// nic record is then written in a separate put; the two writes are not one
// batch, so a failed nic write leaves the address claimed. Unbound nics (no
// network_uuid) are written alone.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*models.Nic, error) {
	if p.CheckOwner && p.Network != nil {
		if !policy.OwnerMatch(p.Network.OwnerUUIDs, p.Nic.OwnerUUID, m.AdminUUID) {
			return nil, withFieldError(apierror.New(apierror.KindInvalidParams, "owner_uuid not permitted on this network"), "owner_uuid")
		}
	}

	now := nowFunc()
	p.Nic.CreatedAt = now
	p.Nic.ModifiedAt = now
	p.Nic.State = models.NicStateProvisioning

	if p.Network == nil {
		p.Nic.State = models.NicStateRunning
		if err := m.putNic(ctx, p.Nic, nil); err != nil {
			return nil, err
		}
		return p.Nic, nil
	}

	if p.Nic.NicTag == "" {
		p.Nic.NicTag = p.Network.NicTag
	} else if p.Nic.NicTag != p.Network.NicTag {
		return nil, withFieldError(apierror.New(apierror.KindInvalidParams, "nic_tag does not match network's nic_tag"), "nic_tag")
	}

	rec, _, err := m.Allocator.Allocate(ctx, ipalloc.Request{
		NetworkUUID:      p.Network.UUID,
		Subnet:           mustPrefix(p.Network.Subnet),
		ProvisionStartIP: mustAddr(p.Network.ProvisionStartIP),
		ProvisionEndIP:   mustAddr(p.Network.ProvisionEndIP),
		RequestedIP:      p.RequestedIP,
		OwnerUUID:        p.Nic.OwnerUUID,
		BelongsToType:    "nic",
		BelongsToUUID:    p.Nic.MAC,
	})
	if err != nil {
		return nil, err
	}

	p.Nic.NetworkUUID = p.Network.UUID
	p.Nic.IP = rec.IP
	p.Nic.State = models.NicStateRunning

	if err := m.putNic(ctx, p.Nic, nil); err != nil {
		return nil, err
	}
	return p.Nic, nil
}

// UpdateToBind implements §4.E's Update-to-bind transition: an unbound nic
// gains a network_uuid, the allocator assigns an address, and both writes
// commit as one batch so either both succeed or neither does.
func (m *Machine) UpdateToBind(ctx context.Context, nic *models.Nic, network *models.Network, requestedIP *netip.Addr, checkOwner bool) (*models.Nic, error) {
	if nic.NetworkUUID != "" {
		return nil, withFieldError(apierror.New(apierror.KindInvalidParams, "nic is already bound; use rebind"), "network_uuid")
	}
	if checkOwner && !policy.OwnerMatch(network.OwnerUUIDs, nic.OwnerUUID, m.AdminUUID) {
		return nil, withFieldError(apierror.New(apierror.KindInvalidParams, "owner_uuid not permitted on this network"), "owner_uuid")
	}

	rec, ipEtag, err := m.Allocator.Allocate(ctx, ipalloc.Request{
		NetworkUUID:      network.UUID,
		Subnet:           mustPrefix(network.Subnet),
		ProvisionStartIP: mustAddr(network.ProvisionStartIP),
		ProvisionEndIP:   mustAddr(network.ProvisionEndIP),
		RequestedIP:      requestedIP,
		OwnerUUID:        nic.OwnerUUID,
		BelongsToType:    "nic",
		BelongsToUUID:    nic.MAC,
	})
	if err != nil {
		return nil, err
	}

	nic.NetworkUUID = network.UUID
	nic.IP = rec.IP
	nic.NicTag = network.NicTag
	nic.ModifiedAt = nowFunc()

	if err := m.Store.Batch(ctx, []kv.BatchOp{
		{Bucket: models.NicBucket().Name, Key: nic.MAC, Value: nic.Serialize()},
		{Bucket: models.IPBucketName(network.UUID), Key: rec.IP, Value: rec.Serialize(), Options: kv.PutOptions{IfMatch: &ipEtag}},
	}); err != nil {
		return nil, translateBatchErr(err)
	}
	return nic, nil
}

// Rebind implements §4.E's Rebind transition: frees the old IP record (if
// any) and claims the new one in one batch, then rewrites the nic. The old
// IP becomes available in modification-time order.
func (m *Machine) Rebind(ctx context.Context, nic *models.Nic, oldNetwork *models.Network, newNetwork *models.Network, requestedIP *netip.Addr, checkOwner bool) (*models.Nic, error) {
	if checkOwner && !policy.OwnerMatch(newNetwork.OwnerUUIDs, nic.OwnerUUID, m.AdminUUID) {
		return nil, withFieldError(apierror.New(apierror.KindInvalidParams, "owner_uuid not permitted on this network"), "owner_uuid")
	}

	rec, ipEtag, err := m.Allocator.Allocate(ctx, ipalloc.Request{
		NetworkUUID:      newNetwork.UUID,
		Subnet:           mustPrefix(newNetwork.Subnet),
		ProvisionStartIP: mustAddr(newNetwork.ProvisionStartIP),
		ProvisionEndIP:   mustAddr(newNetwork.ProvisionEndIP),
		RequestedIP:      requestedIP,
		OwnerUUID:        nic.OwnerUUID,
		BelongsToType:    "nic",
		BelongsToUUID:    nic.MAC,
	})
	if err != nil {
		return nil, err
	}

	ops := []kv.BatchOp{
		{Bucket: models.NicBucket().Name, Key: nic.MAC, Value: nil},
		{Bucket: models.IPBucketName(newNetwork.UUID), Key: rec.IP, Value: rec.Serialize(), Options: kv.PutOptions{IfMatch: &ipEtag}},
	}

	if oldNetwork != nil && nic.IP != "" {
		oldBucket := models.IPBucketName(oldNetwork.UUID)
		if oldRec, err := m.Store.Get(ctx, oldBucket, nic.IP); err == nil {
			freed, derr := models.DeserializeIPRecord(oldRec.Value)
			if derr == nil {
				freed.BelongsToType = ""
				freed.BelongsToUUID = ""
				freed.ModifiedAt = nowFunc()
				etag := oldRec.Etag
				ops = append(ops, kv.BatchOp{Bucket: oldBucket, Key: nic.IP, Value: freed.Serialize(), Options: kv.PutOptions{IfMatch: &etag}})
			}
		}
	}

	nic.NetworkUUID = newNetwork.UUID
	nic.IP = rec.IP
	nic.NicTag = newNetwork.NicTag
	nic.ModifiedAt = nowFunc()
	ops[0].Value = nic.Serialize()

	if err := m.Store.Batch(ctx, ops); err != nil {
		return nil, translateBatchErr(err)
	}
	return nic, nil
}

// Delete implements §4.E's Delete transition: removes the nic record and,
// in the same batch, clears belongs_to_* on its IP record (if any) while
// preserving owner_uuid and reserved.
func (m *Machine) Delete(ctx context.Context, nic *models.Nic, network *models.Network) error {
	ops := []kv.BatchOp{
		{Bucket: models.NicBucket().Name, Key: nic.MAC, Delete: true},
	}

	if network != nil && nic.IP != "" {
		bucket := models.IPBucketName(network.UUID)
		if rec, err := m.Store.Get(ctx, bucket, nic.IP); err == nil {
			freed, derr := models.DeserializeIPRecord(rec.Value)
			if derr == nil {
				freed.BelongsToType = ""
				freed.BelongsToUUID = ""
				freed.ModifiedAt = nowFunc()
				etag := rec.Etag
				ops = append(ops, kv.BatchOp{Bucket: bucket, Key: nic.IP, Value: freed.Serialize(), Options: kv.PutOptions{IfMatch: &etag}})
			}
		}
	}

	if err := m.Store.Batch(ctx, ops); err != nil {
		return translateBatchErr(err)
	}
	return nil
}

// SetPrimary implements §4.E's primary-flag exclusivity: setting
// primary:true for one nic atomically clears the flag on every other nic
// sharing belongs_to_uuid.
func (m *Machine) SetPrimary(ctx context.Context, mac, belongsToUUID string) error {
	siblings, err := m.Store.Find(ctx, models.NicBucket().Name, kv.Eq("belongs_to_uuid", belongsToUUID), kv.FindOptions{Limit: 1000})
	if err != nil {
		return err
	}

	var ops []kv.BatchOp
	for _, s := range siblings {
		nic, derr := models.DeserializeNic(s.Record.Value)
		if derr != nil {
			return derr
		}
		wantPrimary := nic.MAC == mac
		if nic.Primary == wantPrimary {
			continue
		}
		nic.Primary = wantPrimary
		nic.ModifiedAt = nowFunc()
		etag := s.Record.Etag
		ops = append(ops, kv.BatchOp{Bucket: models.NicBucket().Name, Key: nic.MAC, Value: nic.Serialize(), Options: kv.PutOptions{IfMatch: &etag}})
	}
	if len(ops) == 0 {
		return nil
	}
	return translateBatchErr(m.Store.Batch(ctx, ops))
}

func (m *Machine) putNic(ctx context.Context, nic *models.Nic, etag *kv.Etag) error {
	opts := kv.PutOptions{IfAbsent: true}
	if etag != nil {
		opts = kv.PutOptions{IfMatch: etag}
	}
	_, err := m.Store.Put(ctx, models.NicBucket().Name, nic.MAC, nic.Serialize(), opts)
	return err
}

func translateBatchErr(err error) error {
	if err == nil {
		return nil
	}
	var conflict *kv.EtagConflictError
	if errors.As(err, &conflict) {
		return apierror.Wrap(err, apierror.KindEtagConflict, "concurrent modification, retry")
	}
	var transient *kv.TransientError
	if errors.As(err, &transient) {
		return apierror.Wrap(err, apierror.KindTransientRetry, "transient storage error")
	}
	return err
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

var nowFunc = time.Now

// withFieldError is a small convenience used only within this package to attach
// a single field name to a freshly built InvalidParams error.
func withFieldError(e *apierror.Error, field string) *apierror.Error {
	e.Fields = append(e.Fields, apierror.FieldError{Field: field, Code: apierror.CodeInvalidParameter, Message: e.Message})
	return e
}
