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

// Handlers for every §6 resource: request decode, orchestration-layer
// dispatch, response encode. Deletion guards (InUse) and provisioning
// composition live here rather than in the orchestration layers, since they
// read across buckets the way internal/controllers' reconcilers do.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/ipalloc"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
	"github.com/ubiquiti-community/napi-go/internal/nicfsm"
	"github.com/ubiquiti-community/napi-go/internal/policy"
	"github.com/ubiquiti-community/napi-go/internal/pooldispatch"
	"github.com/ubiquiti-community/napi-go/internal/search"
)

func (s *Server) lookupNetwork(ctx context.Context, id string) (*models.Network, error) {
	rec, err := s.Store.Get(ctx, models.NetworkBucket().Name, id)
	if err != nil {
		return nil, translateNotFound(err, "network")
	}
	return models.DeserializeNetwork(rec.Value)
}

func translateNotFound(err error, kind string) error {
	if _, ok := err.(*kv.NotFoundError); ok {
		return apierror.New(apierror.KindResourceNotFound, kind+" not found")
	}
	return err
}

func listParams(r *http.Request) (search.ListOptions, error) {
	q := r.URL.Query()
	var opts search.ListOptions
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, apierror.New(apierror.KindInvalidParams, "limit must be an integer")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, apierror.New(apierror.KindInvalidParams, "offset must be an integer")
		}
		opts.Offset = n
	}
	return opts, nil
}

func mustSubnet(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

func mustAddrOf(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

func ipIndexer(raw []byte) map[string]string {
	rec, err := models.DeserializeIPRecord(raw)
	if err != nil {
		return nil
	}
	return rec.IndexFields()
}

// --- nic tags ---------------------------------------------------------

func (s *Server) handleListNicTags(w http.ResponseWriter, r *http.Request) {
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, _, err := s.Searcher.ListEntities(r.Context(), models.NicTagBucket().Name, kv.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.NicTag, 0, len(results))
	for _, res := range results {
		t, derr := models.DeserializeNicTag(res.Record.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateNicTag(w http.ResponseWriter, r *http.Request) {
	var t models.NicTag
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, err)
		return
	}
	if err := t.Validate(models.OpCreate, s.Config.MTUDefault); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.Store.Put(r.Context(), models.NicTagBucket().Name, t.Name, t.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		writeError(w, translateDuplicate(err, "name", t.Name))
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

func (s *Server) handleGetNicTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := s.Store.Get(r.Context(), models.NicTagBucket().Name, name)
	if err != nil {
		writeError(w, translateNotFound(err, "nic tag"))
		return
	}
	t, derr := models.DeserializeNicTag(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateNicTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := s.Store.Get(r.Context(), models.NicTagBucket().Name, name)
	if err != nil {
		writeError(w, translateNotFound(err, "nic tag"))
		return
	}
	var t models.NicTag
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, err)
		return
	}
	t.Name = name
	if err := t.Validate(models.OpUpdate, s.Config.MTUDefault); err != nil {
		writeError(w, err)
		return
	}
	etag := rec.Etag
	if _, err := s.Store.Put(r.Context(), models.NicTagBucket().Name, name, t.Serialize(), kv.PutOptions{IfMatch: &etag}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

func (s *Server) handleDeleteNicTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	refs, err := s.Store.Find(r.Context(), models.NetworkBucket().Name, kv.Eq("nic_tag", name), kv.FindOptions{Limit: 1})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(refs) > 0 {
		writeError(w, apierror.InUse("nic tag is referenced by a network",
			apierror.UsedByRef{Type: "network", ID: refs[0].Record.Key, Code: string(apierror.CodeUsedBy)}))
		return
	}

	if err := s.Store.Delete(r.Context(), models.NicTagBucket().Name, name); err != nil {
		writeError(w, translateNotFound(err, "nic tag"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- networks -----------------------------------------------------------

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, _, err := s.Searcher.ListEntities(r.Context(), models.NetworkBucket().Name, kv.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.Network, 0, len(results))
	for _, res := range results {
		n, derr := models.DeserializeNetwork(res.Record.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var n models.Network
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, err)
		return
	}

	tagRec, err := s.Store.Get(r.Context(), models.NicTagBucket().Name, n.NicTag)
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidParams, "nic_tag does not exist"))
		return
	}
	tag, derr := models.DeserializeNicTag(tagRec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	if err := n.Validate(models.OpCreate, tag.MTU); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Store.CreateBucket(r.Context(), models.IPBucketName(n.UUID), models.IPBucket(n.UUID).Schema); err != nil {
		writeError(w, err)
		return
	}
	kv.RegisterIndexerIfMemory(s.Store, models.IPBucketName(n.UUID), ipIndexer)
	if _, err := s.Store.Put(r.Context(), models.NetworkBucket().Name, n.UUID, n.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &n)
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	n, err := s.lookupNetwork(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	rec, err := s.Store.Get(r.Context(), models.NetworkBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "network"))
		return
	}
	existing, derr := models.DeserializeNetwork(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var patch models.Network
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	patch.UUID = existing.UUID
	patch.NicTag = existing.NicTag
	if err := patch.Validate(models.OpUpdate, s.Config.MTUDefault); err != nil {
		writeError(w, err)
		return
	}

	if patch.ProvisionStartIP != existing.ProvisionStartIP || patch.ProvisionEndIP != existing.ProvisionEndIP {
		oldStart := mustAddrOf(existing.ProvisionStartIP)
		oldEnd := mustAddrOf(existing.ProvisionEndIP)
		newStart := mustAddrOf(patch.ProvisionStartIP)
		newEnd := mustAddrOf(patch.ProvisionEndIP)
		if err := s.Allocator.RangeUpdate(r.Context(), existing.UUID, oldStart, oldEnd, newStart, newEnd); err != nil {
			writeError(w, err)
			return
		}
	}

	etag := rec.Etag
	if _, err := s.Store.Put(r.Context(), models.NetworkBucket().Name, id, patch.Serialize(), kv.PutOptions{IfMatch: &etag}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &patch)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]

	nics, err := s.Store.Find(r.Context(), models.NicBucket().Name, kv.Eq("network_uuid", id), kv.FindOptions{Limit: 1})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(nics) > 0 {
		writeError(w, apierror.InUse("network is referenced by a nic",
			apierror.UsedByRef{Type: "nic", ID: nics[0].Record.Key, Code: string(apierror.CodeUsedBy)}))
		return
	}

	pools, err := s.Store.Find(r.Context(), models.NetworkPoolBucket().Name, kv.Filter{}, kv.FindOptions{Limit: 1000})
	if err != nil {
		writeError(w, err)
		return
	}
	for _, p := range pools {
		pool, derr := models.DeserializeNetworkPool(p.Record.Value)
		if derr != nil {
			continue
		}
		for _, member := range pool.Networks {
			if member == id {
				writeError(w, apierror.InUse("network is referenced by a pool",
					apierror.UsedByRef{Type: "network_pool", ID: pool.UUID, Code: string(apierror.CodeUsedBy)}))
				return
			}
		}
	}

	if err := s.Store.DeleteBucket(r.Context(), models.IPBucketName(id)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.Delete(r.Context(), models.NetworkBucket().Name, id); err != nil {
		writeError(w, translateNotFound(err, "network"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- IP records -----------------------------------------------------------

func (s *Server) handleListIPs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, _, err := s.Searcher.ListIPs(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetIP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.Store.Get(r.Context(), models.IPBucketName(vars["uuid"]), vars["ip"])
	if err != nil {
		if _, ok := err.(*kv.NotFoundError); ok {
			writeJSON(w, http.StatusOK, &models.IPRecord{IP: vars["ip"]})
			return
		}
		writeError(w, err)
		return
	}
	ip, derr := models.DeserializeIPRecord(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

type ipUpdateRequest struct {
	Reserved      *bool  `json:"reserved,omitempty"`
	Unassign      bool   `json:"unassign,omitempty"`
	Free          bool   `json:"free,omitempty"`
	OwnerUUID     string `json:"owner_uuid,omitempty"`
	BelongsToType string `json:"belongs_to_type,omitempty"`
	BelongsToUUID string `json:"belongs_to_uuid,omitempty"`
}

func (s *Server) handleUpdateIP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req ipUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		rec *models.IPRecord
		err error
	)
	switch {
	case req.Free:
		rec, err = s.Allocator.Free(r.Context(), vars["uuid"], vars["ip"])
	case req.Unassign:
		rec, err = s.Allocator.Unassign(r.Context(), vars["uuid"], vars["ip"])
	case req.Reserved != nil && *req.Reserved:
		rec, err = s.Allocator.Reserve(r.Context(), vars["uuid"], vars["ip"], req.OwnerUUID)
		if err == nil && req.BelongsToUUID != "" {
			rec.BelongsToType = req.BelongsToType
			rec.BelongsToUUID = req.BelongsToUUID
		}
	default:
		network, lerr := s.lookupNetwork(r.Context(), vars["uuid"])
		if lerr != nil {
			writeError(w, lerr)
			return
		}
		ip, perr := netip.ParseAddr(vars["ip"])
		if perr != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
			return
		}
		allocated, _, aerr := s.Allocator.Allocate(r.Context(), ipalloc.Request{
			NetworkUUID:      network.UUID,
			Subnet:           mustSubnet(network.Subnet),
			ProvisionStartIP: mustAddrOf(network.ProvisionStartIP),
			ProvisionEndIP:   mustAddrOf(network.ProvisionEndIP),
			RequestedIP:      &ip,
			OwnerUUID:        req.OwnerUUID,
			BelongsToType:    req.BelongsToType,
			BelongsToUUID:    req.BelongsToUUID,
		})
		rec, err = allocated, aerr
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- search -----------------------------------------------------------

func (s *Server) handleSearchIPs(w http.ResponseWriter, r *http.Request) {
	ipStr := r.URL.Query().Get("ip")
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidParams, "ip query parameter is required and must be valid"))
		return
	}

	results, _, err := s.Searcher.ListEntities(r.Context(), models.NetworkBucket().Name, kv.Filter{}, search.ListOptions{Limit: search.MaxLimit})
	if err != nil {
		writeError(w, err)
		return
	}
	networks := make([]*models.Network, 0, len(results))
	for _, res := range results {
		n, derr := models.DeserializeNetwork(res.Record.Value)
		if derr == nil {
			networks = append(networks, n)
		}
	}

	hits, err := s.Searcher.SearchIPs(r.Context(), ip, networks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

// --- nics ---------------------------------------------------------------

func (s *Server) handleListNics(w http.ResponseWriter, r *http.Request) {
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, _, err := s.Searcher.ListEntities(r.Context(), models.NicBucket().Name, kv.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.Nic, 0, len(results))
	for _, res := range results {
		n, derr := models.DeserializeNic(res.Record.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateNic(w http.ResponseWriter, r *http.Request) {
	var nic models.Nic
	if err := decodeJSON(r, &nic); err != nil {
		writeError(w, err)
		return
	}
	if err := nic.Validate(models.OpCreate); err != nil {
		writeError(w, err)
		return
	}

	var network *models.Network
	if nic.NetworkUUID != "" {
		n, err := s.lookupNetwork(r.Context(), nic.NetworkUUID)
		if err != nil {
			writeError(w, err)
			return
		}
		network = n
	}

	var requestedIP *netip.Addr
	if nic.IP != "" {
		ip, perr := netip.ParseAddr(nic.IP)
		if perr != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
			return
		}
		requestedIP = &ip
	}

	created, err := s.NicMachine.Create(r.Context(), nicfsm.CreateParams{Nic: &nic, Network: network, RequestedIP: requestedIP, CheckOwner: true})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetNic(w http.ResponseWriter, r *http.Request) {
	mac, err := models.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidParams, err.Error()))
		return
	}
	rec, err := s.Store.Get(r.Context(), models.NicBucket().Name, mac)
	if err != nil {
		writeError(w, translateNotFound(err, "nic"))
		return
	}
	nic, derr := models.DeserializeNic(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, nic)
}

func (s *Server) handleUpdateNic(w http.ResponseWriter, r *http.Request) {
	mac, err := models.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidParams, err.Error()))
		return
	}
	rec, err := s.Store.Get(r.Context(), models.NicBucket().Name, mac)
	if err != nil {
		writeError(w, translateNotFound(err, "nic"))
		return
	}
	existing, derr := models.DeserializeNic(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var patch struct {
		NetworkUUID string `json:"network_uuid,omitempty"`
		IP          string `json:"ip,omitempty"`
		Primary     *bool  `json:"primary,omitempty"`
		CheckOwner  *bool  `json:"check_owner,omitempty"`
	}
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	checkOwner := true
	if patch.CheckOwner != nil {
		checkOwner = *patch.CheckOwner
	}

	if patch.Primary != nil && *patch.Primary {
		if err := s.NicMachine.SetPrimary(r.Context(), existing.MAC, existing.BelongsToUUID); err != nil {
			writeError(w, err)
			return
		}
	}

	switch {
	case patch.NetworkUUID == "" && patch.IP == "":
		writeJSON(w, http.StatusOK, existing)
	case existing.NetworkUUID == "":
		network, lerr := s.lookupNetwork(r.Context(), patch.NetworkUUID)
		if lerr != nil {
			writeError(w, lerr)
			return
		}
		var requestedIP *netip.Addr
		if patch.IP != "" {
			ip, perr := netip.ParseAddr(patch.IP)
			if perr != nil {
				writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
				return
			}
			requestedIP = &ip
		}
		updated, err := s.NicMachine.UpdateToBind(r.Context(), existing, network, requestedIP, checkOwner)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		newNetUUID := patch.NetworkUUID
		if newNetUUID == "" {
			newNetUUID = existing.NetworkUUID
		}
		var oldNetwork *models.Network
		if existing.NetworkUUID != "" {
			oldNetwork, _ = s.lookupNetwork(r.Context(), existing.NetworkUUID)
		}
		newNetwork, lerr := s.lookupNetwork(r.Context(), newNetUUID)
		if lerr != nil {
			writeError(w, lerr)
			return
		}
		var requestedIP *netip.Addr
		if patch.IP != "" {
			ip, perr := netip.ParseAddr(patch.IP)
			if perr != nil {
				writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
				return
			}
			requestedIP = &ip
		}
		updated, err := s.NicMachine.Rebind(r.Context(), existing, oldNetwork, newNetwork, requestedIP, checkOwner)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleDeleteNic(w http.ResponseWriter, r *http.Request) {
	mac, err := models.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, apierror.New(apierror.KindInvalidParams, err.Error()))
		return
	}
	rec, err := s.Store.Get(r.Context(), models.NicBucket().Name, mac)
	if err != nil {
		writeError(w, translateNotFound(err, "nic"))
		return
	}
	nic, derr := models.DeserializeNic(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var network *models.Network
	if nic.NetworkUUID != "" {
		network, _ = s.lookupNetwork(r.Context(), nic.NetworkUUID)
	}
	if err := s.NicMachine.Delete(r.Context(), nic, network); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- aggregations ---------------------------------------------------------

func (s *Server) handleListAggregations(w http.ResponseWriter, r *http.Request) {
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, _, err := s.Searcher.ListEntities(r.Context(), models.AggregationBucket().Name, kv.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.Aggregation, 0, len(results))
	for _, res := range results {
		a, derr := models.DeserializeAggregation(res.Record.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAggregation(w http.ResponseWriter, r *http.Request) {
	var a models.Aggregation
	if err := decodeJSON(r, &a); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Validate(models.OpCreate); err != nil {
		writeError(w, err)
		return
	}
	for _, mac := range a.MACs {
		rec, err := s.Store.Get(r.Context(), models.NicBucket().Name, mac)
		if err != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "mac "+mac+" does not reference an existing nic"))
			return
		}
		nic, derr := models.DeserializeNic(rec.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		if nic.BelongsToUUID != a.BelongsToUUID {
			writeError(w, apierror.New(apierror.KindInvalidParams, "mac "+mac+" does not belong to "+a.BelongsToUUID))
			return
		}
	}
	if _, err := s.Store.Put(r.Context(), models.AggregationBucket().Name, a.ID, a.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		writeError(w, translateDuplicate(err, "id", a.ID))
		return
	}
	writeJSON(w, http.StatusOK, &a)
}

func (s *Server) handleGetAggregation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Store.Get(r.Context(), models.AggregationBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "aggregation"))
		return
	}
	a, derr := models.DeserializeAggregation(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAggregation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Store.Get(r.Context(), models.AggregationBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "aggregation"))
		return
	}
	existing, derr := models.DeserializeAggregation(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var patch models.Aggregation
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	patch.BelongsToUUID = existing.BelongsToUUID
	if patch.Name == "" {
		patch.Name = existing.Name
	}
	if err := patch.Validate(models.OpUpdate); err != nil {
		writeError(w, err)
		return
	}

	etag := rec.Etag
	if _, err := s.Store.Put(r.Context(), models.AggregationBucket().Name, id, patch.Serialize(), kv.PutOptions{IfMatch: &etag}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &patch)
}

func (s *Server) handleDeleteAggregation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.Delete(r.Context(), models.AggregationBucket().Name, id); err != nil {
		writeError(w, translateNotFound(err, "aggregation"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- network pools ---------------------------------------------------------

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	opts, err := listParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, _, err := s.Searcher.ListEntities(r.Context(), models.NetworkPoolBucket().Name, kv.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.NetworkPool, 0, len(results))
	for _, res := range results {
		p, derr := models.DeserializeNetworkPool(res.Record.Value)
		if derr != nil {
			writeError(w, derr)
			return
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var p models.NetworkPool
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if err := p.Validate(models.OpCreate); err != nil {
		writeError(w, err)
		return
	}

	members := make([]*models.Network, 0, len(p.Networks))
	for _, netUUID := range p.Networks {
		n, err := s.lookupNetwork(r.Context(), netUUID)
		if err != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "networks["+netUUID+"] does not exist"))
			return
		}
		members = append(members, n)
	}
	if err := validatePoolMembers(&p, members); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.Store.Put(r.Context(), models.NetworkPoolBucket().Name, p.UUID, p.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func validatePoolMembers(p *models.NetworkPool, members []*models.Network) error {
	var agg apierror.Aggregator
	observedTags := make([]string, 0, len(members))
	for _, n := range members {
		if p.Family != "" && !policy.FamilyMatch(string(p.Family), string(n.Family)) {
			agg.Invalid("networks", "network "+n.UUID+" family does not match pool family", n.Family)
		}
		observedTags = append(observedTags, n.NicTag)
	}
	if !policy.NicTagCompatible(observedTags, p.NicTagsPresent) {
		agg.Invalid("nic_tags_present", "pool member networks use multiple nic tags; list them all in nic_tags_present", observedTags)
	}
	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	rec, err := s.Store.Get(r.Context(), models.NetworkPoolBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "network pool"))
		return
	}
	p, derr := models.DeserializeNetworkPool(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}
	if capacity, capErr := s.Dispatcher.ComputeCapacity(r.Context(), p); capErr == nil {
		p.Capacity = capacity
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	rec, err := s.Store.Get(r.Context(), models.NetworkPoolBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "network pool"))
		return
	}
	existing, derr := models.DeserializeNetworkPool(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var patch models.NetworkPool
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	patch.UUID = existing.UUID
	if patch.Family == "" {
		patch.Family = existing.Family
	}
	if err := patch.Validate(models.OpUpdate); err != nil {
		writeError(w, err)
		return
	}

	members := make([]*models.Network, 0, len(patch.Networks))
	for _, netUUID := range patch.Networks {
		n, lerr := s.lookupNetwork(r.Context(), netUUID)
		if lerr != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "networks["+netUUID+"] does not exist"))
			return
		}
		members = append(members, n)
	}
	if err := validatePoolMembers(&patch, members); err != nil {
		writeError(w, err)
		return
	}

	etag := rec.Etag
	if _, err := s.Store.Put(r.Context(), models.NetworkPoolBucket().Name, id, patch.Serialize(), kv.PutOptions{IfMatch: &etag}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &patch)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	if err := s.Store.Delete(r.Context(), models.NetworkPoolBucket().Name, id); err != nil {
		writeError(w, translateNotFound(err, "network pool"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- provisioning (network/pool dispatch) --------------------------------

type provisionRequest struct {
	MAC              string   `json:"mac"`
	OwnerUUID        string   `json:"owner_uuid"`
	BelongsToType    string   `json:"belongs_to_type"`
	BelongsToUUID    string   `json:"belongs_to_uuid"`
	IP               string   `json:"ip,omitempty"`
	NicTag           string   `json:"nic_tag,omitempty"`
	NicTagsAvailable []string `json:"nic_tags_available,omitempty"`
	CheckOwner       *bool    `json:"check_owner,omitempty"`
}

func (p provisionRequest) checkOwner() bool {
	if p.CheckOwner == nil {
		return true
	}
	return *p.CheckOwner
}

func (s *Server) handleProvisionOnNetwork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	network, err := s.lookupNetwork(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	nic := &models.Nic{MAC: req.MAC, OwnerUUID: req.OwnerUUID, BelongsToType: req.BelongsToType, BelongsToUUID: req.BelongsToUUID}
	if err := nic.Validate(models.OpCreate); err != nil {
		writeError(w, err)
		return
	}

	var requestedIP *netip.Addr
	if req.IP != "" {
		ip, perr := netip.ParseAddr(req.IP)
		if perr != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
			return
		}
		requestedIP = &ip
	}

	created, err := s.NicMachine.Create(r.Context(), nicfsm.CreateParams{
		Nic: nic, Network: network, RequestedIP: requestedIP, CheckOwner: req.checkOwner(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleProvisionOnPool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	rec, err := s.Store.Get(r.Context(), models.NetworkPoolBucket().Name, id)
	if err != nil {
		writeError(w, translateNotFound(err, "network pool"))
		return
	}
	pool, derr := models.DeserializeNetworkPool(rec.Value)
	if derr != nil {
		writeError(w, derr)
		return
	}

	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var requestedIP *netip.Addr
	if req.IP != "" {
		ip, perr := netip.ParseAddr(req.IP)
		if perr != nil {
			writeError(w, apierror.New(apierror.KindInvalidParams, "invalid ip"))
			return
		}
		requestedIP = &ip
	}

	if req.checkOwner() && !policy.OwnerMatch(pool.OwnerUUIDs, req.OwnerUUID, s.Config.AdminUUID) {
		writeError(w, apierror.New(apierror.KindNotAuthorized, "owner_uuid not permitted on this pool"))
		return
	}

	ipRec, network, err := s.Dispatcher.Allocate(r.Context(), pooldispatch.Request{
		Pool:             pool,
		NicTag:           req.NicTag,
		NicTagsAvailable: req.NicTagsAvailable,
		OwnerUUID:        req.OwnerUUID,
		BelongsToType:    req.BelongsToType,
		BelongsToUUID:    req.BelongsToUUID,
		RequestedIP:      requestedIP,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	nic := &models.Nic{
		MAC: req.MAC, OwnerUUID: req.OwnerUUID, BelongsToType: req.BelongsToType, BelongsToUUID: req.BelongsToUUID,
		NetworkUUID: network.UUID, IP: ipRec.IP, NicTag: network.NicTag,
	}
	if err := nic.Validate(models.OpCreate); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	nic.CreatedAt = now
	nic.ModifiedAt = now
	nic.State = models.NicStateRunning

	if _, err := s.Store.Put(r.Context(), models.NicBucket().Name, nic.MAC, nic.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nic)
}

func translateDuplicate(err error, field, value string) error {
	if _, ok := err.(*kv.EtagConflictError); ok {
		return &apierror.Error{Kind: apierror.KindInvalidParams, Message: "already exists", Fields: []apierror.FieldError{
			{Field: field, Code: apierror.CodeDuplicate, Message: "already exists", Invalid: value},
		}}
	}
	return err
}
