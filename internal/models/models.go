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

// Package models implements the entity models of §4.C: validation,
// serialization, and per-type bucket naming for nic-tag, network, pool, nic,
// ip, and aggregation records. Every type exposes the same small capability
// set — Validate, Serialize, Deserialize, Bucket — so the pool dispatcher and
// HTTP handlers can interact with any entity by capability rather than by
// inheritance (§9 "Polymorphism").
//
// Grounded in api/v1beta2/unifiippool_types.go's struct shapes (UnifiIPPoolSpec,
// SubnetSpec, PoolCapacity) and internal/webhooks/unifiippool_webhook.go's
// validate() aggregation pattern.
package models

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/kv"
)

// Op names the operation a Validate call is being performed for, since some
// fields are required on create but optional on update.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Bucket describes the schema of a persisted bucket, paired with its name.
type Bucket struct {
	Name   string
	Schema kv.Schema
}

var nicTagNameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,31}$`)

// NicTag is a named link-layer domain.
type NicTag struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	MTU  int    `json:"mtu"`
}

// Validate normalizes and checks t per §3's nic-tag rules. mtuDefault is
// substituted when MTU is zero.
func (t *NicTag) Validate(op Op, mtuDefault int) error {
	var agg apierror.Aggregator

	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		agg.Required("name", "name is required")
	} else if !nicTagNameRE.MatchString(t.Name) {
		agg.Invalid("name", "name must be <=31 chars of [A-Za-z0-9_]", t.Name)
	}

	if t.MTU == 0 {
		t.MTU = mtuDefault
	}
	if t.MTU < 0 {
		agg.Invalid("mtu", "mtu must be positive", t.MTU)
	}

	if op == OpCreate && t.UUID == "" {
		t.UUID = uuid.NewString()
	}

	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (t *NicTag) Serialize() []byte   { b, _ := json.Marshal(t); return b }
func (t *NicTag) IndexFields() map[string]string {
	return map[string]string{"uuid": t.UUID, "name": t.Name}
}

func DeserializeNicTag(raw []byte) (*NicTag, error) {
	var t NicTag
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func NicTagBucket() Bucket {
	return Bucket{Name: "napi_nic_tags", Schema: kv.Schema{Version: 1, IndexedFields: []string{"uuid", "name"}}}
}

// Network is an IPv4/IPv6 subnet with a provisioning range, per §3.
type Network struct {
	UUID             string            `json:"uuid"`
	Name             string            `json:"name"`
	NicTag           string            `json:"nic_tag"`
	VLANID           int               `json:"vlan_id"`
	Family           addr.Family       `json:"family"`
	Subnet           string            `json:"subnet"`
	SubnetStartIP    string            `json:"subnet_start_ip"`
	SubnetEndIP      string            `json:"subnet_end_ip"`
	ProvisionStartIP string            `json:"provision_start_ip"`
	ProvisionEndIP   string            `json:"provision_end_ip"`
	Gateway          string            `json:"gateway,omitempty"`
	Resolvers        []string          `json:"resolvers,omitempty"`
	Routes           map[string]string `json:"routes,omitempty"`
	MTU              int               `json:"mtu"`
	OwnerUUIDs       []string          `json:"owner_uuids,omitempty"`
}

// Validate normalizes n and derives subnet_start_ip/subnet_end_ip/family per
// §3 and §8's round-trip property. mtuMax bounds mtu against the nic tag's
// mtu, per §4.C's validation catalog.
func (n *Network) Validate(op Op, mtuMax int) error {
	var agg apierror.Aggregator

	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		agg.Required("name", "name is required")
	}
	if n.NicTag == "" {
		agg.Required("nic_tag", "nic_tag is required")
	}

	if n.VLANID != 0 && (n.VLANID < 2 || n.VLANID > 4094) {
		agg.Invalid("vlan_id", "vlan_id must be 0 or in 2..4094", n.VLANID)
	}

	prefix, err := addr.ParsePrefix(n.Subnet)
	if err != nil {
		agg.Invalid("subnet", err.Error(), n.Subnet)
	} else {
		n.Family = addr.FamilyOf(prefix.Addr())
		n.SubnetStartIP = addr.Format(addr.NetworkAddr(prefix))
		n.SubnetEndIP = addr.Format(addr.BroadcastAddr(prefix))

		if n.ProvisionStartIP == "" || n.ProvisionEndIP == "" {
			agg.Required("provision_start_ip", "provision range is required")
		} else {
			pStart, errS := addr.Parse(n.ProvisionStartIP)
			pEnd, errE := addr.Parse(n.ProvisionEndIP)
			switch {
			case errS != nil:
				agg.Invalid("provision_start_ip", errS.Error(), n.ProvisionStartIP)
			case errE != nil:
				agg.Invalid("provision_end_ip", errE.Error(), n.ProvisionEndIP)
			default:
				broadcast := addr.BroadcastAddr(prefix)
				if !addr.InSubnet(pStart, prefix) || !addr.InSubnet(pEnd, prefix) {
					agg.Invalid("provision_start_ip", "provision range must lie inside the subnet", nil)
				} else if pStart.Compare(pEnd) > 0 {
					agg.Invalid("provision_start_ip", "provision_start_ip must not exceed provision_end_ip", nil)
				} else if pEnd == broadcast {
					agg.Invalid("provision_end_ip", "provision range excludes the broadcast address", nil)
				}
			}
		}

		if n.Gateway != "" {
			gw, errG := addr.Parse(n.Gateway)
			if errG != nil {
				agg.Invalid("gateway", errG.Error(), n.Gateway)
			} else if !addr.InSubnet(gw, prefix) {
				agg.Invalid("gateway", "gateway must lie inside the subnet", n.Gateway)
			}
		}
	}

	if len(n.Resolvers) > 6 {
		agg.Invalid("resolvers", "at most 6 resolvers allowed", len(n.Resolvers))
	}
	for _, r := range n.Resolvers {
		if _, err := addr.Parse(r); err != nil {
			agg.Invalid("resolvers", "resolver is not a valid address", r)
		}
	}

	for dst := range n.Routes {
		if _, err := netip.ParsePrefix(dst); err != nil {
			if _, err2 := addr.Parse(dst); err2 != nil {
				agg.Invalid("routes", "route destination must be a host or CIDR", dst)
			}
		}
	}

	if n.MTU == 0 {
		n.MTU = mtuMax
	}
	if mtuMax > 0 && n.MTU > mtuMax {
		agg.Invalid("mtu", "mtu exceeds nic tag's mtu", n.MTU)
	}

	for _, o := range n.OwnerUUIDs {
		if _, err := uuid.Parse(o); err != nil {
			agg.Invalid("owner_uuids", "owner_uuids must be UUIDs", o)
		}
	}

	if op == OpCreate && n.UUID == "" {
		n.UUID = uuid.NewString()
	}

	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (n *Network) Serialize() []byte { b, _ := json.Marshal(n); return b }
func (n *Network) IndexFields() map[string]string {
	return map[string]string{"uuid": n.UUID, "name": n.Name, "nic_tag": n.NicTag}
}

func DeserializeNetwork(raw []byte) (*Network, error) {
	var n Network
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func NetworkBucket() Bucket {
	return Bucket{Name: "napi_networks", Schema: kv.Schema{Version: 2, IndexedFields: []string{"uuid", "name", "nic_tag"}}}
}

// IPBucketName returns the per-network IP bucket name, with the uuid's
// hyphens replaced so the bucket name is a safe key-space segment, per §6
// "napi_ips_<network-uuid-with-underscores>".
func IPBucketName(networkUUID string) string {
	return "napi_ips_" + strings.ReplaceAll(networkUUID, "-", "_")
}

func IPBucket(networkUUID string) Bucket {
	return Bucket{Name: IPBucketName(networkUUID), Schema: kv.Schema{Version: 2, IndexedFields: []string{"ip", "belongs_to_uuid", "reserved", "modified_at"}}}
}

// IPRecord is the per-address bookkeeping entry described in §3.
type IPRecord struct {
	IP             string    `json:"ip"`
	Reserved       bool      `json:"reserved"`
	BelongsToType  string    `json:"belongs_to_type,omitempty"`
	BelongsToUUID  string    `json:"belongs_to_uuid,omitempty"`
	OwnerUUID      string    `json:"owner_uuid,omitempty"`
	ModifiedAt     time.Time `json:"modified_at,omitempty"`
}

// Free reports whether the record has no owning entity, per §3's "An IP is
// free iff no belongs_to_uuid is set."
func (r *IPRecord) Free() bool { return r.BelongsToUUID == "" }

func (r *IPRecord) Serialize() []byte { b, _ := json.Marshal(r); return b }
func (r *IPRecord) IndexFields() map[string]string {
	reserved := "false"
	if r.Reserved {
		reserved = "true"
	}
	return map[string]string{
		"ip":              r.IP,
		"belongs_to_uuid": r.BelongsToUUID,
		"reserved":        reserved,
		"modified_at":     r.ModifiedAt.UTC().Format(time.RFC3339Nano),
	}
}

func DeserializeIPRecord(raw []byte) (*IPRecord, error) {
	var r IPRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// NetworkPool is an ordered set of same-family networks, per §3.
type NetworkPool struct {
	UUID            string      `json:"uuid"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Family          addr.Family `json:"family"`
	NicTag          string      `json:"nic_tag"`
	NicTagsPresent  []string    `json:"nic_tags_present,omitempty"`
	Networks        []string    `json:"networks"`
	OwnerUUIDs      []string    `json:"owner_uuids,omitempty"`
	Capacity        *PoolCapacity `json:"capacity,omitempty"`
}

// PoolCapacity is the derived, read-only allocation summary supplementing
// §3's literal data model (SPEC_FULL §2.3), grounded in the teacher's
// ComputePoolStatus.
type PoolCapacity struct {
	Total      int64 `json:"total"`
	Used       int64 `json:"used"`
	Free       int64 `json:"free"`
	OutOfRange int64 `json:"out_of_range"`
}

// Validate checks name, network count (1..64) and owner_uuids; nic tag
// compatibility and
// family matching against actual member networks is delegated to the
// orchestrator (4.G), since that needs cross-bucket reads.
func (p *NetworkPool) Validate(op Op) error {
	var agg apierror.Aggregator

	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		agg.Required("name", "name is required")
	}

	if len(p.Networks) == 0 {
		agg.Required("networks", "at least one network is required")
	}
	if len(p.Networks) > 64 {
		agg.Invalid("networks", "at most 64 networks allowed", len(p.Networks))
	}

	for _, o := range p.OwnerUUIDs {
		if _, err := uuid.Parse(o); err != nil {
			agg.Invalid("owner_uuids", "owner_uuids must be UUIDs", o)
		}
	}

	if op == OpCreate && p.UUID == "" {
		p.UUID = uuid.NewString()
	}

	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (p *NetworkPool) Serialize() []byte { b, _ := json.Marshal(p); return b }
func (p *NetworkPool) IndexFields() map[string]string {
	return map[string]string{"uuid": p.UUID, "name": p.Name, "nic_tag": p.NicTag}
}

func DeserializeNetworkPool(raw []byte) (*NetworkPool, error) {
	var p NetworkPool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func NetworkPoolBucket() Bucket {
	return Bucket{Name: "napi_network_pools", Schema: kv.Schema{Version: 1, IndexedFields: []string{"uuid", "name", "nic_tag"}}}
}

// NicState is one of the nic provisioning state machine's states (§4.E).
type NicState string

const (
	NicStateNew          NicState = "new"
	NicStateProvisioning NicState = "provisioning"
	NicStateRunning      NicState = "running"
	NicStateStopped      NicState = "stopped"
	NicStateDeleted      NicState = "deleted"
)

// Nic is a virtual network interface, keyed by MAC, per §3.
type Nic struct {
	MAC           string    `json:"mac"`
	OwnerUUID     string    `json:"owner_uuid"`
	BelongsToType string    `json:"belongs_to_type,omitempty"`
	BelongsToUUID string    `json:"belongs_to_uuid,omitempty"`
	Primary       bool      `json:"primary"`
	State         NicState  `json:"state"`
	NicTag        string    `json:"nic_tag,omitempty"`
	NetworkUUID   string    `json:"network_uuid,omitempty"`
	IP            string    `json:"ip,omitempty"`
	VLANID        int       `json:"vlan_id,omitempty"`
	MTU           int       `json:"mtu,omitempty"`
	CNUUID        string    `json:"cn_uuid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

var macRE = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

// NormalizeMAC accepts hex, colon-hex, or numeric MAC forms (§6) and returns
// the canonical lowercase 12-hex-digit form used as the nic bucket key. A
// string of exactly 12 digits is read as hex, not as a decimal number.
func NormalizeMAC(s string) (string, error) {
	s = strings.TrimSpace(s)
	stripped := strings.ReplaceAll(strings.ReplaceAll(s, ":", ""), "-", "")
	if macRE.MatchString(stripped) {
		return strings.ToLower(stripped), nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil && n < 1<<48 {
		return fmt.Sprintf("%012x", n), nil
	}
	return "", fmt.Errorf("invalid mac address: %q", s)
}

// Validate checks the nic's locally-verifiable invariants per §4.C; whether
// the owner/nic_tag are acceptable (4.G) is an orchestrator concern.
func (n *Nic) Validate(op Op) error {
	var agg apierror.Aggregator

	mac, err := NormalizeMAC(n.MAC)
	if err != nil {
		agg.Invalid("mac", err.Error(), n.MAC)
	} else {
		n.MAC = mac
	}

	if n.IP != "" && n.NetworkUUID == "" {
		agg.Required("network_uuid", "network_uuid is required when ip is given")
	}
	if (n.BelongsToType != "" || n.BelongsToUUID != "") && n.OwnerUUID == "" {
		agg.Required("owner_uuid", "owner_uuid is required with belongs_to_type/belongs_to_uuid")
	}

	if n.State == "" {
		n.State = NicStateNew
	}

	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (n *Nic) Serialize() []byte { b, _ := json.Marshal(n); return b }
func (n *Nic) IndexFields() map[string]string {
	return map[string]string{
		"mac":            n.MAC,
		"owner_uuid":     n.OwnerUUID,
		"belongs_to_uuid": n.BelongsToUUID,
		"network_uuid":   n.NetworkUUID,
	}
}

func DeserializeNic(raw []byte) (*Nic, error) {
	var n Nic
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func NicBucket() Bucket {
	return Bucket{Name: "napi_nics", Schema: kv.Schema{Version: 1, IndexedFields: []string{"mac", "owner_uuid", "belongs_to_uuid", "network_uuid"}}}
}

// LACPMode is an aggregation's LACP negotiation mode.
type LACPMode string

const (
	LACPOff     LACPMode = "off"
	LACPActive  LACPMode = "active"
	LACPPassive LACPMode = "passive"
)

// Aggregation is an LACP bond over a server's NICs, per §3.
type Aggregation struct {
	ID               string   `json:"id"`
	BelongsToUUID    string   `json:"belongs_to_uuid"`
	Name             string   `json:"name"`
	MACs             []string `json:"macs"`
	LACPMode         LACPMode `json:"lacp_mode"`
	NicTagsProvided  []string `json:"nic_tags_provided,omitempty"`
}

// Validate normalizes a and checks local invariants; cross-referencing each
// mac against an existing nic belonging to the same server is delegated to
// the orchestrator.
func (a *Aggregation) Validate(op Op) error {
	var agg apierror.Aggregator

	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		agg.Required("name", "name is required")
	}
	if a.BelongsToUUID == "" {
		agg.Required("belongs_to_uuid", "belongs_to_uuid is required")
	}

	if len(a.MACs) < 2 || len(a.MACs) > 16 {
		agg.Invalid("macs", "aggregation requires 2..16 macs", len(a.MACs))
	}
	seen := make(map[string]bool, len(a.MACs))
	for i, m := range a.MACs {
		mac, err := NormalizeMAC(m)
		if err != nil {
			agg.Invalid("macs", err.Error(), m)
			continue
		}
		a.MACs[i] = mac
		if seen[mac] {
			agg.Invalid("macs", "duplicate mac in aggregation", mac)
		}
		seen[mac] = true
	}

	switch a.LACPMode {
	case "":
		a.LACPMode = LACPOff
	case LACPOff, LACPActive, LACPPassive:
	default:
		agg.Invalid("lacp_mode", "lacp_mode must be off, active, or passive", a.LACPMode)
	}

	if a.BelongsToUUID != "" && a.Name != "" {
		a.ID = a.BelongsToUUID + ":" + a.Name
	}

	if agg.HasErrors() {
		return agg.ToError()
	}
	return nil
}

func (a *Aggregation) Serialize() []byte { b, _ := json.Marshal(a); return b }
func (a *Aggregation) IndexFields() map[string]string {
	return map[string]string{"id": a.ID, "belongs_to_uuid": a.BelongsToUUID}
}

func DeserializeAggregation(raw []byte) (*Aggregation, error) {
	var a Aggregation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func AggregationBucket() Bucket {
	return Bucket{Name: "napi_aggregations", Schema: kv.Schema{Version: 1, IndexedFields: []string{"id", "belongs_to_uuid"}}}
}
