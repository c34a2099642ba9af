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

package pooldispatch_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
	"github.com/ubiquiti-community/napi-go/internal/pooldispatch"
)

func mustNetwork(t *testing.T, name, subnet, start, end string) *models.Network {
	t.Helper()
	n := &models.Network{Name: name, NicTag: "external", Subnet: subnet, ProvisionStartIP: start, ProvisionEndIP: end}
	if err := n.Validate(models.OpCreate, 1500); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return n
}

func TestDispatchAcrossTwoExhaustedNetworks(t *testing.T) {
	// Scenario 3 of §8: NETS[0]=10.0.0.0/28 (range .2-.5), NETS[1]=10.0.1.0/28
	// (range .9-.12); 8 parallel provisions exhaust NETS[0] then NETS[1]; the
	// 9th returns PoolFull.
	net0 := mustNetwork(t, "net0", "10.0.0.0/28", "10.0.0.2", "10.0.0.5")
	net1 := mustNetwork(t, "net1", "10.0.1.0/28", "10.0.1.9", "10.0.1.12")

	store := kv.NewMemory()
	ctx := context.Background()
	for _, n := range []*models.Network{net0, net1} {
		bucket := models.IPBucketName(n.UUID)
		if err := store.CreateBucket(ctx, bucket, models.IPBucket(n.UUID).Schema); err != nil {
			t.Fatalf("CreateBucket: %v", err)
		}
		store.RegisterIndexer(bucket, func(v []byte) map[string]string {
			r, err := models.DeserializeIPRecord(v)
			if err != nil {
				return nil
			}
			return r.IndexFields()
		})
	}

	networks := map[string]*models.Network{net0.UUID: net0, net1.UUID: net1}
	lookup := func(ctx context.Context, uuid string) (*models.Network, error) {
		return networks[uuid], nil
	}

	pool := &models.NetworkPool{
		UUID:     "pool-1",
		Name:     "pool-1",
		Family:   "ipv4",
		Networks: []string{net0.UUID, net1.UUID},
	}

	dispatcher := pooldispatch.New(store, lookup, "admin-uuid")

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[string]bool{}
	errs := make([]error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := dispatcher.Allocate(ctx, pooldispatch.Request{
				Pool:          pool,
				OwnerUUID:     "owner-1",
				BelongsToType: "nic",
				BelongsToUUID: "mac-" + string(rune('a'+i)),
			})
			errs[i] = err
			if err == nil {
				mu.Lock()
				seen[rec.IP] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected dispatch error: %v", err)
		}
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct addresses, got %d", len(seen))
	}

	_, _, err := dispatcher.Allocate(ctx, pooldispatch.Request{
		Pool:          pool,
		OwnerUUID:     "owner-1",
		BelongsToType: "nic",
		BelongsToUUID: "mac-9th",
	})
	if !apierror.Is(err, apierror.KindPoolFull) {
		t.Fatalf("expected PoolFull, got %v", err)
	}
}

func TestDispatchAmbiguousNicTagsWithoutHint(t *testing.T) {
	pool := &models.NetworkPool{
		UUID:           "pool-2",
		Name:           "pool-2",
		Family:         "ipv4",
		NicTagsPresent: []string{"external", "internal"},
		Networks:       []string{"n1", "n2"},
	}
	dispatcher := pooldispatch.New(kv.NewMemory(), func(ctx context.Context, uuid string) (*models.Network, error) {
		return nil, nil
	}, "admin-uuid")

	_, _, err := dispatcher.Allocate(context.Background(), pooldispatch.Request{Pool: pool})
	if !apierror.Is(err, apierror.KindNicTagsAmbiguous) {
		t.Fatalf("expected NicTagsAmbiguous, got %v", err)
	}
}

func TestDispatchRejectsConcreteIP(t *testing.T) {
	pool := &models.NetworkPool{UUID: "pool-3", Name: "pool-3", Family: "ipv4", Networks: []string{"n1"}}
	dispatcher := pooldispatch.New(kv.NewMemory(), func(ctx context.Context, uuid string) (*models.Network, error) {
		return nil, nil
	}, "admin-uuid")

	addrVal := netip.MustParseAddr("10.0.0.3")
	_, _, err := dispatcher.Allocate(context.Background(), pooldispatch.Request{Pool: pool, RequestedIP: &addrVal})
	if !apierror.Is(err, apierror.KindPoolIpNotAllowed) {
		t.Fatalf("expected PoolIpNotAllowed, got %v", err)
	}
}
