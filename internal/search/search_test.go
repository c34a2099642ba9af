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

package search_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
	"github.com/ubiquiti-community/napi-go/internal/search"
)

func mustNetwork(t *testing.T, name, subnet, start, end string) *models.Network {
	t.Helper()
	n := &models.Network{Name: name, NicTag: "external", Subnet: subnet, ProvisionStartIP: start, ProvisionEndIP: end}
	if err := n.Validate(models.OpCreate, 1500); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return n
}

func TestSearchIPsMaterializesFreeRecord(t *testing.T) {
	// §8 scenario 6: search for an address with no IP record yet, inside a
	// known network's subnet, returns a materialized free record.
	net2 := mustNetwork(t, "net2", "10.0.2.0/24", "10.0.2.10", "10.0.2.200")
	store := kv.NewMemory()
	ctx := context.Background()
	bucket := models.IPBucketName(net2.UUID)
	if err := store.CreateBucket(ctx, bucket, models.IPBucket(net2.UUID).Schema); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	s := search.New(store)
	results, err := s.SearchIPs(ctx, netip.MustParseAddr("10.0.2.119"), []*models.Network{net2})
	if err != nil {
		t.Fatalf("SearchIPs: %v", err)
	}
	if len(results) != 1 || !results[0].Free || results[0].NetworkUUID != net2.UUID {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchIPsReturnsNotFoundWhenNoNetworkContainsAddress(t *testing.T) {
	net2 := mustNetwork(t, "net2", "10.0.2.0/24", "10.0.2.10", "10.0.2.200")
	store := kv.NewMemory()
	s := search.New(store)

	_, err := s.SearchIPs(context.Background(), netip.MustParseAddr("1.2.3.4"), []*models.Network{net2})
	if err == nil {
		t.Fatal("expected ResourceNotFound error")
	}
}

func TestListIPsRejectsOutOfRangeLimit(t *testing.T) {
	store := kv.NewMemory()
	s := search.New(store)
	_, _, err := s.ListIPs(context.Background(), "net-x", search.ListOptions{Limit: 5000})
	if err == nil {
		t.Fatal("expected error for limit > 1000")
	}
}
