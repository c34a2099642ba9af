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

package kv_test

import (
	"context"
	"math/big"
	"net/netip"
	"testing"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/kv"
)

func decimalKeyFor(n *big.Int) string { return n.String() }

func TestPutIfAbsentRejectsExisting(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	if _, err := store.Put(ctx, "b", "k", []byte("v1"), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := store.Put(ctx, "b", "k", []byte("v2"), kv.PutOptions{IfAbsent: true}); err == nil {
		t.Fatal("expected EtagConflictError on second IfAbsent Put")
	} else if _, ok := err.(*kv.EtagConflictError); !ok {
		t.Fatalf("expected *EtagConflictError, got %T", err)
	}
}

func TestPutIfMatchRequiresCurrentEtag(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	etag, err := store.Put(ctx, "b", "k", []byte("v1"), kv.PutOptions{IfAbsent: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stale := kv.Etag("not-the-real-etag")
	if _, err := store.Put(ctx, "b", "k", []byte("v2"), kv.PutOptions{IfMatch: &stale}); err == nil {
		t.Fatal("expected EtagConflictError with a stale etag")
	}
	if _, err := store.Put(ctx, "b", "k", []byte("v2"), kv.PutOptions{IfMatch: &etag}); err != nil {
		t.Fatalf("Put with the real etag should succeed: %v", err)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := store.Get(ctx, "b", "missing"); err == nil {
		t.Fatal("expected NotFoundError")
	} else if _, ok := err.(*kv.NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %T", err)
	}
}

func TestFindAppliesIndexerAndFilter(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{IndexedFields: []string{"owner"}}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	store.RegisterIndexer("b", func(v []byte) map[string]string {
		return map[string]string{"owner": string(v)}
	})

	if _, err := store.Put(ctx, "b", "k1", []byte("alice"), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if _, err := store.Put(ctx, "b", "k2", []byte("bob"), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	results, err := store.Find(ctx, "b", kv.Eq("owner", "alice"), kv.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(results) != 1 || results[0].Record.Key != "k1" {
		t.Fatalf("expected exactly k1, got %+v", results)
	}
}

func TestGapScanFindsFirstUnoccupiedInteger(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	for _, k := range []string{"10", "11", "13"} {
		if _, err := store.Put(ctx, "b", k, []byte("x"), kv.PutOptions{IfAbsent: true}); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	gaps, err := store.GapScan(ctx, "b", big.NewInt(10), big.NewInt(15), decimalKeyFor, 0)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	if len(gaps) != 1 || gaps[0].Start.Cmp(big.NewInt(12)) != 0 || gaps[0].Length != 1 {
		t.Fatalf("expected a single gap at 12 length 1, got %+v", gaps)
	}
}

// TestGapScanAgreesWithAddressFormattedKeys exercises GapScan against the
// exact key scheme the allocator writes records under (a formatted address
// string, not a bare decimal), so a mismatch between the two would fail
// here instead of surfacing as a spurious SubnetFull in production.
func TestGapScanAgreesWithAddressFormattedKeys(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	family := addr.FamilyIPv4
	keyFor := func(n *big.Int) string {
		ip, err := addr.FromNumeric(n, family)
		if err != nil {
			t.Fatalf("FromNumeric: %v", err)
		}
		return addr.Format(ip)
	}

	for _, s := range []string{"10.0.1.1", "10.0.1.2"} {
		if _, err := store.Put(ctx, "b", s, []byte("x"), kv.PutOptions{IfAbsent: true}); err != nil {
			t.Fatalf("Put %s: %v", s, err)
		}
	}

	lo := addr.ToNumeric(netip.MustParseAddr("10.0.1.1"))
	hi := addr.ToNumeric(netip.MustParseAddr("10.0.1.5"))
	gaps, err := store.GapScan(ctx, "b", lo, hi, keyFor, 0)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	wantStart := addr.ToNumeric(netip.MustParseAddr("10.0.1.3"))
	if len(gaps) != 1 || gaps[0].Start.Cmp(wantStart) != 0 {
		t.Fatalf("expected the first gap at 10.0.1.3, got %+v", gaps)
	}
}

// TestGapScanHandlesIPv6Range proves GapScan no longer relies on a value
// fitting in an int64: addresses in 2001:db8::/32 lie far above 2^63 and
// would silently misbehave under a truncating numeric type.
func TestGapScanHandlesIPv6Range(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	family := addr.FamilyIPv6
	keyFor := func(n *big.Int) string {
		ip, err := addr.FromNumeric(n, family)
		if err != nil {
			t.Fatalf("FromNumeric: %v", err)
		}
		return addr.Format(ip)
	}

	start := netip.MustParseAddr("2001:db8::1")
	if _, err := store.Put(ctx, "b", addr.Format(start), []byte("x"), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	lo := addr.ToNumeric(start)
	hi := addr.ToNumeric(netip.MustParseAddr("2001:db8::5"))
	gaps, err := store.GapScan(ctx, "b", lo, hi, keyFor, 0)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	wantStart := addr.ToNumeric(netip.MustParseAddr("2001:db8::2"))
	if len(gaps) != 1 || gaps[0].Start.Cmp(wantStart) != 0 {
		t.Fatalf("expected the first gap at 2001:db8::2, got %+v", gaps)
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.CreateBucket(ctx, "b", kv.Schema{}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := store.Put(ctx, "b", "existing", []byte("x"), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err := store.Batch(ctx, []kv.BatchOp{
		{Bucket: "b", Key: "new", Value: []byte("y"), Options: kv.PutOptions{IfAbsent: true}},
		{Bucket: "b", Key: "existing", Value: []byte("z"), Options: kv.PutOptions{IfAbsent: true}},
	})
	if err == nil {
		t.Fatal("expected the batch to fail on the second op's precondition")
	}
	if _, err := store.Get(ctx, "b", "new"); err == nil {
		t.Fatal("first op must not have been applied once the batch failed validation")
	}
}
