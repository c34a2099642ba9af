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

package ipalloc_test

import (
	"context"
	"net/netip"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
	"github.com/ubiquiti-community/napi-go/internal/ipalloc"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

func newStore(bucket string) *kv.Memory {
	store := kv.NewMemory()
	_ = store.CreateBucket(context.Background(), bucket, models.IPBucket("").Schema)
	store.RegisterIndexer(bucket, func(value []byte) map[string]string {
		rec, err := models.DeserializeIPRecord(value)
		if err != nil {
			return nil
		}
		return rec.IndexFields()
	})
	return store
}

var _ = Describe("Allocator", func() {
	var (
		ctx         context.Context
		networkUUID string
		bucket      string
		store       *kv.Memory
		alloc       *ipalloc.Allocator
		subnet      netip.Prefix
		req         ipalloc.Request
	)

	BeforeEach(func() {
		ctx = context.Background()
		networkUUID = "net-1"
		bucket = models.IPBucketName(networkUUID)
		store = newStore(bucket)
		alloc = ipalloc.New(store)
		subnet = netip.MustParsePrefix("10.0.1.0/28")
		req = ipalloc.Request{
			NetworkUUID:      networkUUID,
			Subnet:           subnet,
			ProvisionStartIP: netip.MustParseAddr("10.0.1.1"),
			ProvisionEndIP:   netip.MustParseAddr("10.0.1.10"),
			OwnerUUID:        "owner-1",
			BelongsToType:    "zone",
			BelongsToUUID:    "zone-1",
		}
	})

	It("fills a /28 and returns SubnetFull on exhaustion (scenario 1)", func() {
		seen := map[string]bool{}
		var mu sync.Mutex
		var wg sync.WaitGroup
		errs := make([]error, 10)

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := req
				r.BelongsToUUID = "zone-" + string(rune('a'+i))
				rec, _, err := alloc.Allocate(ctx, r)
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
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(seen).To(HaveLen(10))

		_, _, err := alloc.Allocate(ctx, req)
		Expect(err).To(HaveOccurred())
		Expect(apierror.Is(err, apierror.KindSubnetFull)).To(BeTrue(), "got %v", err)
	})

	It("assigns a distinct address on each sequential call instead of reclaiming the first one", func() {
		rec1, _, err := alloc.Allocate(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		r2 := req
		r2.BelongsToUUID = "zone-2"
		rec2, _, err := alloc.Allocate(ctx, r2)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec2.IP).NotTo(Equal(rec1.IP), "gap-scan must not report the first claimed address as still free")

		r3 := req
		r3.BelongsToUUID = "zone-3"
		rec3, _, err := alloc.Allocate(ctx, r3)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec3.IP).NotTo(Equal(rec1.IP))
		Expect(rec3.IP).NotTo(Equal(rec2.IP))
	})

	It("reuses freed addresses in modification-time order (scenario 2)", func() {
		claimed := make([]*struct {
			ip   string
			mac  string
		}, 0, 10)
		for i := 0; i < 10; i++ {
			r := req
			mac := "mac-" + string(rune('a'+i))
			r.BelongsToUUID = mac
			rec, _, err := alloc.Allocate(ctx, r)
			Expect(err).NotTo(HaveOccurred())
			claimed = append(claimed, &struct {
				ip  string
				mac string
			}{rec.IP, mac})
		}

		_, err := alloc.Unassign(ctx, networkUUID, claimed[4].ip)
		Expect(err).NotTo(HaveOccurred())
		_, err = alloc.Unassign(ctx, networkUUID, claimed[7].ip)
		Expect(err).NotTo(HaveOccurred())

		r1 := req
		r1.BelongsToUUID = "mac-new-1"
		rec1, _, err := alloc.Allocate(ctx, r1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec1.IP).To(Equal(claimed[4].ip))

		r2 := req
		r2.BelongsToUUID = "mac-new-2"
		rec2, _, err := alloc.Allocate(ctx, r2)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec2.IP).To(Equal(claimed[7].ip))
	})

	It("retains owner_uuid through reserve then unassign (scenario 4)", func() {
		rec, err := alloc.Reserve(ctx, networkUUID, "10.0.1.5", "owner-x")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Reserved).To(BeTrue())
		Expect(rec.Free()).To(BeTrue())

		rec2, err := alloc.Unassign(ctx, networkUUID, "10.0.1.5")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec2.Reserved).To(BeTrue())
		Expect(rec2.OwnerUUID).To(Equal("owner-x"))
	})

	It("is idempotent when freeing twice (§8 idempotence property)", func() {
		rec, _, err := alloc.Allocate(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		first, err := alloc.Free(ctx, networkUUID, rec.IP)
		Expect(err).NotTo(HaveOccurred())
		second, err := alloc.Free(ctx, networkUUID, rec.IP)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.BelongsToUUID).To(Equal(first.BelongsToUUID))
		Expect(second.Reserved).To(Equal(first.Reserved))
	})

	It("claims a caller-specified concrete address", func() {
		ip := netip.MustParseAddr("10.0.1.7")
		r := req
		r.RequestedIP = &ip
		rec, _, err := alloc.Allocate(ctx, r)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.IP).To(Equal("10.0.1.7"))
	})

	It("rejects a concrete address that is already assigned", func() {
		ip := netip.MustParseAddr("10.0.1.7")
		r := req
		r.RequestedIP = &ip
		_, _, err := alloc.Allocate(ctx, r)
		Expect(err).NotTo(HaveOccurred())

		r2 := req
		r2.RequestedIP = &ip
		r2.BelongsToUUID = "zone-2"
		_, _, err = alloc.Allocate(ctx, r2)
		Expect(err).To(HaveOccurred())
	})
})
