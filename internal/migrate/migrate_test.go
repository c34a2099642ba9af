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

package migrate_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/migrate"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

func TestRunAllBackfillsSubnetBounds(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	bucket := models.NetworkBucket().Name
	if err := store.CreateBucket(ctx, bucket, kv.Schema{Version: 1}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	network := &models.Network{UUID: "net-1", Name: "n", NicTag: "external", Subnet: "10.0.1.0/28"}
	if _, err := store.Put(ctx, bucket, network.UUID, network.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	runner := migrate.NewRunner(store, logr.Discard())
	runner.Register(migrate.NetworksV2Backfill(bucket))

	if err := runner.RunAll(ctx, bucket, 1, 2); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	rec, err := store.Get(ctx, bucket, network.UUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := models.DeserializeNetwork(rec.Value)
	if err != nil {
		t.Fatalf("DeserializeNetwork: %v", err)
	}
	if got.SubnetStartIP != "10.0.1.0" || got.SubnetEndIP != "10.0.1.15" {
		t.Fatalf("got start=%s end=%s", got.SubnetStartIP, got.SubnetEndIP)
	}

	// Idempotent: running again leaves the same state.
	if err := runner.RunAll(ctx, bucket, 1, 2); err != nil {
		t.Fatalf("RunAll (second run): %v", err)
	}
	rec2, err := store.Get(ctx, bucket, network.UUID)
	if err != nil {
		t.Fatalf("Get (second run): %v", err)
	}
	if string(rec2.Value) != string(rec.Value) {
		t.Fatalf("second run changed the record: %s", rec2.Value)
	}
}
