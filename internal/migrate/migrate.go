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

// Package migrate implements the bucket schema migration runner named in
// SPEC_FULL §2.3: a registered, ordered list of migrations per bucket, each
// idempotent and restartable. Migrations run through the napi-server
// migrate subcommand; the serve command does not run them.
//
// Grounded in §9's "Legacy numeric v4 buckets" note (here the migration
// backfills subnet_start_ip/subnet_end_ip on napi_networks rows when
// advancing to schema version 2) and in the teacher's cmd/manager/main.go sequencing pattern
// (setup steps run strictly before the manager starts serving).
package migrate

import (
	"context"
	"sort"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/ubiquiti-community/napi-go/internal/addr"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

// Migration upgrades one bucket from FromVersion to FromVersion+1. Apply
// must be idempotent: running it twice against the same bucket state is a
// no-op the second time.
type Migration struct {
	Bucket      string
	FromVersion int
	Apply       func(ctx context.Context, store kv.Store) error
}

// Runner executes registered migrations in version order per bucket.
type Runner struct {
	Store      kv.Store
	Migrations []Migration
	Log        logr.Logger
}

// NewRunner returns a Runner with no migrations registered.
func NewRunner(store kv.Store, log logr.Logger) *Runner {
	return &Runner{Store: store, Log: log}
}

// Register adds a migration to the runner.
func (r *Runner) Register(m Migration) {
	r.Migrations = append(r.Migrations, m)
}

// RunAll runs every registered migration for bucket whose FromVersion lies
// in [currentVersion, targetVersion), both given by the caller, in ascending
// version order, then records targetVersion as the bucket's schema version
// once all have applied successfully.
func (r *Runner) RunAll(ctx context.Context, bucket string, currentVersion, targetVersion int) error {
	pending := make([]Migration, 0)
	for _, m := range r.Migrations {
		if m.Bucket == bucket && m.FromVersion >= currentVersion && m.FromVersion < targetVersion {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].FromVersion < pending[j].FromVersion })

	for _, m := range pending {
		r.Log.Info("running migration", "bucket", m.Bucket, "from_version", m.FromVersion)
		if err := m.Apply(ctx, r.Store); err != nil {
			return errors.Wrapf(err, "migration %s v%d failed", m.Bucket, m.FromVersion)
		}
	}

	if err := r.Store.UpdateBucketSchema(ctx, bucket, kv.Schema{Version: targetVersion}); err != nil {
		return errors.Wrapf(err, "advancing %s to schema version %d", bucket, targetVersion)
	}
	r.Log.Info("bucket schema upgraded", "bucket", bucket, "version", targetVersion)
	return nil
}

// NetworksV2Backfill is the §9 migration: backfilling subnet_start_ip and
// subnet_end_ip on all napi_networks rows when advancing version 1 to 2.
// Both fields are re-derived from each row's subnet on every run, so
// applying this migration twice leaves the same state as applying it once.
func NetworksV2Backfill(networksBucket string) Migration {
	return Migration{
		Bucket:      networksBucket,
		FromVersion: 1,
		Apply: func(ctx context.Context, store kv.Store) error {
			results, err := store.Find(ctx, networksBucket, kv.Filter{}, kv.FindOptions{Limit: 0})
			if err != nil {
				return err
			}
			for _, res := range results {
				network, derr := models.DeserializeNetwork(res.Record.Value)
				if derr != nil {
					return errors.Wrapf(derr, "decoding network %s", res.Record.Key)
				}

				prefix, perr := addr.ParsePrefix(network.Subnet)
				if perr != nil {
					return errors.Wrapf(perr, "parsing subnet for network %s", network.UUID)
				}
				network.SubnetStartIP = addr.Format(addr.NetworkAddr(prefix))
				network.SubnetEndIP = addr.Format(addr.BroadcastAddr(prefix))

				etag := res.Record.Etag
				if _, perr := store.Put(ctx, networksBucket, res.Record.Key, network.Serialize(), kv.PutOptions{IfMatch: &etag}); perr != nil {
					return errors.Wrapf(perr, "writing backfilled network %s", network.UUID)
				}
			}
			return nil
		},
	}
}
