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

// Package kv defines the uniform KV/transaction adapter contract of §4.B:
// a small set of operations — get, put-if-etag, delete, find-by-filter,
// batch, and a gap scan — that every storage backend must implement with
// linearizable single-key writes and serializable batches.
//
// Grounded in the teacher's internal/unifi/client.go, which wraps a remote
// API behind a narrow Go interface the rest of the codebase programs
// against; here the wrapped backend is a KV store instead of the Unifi
// controller, and go.etcd.io/etcd/client/v3 (named from
// other_examples/manifests/kfelternv-bare-metal-manager-rest/go.mod, no
// source of that repo is present in the pack) supplies one concrete,
// durable implementation alongside an in-memory one used by tests.
package kv

import (
	"context"
	"math/big"
	"sort"
	"strings"
)

// Etag identifies a specific revision of a record. The zero value never
// matches a real revision.
type Etag string

// Record is a stored value together with the etag of its current revision.
type Record struct {
	Key   string
	Value []byte
	Etag  Etag
}

// PutOptions controls the compare-and-swap semantics of Put, per §4.B:
// "etag=null" (IfAbsent) means the key must not already exist; a populated
// IfMatch means the existing etag must equal it; neither set is an
// unconditional write.
type PutOptions struct {
	IfMatch  *Etag
	IfAbsent bool
}

// FilterOp is the comparison operator of one Filter term.
type FilterOp string

const (
	OpEqual      FilterOp = "="
	OpPresent    FilterOp = "present"
	OpGreaterEq  FilterOp = ">="
	OpLessEq     FilterOp = "<="
)

// Filter is a predicate over indexed fields: an implicit AND of its Terms
// (an empty Filter matches every record), matching §4.B's "abstract LDAP-equivalent
// predicate over indexed fields".
type Filter struct {
	Terms []FilterTerm
}

// FilterTerm is a single field comparison.
type FilterTerm struct {
	Field string
	Op    FilterOp
	Value string
}

// Eq returns a single-term equality filter.
func Eq(field, value string) Filter {
	return Filter{Terms: []FilterTerm{{Field: field, Op: OpEqual, Value: value}}}
}

// And appends term to f and returns the combined filter.
func (f Filter) And(term FilterTerm) Filter {
	f.Terms = append(append([]FilterTerm{}, f.Terms...), term)
	return f
}

// Matches reports whether the indexed fields of value satisfy f. Fields is
// the record's indexed-field snapshot, produced by the entity model's
// serialize step.
func (f Filter) Matches(fields map[string]string) bool {
	for _, t := range f.Terms {
		v, ok := fields[t.Field]
		switch t.Op {
		case OpPresent:
			if !ok || v == "" {
				return false
			}
		case OpEqual:
			if !ok || !strings.EqualFold(v, t.Value) {
				return false
			}
		case OpGreaterEq:
			if !ok || v < t.Value {
				return false
			}
		case OpLessEq:
			if !ok || v > t.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// FindOptions controls pagination and ordering of Find, per §4.H's
// limit/offset rules (limit 1..1000, offset >= 0).
type FindOptions struct {
	Sort   []string // field names, ascending; "-field" for descending
	Limit  int
	Offset int
}

// FindResult is one matched record plus the total count of matches before
// pagination was applied, so callers can report truncation.
type FindResult struct {
	Record Record
	Fields map[string]string
	Count  int
}

// Gap is one strictly-increasing gap reported by GapScan: the address whose
// numeric value is Start is unoccupied, and the following Length-1 addresses
// are also unoccupied. Start holds the full 128-bit numeric value so v6
// ranges never lose precision the way an int64 would.
type Gap struct {
	Start  *big.Int
	Length int64
}

// BatchOp is one operation inside a Batch call.
type BatchOp struct {
	Bucket  string
	Key     string
	Value   []byte // nil for Delete
	Delete  bool
	Options PutOptions
}

// Schema declares a bucket's indexed fields and version, per §4.B and §9.
type Schema struct {
	Version        int
	IndexedFields  []string
}

// Store is the full adapter contract. Implementations must provide
// linearizable single-key writes and a serializable Batch; Find must
// observe a snapshot consistent with operations that completed before the
// call began.
type Store interface {
	Get(ctx context.Context, bucket, key string) (Record, error)
	Put(ctx context.Context, bucket, key string, value []byte, opts PutOptions) (Etag, error)
	Delete(ctx context.Context, bucket, key string) error
	Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]FindResult, error)
	Batch(ctx context.Context, ops []BatchOp) error
	// GapScan reports the smallest gap in the numeric range [lo, hi] whose
	// formatted key — keyFor(candidate) — has no record. keyFor lets the
	// caller supply the real key scheme its records are written under (e.g.
	// a formatted IP address), since GapScan itself has no notion of what a
	// numeric value represents.
	GapScan(ctx context.Context, bucket string, lo, hi *big.Int, keyFor func(*big.Int) string, limit int) ([]Gap, error)

	CreateBucket(ctx context.Context, name string, schema Schema) error
	DeleteBucket(ctx context.Context, name string) error
	UpdateBucketSchema(ctx context.Context, name string, schema Schema) error

	// Ping verifies connectivity to the backend, used by the /ping healthz
	// handler (SPEC_FULL §2.3).
	Ping(ctx context.Context) error
}

// NotFoundError is returned by Get and Delete when the key is absent.
type NotFoundError struct {
	Bucket, Key string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Bucket + "/" + e.Key
}

// EtagConflictError is returned by Put and Batch when the caller's
// expectation about the existing etag does not hold. Per §7 this is
// internal-only and must be translated by callers before reaching an HTTP
// response.
type EtagConflictError struct {
	Bucket, Key string
}

func (e *EtagConflictError) Error() string {
	return "etag conflict: " + e.Bucket + "/" + e.Key
}

// BucketNotFoundError is a fatal configuration bug per §7.
type BucketNotFoundError struct {
	Bucket string
}

func (e *BucketNotFoundError) Error() string {
	return "bucket not found: " + e.Bucket
}

// TransientError wraps a backend error that is safe to retry (connection
// reset, timeout), per §4.I.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// sortFindResults orders results in place per opts.Sort, stable so ties
// keep insertion order (used by the allocator's modification-time scan).
func sortFindResults(results []FindResult, sortFields []string) {
	if len(sortFields) == 0 {
		return
	}
	sort.SliceStable(results, func(i, j int) bool {
		for _, f := range sortFields {
			desc := strings.HasPrefix(f, "-")
			name := strings.TrimPrefix(f, "-")
			vi, vj := results[i].Fields[name], results[j].Fields[name]
			if vi == vj {
				continue
			}
			if desc {
				return vi > vj
			}
			return vi < vj
		}
		return false
	})
}
