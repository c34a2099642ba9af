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

package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"
	"sync"
)

// indexFunc derives the indexed-field snapshot from a stored value. The
// in-memory store has no schema-aware serializer of its own, so callers
// register one per bucket at CreateBucket time — mirroring how the real
// entity models (internal/models) supply bucket()/serialize().
type indexFunc func(value []byte) map[string]string

// RegisterIndexerIfMemory installs fn as bucket's indexer when store is a
// *Memory, and is a no-op against any other backend (an etcd-backed store
// derives indexed fields from the value itself, with no registration step).
// Callers that create a bucket holding a type with an IndexFields() method
// should call this right after CreateBucket so Memory-backed Find works in
// tests and in the memory storage backend.
func RegisterIndexerIfMemory(store Store, bucket string, fn func(value []byte) map[string]string) {
	if mem, ok := store.(*Memory); ok {
		mem.RegisterIndexer(bucket, fn)
	}
}

type bucketState struct {
	schema  Schema
	indexer indexFunc
	records map[string]Record
}

// Memory is an in-memory Store used by tests and by the allocator's own
// unit tests; it implements the exact linearizability/serializability
// contract §4.B requires via a single mutex guarding every operation.
//
// Grounded in the teacher's reliance on a narrow client interface
// (internal/unifi/client.go) behind which any backend can sit; Memory is
// the "fake" backend every corpus repo keeps next to its real one for
// tests (e.g. vitistack-kea-operator's service_test.go against a fake Kea
// client).
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucketState)}
}

// RegisterIndexer installs fn as the indexer for bucket, used by Find to
// evaluate filters. Must be called once up front (typically right after
// CreateBucket) for every bucket the orchestration layer queries.
func (m *Memory) RegisterIndexer(bucket string, fn indexFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = &bucketState{records: make(map[string]Record)}
		m.buckets[bucket] = b
	}
	b.indexer = fn
}

func etagOf(value []byte) Etag {
	sum := sha256.Sum256(value)
	return Etag(hex.EncodeToString(sum[:8]))
}

func (m *Memory) CreateBucket(_ context.Context, name string, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return nil
	}
	m.buckets[name] = &bucketState{schema: schema, records: make(map[string]Record)}
	return nil
}

func (m *Memory) DeleteBucket(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	return nil
}

func (m *Memory) UpdateBucketSchema(_ context.Context, name string, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		return &BucketNotFoundError{Bucket: name}
	}
	b.schema = schema
	return nil
}

func (m *Memory) bucket(name string) (*bucketState, error) {
	b, ok := m.buckets[name]
	if !ok {
		return nil, &BucketNotFoundError{Bucket: name}
	}
	return b, nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return Record{}, err
	}
	rec, ok := b.records[key]
	if !ok {
		return Record{}, &NotFoundError{Bucket: bucket, Key: key}
	}
	return rec, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, value []byte, opts PutOptions) (Etag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(bucket, key, value, opts)
}

func (m *Memory) putLocked(bucket, key string, value []byte, opts PutOptions) (Etag, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return "", err
	}

	existing, exists := b.records[key]
	if opts.IfAbsent && exists {
		return "", &EtagConflictError{Bucket: bucket, Key: key}
	}
	if opts.IfMatch != nil {
		if !exists || existing.Etag != *opts.IfMatch {
			return "", &EtagConflictError{Bucket: bucket, Key: key}
		}
	}

	etag := etagOf(value)
	b.records[key] = Record{Key: key, Value: value, Etag: etag}
	return etag, nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}
	if _, ok := b.records[key]; !ok {
		return &NotFoundError{Bucket: bucket, Key: key}
	}
	delete(b.records, key)
	return nil
}

func (m *Memory) Find(_ context.Context, bucket string, filter Filter, opts FindOptions) ([]FindResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}

	var matched []FindResult
	for _, rec := range b.records {
		var fields map[string]string
		if b.indexer != nil {
			fields = b.indexer(rec.Value)
		}
		if !filter.Matches(fields) {
			continue
		}
		matched = append(matched, FindResult{Record: rec, Fields: fields})
	}

	// Deterministic base order (by key) before any requested sort, so
	// pagination is stable across calls with identical filters.
	sort.Slice(matched, func(i, j int) bool { return matched[i].Record.Key < matched[j].Record.Key })
	sortFindResults(matched, opts.Sort)

	total := len(matched)
	for i := range matched {
		matched[i].Count = total
	}

	offset := opts.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := opts.Limit
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) Batch(_ context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every op's preconditions before applying any of them, so a
	// failure partway through never leaves split state (§4.D range
	// update, §4.E rebind/delete).
	for _, op := range ops {
		b, err := m.bucket(op.Bucket)
		if err != nil {
			return err
		}
		existing, exists := b.records[op.Key]
		if op.Delete {
			if !exists {
				return &NotFoundError{Bucket: op.Bucket, Key: op.Key}
			}
			continue
		}
		if op.Options.IfAbsent && exists {
			return &EtagConflictError{Bucket: op.Bucket, Key: op.Key}
		}
		if op.Options.IfMatch != nil {
			if !exists || existing.Etag != *op.Options.IfMatch {
				return &EtagConflictError{Bucket: op.Bucket, Key: op.Key}
			}
		}
	}

	for _, op := range ops {
		b := m.buckets[op.Bucket]
		if op.Delete {
			delete(b.records, op.Key)
			continue
		}
		etag := etagOf(op.Value)
		b.records[op.Key] = Record{Key: op.Key, Value: op.Value, Etag: etag}
	}
	return nil
}

// GapScan reports the smallest gap in [lo, hi] whose keyFor-formatted key has
// no record, per §4.D step 2 and §9's gap scan abstraction. Only the first
// gap is returned; limit bounds how many candidate keys are scanned before
// giving up. lo/hi carry the full numeric address value so the scan works
// for both v4 and v6 ranges without truncation.
func (m *Memory) GapScan(_ context.Context, bucket string, lo, hi *big.Int, keyFor func(*big.Int) string, limit int) ([]Gap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}

	one := big.NewInt(1)
	scanned := 0
	for i := new(big.Int).Set(lo); i.Cmp(hi) <= 0; i.Add(i, one) {
		if limit > 0 && scanned >= limit {
			break
		}
		scanned++
		if _, ok := b.records[keyFor(i)]; !ok {
			// Extend the gap forward to report its length, bounded by hi
			// and by the same scan limit.
			start := new(big.Int).Set(i)
			length := int64(1)
			for j := new(big.Int).Add(i, one); j.Cmp(hi) <= 0; j.Add(j, one) {
				if limit > 0 && scanned >= limit {
					break
				}
				scanned++
				if _, ok := b.records[keyFor(j)]; ok {
					break
				}
				length++
			}
			return []Gap{{Start: start, Length: length}}, nil
		}
	}
	return nil, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}
