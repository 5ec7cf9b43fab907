// Package kvstore implements the striped, fixed-bucket hash table that
// backs the KVS engine: chained buckets, one RWMutex per bucket, and a
// table-wide RWMutex for whole-table operations (terminate, show).
//
// Thread safety: every exported method acquires the locks its
// contract requires and releases them before returning; callers never
// see a partially-applied batch. Lock order is always table lock
// (shared, except Terminate) then bucket locks in ascending index —
// see acquireBuckets.
package kvstore

import (
	"sort"
	"sync"
)

// TableSize is the fixed bucket count (spec §3: TABLE_SIZE = 26).
const TableSize = 26

// Pair is a (key, value) entry.
type Pair struct {
	Key   string
	Value string
}

type node struct {
	key   string
	value string
	next  *node
}

type bucket struct {
	mu   sync.RWMutex
	head *node
}

// Table is the process-wide hash table. Its zero value is not usable;
// construct with New.
type Table struct {
	buckets    [TableSize]*bucket
	tableLock  sync.RWMutex
}

// New creates an empty table with all buckets initialized.
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Hash implements the spec's single-character-prefix stripe:
// lower(key[0]) - 'a' mod TableSize, clamped to bucket 0 for keys that
// don't start with an ASCII letter (kept intentionally simple, per
// SPEC_FULL.md §9, for fixture byte-stability across TABLE_SIZE=26).
func Hash(key string) int {
	if key == "" {
		return 0
	}
	c := key[0]
	if c >= 'A' && c <= 'Z' {
		c = c - 'A' + 'a'
	}
	if c < 'a' || c > 'z' {
		return 0
	}
	return int(c-'a') % TableSize
}

func (t *Table) bucketAt(i int) *bucket { return t.buckets[i] }

// upsertLocked inserts or replaces the pair in the given bucket. The
// caller must hold the bucket's write lock.
func (b *bucket) upsertLocked(key, value string) {
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			n.value = value
			return
		}
	}
	b.head = &node{key: key, value: value, next: b.head}
}

// deleteLocked removes key from the bucket if present. The caller must
// hold the bucket's write lock. Returns true if a node was unlinked.
func (b *bucket) deleteLocked(key string) bool {
	var prev *node
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			if prev == nil {
				b.head = n.next
			} else {
				prev.next = n.next
			}
			return true
		}
		prev = n
	}
	return false
}

// readLocked looks up key. The caller must hold the bucket's read (or
// write) lock.
func (b *bucket) readLocked(key string) (string, bool) {
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			return n.value, true
		}
	}
	return "", false
}

// WriteOp is one pair to upsert in a WritePairs batch.
type WriteOp struct {
	Key   string
	Value string
}

// WritePairs upserts every (key, value) in ops, in input order, while
// holding the write lock on every distinct bucket the batch touches.
// Duplicate keys within the batch apply in input order (last write
// wins), per spec §9(a). Returns the keys written, in input order.
func (t *Table) WritePairs(ops []WriteOp) []string {
	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	release := t.acquireBuckets(keys, true)
	defer release()

	written := make([]string, 0, len(ops))
	for _, op := range ops {
		b := t.bucketAt(Hash(op.Key))
		b.upsertLocked(op.Key, op.Value)
		written = append(written, op.Key)
	}
	return written
}

// ReadResult is one key's lookup outcome.
type ReadResult struct {
	Key   string
	Value string
	Found bool
}

// ReadPairs looks up every key in keys while holding a shared lock on
// every distinct bucket touched. Results are returned in the same
// order as the input keys (callers that need spec §4.2's sorted READ
// output sort afterward; ReadPairs itself makes no ordering promise
// beyond "same order as input").
func (t *Table) ReadPairs(keys []string) []ReadResult {
	release := t.acquireBuckets(keys, false)
	defer release()

	out := make([]ReadResult, len(keys))
	for i, k := range keys {
		b := t.bucketAt(Hash(k))
		v, ok := b.readLocked(k)
		out[i] = ReadResult{Key: k, Value: v, Found: ok}
	}
	return out
}

// DeleteResult is one key's deletion outcome.
type DeleteResult struct {
	Key     string
	Existed bool
}

// DeletePairs removes every key in keys, in input order, while holding
// the write lock on every distinct bucket touched.
func (t *Table) DeletePairs(keys []string) []DeleteResult {
	release := t.acquireBuckets(keys, true)
	defer release()

	out := make([]DeleteResult, len(keys))
	for i, k := range keys {
		b := t.bucketAt(Hash(k))
		out[i] = DeleteResult{Key: k, Existed: b.deleteLocked(k)}
	}
	return out
}

// Exists reports whether key is currently present, used by the
// subscription table to enforce "subscribing requires the key to
// exist" without taking a write lock.
func (t *Table) Exists(key string) bool {
	release := t.acquireBuckets([]string{key}, false)
	defer release()
	_, ok := t.bucketAt(Hash(key)).readLocked(key)
	return ok
}

// Iterate calls visit for every pair in the table under the table-wide
// lock in shared mode plus each bucket's read lock in turn. No
// ordering guarantee across or within buckets beyond head-to-tail
// (most-recently-written-first) per spec §4.2's SHOW contract.
func (t *Table) Iterate(visit func(key, value string)) {
	t.tableLock.RLock()
	defer t.tableLock.RUnlock()

	for i := range t.buckets {
		b := t.buckets[i]
		b.mu.RLock()
		for n := b.head; n != nil; n = n.next {
			visit(n.key, n.value)
		}
		b.mu.RUnlock()
	}
}

// Snapshot takes the table lock shared and returns a point-in-time
// copy of every pair. Used by Backup (SPEC_FULL.md §9's fork
// substitution): the copy itself happens while T is held, so the
// snapshot is consistent with spec §3's backup-consistency invariant;
// the table lock is released as soon as Snapshot returns, well before
// any disk I/O.
func (t *Table) Snapshot() []Pair {
	var out []Pair
	t.Iterate(func(k, v string) {
		out = append(out, Pair{Key: k, Value: v})
	})
	return out
}

// Reset clears every bucket. Used by Terminate under the table-wide
// exclusive lock (acquired by the caller, kvs.Store.Terminate).
func (t *Table) Reset() {
	for i := range t.buckets {
		t.buckets[i].mu.Lock()
		t.buckets[i].head = nil
		t.buckets[i].mu.Unlock()
	}
}

// TableLock exposes the table-wide RWMutex for callers (kvs.Store)
// that need to hold T across an operation that spans multiple table
// methods, e.g. Backup's snapshot-then-release and Terminate's
// exclusive drain.
func (t *Table) TableLock() *sync.RWMutex { return &t.tableLock }

// acquireBuckets sorts the distinct bucket indices touched by keys,
// locks each once in the required mode, and returns a function that
// releases them in reverse order. This is the deadlock-avoidance
// discipline spec §4.1 mandates for multi-key batches: every caller
// that touches more than one bucket goes through here, so lock order
// is always ascending index, with no call site free to invent its own
// order.
func (t *Table) acquireBuckets(keys []string, write bool) func() {
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		seen[Hash(k)] = struct{}{}
	}
	indices := make([]int, 0, len(seen))
	for i := range seen {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	for _, i := range indices {
		if write {
			t.buckets[i].mu.Lock()
		} else {
			t.buckets[i].mu.RLock()
		}
	}

	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			if write {
				t.buckets[indices[i]].mu.Unlock()
			} else {
				t.buckets[indices[i]].mu.RUnlock()
			}
		}
	}
}
