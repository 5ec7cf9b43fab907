// Package subscription implements the per-key subscriber table that
// sits alongside the data table (spec §3, §4.3).
//
// Grounded on the teacher's SubscriptionIndex
// (internal/shared/connection.go): each key's subscriber set is an
// immutable []Subscriber behind an atomic.Value, swapped
// copy-on-write on subscribe/unsubscribe. The notification
// dispatcher's hot-path read (subscribed_keys in spec terms) holds the
// table's RWMutex in shared mode only to find the key's row, then
// loads the member slice atomically; mutation takes the RWMutex
// exclusively.
package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/francosantos/kvsd/internal/kverrors"
)

// Subscriber identifies a connected client with interest in a key.
// Deliver is supplied by the session package and writes one
// notification record to that client's pipe; subscription.Table never
// touches the wire itself (§4.3 dispatches outside any lock).
type Subscriber struct {
	ClientID string
}

// Table is the subscription table: one row per subscribed key, one RWMutex
// guarding row creation/pruning, each row's member set behind its own
// atomic.Value for lock-free fan-out reads.
type Table struct {
	mu   sync.RWMutex
	rows map[string]*atomic.Value // key -> *[]Subscriber snapshot

	// keyExists reports whether a key currently exists in the data
	// table; Subscribe refuses to create a row for an absent key
	// (spec §3's subscription-existence invariant).
	keyExists func(key string) bool
}

// New creates an empty subscription table. keyExists is consulted by
// Subscribe and must reflect the data table's current contents.
func New(keyExists func(key string) bool) *Table {
	return &Table{
		rows:      make(map[string]*atomic.Value),
		keyExists: keyExists,
	}
}

func loadRow(v *atomic.Value) []Subscriber {
	if v == nil {
		return nil
	}
	if s := v.Load(); s != nil {
		return s.([]Subscriber)
	}
	return nil
}

// Subscribe adds client to key's subscriber set. Idempotent: a
// duplicate subscribe by the same client is a no-op success. Returns
// kverrors.ErrKeyMissing if key does not currently exist.
func (t *Table) Subscribe(clientID, key string) error {
	if !t.keyExists(key) {
		return kverrors.ErrKeyMissing
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		row = &atomic.Value{}
		t.rows[key] = row
	}

	current := loadRow(row)
	for _, s := range current {
		if s.ClientID == clientID {
			return nil // already subscribed
		}
	}

	next := make([]Subscriber, len(current)+1)
	copy(next, current)
	next[len(current)] = Subscriber{ClientID: clientID}
	row.Store(next)
	return nil
}

// Unsubscribe removes client from key's subscriber set. Returns
// kverrors.ErrNotSubscribed if the client wasn't subscribed to key.
func (t *Table) Unsubscribe(clientID, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		return kverrors.ErrNotSubscribed
	}

	current := loadRow(row)
	idx := -1
	for i, s := range current {
		if s.ClientID == clientID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return kverrors.ErrNotSubscribed
	}

	next := make([]Subscriber, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)

	if len(next) == 0 {
		delete(t.rows, key)
	} else {
		row.Store(next)
	}
	return nil
}

// RemoveClient prunes clientID from every row, deleting rows that
// become empty. Invoked on client disconnect (spec §4.3).
func (t *Table) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, row := range t.rows {
		current := loadRow(row)
		next := current[:0:0]
		for _, s := range current {
			if s.ClientID != clientID {
				next = append(next, s)
			}
		}
		if len(next) == 0 {
			delete(t.rows, key)
		} else if len(next) != len(current) {
			row.Store(next)
		}
	}
}

// DeleteKey prunes the subscription row for key entirely. Invoked
// whenever delete_pair succeeds (spec §4.3), before any subsequent
// subscribe(_, key) can succeed.
func (t *Table) DeleteKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, key)
}

// Subscribers returns a snapshot of key's current subscribers. The
// read lock is held only for the row lookup; the member slice itself
// is read with an atomic load after the lock is released.
func (t *Table) Subscribers(key string) []Subscriber {
	t.mu.RLock()
	row, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return loadRow(row)
}

// Clear removes every subscription row. Invoked by Store.Terminate.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[string]*atomic.Value)
}

// Count returns the total number of (key, subscriber) entries across
// all rows, for metrics.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, row := range t.rows {
		n += len(loadRow(row))
	}
	return n
}
