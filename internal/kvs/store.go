// Package kvs composes the striped hash table, the subscription
// table, the notification dispatcher and the backup limiter into the
// single Store value spec.md §9 calls for: an explicit, handle-passed
// object spanning init -> terminate, rather than the original's
// process-wide globals.
package kvs

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/francosantos/kvsd/internal/backup"
	"github.com/francosantos/kvsd/internal/dispatcher"
	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/kvstore"
	"github.com/francosantos/kvsd/internal/metrics"
	"github.com/francosantos/kvsd/internal/notify"
	"github.com/francosantos/kvsd/internal/subscription"
)

// state values for Store's lifecycle (spec §4.2).
const (
	stateUninitialized int32 = iota
	stateRunning
	stateTerminated
)

// Store is the process-wide KVS engine handle. Its lifecycle is
// Uninitialized -> Running -> Terminated; every operation other than
// Init fails with kverrors.ErrNotInitialized outside Running.
type Store struct {
	state int32

	table   *kvstore.Table
	subs    *subscription.Table
	dispatch *notify.Dispatcher
	backups *backup.Limiter

	log zerolog.Logger
}

// New builds a Store in the Uninitialized state. sink delivers
// notification records over whatever transport the caller wires up
// (named pipes in production); pool must already be Start'd.
func New(log zerolog.Logger, maxBackups int, sink notify.Sink, pool *dispatcher.WorkerPool) *Store {
	s := &Store{log: log, backups: backup.NewLimiter(maxBackups)}
	s.table = kvstore.New()
	s.subs = subscription.New(s.table.Exists)
	s.dispatch = notify.New(s.subs, sink, pool, log)
	return s
}

// Init transitions the store to Running. Fails with
// kverrors.ErrAlreadyInitialized if not currently Uninitialized.
func (s *Store) Init() error {
	if !atomic.CompareAndSwapInt32(&s.state, stateUninitialized, stateRunning) {
		return kverrors.ErrAlreadyInitialized
	}
	s.log.Info().Msg("kvs store initialized")
	return nil
}

// SetNotificationRateLimit bounds the notification dispatcher to
// perSec deliveries per second; 0 disables the limit (spec §9's
// admission-control philosophy applied to the fan-out path rather
// than only the accept path).
func (s *Store) SetNotificationRateLimit(perSec int) {
	s.dispatch.SetRateLimit(perSec)
}

func (s *Store) requireRunning() error {
	if atomic.LoadInt32(&s.state) != stateRunning {
		return kverrors.ErrNotInitialized
	}
	return nil
}

// Pair is a (key, value) entry, re-exported for callers that don't
// need the rest of kvstore's API.
type Pair = kvstore.Pair

// Write upserts every (k, v) pair in order, emitting a write
// notification through the dispatcher for each pair that lands
// (spec §4.2). Per-pair failures are impossible in this engine's pure
// in-memory map (no allocation limits enforced), but the call still
// returns an error if the store isn't Running, matching the spec's
// "fails with NotInitialized" gate.
func (s *Store) Write(pairs []Pair) error {
	if err := s.requireRunning(); err != nil {
		return err
	}

	ops := make([]kvstore.WriteOp, len(pairs))
	for i, p := range pairs {
		ops[i] = kvstore.WriteOp{Key: p.Key, Value: p.Value}
	}

	lock := s.table.TableLock()
	lock.RLock()
	s.table.WritePairs(ops)
	lock.RUnlock()

	for _, p := range pairs {
		s.dispatch.Emit(p.Key, p.Value, notify.OpWrite)
	}
	metrics.RecordTableOp("write", "ok")
	metrics.SetSubscriptionsActive(s.subs.Count())
	return nil
}

// ReadEntry is one key's READ outcome (spec §6: KVSERROR sentinel for
// missing keys).
type ReadEntry struct {
	Key     string
	Value   string
	Missing bool
}

// Read looks up every key and returns results sorted by key
// (lexicographic byte order), per spec §4.2's deterministic-output
// requirement.
func (s *Store) Read(keys []string) ([]ReadEntry, error) {
	if err := s.requireRunning(); err != nil {
		return nil, err
	}

	lock := s.table.TableLock()
	lock.RLock()
	results := s.table.ReadPairs(keys)
	lock.RUnlock()

	out := make([]ReadEntry, len(results))
	for i, r := range results {
		out[i] = ReadEntry{Key: r.Key, Value: r.Value, Missing: !r.Found}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	metrics.RecordTableOp("read", "ok")
	return out, nil
}

// Delete removes every key, emitting a delete notification and
// pruning the subscription row for each key that existed. Returns the
// keys that were missing, in input order, per spec §4.2.
func (s *Store) Delete(keys []string) ([]string, error) {
	if err := s.requireRunning(); err != nil {
		return nil, err
	}

	lock := s.table.TableLock()
	lock.RLock()
	results := s.table.DeletePairs(keys)
	lock.RUnlock()

	var missing []string
	for _, r := range results {
		if r.Existed {
			s.dispatch.Emit(r.Key, "", notify.OpDelete)
			s.subs.DeleteKey(r.Key)
		} else {
			missing = append(missing, r.Key)
		}
	}
	metrics.RecordTableOp("delete", "ok")
	metrics.SetSubscriptionsActive(s.subs.Count())
	return missing, nil
}

// Show returns every pair currently in the table (spec §4.2): no
// ordering guarantee across buckets.
func (s *Store) Show() ([]Pair, error) {
	if err := s.requireRunning(); err != nil {
		return nil, err
	}
	metrics.RecordTableOp("show", "ok")
	return s.table.Snapshot(), nil
}

// Backup snapshots the table (while T is held shared, per spec §4.2)
// to <dir>/<jobBasename>-<n>.bck. See SPEC_FULL.md §9 for the
// fork-substitution rationale.
func (s *Store) Backup(jobBasename, dir string, n int) error {
	if err := s.requireRunning(); err != nil {
		return err
	}

	lock := s.table.TableLock()
	lock.RLock()
	pairs := s.table.Snapshot()
	lock.RUnlock()

	path := backup.BackupPath(dir, jobBasename, n)
	if err := s.backups.Run(pairs, path); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// Wait sleeps the calling goroutine for ms milliseconds (spec §4.2).
func (s *Store) Wait(ms int) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// Subscribe adds clientID as a subscriber of key. Returns
// kverrors.ErrKeyMissing if key does not currently exist.
func (s *Store) Subscribe(clientID, key string) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	err := s.subs.Subscribe(clientID, key)
	metrics.SetSubscriptionsActive(s.subs.Count())
	return err
}

// Unsubscribe removes clientID from key's subscriber set.
func (s *Store) Unsubscribe(clientID, key string) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	err := s.subs.Unsubscribe(clientID, key)
	metrics.SetSubscriptionsActive(s.subs.Count())
	return err
}

// RemoveClient prunes clientID from every subscription row and tears
// down its pending notification queue, if any (spec §4.3, invoked on
// disconnect).
func (s *Store) RemoveClient(clientID string) {
	s.subs.RemoveClient(clientID)
	s.dispatch.RemoveClient(clientID)
	metrics.SetSubscriptionsActive(s.subs.Count())
}

// Terminate takes the table lock exclusive, clears the table, and
// clears subscriptions (spec §4.2). It does not wait for backup
// writes still running in the background. After Terminate, every
// operation fails with ErrNotInitialized.
func (s *Store) Terminate() error {
	if !atomic.CompareAndSwapInt32(&s.state, stateRunning, stateTerminated) {
		return kverrors.ErrNotInitialized
	}

	lock := s.table.TableLock()
	lock.Lock()
	s.table.Reset()
	lock.Unlock()

	s.subs.Clear()
	metrics.SetSubscriptionsActive(0)
	metrics.RecordTableOp("terminate", "ok")
	s.log.Info().Msg("kvs store terminated")
	return nil
}
