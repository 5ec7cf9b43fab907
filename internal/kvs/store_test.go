package kvs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/francosantos/kvsd/internal/dispatcher"
	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/notify"
)

type recordingSink struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingSink) Deliver(clientID, key, value string, opcode notify.Opcode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, clientID+":"+key+":"+value+":"+opcode.String())
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	copy(out, r.records)
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingSink, func()) {
	t.Helper()
	sink := &recordingSink{}
	pool := dispatcher.NewWorkerPool(2, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	s := New(zerolog.Nop(), 2, sink, pool)
	require.NoError(t, s.Init())

	return s, sink, func() { cancel(); pool.Stop() }
}

func TestOperationsFailBeforeInit(t *testing.T) {
	sink := &recordingSink{}
	pool := dispatcher.NewWorkerPool(1, 1, zerolog.Nop())
	s := New(zerolog.Nop(), 1, sink, pool)

	_, err := s.Read([]string{"a"})
	assert.ErrorIs(t, err, kverrors.ErrNotInitialized)
}

func TestInitTwiceFails(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()
	assert.ErrorIs(t, s.Init(), kverrors.ErrAlreadyInitialized)
}

func TestBasicRoundtripScenario(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}))

	entries, err := s.Read([]string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ReadEntry{Key: "a", Value: "1"}, entries[0])
	assert.Equal(t, ReadEntry{Key: "b", Value: "2"}, entries[1])
	assert.Equal(t, ReadEntry{Key: "c", Missing: true}, entries[2])
}

func TestDeleteWithMissList(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}}))
	missing, err := s.Delete([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, missing)

	entries, err := s.Read([]string{"a"})
	require.NoError(t, err)
	assert.True(t, entries[0].Missing)
}

func TestSubscribeThenWriteNotifies(t *testing.T) {
	s, sink, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "x", Value: "0"}}))
	require.NoError(t, s.Subscribe("C", "x"))
	require.NoError(t, s.Write([]Pair{{Key: "x", Value: "42"}}))

	assert.Eventually(t, func() bool {
		for _, r := range sink.snapshot() {
			if r == "C:x:42:write" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeToMissingKeyFails(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	err := s.Subscribe("C", "ghost")
	assert.ErrorIs(t, err, kverrors.ErrKeyMissing)
}

func TestDeleteFansOutAndPrunesSubscription(t *testing.T) {
	s, sink, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "k", Value: "1"}}))
	require.NoError(t, s.Subscribe("C1", "k"))
	require.NoError(t, s.Subscribe("C2", "k"))

	_, err := s.Delete([]string{"k"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		recs := sink.snapshot()
		count := 0
		for _, r := range recs {
			if r == "C1:k::delete" || r == "C2:k::delete" {
				count++
			}
		}
		return count == 2
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Subscribe("C3", "k"), kverrors.ErrKeyMissing)
}

func TestShowReflectsCurrentState(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}))
	_, _ = s.Delete([]string{"a"})

	pairs, err := s.Show()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "b", pairs[0].Key)
}

func TestTerminateClearsStateAndBlocksFurtherOps(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	require.NoError(t, s.Write([]Pair{{Key: "a", Value: "1"}}))
	require.NoError(t, s.Terminate())

	_, err := s.Read([]string{"a"})
	assert.ErrorIs(t, err, kverrors.ErrNotInitialized)
}

func TestWaitSleeps(t *testing.T) {
	s, _, stop := newTestStore(t)
	defer stop()

	start := time.Now()
	require.NoError(t, s.Wait(20))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
