package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/francosantos/kvsd/internal/dispatcher"
	"github.com/francosantos/kvsd/internal/subscription"
)

type record struct {
	clientID, key, value string
	opcode               Opcode
}

type fakeSink struct {
	mu       sync.Mutex
	records  []record
	failFor  map[string]bool
}

func newFakeSink() *fakeSink { return &fakeSink{failFor: map[string]bool{}} }

func (f *fakeSink) Deliver(clientID, key, value string, opcode Opcode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[clientID] {
		return assert.AnError
	}
	f.records = append(f.records, record{clientID, key, value, opcode})
	return nil
}

func (f *fakeSink) snapshot() []record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]record, len(f.records))
	copy(out, f.records)
	return out
}

func newTestDispatcher(subs *subscription.Table, sink Sink) (*Dispatcher, func()) {
	pool := dispatcher.NewWorkerPool(2, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	return New(subs, sink, pool, zerolog.Nop()), func() { cancel(); pool.Stop() }
}

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	subs := subscription.New(func(string) bool { return true })
	require.NoError(t, subs.Subscribe("c1", "x"))
	require.NoError(t, subs.Subscribe("c2", "x"))

	sink := newFakeSink()
	d, stop := newTestDispatcher(subs, sink)
	defer stop()

	d.Emit("x", "42", OpWrite)

	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, time.Millisecond)
	for _, r := range sink.snapshot() {
		assert.Equal(t, "x", r.key)
		assert.Equal(t, "42", r.value)
		assert.Equal(t, OpWrite, r.opcode)
	}
}

func TestEmitNoSubscribersIsNoop(t *testing.T) {
	subs := subscription.New(func(string) bool { return true })
	sink := newFakeSink()
	d, stop := newTestDispatcher(subs, sink)
	defer stop()

	d.Emit("x", "42", OpWrite)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestEmitRemovesSubscriberOnDeliveryFailure(t *testing.T) {
	subs := subscription.New(func(string) bool { return true })
	require.NoError(t, subs.Subscribe("broken", "x"))
	require.NoError(t, subs.Subscribe("healthy", "x"))

	sink := newFakeSink()
	sink.failFor["broken"] = true

	d, stop := newTestDispatcher(subs, sink)
	defer stop()

	d.Emit("x", "1", OpDelete)

	assert.Eventually(t, func() bool {
		return len(subs.Subscribers("x")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "healthy", subs.Subscribers("x")[0].ClientID)
}

func TestEmitPreservesPerSubscriberOrder(t *testing.T) {
	subs := subscription.New(func(string) bool { return true })
	require.NoError(t, subs.Subscribe("c1", "x"))

	sink := newFakeSink()
	d, stop := newTestDispatcher(subs, sink)
	defer stop()

	const n = 200
	for i := 0; i < n; i++ {
		d.Emit("x", string(rune('a'+i%26)), OpWrite)
	}

	assert.Eventually(t, func() bool { return len(sink.snapshot()) == n }, time.Second, time.Millisecond)
	records := sink.snapshot()
	for i, r := range records {
		assert.Equal(t, string(rune('a'+i%26)), r.value)
	}
}
