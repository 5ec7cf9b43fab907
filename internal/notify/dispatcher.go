// Package notify fans out write/delete events to a key's subscribers
// (spec §4.3). It never touches the data table or the subscription
// table's write path directly; it only reads subscriber snapshots and
// hands delivery off to a Sink, which speaks the wire protocol over
// whatever transport the caller has open (named pipes in production,
// an in-memory fake in tests).
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/francosantos/kvsd/internal/dispatcher"
	"github.com/francosantos/kvsd/internal/metrics"
	"github.com/francosantos/kvsd/internal/subscription"
)

// Opcode mirrors spec §6's notification opcodes.
type Opcode int

const (
	OpWrite  Opcode = 5
	OpDelete Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Sink delivers one notification record to a subscriber. Implemented
// by the session package against a client's notification pipe.
// Deliver returning a non-nil error means the channel is broken
// (closed pipe, peer gone) and the subscriber should be dropped.
type Sink interface {
	Deliver(clientID, key, value string, opcode Opcode) error
}

// notifyQueueSize bounds how many pending deliveries a single
// subscriber can have buffered; Emit drops the event (logging a
// metric) rather than blocking the data path if a subscriber falls
// this far behind.
const notifyQueueSize = 256

type queuedEvent struct {
	key, value string
	opcode     Opcode
}

// clientQueue is one subscriber's ordered mailbox. At most one pump
// task is ever in flight for a given queue (guarded by mu/scheduled),
// so events are always delivered to the worker pool in the order Emit
// enqueued them, even though the pool itself runs many clients'
// pumps concurrently across its fixed worker set.
type clientQueue struct {
	ch chan queuedEvent

	mu        sync.Mutex
	scheduled bool
}

// Dispatcher fans notifications out to subscribers through the shared
// dispatcher.WorkerPool, but never lets two deliveries for the same
// subscriber run concurrently on different workers: each subscriber
// gets its own mailbox (clientQueue) and at most one pump task pulls
// from it at a time, preserving commit order per spec §3/§4.3/§5
// while still bounding total fan-out concurrency to the pool's worker
// count. Grounded on the teacher's broadcast (server.go), which
// Submits one task per subscriber per event — adapted here with a
// per-subscriber mailbox so that adaptation doesn't reorder commits.
type Dispatcher struct {
	subs *subscription.Table
	sink Sink
	pool *dispatcher.WorkerPool
	log  zerolog.Logger

	qmu    sync.Mutex
	queues map[string]*clientQueue

	limiter *rate.Limiter
}

// New creates a dispatcher. pool must already be Start'd by the
// caller; Dispatcher only Submits to it.
func New(subs *subscription.Table, sink Sink, pool *dispatcher.WorkerPool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{subs: subs, sink: sink, pool: pool, log: log, queues: make(map[string]*clientQueue)}
}

// SetRateLimit bounds Emit's fan-out to perSec deliveries per second
// (token-bucket, burst = perSec), matching the spec's admission-control
// philosophy for the data path applied to the notification path. A
// non-positive perSec disables limiting (the default).
func (d *Dispatcher) SetRateLimit(perSec int) {
	if perSec <= 0 {
		d.limiter = nil
		return
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Emit fans out one (key, value, opcode) event to every current
// subscriber of key. The subscriber snapshot is taken under the
// subscription table's read lock, which is released before any
// delivery; for opcode=Delete the row is pruned by the caller via
// subscription.Table.DeleteKey after Emit returns — Emit itself
// never mutates the subscription table's rows, only removes broken
// clients entirely via RemoveClient.
func (d *Dispatcher) Emit(key, value string, opcode Opcode) {
	subs := d.subs.Subscribers(key)
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if d.limiter != nil {
			_ = d.limiter.Wait(context.Background())
		}
		d.enqueue(sub.ClientID, queuedEvent{key: key, value: value, opcode: opcode})
	}
}

// enqueue appends ev to clientID's mailbox and makes sure a pump task
// is scheduled to drain it.
func (d *Dispatcher) enqueue(clientID string, ev queuedEvent) {
	q := d.getOrCreateQueue(clientID)

	select {
	case q.ch <- ev:
	default:
		metrics.RecordNotification(ev.opcode.String(), "dropped")
		d.log.Warn().Str("client_id", clientID).Str("key", ev.key).Msg("notification mailbox full, dropping event")
		return
	}

	d.schedule(clientID, q)
}

func (d *Dispatcher) getOrCreateQueue(clientID string) *clientQueue {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	if q, ok := d.queues[clientID]; ok {
		return q
	}
	q := &clientQueue{ch: make(chan queuedEvent, notifyQueueSize)}
	d.queues[clientID] = q
	return q
}

// schedule submits a pump task for q if one isn't already running.
// Safe to call repeatedly; only the caller that flips scheduled from
// false to true actually submits.
func (d *Dispatcher) schedule(clientID string, q *clientQueue) {
	q.mu.Lock()
	if q.scheduled {
		q.mu.Unlock()
		return
	}
	q.scheduled = true
	q.mu.Unlock()

	d.pool.Submit(func() { d.pump(clientID, q) })
}

// pump drains q in strict FIFO order until it finds the mailbox
// empty, at which point it atomically clears scheduled and stops —
// any event enqueued after that point re-triggers schedule, so no
// event is ever stranded unprocessed.
func (d *Dispatcher) pump(clientID string, q *clientQueue) {
	for {
		q.mu.Lock()
		select {
		case ev := <-q.ch:
			q.mu.Unlock()
			if !d.deliver(clientID, ev) {
				return
			}
		default:
			q.scheduled = false
			q.mu.Unlock()
			return
		}
	}
}

// deliver makes one delivery attempt, removing the subscriber on
// failure. Returns false if the caller's pump loop should stop.
func (d *Dispatcher) deliver(clientID string, ev queuedEvent) bool {
	if err := d.sink.Deliver(clientID, ev.key, ev.value, ev.opcode); err != nil {
		metrics.RecordNotification(ev.opcode.String(), "failed")
		d.log.Warn().
			Str("client_id", clientID).
			Str("key", ev.key).
			Str("opcode", ev.opcode.String()).
			Err(err).
			Msg("notification delivery failed, removing subscriber")
		d.subs.RemoveClient(clientID)
		d.RemoveClient(clientID)
		return false
	}
	metrics.RecordNotification(ev.opcode.String(), "ok")
	return true
}

// RemoveClient forgets clientID's mailbox. A pump already draining it
// simply exhausts the channel and exits normally; no close is
// involved, so a racing Emit can never panic on a closed channel —
// its enqueue just lands on a forgotten queue that nothing drains.
func (d *Dispatcher) RemoveClient(clientID string) {
	d.qmu.Lock()
	delete(d.queues, clientID)
	d.qmu.Unlock()
}
