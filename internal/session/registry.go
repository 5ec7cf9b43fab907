package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/notify"
)

// client tracks one connected client's open pipes: respFile and
// notifFile are held open for the lifetime of the connection;
// reqFile is set only while the acceptor's handler goroutine has the
// request pipe open for reading, so DisconnectAll can force it closed.
type client struct {
	id        string
	respFile  *os.File
	notifFile *os.File
	reqFile   *os.File
	mu        sync.Mutex // serializes access to all three handles
}

// Registry tracks every connected client's open pipes and satisfies
// notify.Sink by routing Deliver calls to the right notification pipe.
// Grounded on the teacher's sync.Map-backed client set in server.go,
// simplified to a mutex-guarded map since the session package's own
// acceptor already serializes registration.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	log     zerolog.Logger
}

// NewRegistry creates an empty client registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{clients: make(map[string]*client), log: log}
}

// Add opens respPath and notifPath for writing and registers
// clientID. Returns kverrors.ErrChannelOpenFailed if either pipe can't
// be opened.
func (r *Registry) Add(clientID, respPath, notifPath string) error {
	respFile, err := os.OpenFile(respPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", kverrors.ErrChannelOpenFailed, respPath, err)
	}
	notifFile, err := os.OpenFile(notifPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		respFile.Close()
		return fmt.Errorf("%w: %s: %v", kverrors.ErrChannelOpenFailed, notifPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &client{id: clientID, respFile: respFile, notifFile: notifFile}
	return nil
}

// Contains reports whether clientID is currently registered.
func (r *Registry) Contains(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

// SetRequestFile records (or clears, with f == nil) the request pipe
// handle currently open for clientID, so DisconnectAll can force it
// closed. A no-op if clientID isn't registered.
func (r *Registry) SetRequestFile(clientID string, f *os.File) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.reqFile = f
	c.mu.Unlock()
}

// WriteAck writes the one-byte CONNECT/SUBSCRIBE/UNSUBSCRIBE/
// DISCONNECT status (spec §6) to clientID's response pipe.
func (r *Registry) WriteAck(clientID string, ok bool) error {
	r.mu.RLock()
	c, found := r.clients[clientID]
	r.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w: client %s not registered", kverrors.ErrChannelIOFailed, clientID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteStatus(c.respFile, ok)
}

// Remove closes and forgets clientID's pipes, if any.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if ok {
		closeClient(c)
	}
}

// DisconnectAll force-closes every registered client's pipes and
// empties the registry in one step (spec §4.5's SIGUSR1 graceful
// disconnect-all), returning the client IDs that were disconnected so
// the caller can prune their subscriptions; each client's handler
// goroutine releases its own acceptor slot. The registration endpoint
// itself is untouched —
// callers keep accepting new CONNECTs after this returns.
func (r *Registry) DisconnectAll() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	clients := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		ids = append(ids, id)
		clients = append(clients, c)
	}
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	for _, c := range clients {
		closeClient(c)
	}
	return ids
}

func closeClient(c *client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reqFile != nil {
		_ = c.reqFile.Close()
	}
	_ = c.respFile.Close()
	_ = c.notifFile.Close()
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Deliver implements notify.Sink: it writes one WRITE/DELETE record
// to clientID's notification pipe. A broken pipe is reported back to
// the caller (notify.Dispatcher), which drops the subscription;
// Deliver itself does not remove the client from the registry, since
// a broken notification pipe is a disconnect the acceptor's
// DISCONNECT handling (or a later write failure) is responsible for.
func (r *Registry) Deliver(clientID, key, value string, opcode notify.Opcode) error {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: client %s not registered", kverrors.ErrChannelIOFailed, clientID)
	}

	op := OpNotifyWrite
	if opcode == notify.OpDelete {
		op = OpNotifyDelete
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteNotify(c.notifFile, op, NotifyRecord{Key: key, Value: value})
}
