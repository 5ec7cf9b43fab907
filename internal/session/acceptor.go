package session

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/kvs"
	"github.com/francosantos/kvsd/internal/metrics"
	"github.com/francosantos/kvsd/internal/platform"
)

// Config controls the acceptor's admission policy (spec §4.3/§6).
type Config struct {
	RegistrationPath string
	MaxClients       int
	QueueSize        int
	CPURejectPercent float64 // reject new CONNECTs above this host CPU%, 0 disables
}

// Acceptor owns the well-known registration FIFO: it reads one
// CONNECT record at a time, applies admission control (bounded
// concurrent clients plus an optional CPU guard), and spawns a
// handler goroutine per accepted client. Grounded on the teacher's
// handleWebSocket admission sequence (resourceGuard check, then
// connectionsSem acquire, then spawn read/write pumps) with the
// HTTP upgrade replaced by opening the client's own request/response/
// notification FIFOs.
type Acceptor struct {
	cfg   Config
	store *kvs.Store
	reg   *Registry
	cpu   *platform.CPUMonitor
	log   zerolog.Logger

	sem      chan struct{}
	shutdown int32
}

// NewAcceptor builds an Acceptor. cpu may be nil to disable the CPU
// admission guard.
func NewAcceptor(cfg Config, store *kvs.Store, reg *Registry, cpu *platform.CPUMonitor, log zerolog.Logger) *Acceptor {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = 1
	}
	return &Acceptor{cfg: cfg, store: store, reg: reg, cpu: cpu, log: log, sem: make(chan struct{}, cfg.MaxClients)}
}

// Run creates the registration FIFO (if absent) and processes CONNECT
// records. It returns once StopAccepting has been called (checked
// before each open of the registration FIFO), or when a registration
// read fails after ctx is cancelled; an open already blocked waiting
// for a writer is not interrupted by either. Each accepted client is
// handed to a new handler goroutine; Run itself never blocks on a
// client's lifetime.
func (a *Acceptor) Run(ctx context.Context) error {
	if err := ensureFIFO(a.cfg.RegistrationPath); err != nil {
		return err
	}

	for {
		if atomic.LoadInt32(&a.shutdown) == 1 {
			return nil
		}

		rec, err := a.acceptOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn().Err(err).Msg("registration read failed, retrying")
			continue
		}
		if rec == nil {
			continue // rejected at admission, already logged/counted
		}

		go a.handle(ctx, *rec)
	}
}

// StopAccepting causes Run's loop to exit after its current read.
func (a *Acceptor) StopAccepting() {
	atomic.StoreInt32(&a.shutdown, 1)
}

// DisconnectAll implements the SIGUSR1 graceful disconnect-all (spec
// §4.5/§8): every connected client's subscriptions are dropped and its
// pipes force-closed, but the registration FIFO keeps accepting new
// CONNECTs. Each client's own handle goroutine notices its request
// pipe went away and releases its own semaphore slot, so DisconnectAll
// never touches a.sem directly.
func (a *Acceptor) DisconnectAll() {
	ids := a.reg.DisconnectAll()
	for _, id := range ids {
		a.store.RemoveClient(id)
	}
	a.log.Info().Int("clients", len(ids)).Msg("disconnected all clients")
}

// acceptOne reads a single CONNECT record from the registration FIFO
// and applies admission control. A nil, nil return means the
// connection was rejected (queue full or CPU above threshold); the
// caller should continue accepting.
func (a *Acceptor) acceptOne(ctx context.Context) (*ConnectRecord, error) {
	f, err := os.OpenFile(a.cfg.RegistrationPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", kverrors.ErrChannelOpenFailed, a.cfg.RegistrationPath, err)
	}
	defer f.Close()

	op, err := ReadOpcode(f)
	if err != nil {
		return nil, err
	}
	if op != OpConnect {
		return nil, fmt.Errorf("%w: expected CONNECT, got opcode %d", kverrors.ErrParseError, op)
	}
	rec, err := ReadConnect(f)
	if err != nil {
		return nil, err
	}

	if a.cpu != nil && a.cfg.CPURejectPercent > 0 && a.cpu.Percent() >= a.cfg.CPURejectPercent {
		metrics.RecordClientAccepted("cpu_reject")
		a.log.Debug().Str("client_id", rec.ClientID).Float64("cpu_percent", a.cpu.Percent()).Msg("connect rejected: cpu above threshold")
		ackReject(rec.ResponsePath)
		return nil, nil
	}

	select {
	case a.sem <- struct{}{}:
	default:
		metrics.RecordClientAccepted("queue_full")
		a.log.Debug().Str("client_id", rec.ClientID).Msg("connect rejected: at capacity")
		ackReject(rec.ResponsePath)
		return nil, nil
	}

	if err := a.reg.Add(rec.ClientID, rec.ResponsePath, rec.NotifyPath); err != nil {
		<-a.sem
		metrics.RecordClientAccepted("open_failed")
		ackReject(rec.ResponsePath)
		return nil, err
	}

	if err := a.reg.WriteAck(rec.ClientID, true); err != nil {
		a.log.Warn().Str("client_id", rec.ClientID).Err(err).Msg("connect ack failed")
	}

	metrics.RecordClientAccepted("ok")
	metrics.SetClientsActive(a.reg.Count())
	return &rec, nil
}

// ackReject writes a single StatusFail byte to a rejected client's
// response pipe. No Registry entry exists yet for this client, so the
// response pipe is opened, written, and closed just for this one ack.
func ackReject(respPath string) {
	f, err := os.OpenFile(respPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return
	}
	defer f.Close()
	_ = WriteStatus(f, false)
}

// handle is the per-client goroutine: it reads SUBSCRIBE/UNSUBSCRIBE/
// DISCONNECT requests from the client's request pipe until the client
// disconnects, the pipe breaks, or DisconnectAll forces it closed,
// then releases the client's slot.
func (a *Acceptor) handle(ctx context.Context, rec ConnectRecord) {
	defer func() {
		a.reg.Remove(rec.ClientID)
		a.store.RemoveClient(rec.ClientID)
		<-a.sem
		metrics.SetClientsActive(a.reg.Count())
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !a.reg.Contains(rec.ClientID) {
			return // force-disconnected by DisconnectAll
		}

		f, err := os.OpenFile(rec.RequestPath, os.O_RDONLY, os.ModeNamedPipe)
		if err != nil {
			a.log.Warn().Str("client_id", rec.ClientID).Err(err).Msg("request pipe open failed")
			return
		}
		a.reg.SetRequestFile(rec.ClientID, f)

		done := a.serveRequests(f, rec.ClientID)
		a.reg.SetRequestFile(rec.ClientID, nil)
		f.Close()
		if done {
			return
		}
	}
}

// serveRequests drains one open of the client's request pipe,
// dispatching each record to the store and writing the spec §6
// response byte for every SUBSCRIBE/UNSUBSCRIBE/DISCONNECT. Returns
// true once the client has explicitly disconnected, the pipe reports
// EOF/broken (including a DisconnectAll force-close), or an unexpected
// opcode is seen.
func (a *Acceptor) serveRequests(f *os.File, clientID string) bool {
	for {
		op, err := ReadOpcode(f)
		if err != nil {
			return true
		}

		switch op {
		case OpSubscribe, OpUnsubscribe:
			kr, err := ReadKeyRecord(f)
			if err != nil {
				return true
			}
			var opErr error
			if op == OpSubscribe {
				opErr = a.store.Subscribe(clientID, kr.Key)
				if opErr != nil {
					a.log.Debug().Str("client_id", clientID).Str("key", kr.Key).Err(opErr).Msg("subscribe failed")
				}
			} else {
				opErr = a.store.Unsubscribe(clientID, kr.Key)
				if opErr != nil {
					a.log.Debug().Str("client_id", clientID).Str("key", kr.Key).Err(opErr).Msg("unsubscribe failed")
				}
			}
			if err := a.reg.WriteAck(clientID, opErr == nil); err != nil {
				a.log.Warn().Str("client_id", clientID).Err(err).Msg("ack write failed")
				return true
			}

		case OpDisconnect:
			if err := a.reg.WriteAck(clientID, true); err != nil {
				a.log.Warn().Str("client_id", clientID).Err(err).Msg("disconnect ack failed")
			}
			return true

		default:
			a.log.Warn().Str("client_id", clientID).Int("opcode", int(op)).Msg("unexpected opcode on request pipe")
			return true
		}
	}
}

func ensureFIFO(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := unix.Mkfifo(path, 0o644); err != nil {
		return fmt.Errorf("%w: mkfifo %s: %v", kverrors.ErrChannelOpenFailed, path, err)
	}
	return nil
}
