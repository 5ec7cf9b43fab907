// Package session implements the named-pipe client/server transport
// (spec §6): a well-known registration FIFO where clients announce
// themselves, per-client request/response/notification FIFOs for the
// rest of the conversation, and a Registry that satisfies notify.Sink
// by routing each delivery to the right client's notification pipe.
//
// Grounded on the teacher's connection-handling idiom in server.go
// (admission control via a semaphore, one goroutine pair per accepted
// client) with net.Conn/websocket framing replaced by fixed-size
// records over os.File FIFOs, since spec.md's transport is POSIX named
// pipes rather than TCP/WebSocket.
package session

import (
	"fmt"
	"io"

	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/notify"
)

// pathFieldSize is the fixed width of a NUL-padded path/ID field in
// the wire protocol (spec §6).
const pathFieldSize = 40

// Opcode identifies a wire record. Values 1-4 are client requests;
// 5-6 (notify.OpWrite/notify.OpDelete) are server-to-client
// notifications, reusing the same numbering spec §6 assigns them.
type Opcode byte

const (
	OpConnect      Opcode = 1
	OpDisconnect   Opcode = 2
	OpSubscribe    Opcode = 3
	OpUnsubscribe  Opcode = 4
	OpNotifyWrite  Opcode = Opcode(notify.OpWrite)
	OpNotifyDelete Opcode = Opcode(notify.OpDelete)
)

// ConnectRecord announces a new client and the three FIFOs it has
// already created (spec §3's Client = (request_channel,
// response_channel, notification_channel, id), spec §6's CONNECT
// payload): RequestPath (server reads client commands from it),
// ResponsePath (server writes one-byte CONNECT/SUBSCRIBE/UNSUBSCRIBE/
// DISCONNECT status acks to it), and NotifyPath (server writes
// WRITE/DELETE notification records to it).
type ConnectRecord struct {
	ClientID     string
	RequestPath  string
	ResponsePath string
	NotifyPath   string
}

// KeyRecord carries a client ID and a single key, used for
// SUBSCRIBE/UNSUBSCRIBE requests and DISCONNECT (key left empty).
type KeyRecord struct {
	ClientID string
	Key      string
}

// NotifyRecord is a server->client delivery: a write carries Value,
// a delete leaves it empty.
type NotifyRecord struct {
	Key   string
	Value string
}

func putField(buf []byte, s string) error {
	if len(s) > pathFieldSize {
		return fmt.Errorf("%w: field %q exceeds %d bytes", kverrors.ErrParseError, s, pathFieldSize)
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
	return nil
}

func getField(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// WriteConnect encodes a CONNECT record to w.
func WriteConnect(w io.Writer, rec ConnectRecord) error {
	buf := make([]byte, 1+4*pathFieldSize)
	buf[0] = byte(OpConnect)
	if err := putField(buf[1:1+pathFieldSize], rec.ClientID); err != nil {
		return err
	}
	if err := putField(buf[1+pathFieldSize:1+2*pathFieldSize], rec.RequestPath); err != nil {
		return err
	}
	if err := putField(buf[1+2*pathFieldSize:1+3*pathFieldSize], rec.ResponsePath); err != nil {
		return err
	}
	if err := putField(buf[1+3*pathFieldSize:], rec.NotifyPath); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadConnect decodes a CONNECT record's body (opcode already
// consumed by the caller) from r.
func ReadConnect(r io.Reader) (ConnectRecord, error) {
	buf := make([]byte, 4*pathFieldSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectRecord{}, fmt.Errorf("%w: %v", kverrors.ErrChannelIOFailed, err)
	}
	return ConnectRecord{
		ClientID:     getField(buf[0:pathFieldSize]),
		RequestPath:  getField(buf[pathFieldSize : 2*pathFieldSize]),
		ResponsePath: getField(buf[2*pathFieldSize : 3*pathFieldSize]),
		NotifyPath:   getField(buf[3*pathFieldSize:]),
	}, nil
}

// WriteKeyRecord encodes a SUBSCRIBE/UNSUBSCRIBE/DISCONNECT record.
func WriteKeyRecord(w io.Writer, op Opcode, rec KeyRecord) error {
	buf := make([]byte, 1+2*pathFieldSize)
	buf[0] = byte(op)
	if err := putField(buf[1:1+pathFieldSize], rec.ClientID); err != nil {
		return err
	}
	if err := putField(buf[1+pathFieldSize:], rec.Key); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadKeyRecord decodes a SUBSCRIBE/UNSUBSCRIBE/DISCONNECT body.
func ReadKeyRecord(r io.Reader) (KeyRecord, error) {
	buf := make([]byte, 2*pathFieldSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %v", kverrors.ErrChannelIOFailed, err)
	}
	return KeyRecord{
		ClientID: getField(buf[0:pathFieldSize]),
		Key:      getField(buf[pathFieldSize:]),
	}, nil
}

// WriteNotify encodes a WRITE/DELETE notification to a client's
// notification pipe.
func WriteNotify(w io.Writer, op Opcode, rec NotifyRecord) error {
	buf := make([]byte, 1+2*pathFieldSize)
	buf[0] = byte(op)
	if err := putField(buf[1:1+pathFieldSize], rec.Key); err != nil {
		return err
	}
	if err := putField(buf[1+pathFieldSize:], rec.Value); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadNotify decodes a WRITE/DELETE notification body.
func ReadNotify(r io.Reader) (NotifyRecord, error) {
	buf := make([]byte, 2*pathFieldSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return NotifyRecord{}, fmt.Errorf("%w: %v", kverrors.ErrChannelIOFailed, err)
	}
	return NotifyRecord{
		Key:   getField(buf[0:pathFieldSize]),
		Value: getField(buf[pathFieldSize:]),
	}, nil
}

// ReadOpcode reads the single leading opcode byte of any record.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("%w: %v", kverrors.ErrChannelIOFailed, err)
	}
	return Opcode(b[0]), nil
}

// StatusOK and StatusFail are the one-byte Response values spec §6
// defines for CONNECT/SUBSCRIBE/UNSUBSCRIBE/DISCONNECT: 0 on success,
// 1 on failure (key-missing for SUBSCRIBE, not-subscribed for
// UNSUBSCRIBE, any rejection reason for CONNECT).
const (
	StatusOK   byte = 0
	StatusFail byte = 1
)

// WriteStatus writes the one-byte response status to a client's
// response pipe.
func WriteStatus(w io.Writer, ok bool) error {
	status := StatusOK
	if !ok {
		status = StatusFail
	}
	_, err := w.Write([]byte{status})
	return err
}

// ReadStatus reads the one-byte response status.
func ReadStatus(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, fmt.Errorf("%w: %v", kverrors.ErrChannelIOFailed, err)
	}
	return b[0] == StatusOK, nil
}
