// Command kvs-client is the interactive client binary (spec §6): it
// registers with a running kvs-server over the server's well-known
// registration FIFO, then reads SUBSCRIBE/UNSUBSCRIBE/DISCONNECT
// commands from stdin while printing incoming write/delete
// notifications, and each request's one-byte response status, to
// stdout as they arrive.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/francosantos/kvsd/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kvs-client:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 {
		return fmt.Errorf("usage: kvs-client <client_id> <registration_endpoint>")
	}
	clientID := os.Args[1]
	registrationPath := os.Args[2]

	reqPath := filepath.Join(os.TempDir(), "kvsd-"+clientID+".req")
	respPath := filepath.Join(os.TempDir(), "kvsd-"+clientID+".resp")
	notifPath := filepath.Join(os.TempDir(), "kvsd-"+clientID+".notif")
	for _, p := range []string{reqPath, respPath, notifPath} {
		_ = os.Remove(p)
		if err := unix.Mkfifo(p, 0o644); err != nil {
			return fmt.Errorf("mkfifo %s: %w", p, err)
		}
	}
	defer os.Remove(reqPath)
	defer os.Remove(respPath)
	defer os.Remove(notifPath)

	ackDone := make(chan struct{})
	go listenAcks(respPath, ackDone)

	notifyDone := make(chan struct{})
	go listenNotifications(notifPath, notifyDone)

	if err := connect(registrationPath, clientID, reqPath, respPath, notifPath); err != nil {
		return err
	}

	reqFile, err := os.OpenFile(reqPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("open request pipe: %w", err)
	}
	defer reqFile.Close()

	fmt.Println("connected. commands: SUBSCRIBE <key>, UNSUBSCRIBE <key>, DISCONNECT")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		keyword := strings.ToUpper(fields[0])

		switch keyword {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			if len(fields) != 2 {
				fmt.Println("usage:", keyword, "<key>")
				continue
			}
			op := session.OpSubscribe
			if keyword == "UNSUBSCRIBE" {
				op = session.OpUnsubscribe
			}
			if err := session.WriteKeyRecord(reqFile, op, session.KeyRecord{ClientID: clientID, Key: fields[1]}); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}

		case "DISCONNECT":
			_ = session.WriteKeyRecord(reqFile, session.OpDisconnect, session.KeyRecord{ClientID: clientID})
			return nil

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}

	_ = session.WriteKeyRecord(reqFile, session.OpDisconnect, session.KeyRecord{ClientID: clientID})
	return nil
}

func connect(registrationPath, clientID, reqPath, respPath, notifPath string) error {
	f, err := os.OpenFile(registrationPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return fmt.Errorf("open registration endpoint: %w", err)
	}
	defer f.Close()
	return session.WriteConnect(f, session.ConnectRecord{
		ClientID:     clientID,
		RequestPath:  reqPath,
		ResponsePath: respPath,
		NotifyPath:   notifPath,
	})
}

// listenAcks prints the spec §6 one-byte response status for every
// CONNECT/SUBSCRIBE/UNSUBSCRIBE/DISCONNECT this client sends, in the
// order the server answers them.
func listenAcks(respPath string, done chan<- struct{}) {
	defer close(done)
	f, err := os.OpenFile(respPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return
	}
	defer f.Close()

	for {
		ok, err := session.ReadStatus(f)
		if err != nil {
			return
		}
		if ok {
			fmt.Println("ack: ok")
		} else {
			fmt.Println("ack: fail")
		}
	}
}

func listenNotifications(notifPath string, done chan<- struct{}) {
	defer close(done)
	f, err := os.OpenFile(notifPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return
	}
	defer f.Close()

	for {
		op, err := session.ReadOpcode(f)
		if err != nil {
			return
		}
		rec, err := session.ReadNotify(f)
		if err != nil {
			return
		}
		if op == session.OpNotifyDelete {
			fmt.Printf("DELETE %s\n", rec.Key)
		} else {
			fmt.Printf("WRITE %s=%s\n", rec.Key, rec.Value)
		}
	}
}
