package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/francosantos/kvsd/internal/notify"
)

func makeFIFO(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipe")
	require.NoError(t, unix.Mkfifo(path, 0o644))
	return path
}

func openReader(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
	require.NoError(t, err)
	return f
}

func TestRegistryDeliverWritesNotification(t *testing.T) {
	respPath := makeFIFO(t)
	notifPath := makeFIFO(t)
	reg := NewRegistry(zerolog.Nop())

	respDone := make(chan struct{})
	go func() {
		f := openReader(t, respPath)
		defer f.Close()
		discard(f)
		close(respDone)
	}()

	readerDone := make(chan NotifyRecord, 1)
	go func() {
		f := openReader(t, notifPath)
		defer f.Close()
		op, err := ReadOpcode(f)
		require.NoError(t, err)
		require.Equal(t, OpNotifyWrite, op)
		rec, err := ReadNotify(f)
		require.NoError(t, err)
		readerDone <- rec
	}()

	require.NoError(t, reg.Add("c1", respPath, notifPath))
	require.NoError(t, reg.Deliver("c1", "k", "v", notify.OpWrite))

	rec := <-readerDone
	assert.Equal(t, NotifyRecord{Key: "k", Value: "v"}, rec)

	reg.Remove("c1")
	<-respDone
}

func TestRegistryDeliverUnknownClientFails(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	err := reg.Deliver("ghost", "k", "v", notify.OpWrite)
	assert.Error(t, err)
}

func TestRegistryWriteAckWritesStatus(t *testing.T) {
	respPath := makeFIFO(t)
	notifPath := makeFIFO(t)
	reg := NewRegistry(zerolog.Nop())

	statusDone := make(chan bool, 1)
	go func() {
		f := openReader(t, respPath)
		defer f.Close()
		ok, err := ReadStatus(f)
		require.NoError(t, err)
		statusDone <- ok
	}()
	go func() {
		f := openReader(t, notifPath)
		defer f.Close()
		discard(f)
	}()

	require.NoError(t, reg.Add("c1", respPath, notifPath))
	require.NoError(t, reg.WriteAck("c1", true))

	assert.True(t, <-statusDone)
}

func TestRegistryWriteAckUnknownClientFails(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	assert.Error(t, reg.WriteAck("ghost", true))
}

func TestRegistryRemoveForgetsClient(t *testing.T) {
	respPath := makeFIFO(t)
	notifPath := makeFIFO(t)
	reg := NewRegistry(zerolog.Nop())

	go func() {
		f, _ := os.OpenFile(respPath, os.O_RDONLY, os.ModeNamedPipe)
		if f != nil {
			defer f.Close()
			discard(f)
		}
	}()
	go func() {
		f, _ := os.OpenFile(notifPath, os.O_RDONLY, os.ModeNamedPipe)
		if f != nil {
			defer f.Close()
			discard(f)
		}
	}()

	require.NoError(t, reg.Add("c1", respPath, notifPath))
	assert.Equal(t, 1, reg.Count())
	reg.Remove("c1")
	assert.Equal(t, 0, reg.Count())

	assert.Error(t, reg.Deliver("c1", "k", "v", notify.OpWrite))
}

func TestRegistryDisconnectAllClosesEveryClient(t *testing.T) {
	resp1, notif1 := makeFIFO(t), makeFIFO(t)
	resp2, notif2 := makeFIFO(t), makeFIFO(t)
	reg := NewRegistry(zerolog.Nop())

	for _, p := range []string{resp1, notif1, resp2, notif2} {
		path := p
		go func() {
			f, _ := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
			if f != nil {
				defer f.Close()
				discard(f)
			}
		}()
	}

	require.NoError(t, reg.Add("c1", resp1, notif1))
	require.NoError(t, reg.Add("c2", resp2, notif2))
	assert.Equal(t, 2, reg.Count())

	ids := reg.DisconnectAll()
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
	assert.Equal(t, 0, reg.Count())
}

func discard(f *os.File) {
	buf := make([]byte, 256)
	_, _ = f.Read(buf)
}
