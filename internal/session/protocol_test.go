package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRecordRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	rec := ConnectRecord{ClientID: "client-1", RequestPath: "/tmp/c1.req", ResponsePath: "/tmp/c1.resp", NotifyPath: "/tmp/c1.notif"}
	require.NoError(t, WriteConnect(&buf, rec))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpConnect, op)

	got, err := ReadConnect(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestKeyRecordRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	rec := KeyRecord{ClientID: "client-1", Key: "k"}
	require.NoError(t, WriteKeyRecord(&buf, OpSubscribe, rec))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpSubscribe, op)

	got, err := ReadKeyRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestNotifyRecordRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	rec := NotifyRecord{Key: "k", Value: "v"}
	require.NoError(t, WriteNotify(&buf, OpNotifyWrite, rec))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpNotifyWrite, op)

	got, err := ReadNotify(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStatusRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, true))
	require.NoError(t, WriteStatus(&buf, false))

	ok, err := ReadStatus(&buf)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ReadStatus(&buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFieldTooLongRejected(t *testing.T) {
	var buf bytes.Buffer
	long := make([]byte, pathFieldSize+1)
	for i := range long {
		long[i] = 'a'
	}
	err := WriteConnect(&buf, ConnectRecord{ClientID: string(long)})
	assert.Error(t, err)
}
