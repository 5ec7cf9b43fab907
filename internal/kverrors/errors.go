// Package kverrors defines the sentinel error values shared across the
// store, subscription table, dispatcher and session packages.
package kverrors

import "errors"

var (
	// ErrNotInitialized is returned by any store operation invoked
	// before Init or after Terminate.
	ErrNotInitialized = errors.New("kvs: not initialized")

	// ErrAlreadyInitialized is returned by Init when the store is
	// already Running.
	ErrAlreadyInitialized = errors.New("kvs: already initialized")

	// ErrKeyMissing is returned by Subscribe (key absent from the data
	// table) and appears in-band in READ output as KVSERROR.
	ErrKeyMissing = errors.New("kvs: key missing")

	// ErrNotSubscribed is returned by Unsubscribe when the caller has
	// no subscription on the given key.
	ErrNotSubscribed = errors.New("kvs: not subscribed")

	// ErrWriteFailed marks a single pair's failure inside a batch
	// write; the batch itself still returns overall success.
	ErrWriteFailed = errors.New("kvs: write failed")

	// ErrBackupForkFailed wraps a failure to create a backup's output
	// file. The file is written in a background goroutine, so this
	// error is counted in metrics and is not returned to the job.
	ErrBackupForkFailed = errors.New("kvs: backup failed")

	// ErrQueueFull is returned by the client acceptor when the bounded
	// connection queue has no room for a new client.
	ErrQueueFull = errors.New("kvs: connection queue full")

	// ErrChannelOpenFailed marks failure to open one of a client's
	// named pipes (request/response/notification).
	ErrChannelOpenFailed = errors.New("kvs: channel open failed")

	// ErrChannelIOFailed marks a read/write failure on an already-open
	// client channel (broken pipe, peer gone).
	ErrChannelIOFailed = errors.New("kvs: channel io failed")

	// ErrParseError marks a malformed job-script line; the job
	// executor logs it and continues with the next line.
	ErrParseError = errors.New("kvs: parse error")
)
