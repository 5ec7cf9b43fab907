// Package backup implements the bounded-concurrency snapshot
// mechanism described in spec §4.2 and resolved in SPEC_FULL.md §9:
// Go has no safe fork() across a multi-goroutine process, so each
// backup's snapshot is taken synchronously while the caller holds the
// table lock shared, then handed to a goroutine ("the child" in
// spirit) that writes the .bck file concurrently with the caller's
// continued work. Limiter bounds the number of such goroutines
// in-flight to MAX_BACKUPS, reaping the oldest outstanding one before
// admitting a new one once the cap is reached — the corrected
// reap-one-then-fork intent spec §9(d) calls out.
package backup

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/francosantos/kvsd/internal/kverrors"
	"github.com/francosantos/kvsd/internal/kvstore"
	"github.com/francosantos/kvsd/internal/metrics"
)

// Limiter bounds the number of concurrently in-flight backup
// goroutines to max, grounded on the teacher's connectionsSem
// admission-control idiom (a buffered channel used as a counting
// semaphore).
type Limiter struct {
	sem  chan struct{}
	mu   sync.Mutex
	done []chan struct{}
}

// NewLimiter creates a limiter admitting at most max concurrent
// backups. max must be >= 1.
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: make(chan struct{}, max)}
}

// Run snapshots pairs to path, running the write in its own goroutine.
// If the limiter is already at capacity, Run blocks until the oldest
// in-flight backup completes (reap-one) before starting the new one,
// exactly bounding active backups at max. Run itself returns
// immediately once the goroutine has been admitted and started; the
// caller does not wait for the write to finish (mirrors the parent
// process releasing T right after fork()).
func (l *Limiter) Run(pairs []kvstore.Pair, path string) error {
	select {
	case l.sem <- struct{}{}:
	default:
		// At capacity: reap the oldest outstanding backup before
		// admitting this one (spec §9(d)'s corrected intent).
		l.mu.Lock()
		if len(l.done) > 0 {
			oldest := l.done[0]
			l.done = l.done[1:]
			l.mu.Unlock()
			<-oldest
		} else {
			l.mu.Unlock()
		}
		l.sem <- struct{}{}
	}

	finished := make(chan struct{})
	l.mu.Lock()
	l.done = append(l.done, finished)
	l.mu.Unlock()

	metrics.SetBackupsActive(len(l.sem))

	go func() {
		defer func() {
			<-l.sem
			metrics.SetBackupsActive(len(l.sem))
			close(finished)
		}()

		if err := writeSnapshot(pairs, path); err != nil {
			metrics.RecordBackup("failed")
			return
		}
		metrics.RecordBackup("ok")
	}()

	return nil
}

// writeSnapshot writes one "(key, value)\n" line per pair, byte-exact
// with SHOW output (spec §6).
func writeSnapshot(pairs []kvstore.Pair, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", kverrors.ErrBackupForkFailed, path, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, p := range pairs {
		b.WriteString("(")
		b.WriteString(p.Key)
		b.WriteString(", ")
		b.WriteString(p.Value)
		b.WriteString(")\n")
	}
	_, err = f.WriteString(b.String())
	return err
}

// BackupPath builds the spec §6 backup filename:
// <dir>/<job-basename>-<n>.bck
func BackupPath(dir, jobBasename string, n int) string {
	return fmt.Sprintf("%s/%s-%d.bck", strings.TrimRight(dir, "/"), jobBasename, n)
}
