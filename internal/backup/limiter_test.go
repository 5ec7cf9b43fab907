package backup

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/francosantos/kvsd/internal/kvstore"
)

func TestRunWritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job-1.bck")

	l := NewLimiter(2)
	require.NoError(t, l.Run([]kvstore.Pair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, path))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "(a, 1)\n(b, 2)\n", string(data))
}

func TestBackupPathFormat(t *testing.T) {
	assert.Equal(t, "dir/job-1.bck", BackupPath("dir", "job", 1))
	assert.Equal(t, "dir/job-2.bck", BackupPath("dir/", "job", 2))
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	l := NewLimiter(1)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := filepath.Join(dir, BackupPath("", "job", i))
			require.NoError(t, l.Run(nil, path))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, BackupPath("", "job", i))
		require.Eventually(t, func() bool {
			_, err := os.Stat(path)
			return err == nil
		}, time.Second, 5*time.Millisecond)
	}
}
