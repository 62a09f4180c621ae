package filelock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

func newLock(t *testing.T, dir string, kind Kind, timeout time.Duration) *Lock {
	t.Helper()
	l, err := New(fsys.NewLocal(), dir, Config{
		Location:  dir,
		Kind:      kind,
		RetryTime: 10 * time.Millisecond,
		Timeout:   timeout,
	})
	require.NoError(t, err)
	return l
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{Location: "/tmp/x"}},
		{name: "missing location", cfg: Config{}, wantErr: true},
		{name: "same names", cfg: Config{Location: "/x", WriteLockName: "a.lock", ReadLockName: "a.lock"}, wantErr: true},
		{name: "bad kind", cfg: Config{Location: "/x", Kind: "exclusive"}, wantErr: true},
		{name: "separator in name", cfg: Config{Location: "/x", WriteLockName: "a/b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteLockLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := newLock(t, dir, KindWrite, time.Second)

	assert.Equal(t, StateNew, l.State())
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, StateAcquired, l.State())
	assert.FileExists(t, filepath.Join(dir, DefaultWriteLockName))

	// Re-acquire is a no-op.
	require.NoError(t, l.Acquire(ctx))

	require.NoError(t, l.Release(ctx))
	assert.Equal(t, StateReleased, l.State())
	assert.NoFileExists(t, filepath.Join(dir, DefaultWriteLockName))

	// Second release does nothing.
	require.NoError(t, l.Release(ctx))
	assert.Error(t, l.Acquire(ctx))
}

func TestWriteLockContention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := newLock(t, dir, KindWrite, 2*time.Second)
	b := newLock(t, dir, KindWrite, 2*time.Second)

	require.NoError(t, a.Acquire(ctx))

	var bAcquired atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := b.Acquire(ctx)
		bAcquired.Store(err == nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, bAcquired.Load(), "second writer must wait while the first holds the lock")

	require.NoError(t, a.Release(ctx))
	require.NoError(t, <-done)
	assert.True(t, bAcquired.Load())
	require.NoError(t, b.Release(ctx))
}

func TestWriteLockNeverDoubleHeld(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var holders atomic.Int32
	var maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := newLock(t, dir, KindWrite, 5*time.Second)
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			if err := l.Release(ctx); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestReadLockExcludesWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reader := newLock(t, dir, KindRead, time.Second)
	writer := newLock(t, dir, KindWrite, 100*time.Millisecond)

	require.NoError(t, reader.Acquire(ctx))

	start := time.Now()
	err := writer.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.LockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(dir, DefaultWriteLockName), "timed out writer must drop its write lock")

	require.NoError(t, reader.Release(ctx))

	writer2 := newLock(t, dir, KindWrite, time.Second)
	require.NoError(t, writer2.Acquire(ctx))
	require.NoError(t, writer2.Release(ctx))
}

func TestReadLockCounts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r1 := newLock(t, dir, KindRead, time.Second)
	r2 := newLock(t, dir, KindRead, time.Second)

	require.NoError(t, r1.Acquire(ctx))
	require.NoError(t, r2.Acquire(ctx))

	n, err := r1.ReadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, r1.Release(ctx))
	n, err = r2.ReadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A released handle cannot decrement again.
	require.NoError(t, r1.Release(ctx))
	n, err = r2.ReadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r2.Release(ctx))
	assert.NoFileExists(t, filepath.Join(dir, DefaultReadLockName))
}

func TestReaderWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writer := newLock(t, dir, KindWrite, time.Second)
	reader := newLock(t, dir, KindRead, 80*time.Millisecond)

	require.NoError(t, writer.Acquire(ctx))
	err := reader.Acquire(ctx)
	assert.True(t, errs.IsKind(err, errs.LockTimeout))
	assert.Equal(t, StateNew, reader.State())
	require.NoError(t, writer.Release(ctx))
}

// hookFS runs beforeWrite ahead of every WriteFile.
type hookFS struct {
	fsys.FS
	beforeWrite func(path string)
}

func (h hookFS) WriteFile(ctx context.Context, path string, data []byte) error {
	h.beforeWrite(path)
	return h.FS.WriteFile(ctx, path, data)
}

func TestReaderBacksOutWhenWriterSlipsIn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writer := newLock(t, dir, KindWrite, time.Second)
	readPath := filepath.Join(dir, DefaultReadLockName)

	var once sync.Once
	released := make(chan struct{})
	fs := hookFS{FS: fsys.NewLocal(), beforeWrite: func(path string) {
		if path != readPath {
			return
		}
		// The writer gets in between the reader's check and its increment.
		once.Do(func() {
			require.NoError(t, writer.Acquire(ctx))
			go func() {
				defer close(released)
				time.Sleep(100 * time.Millisecond)
				assert.NoFileExists(t, readPath, "reader must back out while the writer holds")
				assert.NoError(t, writer.Release(ctx))
			}()
		})
	}}
	reader, err := New(fs, dir, Config{Location: dir, Kind: KindRead, RetryTime: 10 * time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)

	require.NoError(t, reader.Acquire(ctx))
	<-released
	assert.NoFileExists(t, filepath.Join(dir, DefaultWriteLockName))
	n, err := reader.ReadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, reader.Release(ctx))
}

func TestForceDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Simulate a crashed run.
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultWriteLockName), []byte("dead-owner\n"), 0o644))

	l := newLock(t, dir, KindWrite, 50*time.Millisecond)
	assert.True(t, errs.IsKind(l.Acquire(ctx), errs.LockTimeout))

	require.NoError(t, l.ForceDelete(ctx))
	assert.Equal(t, StateNew, l.State())
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Release(ctx))

	// Force delete on an absent file is fine.
	require.NoError(t, l.ForceDelete(ctx))
}

func TestReleaseLeavesForeignWriteLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := newLock(t, dir, KindWrite, time.Second)
	require.NoError(t, l.Acquire(ctx))

	// Operator force-deleted and someone else took the lock.
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultWriteLockName), []byte("other\n"), 0o644))
	require.NoError(t, l.Release(ctx))
	assert.FileExists(t, filepath.Join(dir, DefaultWriteLockName))
}

func TestAcquireHonoursContext(t *testing.T) {
	dir := t.TempDir()
	holder := newLock(t, dir, KindWrite, time.Second)
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	waiter := newLock(t, dir, KindWrite, time.Minute)
	err := waiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "acquired", StateAcquired.String())
	assert.Equal(t, "released", StateReleased.String())
}
