package idalloc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newAllocator(t *testing.T, path string, opts Options) *Allocator {
	t.Helper()
	opts.Logger = logging.Discard()
	a, err := New(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func readCounter(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// crash drops the allocator without flushing, as a killed process would.
func crash(a *Allocator) {
	a.mu.Lock()
	a.closed = true
	a.stopTimerLocked()
	a.mu.Unlock()
	_ = a.lock.Unlock()
}

func TestAllocator_MissingFileStartsAtZeroAndIsWritten(t *testing.T) {
	// Given: no counter file
	path := filepath.Join(t.TempDir(), "nextid.txt")
	a := newAllocator(t, path, Options{SaveDelay: time.Hour})

	// When: allocating the first id
	id, err := a.Allocate(context.Background())

	// Then: ids start at 0 and the file was created on load
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, "0", readCounter(t, path))
}

func TestAllocator_IdsAreDistinctAndIncreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	a := newAllocator(t, path, Options{})
	ctx := context.Background()

	var got []uint64
	for i := 0; i < 5; i++ {
		id, err := a.Allocate(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	many, err := a.AllocateMany(ctx, 3)
	require.NoError(t, err)
	got = append(got, many...)

	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

func TestAllocator_ConcurrentAllocationsAreUnique(t *testing.T) {
	a := newAllocator(t, filepath.Join(t.TempDir(), "nextid.txt"), Options{})

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := a.Allocate(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %d", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 800)
}

func TestAllocator_DebouncedWriteLandsAfterDelay(t *testing.T) {
	// Given: a short save delay
	path := filepath.Join(t.TempDir(), "nextid.txt")
	a := newAllocator(t, path, Options{SaveDelay: 20 * time.Millisecond, ForceInterval: time.Hour})
	ctx := context.Background()

	// When: allocating a burst
	_, err := a.AllocateMany(ctx, 10)
	require.NoError(t, err)

	// Then: the write is deferred, then lands
	assert.Equal(t, "0", readCounter(t, path))
	assert.Eventually(t, func() bool {
		return readCounter(t, path) == "10"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAllocator_ForceIntervalWritesSynchronously(t *testing.T) {
	// Given: a save delay that never fires during the test
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	path := filepath.Join(t.TempDir(), "nextid.txt")
	a := newAllocator(t, path, Options{SaveDelay: time.Hour, ForceInterval: 10 * time.Second, now: clock.Now})
	ctx := context.Background()

	_, err := a.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", readCounter(t, path))

	// When: the force interval has passed since the last write
	clock.Advance(11 * time.Second)
	_, err = a.Allocate(ctx)
	require.NoError(t, err)

	// Then: the allocation persisted synchronously
	assert.Equal(t, "2", readCounter(t, path))
	assert.Equal(t, uint64(2), a.Persisted())
}

func TestAllocator_ResumesFromPersistedValueAfterCrash(t *testing.T) {
	// Given: some ids persisted, then more allocated inside a save window
	path := filepath.Join(t.TempDir(), "nextid.txt")
	ctx := context.Background()
	a, err := New(path, Options{SaveDelay: time.Hour, ForceInterval: time.Hour, Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = a.AllocateMany(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	_, err = a.AllocateMany(ctx, 3)
	require.NoError(t, err)

	// When: the process dies before the deferred write
	crash(a)
	b := newAllocator(t, path, Options{})
	next, err := b.Allocate(ctx)

	// Then: ids resume at the persisted value, never below it
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)
}

func TestAllocator_CloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	a, err := New(path, Options{SaveDelay: time.Hour, ForceInterval: time.Hour, Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = a.AllocateMany(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, a.Close())

	assert.Equal(t, "7", readCounter(t, path))
	_, err = a.Allocate(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, a.Close())
}

func TestAllocator_ResetPersistsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	require.NoError(t, os.WriteFile(path, []byte("41\n"), 0o644))
	a := newAllocator(t, path, Options{SaveDelay: time.Hour})
	ctx := context.Background()

	id, err := a.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), id)

	require.NoError(t, a.Reset(ctx))

	assert.Equal(t, "0", readCounter(t, path))
	id, err = a.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestAllocator_MalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	require.NoError(t, os.WriteFile(path, []byte("forty-two"), 0o644))
	a := newAllocator(t, path, Options{})

	_, err := a.Allocate(context.Background())

	require.Error(t, err)
	assert.Equal(t, scouterrors.ErrCodeCorruptFile, scouterrors.GetCode(err))
	assert.Equal(t, "forty-two", readCounter(t, path), "file must not be reset")
}

func TestAllocator_SecondOwnerRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	_ = newAllocator(t, path, Options{})

	_, err := New(path, Options{Logger: logging.Discard()})

	require.Error(t, err)
	assert.Equal(t, scouterrors.ErrCodeDataDirUnavailable, scouterrors.GetCode(err))
}

func TestAllocator_AllocateManyEdgeCases(t *testing.T) {
	a := newAllocator(t, filepath.Join(t.TempDir(), "nextid.txt"), Options{})
	ctx := context.Background()

	ids, err := a.AllocateMany(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = a.AllocateMany(ctx, -1)
	assert.Error(t, err)

	next, err := a.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestAllocator_EnsureAboveSkipsStoredIDs(t *testing.T) {
	// Given: a counter file that lags behind ids already stored elsewhere
	path := filepath.Join(t.TempDir(), "nextid.txt")
	require.NoError(t, os.WriteFile(path, []byte("3"), 0o644))
	a := newAllocator(t, path, Options{SaveDelay: time.Hour, ForceInterval: time.Hour})
	ctx := context.Background()

	// When: raising it past the highest stored id
	require.NoError(t, a.EnsureAbove(ctx, 9))

	// Then: the next id is fresh and the new counter is already on disk
	assert.Equal(t, "10", readCounter(t, path))
	id, err := a.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), id)
}

func TestAllocator_EnsureAboveNeverLowers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nextid.txt")
	require.NoError(t, os.WriteFile(path, []byte("20"), 0o644))
	a := newAllocator(t, path, Options{})
	ctx := context.Background()

	require.NoError(t, a.EnsureAbove(ctx, 19))
	require.NoError(t, a.EnsureAbove(ctx, 5))

	id, err := a.Allocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), id)
}
