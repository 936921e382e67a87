package vecindex

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
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

type countingObserver struct {
	mu      sync.Mutex
	reindex int
	saves   int
}

func (o *countingObserver) Reindexed(int, time.Duration) {
	o.mu.Lock()
	o.reindex++
	o.mu.Unlock()
}

func (o *countingObserver) Saved(int, time.Duration) {
	o.mu.Lock()
	o.saves++
	o.mu.Unlock()
}

func newIndex(t *testing.T, name string, opts Options) *Index {
	t.Helper()
	opts.Logger = logging.Discard()
	x, err := New(filepath.Join(t.TempDir(), name), opts)
	require.NoError(t, err)
	return x
}

func reopen(t *testing.T, x *Index) *Index {
	t.Helper()
	y, err := New(x.Path(), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, y.Load(context.Background()))
	return y
}

func mirrorOf(t *testing.T, x *Index) map[uint64][]float32 {
	t.Helper()
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[uint64][]float32, len(x.mirror))
	for id, v := range x.mirror {
		out[id] = v
	}
	return out
}

func TestNew_RejectsUnknownExtension(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "vectors.bin"), Options{})

	require.Error(t, err)
	assert.Equal(t, scouterrors.ErrCodeConfigInvalid, scouterrors.GetCode(err))
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path string
		want Format
		gz   bool
	}{
		{"vecindex.jsonl", FormatJSONL, false},
		{"vecindex.jsonl.gz", FormatJSONL, true},
		{"vecindex.tsv", FormatTSV, false},
		{"VECINDEX.TSV.GZ", FormatTSV, true},
		{"vecindex.csv", FormatTSV, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f, gz, err := formatFor(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.gz, gz)
		})
	}
}

func TestIndex_LoadMissingFileCreatesIt(t *testing.T) {
	x := newIndex(t, "vecindex.jsonl.gz", Options{})

	require.NoError(t, x.Load(context.Background()))
	require.NoError(t, x.Load(context.Background()))

	assert.FileExists(t, x.Path())
	assert.Equal(t, 0, x.Len())
}

func TestIndex_RoundTripAllFormats(t *testing.T) {
	for _, name := range []string{"v.jsonl", "v.jsonl.gz", "v.tsv", "v.tsv.gz"} {
		t.Run(name, func(t *testing.T) {
			// Given: entries added across two calls, so gzip logs hold two members
			x := newIndex(t, name, Options{})
			ctx := context.Background()
			require.NoError(t, x.Add(ctx, Entry{ID: 1, Vector: []float32{1, 0, 0}}, Entry{ID: 2, Vector: []float32{0, 1, 0}}))
			require.NoError(t, x.Add(ctx, Entry{ID: 7, Vector: []float32{0.25, 0.5, -1.5}}))

			// When: reloading from the appended log, then after a full save
			fromLog := reopen(t, x)
			saved, err := x.Save(ctx)
			require.NoError(t, err)
			require.True(t, saved)
			fromSave := reopen(t, x)

			// Then: both reconstruct the same mirror
			want := mirrorOf(t, x)
			assert.Equal(t, want, mirrorOf(t, fromLog))
			assert.Equal(t, want, mirrorOf(t, fromSave))
			assert.Len(t, want, 3)
		})
	}
}

func TestIndex_LaterLinesReplaceEarlier(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{})
	ctx := context.Background()

	require.NoError(t, x.Add(ctx, Entry{ID: 3, Vector: []float32{1, 1}}))
	require.NoError(t, x.Add(ctx, Entry{ID: 3, Vector: []float32{2, 2}}))

	assert.Equal(t, 1, x.Len())
	y := reopen(t, x)
	assert.Equal(t, map[uint64][]float32{3: {2, 2}}, mirrorOf(t, y))
}

func TestIndex_QueryOrdersByDistance(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{Metric: "l2"})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx,
		Entry{ID: 10, Vector: []float32{0, 0}},
		Entry{ID: 11, Vector: []float32{1, 0}},
		Entry{ID: 12, Vector: []float32{5, 5}},
	))

	results, err := x.Query(ctx, []float32{0.9, 0}, 2)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(11), results[0].ID)
	assert.Equal(t, uint64(10), results[1].ID)
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)
}

func TestIndex_QueryCosineFindsDirection(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx,
		Entry{ID: 1, Vector: []float32{10, 0}},
		Entry{ID: 2, Vector: []float32{0, 3}},
	))

	results, err := x.Query(ctx, []float32{0, 100}, 1)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), results[0].ID)
}

func TestIndex_AddValidates(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{})
	ctx := context.Background()

	err := x.Add(ctx, Entry{ID: 1})
	assert.Equal(t, scouterrors.ErrCodeInvalidVector, scouterrors.GetCode(err))

	err = x.Add(ctx, Entry{ID: 1, Vector: []float32{1, 2}}, Entry{ID: 2, Vector: []float32{1, 2, 3}})
	assert.Equal(t, scouterrors.ErrCodeDimensionMismatch, scouterrors.GetCode(err))
	assert.Equal(t, 0, x.Len(), "a rejected batch adds nothing")

	_, err = x.Query(ctx, []float32{1}, 1)
	assert.NoError(t, err, "empty index answers any query with no results")
}

func TestIndex_RemoveIsIdempotentAndFilteredWhileThrottled(t *testing.T) {
	// Given: a throttled index whose first rebuild already happened on load
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	obs := &countingObserver{}
	x := newIndex(t, "v.jsonl", Options{MinInterval: time.Minute, Metric: "l2", Clock: clock.Now, Observer: obs})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx,
		Entry{ID: 1, Vector: []float32{0, 0}},
		Entry{ID: 2, Vector: []float32{1, 1}},
	))
	require.True(t, x.Reindex())

	// When: removing within the throttle window
	require.NoError(t, x.Remove(ctx, 1, 99))
	require.NoError(t, x.Remove(ctx, 1))

	// Then: the graph was not rebuilt, yet the removed id never surfaces
	assert.Equal(t, 2, x.Stats().GraphNodes)
	results, err := x.Query(ctx, []float32{0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), results[0].ID)
	assert.Equal(t, []uint64{2}, mustIDs(t, x))

	// And: once the window passes, the next remove rebuilds
	clock.Advance(time.Minute)
	require.NoError(t, x.Remove(ctx))
	assert.Equal(t, 1, x.Stats().GraphNodes)
	obs.mu.Lock()
	assert.Equal(t, 3, obs.reindex, "load, explicit reindex, post-window remove")
	obs.mu.Unlock()
}

func mustIDs(t *testing.T, x *Index) []uint64 {
	t.Helper()
	ids, err := x.IDs(context.Background())
	require.NoError(t, err)
	return ids
}

func TestIndex_ReindexAndSaveThrottledIndependently(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	x := newIndex(t, "v.jsonl", Options{MinInterval: 10 * time.Second, Clock: clock.Now})
	ctx := context.Background()
	require.NoError(t, x.Load(ctx))

	assert.True(t, x.Reindex())
	assert.False(t, x.Reindex())

	saved, err := x.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved, "save has its own window")
	saved, err = x.Save(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	clock.Advance(10 * time.Second)
	assert.True(t, x.Reindex())
	saved, err = x.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestIndex_ZeroIntervalDisablesThrottle(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{MinInterval: 0})
	require.NoError(t, x.Load(context.Background()))

	for i := 0; i < 3; i++ {
		assert.True(t, x.Reindex())
		saved, err := x.Save(context.Background())
		require.NoError(t, err)
		assert.True(t, saved)
	}
}

func TestIndex_FlushIgnoresThrottle(t *testing.T) {
	// Given: a removal whose save was throttled
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	x := newIndex(t, "v.jsonl", Options{MinInterval: time.Hour, Clock: clock.Now})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx, Entry{ID: 1, Vector: []float32{1}}, Entry{ID: 2, Vector: []float32{2}}))
	_, err := x.Save(ctx)
	require.NoError(t, err)
	require.NoError(t, x.Remove(ctx, 1))
	saved, err := x.Save(ctx)
	require.NoError(t, err)
	require.False(t, saved)

	// When: flushing
	require.NoError(t, x.Flush(ctx))

	// Then: the persisted log reflects the removal
	y := reopen(t, x)
	assert.Equal(t, []uint64{2}, mustIDs(t, y))
	assert.False(t, x.Stats().Dirty)
}

func TestIndex_TruncatedGzipTailKeepsEarlierMembers(t *testing.T) {
	// Given: a gzip log whose last member was cut off mid-write
	x := newIndex(t, "v.jsonl.gz", Options{})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx, Entry{ID: 1, Vector: []float32{1, 2}}))

	var member bytes.Buffer
	zw := gzip.NewWriter(&member)
	_, err := zw.Write([]byte(strings.Repeat(`{"id":2,"vector":[3,4]}`+"\n", 200)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	f, err := os.OpenFile(x.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(member.Bytes()[:member.Len()/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// When: loading
	y := reopen(t, x)

	// Then: the intact member survives
	assert.Contains(t, mustIDs(t, y), uint64(1))
	assert.True(t, y.Stats().Dirty)
}

func TestIndex_MalformedLinesAreSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.tsv")
	require.NoError(t, os.WriteFile(path, []byte("1\t0.5\t0.5\nnot-a-number\t1\n2\t1\t0\n3\n"), 0o644))
	x, err := New(path, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	require.NoError(t, x.Load(context.Background()))

	assert.Equal(t, []uint64{1, 2}, mustIDs(t, x))
	assert.Equal(t, 2, x.Dimensions())
}

func TestIndex_ConcurrentAddAndQuery(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{MinInterval: 0})
	ctx := context.Background()
	require.NoError(t, x.Add(ctx, Entry{ID: 0, Vector: []float32{1, 0, 0, 0}}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				id := uint64(w*100 + i)
				assert.NoError(t, x.Add(ctx, Entry{ID: id, Vector: []float32{float32(w), float32(i), 1, 0}}))
				_, err := x.Query(ctx, []float32{1, 1, 1, 1}, 3)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 101, x.Len())
}

func TestIndex_MaxID(t *testing.T) {
	x := newIndex(t, "v.jsonl", Options{})
	ctx := context.Background()

	_, ok, err := x.MaxID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, x.Add(ctx, Entry{ID: 4, Vector: []float32{1}}, Entry{ID: 11, Vector: []float32{2}}, Entry{ID: 2, Vector: []float32{3}}))
	require.NoError(t, x.Remove(ctx, 11))

	id, ok, err := x.MaxID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), id)
}
