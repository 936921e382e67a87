package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgscout/imgscout/internal/logging"
)

func nextBatch(t *testing.T, ch <-chan []Event, within time.Duration) []Event {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(within):
		t.Fatalf("no batch within %v", within)
		return nil
	}
}

func TestDebouncer_SingleEventPassesThrough(t *testing.T) {
	// Given: a debouncer with a short window
	d := NewDebouncer(30*time.Millisecond, 1, logging.Discard())
	defer d.Stop()

	// When: one event is added
	d.Add(Event{Path: "/m/a.jpg", Op: OpCreate})

	// Then: it comes out after the window
	batch := nextBatch(t, d.Output(), time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreate, batch[0].Op)
}

func TestDebouncer_Coalescing(t *testing.T) {
	tests := []struct {
		name   string
		ops    []Op
		want   Op
		absent bool
	}{
		{"create then modify stays create", []Op{OpCreate, OpModify, OpModify}, OpCreate, false},
		{"create then remove cancels", []Op{OpCreate, OpRemove}, 0, true},
		{"modify then remove is remove", []Op{OpModify, OpRemove}, OpRemove, false},
		{"remove then create is modify", []Op{OpRemove, OpCreate}, OpModify, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(30*time.Millisecond, 1, logging.Discard())
			defer d.Stop()

			for _, op := range tt.ops {
				d.Add(Event{Path: "/m/x.jpg", Op: op})
			}
			// A second path guarantees a batch is emitted either way.
			d.Add(Event{Path: "/m/other.jpg", Op: OpModify})

			batch := nextBatch(t, d.Output(), time.Second)
			var found *Event
			for i := range batch {
				if batch[i].Path == "/m/x.jpg" {
					found = &batch[i]
				}
			}
			if tt.absent {
				assert.Nil(t, found)
				return
			}
			require.NotNil(t, found)
			assert.Equal(t, tt.want, found.Op)
		})
	}
}

func TestDebouncer_StopClosesOutput(t *testing.T) {
	d := NewDebouncer(time.Hour, 1, logging.Discard())
	d.Add(Event{Path: "/m/a.jpg", Op: OpCreate})

	d.Stop()
	d.Stop()
	d.Add(Event{Path: "/m/b.jpg", Op: OpCreate})

	_, ok := <-d.Output()
	assert.False(t, ok)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "unknown", Op(42).String())
}

func TestNew_RequiresRoots(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestWatcher_DeliversKeptChanges(t *testing.T) {
	// Given: a watched root that keeps only .jpg files and directories
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "existing"), 0o755))
	keep := func(path string, isDir bool) bool {
		return isDir || strings.HasSuffix(path, ".jpg")
	}
	w, err := New(Options{Roots: []string{root}, Keep: keep, Debounce: 50 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)

	batches := make(chan []Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, events []Event) { batches <- events })
	}()
	require.Eventually(t, func() bool { return w.Watched() == 2 }, 2*time.Second, 10*time.Millisecond)

	// When: a kept and an unkept file appear in a subdirectory
	kept := filepath.Join(root, "existing", "a.jpg")
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))

	// Then: one batch arrives holding only the kept file
	batch := nextBatch(t, batches, 3*time.Second)
	paths := make([]string, 0, len(batch))
	for _, ev := range batch {
		paths = append(paths, ev.Path)
	}
	assert.Contains(t, paths, kept)
	assert.NotContains(t, paths, filepath.Join(root, "existing", "notes.txt"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_IgnoreFileChangeCallsHook(t *testing.T) {
	root := t.TempDir()
	reloaded := make(chan struct{}, 4)
	w, err := New(Options{
		Roots:          []string{root},
		IgnoreFileName: ".imgscoutignore",
		OnIgnoreChange: func() { reloaded <- struct{}{} },
		Debounce:       20 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, func(context.Context, []Event) {}) }()
	require.Eventually(t, func() bool { return w.Watched() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".imgscoutignore"), []byte("*.tmp\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("ignore hook not called")
	}
}
