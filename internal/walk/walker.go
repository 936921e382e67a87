// Package walk yields the files under a set of root directories.
//
// The traversal is depth-first over an explicit stack, so memory grows
// with the width of the tree rather than call depth. Directories are
// expanded in place and never yielded.
package walk

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// KeepFunc decides whether a path enters the walk. Returning false for a
// directory prunes its whole subtree.
type KeepFunc func(path string, isDir bool) bool

type entry struct {
	path  string
	isDir bool
}

// Walker is a lazy, finite, single-pass file sequence.
type Walker struct {
	roots  []string
	keep   KeepFunc
	logger *slog.Logger

	mu      sync.Mutex
	stack   []entry
	seeded  bool
	pending atomic.Int64
}

// New creates a Walker over roots. keep may be nil.
func New(roots []string, keep KeepFunc, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		if a, err := filepath.Abs(r); err == nil {
			abs = append(abs, a)
		}
	}
	return &Walker{roots: abs, keep: keep, logger: logger}
}

// Pending returns the number of entries staged on the stack but not yet
// visited. It never blocks.
func (w *Walker) Pending() int {
	return int(w.pending.Load())
}

// Next returns the next file path. ok is false once the walk is exhausted
// or ctx is done.
func (w *Walker) Next(ctx context.Context) (path string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		w.seeded = true
		// Reverse so the first root is visited first.
		for i := len(w.roots) - 1; i >= 0; i-- {
			w.push(entry{path: w.roots[i], isDir: true})
		}
	}

	for len(w.stack) > 0 {
		if ctx.Err() != nil {
			return "", false
		}

		e := w.pop()
		if !e.isDir {
			return e.path, true
		}
		w.expand(e.path)
	}
	return "", false
}

// All returns the remaining walk as an iterator.
func (w *Walker) All(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			p, ok := w.Next(ctx)
			if !ok || !yield(p) {
				return
			}
		}
	}
}

// expand pushes a directory's children. An unreadable directory is logged
// and skipped.
func (w *Walker) expand(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("walk_dir_unreadable",
			slog.String("path", dir),
			slog.String("error", err.Error()))
		return
	}

	for i := len(entries) - 1; i >= 0; i-- {
		de := entries[i]
		t := de.Type()
		var isDir bool
		switch {
		case t.IsDir():
			isDir = true
		case t.IsRegular():
			isDir = false
		default:
			// Symlinks, sockets and devices are not followed.
			continue
		}

		p := filepath.Join(dir, de.Name())
		if w.keep != nil && !w.keep(p, isDir) {
			continue
		}
		w.push(entry{path: p, isDir: isDir})
	}
}

func (w *Walker) push(e entry) {
	w.stack = append(w.stack, e)
	w.pending.Store(int64(len(w.stack)))
}

func (w *Walker) pop() entry {
	e := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	w.pending.Store(int64(len(w.stack)))
	return e
}
