// Package watch turns filesystem changes under the crawl roots into
// debounced re-crawl triggers.
//
// fsnotify watches directories, not trees, so every kept directory is
// added on start and new directories are added as they appear. Events are
// filtered with the same keep function as the crawl walker.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/imgscout/imgscout/internal/walk"
)

// DefaultDebounce is the quiet period used when Options.Debounce is zero.
const DefaultDebounce = 2 * time.Second

// Op is a filesystem change kind.
type Op int

// Change kinds.
const (
	OpCreate Op = iota
	OpModify
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one observed change.
type Event struct {
	Path  string
	Op    Op
	IsDir bool
}

// Handler receives each debounced batch. Batches are delivered one at a
// time; a slow handler delays the next batch.
type Handler func(ctx context.Context, events []Event)

// Options configures a Watcher.
type Options struct {
	Roots []string
	Keep  walk.KeepFunc
	// IgnoreFileName is the per-directory ignore file. A change to one
	// calls OnIgnoreChange before the event is delivered.
	IgnoreFileName string
	OnIgnoreChange func()
	Debounce       time.Duration
	Logger         *slog.Logger
}

// Watcher watches the crawl roots.
type Watcher struct {
	opts   Options
	fsw    *fsnotify.Watcher
	deb    *Debouncer
	logger *slog.Logger

	mu      sync.Mutex
	watched int
	closed  bool
}

// New creates a Watcher. Nothing is watched until Run.
func New(opts Options) (*Watcher, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("watch: no roots")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "watch"))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		opts:   opts,
		fsw:    fsw,
		deb:    NewDebouncer(opts.Debounce, 4, logger),
		logger: logger,
	}, nil
}

// Run watches until ctx is done, calling handle for each quiet period that
// followed at least one kept change.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	for _, root := range w.opts.Roots {
		w.addTree(root)
	}
	w.logger.Info("watch_started",
		slog.Int("directories", w.Watched()),
		slog.Duration("debounce", w.opts.Debounce))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for batch := range w.deb.Output() {
			if ctx.Err() != nil {
				continue
			}
			handle(ctx, batch)
		}
	}()
	defer func() {
		_ = w.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// Watched returns the number of directories registered with fsnotify.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.deb.Stop()
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	var op Op
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}

	isDir := false
	if info, err := os.Lstat(ev.Name); err == nil {
		isDir = info.IsDir()
	}

	if w.opts.IgnoreFileName != "" && filepath.Base(ev.Name) == w.opts.IgnoreFileName {
		if w.opts.OnIgnoreChange != nil {
			w.opts.OnIgnoreChange()
		}
		w.deb.Add(Event{Path: ev.Name, Op: op})
		return
	}

	// A removed path cannot be classified any more, so it always counts.
	gone := op == OpRemove || op == OpRename
	if !gone && w.opts.Keep != nil && !w.opts.Keep(ev.Name, isDir) {
		return
	}
	if isDir && op == OpCreate {
		w.addTree(ev.Name)
	}
	w.deb.Add(Event{Path: ev.Name, Op: op, IsDir: isDir})
}

// addTree registers root and every kept directory below it.
func (w *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("watch_dir_skipped", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.opts.Keep != nil && !w.opts.Keep(path, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch_add_failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		w.mu.Lock()
		w.watched++
		w.mu.Unlock()
		return nil
	})
}
