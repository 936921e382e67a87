// Package idalloc issues unique, strictly increasing record ids and
// persists the counter with debounced writes.
//
// The counter file holds the decimal string of the next id to hand out.
// Writes are coalesced: each allocation re-arms a short save timer, and an
// allocation made when the last write is older than the force interval
// writes synchronously instead. A crash loses at most the allocations of
// one save window, so the file alone can lag behind ids already stored.
// Owners call EnsureAbove with the highest stored id after opening.
package idalloc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/lock"
)

// Default persistence timings.
const (
	DefaultSaveDelay     = 100 * time.Millisecond
	DefaultForceInterval = 10 * time.Second
)

// ErrClosed is returned by operations on a closed Allocator.
var ErrClosed = errors.New("id allocator closed")

// Options configures an Allocator.
type Options struct {
	SaveDelay     time.Duration
	ForceInterval time.Duration
	Logger        *slog.Logger

	// now is overridden in tests.
	now func() time.Time
}

// Allocator owns one counter file. A second Allocator on the same file,
// in this or another process, fails to open.
type Allocator struct {
	path   string
	opts   Options
	lock   *lock.FileLock
	logger *slog.Logger

	mu        sync.Mutex
	loaded    bool
	next      uint64
	persisted uint64
	dirty     bool
	lastWrite time.Time
	timer     *time.Timer
	closed    bool
}

// New opens the allocator for path and takes ownership of it. The counter
// itself is loaded lazily on first use.
func New(path string, opts Options) (*Allocator, error) {
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.ForceInterval <= 0 {
		opts.ForceInterval = DefaultForceInterval
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := lock.New(path + ".lock")
	ok, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable,
			fmt.Sprintf("id counter %s is owned by another allocator", path), nil)
	}

	return &Allocator{
		path:   path,
		opts:   opts,
		lock:   l,
		logger: logger.With(slog.String("component", "idalloc")),
	}, nil
}

// Allocate returns the next id.
func (a *Allocator) Allocate(ctx context.Context) (uint64, error) {
	ids, err := a.AllocateMany(ctx, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AllocateMany returns n contiguous ids.
func (a *Allocator) AllocateMany(ctx context.Context, n int) ([]uint64, error) {
	if n < 0 {
		return nil, scouterrors.ValidationError(scouterrors.ErrCodeInvalidRecord,
			fmt.Sprintf("cannot allocate %d ids", n))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = a.next
		a.next++
	}
	if n > 0 {
		if err := a.scheduleLocked(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Peek returns the id the next allocation would return.
func (a *Allocator) Peek(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	return a.next, nil
}

// Persisted returns the counter value last written to disk.
func (a *Allocator) Persisted() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persisted
}

// EnsureAbove moves the counter past id when it is not already, and
// persists the new value synchronously.
func (a *Allocator) EnsureAbove(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureLoadedLocked(); err != nil {
		return err
	}
	if a.next > id {
		return nil
	}
	a.logger.Warn("id_counter_behind_stores",
		slog.Uint64("counter", a.next),
		slog.Uint64("max_stored_id", id))
	a.next = id + 1
	a.stopTimerLocked()
	return a.writeLocked()
}

// Reset sets the counter to 0 and persists it synchronously.
func (a *Allocator) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.loaded = true
	a.next = 0
	a.stopTimerLocked()
	return a.writeLocked()
}

// Flush writes pending allocations now.
func (a *Allocator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return nil
	}
	a.stopTimerLocked()
	return a.writeLocked()
}

// Close flushes pending allocations and releases the counter file.
// Safe to call more than once.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.stopTimerLocked()

	var err error
	if a.dirty {
		err = a.writeLocked()
	}
	return errors.Join(err, a.lock.Unlock())
}

func (a *Allocator) ensureLoadedLocked() error {
	if a.closed {
		return ErrClosed
	}
	if a.loaded {
		return nil
	}

	data, err := os.ReadFile(a.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.next = 0
		if err := a.writeLocked(); err != nil {
			return err
		}
	case err != nil:
		return scouterrors.New(scouterrors.ErrCodeDataDirUnavailable,
			fmt.Sprintf("failed to read id counter %s", a.path), err)
	default:
		text := strings.TrimSpace(string(data))
		n, perr := strconv.ParseUint(text, 10, 64)
		if perr != nil {
			return scouterrors.New(scouterrors.ErrCodeCorruptFile,
				fmt.Sprintf("id counter %s holds %q", a.path, text), perr)
		}
		a.next = n
		a.persisted = n
		a.lastWrite = a.opts.now()
	}

	a.loaded = true
	a.logger.Debug("id_counter_loaded", slog.Uint64("next", a.next))
	return nil
}

// scheduleLocked implements the two-timer policy.
func (a *Allocator) scheduleLocked() error {
	a.dirty = true
	if a.opts.now().Sub(a.lastWrite) >= a.opts.ForceInterval {
		a.stopTimerLocked()
		return a.writeLocked()
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.opts.SaveDelay, a.onTimer)
	return nil
}

func (a *Allocator) onTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.dirty {
		return
	}
	a.timer = nil
	if err := a.writeLocked(); err != nil {
		a.logger.Error("id_counter_save_failed",
			slog.String("path", a.path),
			slog.String("error", err.Error()))
	}
}

func (a *Allocator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// writeLocked replaces the counter file atomically.
func (a *Allocator) writeLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(a.path), filepath.Base(a.path)+".tmp*")
	if err != nil {
		return scouterrors.New(scouterrors.ErrCodeStoreFailed, "failed to write id counter", err)
	}
	tmpPath := tmp.Name()

	_, werr := tmp.WriteString(strconv.FormatUint(a.next, 10))
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return scouterrors.New(scouterrors.ErrCodeStoreFailed, "failed to write id counter", err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		_ = os.Remove(tmpPath)
		return scouterrors.New(scouterrors.ErrCodeStoreFailed, "failed to replace id counter", err)
	}

	a.persisted = a.next
	a.dirty = false
	a.lastWrite = a.opts.now()
	return nil
}
