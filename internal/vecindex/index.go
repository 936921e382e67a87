// Package vecindex is the append-only vector log with an in-memory HNSW
// graph for k-nearest-neighbor queries.
//
// The backing file is a log of (id, vector) lines; on load, later lines
// for an id replace earlier ones. The mirror holds at most one vector per
// id and is the source of truth for the graph. Adds are inserted into the
// graph incrementally. Removes require a full rebuild, which is throttled
// together with full rewrites of the log, so removed ids may linger in the
// graph until the next rebuild; queries filter them out.
package vecindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// DefaultMinInterval is the default throttle for rebuilds and saves.
const DefaultMinInterval = 10 * time.Second

// Entry is one (id, vector) pair.
type Entry struct {
	ID     uint64
	Vector []float32
}

// Result is one query hit.
type Result struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// Observer receives timing for the expensive operations.
type Observer interface {
	Reindexed(entries int, took time.Duration)
	Saved(entries int, took time.Duration)
}

// Options configures an Index.
type Options struct {
	// MinInterval throttles Reindex and Save independently. Zero disables
	// throttling.
	MinInterval time.Duration
	// Metric is "cos" (default) or "l2".
	Metric   string
	Logger   *slog.Logger
	Observer Observer

	// Clock is overridden in tests.
	Clock func() time.Time
}

// Index owns the backing file, the mirror and the graph.
type Index struct {
	path   string
	format Format
	gz     bool
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	loaded bool
	dims   int
	mirror map[uint64][]float32

	// The graph is keyed by generation keys so a replaced or removed id
	// can be orphaned without deleting graph nodes.
	graph   *hnsw.Graph[uint64]
	nextKey uint64
	keyToID map[uint64]uint64
	idToKey map[uint64]uint64

	dirty         bool
	reindexGate   throttle
	saveGate      throttle
	lastRebuildAt time.Time
}

// New creates an Index over path. The file is read lazily.
func New(path string, opts Options) (*Index, error) {
	format, gz, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	switch opts.Metric {
	case "":
		opts.Metric = "cos"
	case "cos", "l2":
	default:
		return nil, scouterrors.ConfigError(fmt.Sprintf("unknown vector metric %q", opts.Metric), nil)
	}
	if opts.MinInterval < 0 {
		return nil, scouterrors.ConfigError("vector index min interval must not be negative", nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Index{
		path:        path,
		format:      format,
		gz:          gz,
		opts:        opts,
		logger:      logger.With(slog.String("component", "vecindex")),
		mirror:      make(map[uint64][]float32),
		reindexGate: throttle{interval: opts.MinInterval, now: opts.Clock},
		saveGate:    throttle{interval: opts.MinInterval, now: opts.Clock},
	}, nil
}

// Path returns the backing file path.
func (x *Index) Path() string { return x.path }

// Load reads the backing file into the mirror and builds the graph. A
// missing file is created empty. Loading twice is a no-op.
func (x *Index) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loadLocked()
}

func (x *Index) loadLocked() error {
	if x.loaded {
		return nil
	}
	start := time.Now()

	f, err := os.Open(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
			return scouterrors.StoreError("failed to create vector index directory", err)
		}
		if err := os.WriteFile(x.path, nil, 0o644); err != nil {
			return scouterrors.StoreError("failed to create vector index", err)
		}
		x.loaded = true
		x.rebuildLocked()
		return nil
	}
	if err != nil {
		return scouterrors.StoreError("failed to open vector index", err)
	}
	defer f.Close()

	mirror := make(map[uint64][]float32)
	dims := 0
	mismatched := 0
	stats, err := readEntries(f, x.format, x.gz, func(e Entry) {
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			mismatched++
			return
		}
		mirror[e.ID] = e.Vector
	})
	if err != nil {
		return err
	}
	if stats.Malformed > 0 || stats.Truncated || mismatched > 0 {
		x.logger.Warn("vector_log_damaged",
			slog.String("path", x.path),
			slog.Int("malformed_lines", stats.Malformed),
			slog.Int("dimension_mismatches", mismatched),
			slog.Bool("truncated", stats.Truncated))
		x.dirty = true
	}

	x.mirror = mirror
	x.dims = dims
	x.loaded = true
	x.rebuildLocked()

	x.logger.Info("vector_index_loaded",
		slog.String("path", x.path),
		slog.Int("entries", len(mirror)),
		slog.Int("lines", stats.Lines),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Query returns up to k entries ordered by increasing distance.
func (x *Index) Query(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if err := x.Load(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if k <= 0 || len(x.mirror) == 0 {
		return []Result{}, nil
	}
	if len(vector) != x.dims {
		return nil, dimensionError(x.dims, len(vector))
	}

	q := x.prepare(vector)
	// Orphaned nodes still occupy graph slots; ask for enough to cover them.
	want := min(k+x.graph.Len()-len(x.mirror), x.graph.Len())
	nodes := x.graph.Search(q, want)

	results := make([]Result, 0, min(k, len(nodes)))
	for _, n := range nodes {
		id, ok := x.keyToID[n.Key]
		if !ok {
			continue
		}
		if _, live := x.mirror[id]; !live {
			continue
		}
		results = append(results, Result{ID: id, Distance: x.graph.Distance(q, n.Value)})
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Add appends entries to the log, the mirror and the live graph. An id
// that is already present is replaced.
func (x *Index) Add(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.loadLocked(); err != nil {
		return err
	}

	dims := x.dims
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return scouterrors.ValidationError(scouterrors.ErrCodeInvalidVector,
				fmt.Sprintf("vector for id %d is empty", e.ID))
		}
		for _, v := range e.Vector {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return scouterrors.ValidationError(scouterrors.ErrCodeInvalidVector,
					fmt.Sprintf("vector for id %d is not finite", e.ID))
			}
		}
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			return dimensionError(dims, len(e.Vector))
		}
	}

	if err := x.appendLocked(entries); err != nil {
		return err
	}

	x.dims = dims
	for _, e := range entries {
		vec := slices.Clone(e.Vector)
		if _, exists := x.mirror[e.ID]; exists {
			x.dirty = true
		}
		x.mirror[e.ID] = vec
		x.insertLocked(e.ID, vec)
	}
	return nil
}

// Remove drops ids from the mirror and then rebuilds the graph, subject
// to the rebuild throttle. Unknown ids are ignored.
func (x *Index) Remove(ctx context.Context, ids ...uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.loadLocked(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := x.mirror[id]; ok {
			delete(x.mirror, id)
			x.dirty = true
		}
	}
	x.reindexLocked()
	return nil
}

// Reindex rebuilds the graph from the mirror. It returns false when the
// call was throttled.
func (x *Index) Reindex() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.loaded {
		return false
	}
	return x.reindexLocked()
}

func (x *Index) reindexLocked() bool {
	if !x.reindexGate.allow() {
		return false
	}
	x.rebuildLocked()
	return true
}

// Save rewrites the log from the mirror. It returns false when the call
// was throttled.
func (x *Index) Save(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.loadLocked(); err != nil {
		return false, err
	}
	if !x.saveGate.allow() {
		return false, nil
	}
	return true, x.rewriteLocked()
}

// Flush rewrites the log if it differs from the mirror, ignoring the
// throttle, and rebuilds a stale graph.
func (x *Index) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.loaded {
		return nil
	}
	if x.graph.Len() != len(x.mirror) {
		x.rebuildLocked()
	}
	if !x.dirty {
		return nil
	}
	return x.rewriteLocked()
}

// Len returns the number of entries in the mirror.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.mirror)
}

// Dimensions returns the vector length, or 0 when empty.
func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dims
}

// IDs returns the ids in the mirror in ascending order.
func (x *Index) IDs(ctx context.Context) ([]uint64, error) {
	if err := x.Load(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]uint64, 0, len(x.mirror))
	for id := range x.mirror {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// MaxID returns the highest stored id. ok is false when the index is empty.
func (x *Index) MaxID(ctx context.Context) (id uint64, ok bool, err error) {
	if err := x.Load(ctx); err != nil {
		return 0, false, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	for k := range x.mirror {
		if !ok || k > id {
			id, ok = k, true
		}
	}
	return id, ok, nil
}

// Stats describes the graph against the mirror.
type Stats struct {
	Entries    int       `json:"entries"`
	GraphNodes int       `json:"graph_nodes"`
	Dimensions int       `json:"dimensions"`
	Dirty      bool      `json:"dirty"`
	LastBuild  time.Time `json:"last_build"`
}

// Stats returns a snapshot.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := Stats{
		Entries:    len(x.mirror),
		Dimensions: x.dims,
		Dirty:      x.dirty,
		LastBuild:  x.lastRebuildAt,
	}
	if x.graph != nil {
		s.GraphNodes = x.graph.Len()
	}
	return s
}

func (x *Index) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	if x.opts.Metric == "l2" {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	return g
}

// rebuildLocked replaces the graph with one built from the mirror.
func (x *Index) rebuildLocked() {
	start := time.Now()

	x.graph = x.newGraph()
	x.keyToID = make(map[uint64]uint64, len(x.mirror))
	x.idToKey = make(map[uint64]uint64, len(x.mirror))

	ids := make([]uint64, 0, len(x.mirror))
	for id := range x.mirror {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		x.insertLocked(id, x.mirror[id])
	}

	x.lastRebuildAt = x.opts.Clock()
	took := time.Since(start)
	x.logger.Debug("vector_graph_rebuilt", slog.Int("entries", len(ids)), slog.Duration("took", took))
	if x.opts.Observer != nil {
		x.opts.Observer.Reindexed(len(ids), took)
	}
}

func (x *Index) insertLocked(id uint64, vec []float32) {
	if old, ok := x.idToKey[id]; ok {
		delete(x.keyToID, old)
	}
	key := x.nextKey
	x.nextKey++
	x.graph.Add(hnsw.MakeNode(key, x.prepare(vec)))
	x.keyToID[key] = id
	x.idToKey[id] = key
}

// prepare returns the vector as stored in the graph.
func (x *Index) prepare(vec []float32) []float32 {
	out := slices.Clone(vec)
	if x.opts.Metric == "cos" {
		normalize(out)
	}
	return out
}

func (x *Index) appendLocked(entries []Entry) error {
	f, err := os.OpenFile(x.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return scouterrors.StoreError("failed to open vector index for append", err)
	}
	werr := writeEntries(f, x.format, x.gz, entries)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return scouterrors.StoreError("failed to append to vector index", err)
	}
	return nil
}

// rewriteLocked replaces the backing file with the mirror, atomically.
func (x *Index) rewriteLocked() error {
	start := time.Now()

	entries := make([]Entry, 0, len(x.mirror))
	for id, vec := range x.mirror {
		entries = append(entries, Entry{ID: id, Vector: vec})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	tmp, err := os.CreateTemp(filepath.Dir(x.path), filepath.Base(x.path)+".tmp*")
	if err != nil {
		return scouterrors.StoreError("failed to create vector index temp file", err)
	}
	tmpPath := tmp.Name()

	werr := writeEntries(tmp, x.format, x.gz, entries)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return scouterrors.StoreError("failed to write vector index", err)
	}
	if err := os.Rename(tmpPath, x.path); err != nil {
		_ = os.Remove(tmpPath)
		return scouterrors.StoreError("failed to replace vector index", err)
	}

	x.dirty = false
	took := time.Since(start)
	x.logger.Debug("vector_index_saved", slog.Int("entries", len(entries)), slog.Duration("took", took))
	if x.opts.Observer != nil {
		x.opts.Observer.Saved(len(entries), took)
	}
	return nil
}

func dimensionError(want, got int) error {
	return scouterrors.ValidationError(scouterrors.ErrCodeDimensionMismatch,
		fmt.Sprintf("vector has %d dimensions, index has %d", got, want))
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// throttle admits at most one call per interval. A zero interval admits
// every call.
type throttle struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

func (t *throttle) allow() bool {
	if t.interval <= 0 {
		return true
	}
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
