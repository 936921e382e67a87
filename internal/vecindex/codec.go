package vecindex

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// Format is the line encoding of the backing file.
type Format int

const (
	// FormatJSONL encodes each entry as {"id":N,"vector":[...]}.
	FormatJSONL Format = iota
	// FormatTSV encodes each entry as id<TAB>v0<TAB>v1...
	FormatTSV
)

func (f Format) String() string {
	if f == FormatTSV {
		return "tsv"
	}
	return "jsonl"
}

// formatFor derives the encoding and compression from a file name.
func formatFor(path string) (Format, bool, error) {
	name := strings.ToLower(filepath.Base(path))
	gz := strings.HasSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".gz")

	switch filepath.Ext(name) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, gz, nil
	case ".tsv", ".csv":
		return FormatTSV, gz, nil
	}
	return 0, false, scouterrors.ConfigError(
		fmt.Sprintf("vector index file %q must end in .jsonl or .tsv (optionally .gz)", path), nil).
		WithSuggestion("Set vector_index.file to e.g. vecindex.jsonl.gz")
}

type jsonEntry struct {
	ID     uint64    `json:"id"`
	Vector []float32 `json:"vector"`
}

func encodeLine(w *bufio.Writer, f Format, e Entry) error {
	if f == FormatJSONL {
		b, err := json.Marshal(jsonEntry{ID: e.ID, Vector: e.Vector})
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}

	if _, err := w.WriteString(strconv.FormatUint(e.ID, 10)); err != nil {
		return err
	}
	for _, v := range e.Vector {
		if err := w.WriteByte('\t'); err != nil {
			return err
		}
		if _, err := w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32)); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

func decodeLine(f Format, line string) (Entry, error) {
	if f == FormatJSONL {
		var je jsonEntry
		if err := json.Unmarshal([]byte(line), &je); err != nil {
			return Entry{}, err
		}
		return Entry{ID: je.ID, Vector: je.Vector}, nil
	}

	fields := strings.Split(line, "\t")
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("bad id %q: %w", fields[0], err)
	}
	vec := make([]float32, 0, len(fields)-1)
	for _, s := range fields[1:] {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Entry{}, fmt.Errorf("bad component %q: %w", s, err)
		}
		vec = append(vec, float32(v))
	}
	return Entry{ID: id, Vector: vec}, nil
}

// writeEntries encodes entries to w, gzip-compressed when gz is set.
// For gzip each call produces one complete member, so appended members
// concatenate into a valid multistream file.
func writeEntries(w io.Writer, f Format, gz bool, entries []Entry) error {
	var zw *gzip.Writer
	if gz {
		zw = gzip.NewWriter(w)
		w = zw
	}
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if err := encodeLine(bw, f, e); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

// readStats reports what a read skipped.
type readStats struct {
	Lines     int
	Malformed int
	Truncated bool
}

// readEntries streams entries from r to fn. Malformed lines are counted
// and skipped. A truncated tail, as left by a crash mid-append, ends the
// read without error.
func readEntries(r io.Reader, f Format, gz bool, fn func(Entry)) (readStats, error) {
	var stats readStats
	if gz {
		br := bufio.NewReader(r)
		if _, err := br.Peek(1); errors.Is(err, io.EOF) {
			return stats, nil
		}
		zr, err := gzip.NewReader(br)
		if err != nil {
			return stats, scouterrors.New(scouterrors.ErrCodeCorruptFile, "vector index is not gzip data", err)
		}
		defer zr.Close()
		r = zr
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Lines++
		e, err := decodeLine(f, line)
		if err != nil || len(e.Vector) == 0 {
			stats.Malformed++
			continue
		}
		fn(e)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			stats.Truncated = true
			return stats, nil
		}
		return stats, scouterrors.New(scouterrors.ErrCodeCorruptFile, "failed to read vector index", err)
	}
	return stats, nil
}
