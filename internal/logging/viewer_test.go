package logging

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"crawl_started","component":"crawl","roots":1}
{"time":"2026-03-01T10:00:01Z","level":"DEBUG","msg":"file_skipped","component":"crawl","reason":"unchanged"}
not json at all
{"time":"2026-03-01T10:00:02Z","level":"WARN","msg":"worker_respawn","component":"worker","attempt":2}
{"time":"2026-03-01T10:00:03Z","level":"ERROR","msg":"store_failed","component":"crawl","error":"disk full"}
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imgscout.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseEntry(t *testing.T) {
	e := ParseEntry(`{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"hello","component":"server","port":3485}`)

	require.True(t, e.Valid)
	assert.Equal(t, "INFO", e.Level)
	assert.Equal(t, "hello", e.Msg)
	assert.Equal(t, "server", e.Component)
	assert.Equal(t, map[string]any{"port": float64(3485)}, e.Attrs)

	bad := ParseEntry("plain text")
	assert.False(t, bad.Valid)
	assert.Equal(t, "plain text", bad.Raw)
}

func TestViewer_TailFilters(t *testing.T) {
	path := writeLog(t, sampleLog)

	tests := []struct {
		name string
		cfg  ViewerConfig
		n    int
		want []string
	}{
		{"all lines", ViewerConfig{}, 10, []string{"crawl_started", "file_skipped", "", "worker_respawn", "store_failed"}},
		{"last two", ViewerConfig{}, 2, []string{"worker_respawn", "store_failed"}},
		{"min level warn", ViewerConfig{Level: "warn"}, 10, []string{"", "worker_respawn", "store_failed"}},
		{"component", ViewerConfig{Component: "worker"}, 10, []string{"worker_respawn"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile(`disk`)}, 10, []string{"store_failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg).Tail(path, tt.n)
			require.NoError(t, err)

			got := make([]string, 0, len(entries))
			for _, e := range entries {
				got = append(got, e.Msg)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestViewer_FormatWithoutColor(t *testing.T) {
	v := NewViewer(ViewerConfig{})
	e := ParseEntry(`{"time":"2026-03-01T10:00:00Z","level":"WARN","msg":"worker_respawn","component":"worker","b":2,"a":"x"}`)

	line := v.Format(e)

	assert.True(t, strings.HasSuffix(line, "WARN  [worker] worker_respawn a=x b=2"), line)
	assert.Equal(t, "raw", v.Format(ParseEntry("raw")))
}

func TestViewer_FollowSeesAppendedLines(t *testing.T) {
	// Given: a log file with existing content
	path := writeLog(t, sampleLog)
	v := NewViewer(ViewerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Entry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, out) }()
	time.Sleep(50 * time.Millisecond)

	// When: a line is appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2026-03-01T10:00:09Z","level":"INFO","msg":"crawl_finished"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then: only the new entry is delivered
	select {
	case e := <-out:
		assert.Equal(t, "crawl_finished", e.Msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no entry followed")
	}
	cancel()
	require.NoError(t, <-done)
}
