package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgscout/imgscout/internal/config"
)

func find(results []CheckResult, name string) *CheckResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestRunAll_HealthySetup(t *testing.T) {
	// Given: a writable data dir, an existing root and an executable worker
	dir := t.TempDir()
	root := t.TempDir()
	worker := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.NewConfig()
	cfg.Crawl.Roots = []string{root}
	cfg.Worker.Command = []string{worker}

	// When: running every check
	results := New(dir, cfg).RunAll(context.Background())

	// Then: the configuration-dependent checks pass
	for _, name := range []string{"write_permissions", "worker_command", "crawl_root"} {
		r := find(results, name)
		require.NotNil(t, r, name)
		assert.Equal(t, StatusPass, r.Status, name)
	}
	assert.Nil(t, find(results, "exiftool"))
}

func TestCheckWorkerCommand_Missing(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Worker.Command = []string{"definitely-not-a-worker"}
	c := New(t.TempDir(), cfg)
	c.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	r := c.CheckWorkerCommand()

	assert.True(t, r.IsCritical())
	assert.Contains(t, r.Message, "definitely-not-a-worker")
}

func TestCheckTool_NonExecutablePath(t *testing.T) {
	script := filepath.Join(t.TempDir(), "thumb.sh")
	require.NoError(t, os.WriteFile(script, []byte("x"), 0o644))
	c := New(t.TempDir(), config.NewConfig())

	r := c.CheckTool("thumbnail_command", []string{script}, false)

	assert.Equal(t, StatusWarn, r.Status)
	assert.False(t, r.IsCritical())
}

func TestCheckRoots(t *testing.T) {
	cfg := config.NewConfig()
	c := New(t.TempDir(), cfg)

	none := c.CheckRoots()
	require.Len(t, none, 1)
	assert.Equal(t, StatusWarn, none[0].Status)

	cfg.Crawl.Roots = []string{filepath.Join(t.TempDir(), "gone")}
	missing := c.CheckRoots()
	require.Len(t, missing, 1)
	assert.True(t, missing[0].IsCritical())
}

func TestSummaryStatus(t *testing.T) {
	pass := CheckResult{Status: StatusPass, Required: true}
	warn := CheckResult{Status: StatusWarn}
	fail := CheckResult{Status: StatusFail, Required: true}

	assert.Equal(t, "ready", SummaryStatus([]CheckResult{pass}))
	assert.Equal(t, "ready_with_warnings", SummaryStatus([]CheckResult{pass, warn}))
	assert.Equal(t, "failed", SummaryStatus([]CheckResult{warn, fail}))
	assert.True(t, HasCriticalFailures([]CheckResult{fail}))
}

func TestPrintResults_AndJSON(t *testing.T) {
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "9 GB free"},
		{Name: "crawl_roots", Status: StatusWarn, Message: "none configured", Details: "Set crawl.roots"},
	}
	buf := &bytes.Buffer{}

	PrintResults(buf, results, false)

	out := buf.String()
	assert.Contains(t, out, "[PASS] disk_space: 9 GB free")
	assert.Contains(t, out, "Set crawl.roots")
	assert.Contains(t, out, "Status: READY_WITH_WARNINGS")

	data, err := json.Marshal(results[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 GB", formatBytes(2*1024*1024*1024))
}
