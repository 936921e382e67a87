package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/imgscout/imgscout/internal/config"
)

// CheckStatus is the outcome of a single check.
type CheckStatus int

const (
	// StatusPass means the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn is a non-critical problem.
	StatusWarn
	// StatusFail means the check failed.
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// CheckResult is the result of one check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports a failed required check.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs checks for one data directory and configuration.
type Checker struct {
	dataDir  string
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Checker.
func New(dataDir string, cfg *config.Config) *Checker {
	return &Checker{dataDir: dataDir, cfg: cfg, lookPath: lookPath}
}

// RunAll runs every check in display order.
func (c *Checker) RunAll(_ context.Context) []CheckResult {
	results := []CheckResult{
		c.CheckWritePermissions(),
		c.CheckDiskSpace(),
		c.CheckFileDescriptors(),
		c.CheckWorkerCommand(),
	}
	results = append(results, c.CheckRoots()...)
	if strings.EqualFold(c.cfg.Metadata.Extractor, "exiftool") {
		results = append(results, c.CheckTool("exiftool", []string{"exiftool"}, true))
	}
	if len(c.cfg.Thumbnails.Command) > 0 {
		results = append(results, c.CheckTool("thumbnail_command", c.cfg.Thumbnails.Command, false))
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus is "failed", "ready_with_warnings" or "ready".
func SummaryStatus(results []CheckResult) string {
	warned := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status != StatusPass {
			warned = true
		}
	}
	if warned {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes a report of results to w.
func PrintResults(w io.Writer, results []CheckResult, verbose bool) {
	_, _ = fmt.Fprintln(w, "imgscout system check")
	_, _ = fmt.Fprintln(w)
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Details != "" && (verbose || r.Status != StatusPass) {
			_, _ = fmt.Fprintf(w, "       %s\n", r.Details)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Status: %s\n", strings.ToUpper(SummaryStatus(results)))
}

// CheckWritePermissions creates and removes a file in the data directory.
func (c *Checker) CheckWritePermissions() CheckResult {
	result := CheckResult{Name: "write_permissions", Required: true}

	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create data directory: %v", err)
		return result
	}
	f, err := os.CreateTemp(c.dataDir, ".preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	result.Status = StatusPass
	result.Message = c.dataDir
	return result
}

// CheckRoots reports each configured crawl root that is not a readable
// directory. Having no roots configured is a warning, since --root can
// supply them.
func (c *Checker) CheckRoots() []CheckResult {
	if len(c.cfg.Crawl.Roots) == 0 {
		return []CheckResult{{
			Name:    "crawl_roots",
			Status:  StatusWarn,
			Message: "none configured",
			Details: "Set crawl.roots in config.yaml or pass --root to crawl",
		}}
	}
	var results []CheckResult
	for _, root := range c.cfg.Crawl.Roots {
		r := CheckResult{Name: "crawl_root", Required: true, Message: root}
		entries, err := os.ReadDir(root)
		switch {
		case err != nil:
			r.Status = StatusFail
			r.Details = err.Error()
		default:
			r.Status = StatusPass
			r.Details = fmt.Sprintf("%d entries at top level", len(entries))
		}
		results = append(results, r)
	}
	return results
}

// CheckWorkerCommand resolves the embedding worker executable.
func (c *Checker) CheckWorkerCommand() CheckResult {
	return c.CheckTool("worker_command", c.cfg.Worker.Command, true)
}

// CheckTool resolves argv[0] on PATH, or as a path when it contains a
// separator.
func (c *Checker) CheckTool(name string, argv []string, required bool) CheckResult {
	result := CheckResult{Name: name, Required: required}
	if len(argv) == 0 || argv[0] == "" {
		result.Status = StatusFail
		result.Message = "not configured"
		return result
	}
	path, err := c.lookPath(argv[0])
	if err != nil {
		result.Status = StatusFail
		if !required {
			result.Status = StatusWarn
		}
		result.Message = fmt.Sprintf("%s not found", argv[0])
		result.Details = err.Error()
		return result
	}
	result.Status = StatusPass
	result.Message = path
	return result
}

func lookPath(file string) (string, error) {
	if strings.ContainsRune(file, filepath.Separator) {
		info, err := os.Stat(file)
		if err != nil {
			return "", err
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", file)
		}
		return file, nil
	}
	return execLookPath(file)
}
