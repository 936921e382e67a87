// Package config loads imgscout settings from the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// FileName is the optional config file inside a data directory.
const FileName = "config.yaml"

// Config represents the complete imgscout configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Crawl       CrawlConfig       `yaml:"crawl" json:"crawl"`
	VectorIndex VectorIndexConfig `yaml:"vector_index" json:"vector_index"`
	IDs         IDConfig          `yaml:"ids" json:"ids"`
	Worker      WorkerConfig      `yaml:"worker" json:"worker"`
	Thumbnails  ThumbnailConfig   `yaml:"thumbnails" json:"thumbnails"`
	Metadata    MetadataConfig    `yaml:"metadata" json:"metadata"`
	Server      ServerConfig      `yaml:"server" json:"server"`
}

// LogConfig configures logging verbosity and the log file.
type LogConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"` // empty = <datadir>/logs/imgscout.log
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// CrawlConfig configures the walk and the pipeline stages.
type CrawlConfig struct {
	Roots          []string `yaml:"roots" json:"roots"`
	Extensions     []string `yaml:"extensions" json:"extensions"` // empty = every regular file
	IgnoreFileName string   `yaml:"ignore_file_name" json:"ignore_file_name"`
	BatchSize      int      `yaml:"batch_size" json:"batch_size"`
	BatchTimeout   string   `yaml:"batch_timeout" json:"batch_timeout"`

	PreprocessConcurrency Concurrency `yaml:"preprocess_concurrency" json:"preprocess_concurrency"`
	BatchConcurrency      Concurrency `yaml:"batch_concurrency" json:"batch_concurrency"`
	FinalizeConcurrency   Concurrency `yaml:"finalize_concurrency" json:"finalize_concurrency"`
}

// VectorIndexConfig configures the vector log and its rebuild/save throttle.
type VectorIndexConfig struct {
	File        string `yaml:"file" json:"file"`
	MinInterval string `yaml:"min_interval" json:"min_interval"` // "0" disables throttling
	Metric      string `yaml:"metric" json:"metric"`             // cos or l2
}

// IDConfig configures id counter persistence.
type IDConfig struct {
	SaveDelay     string `yaml:"save_delay" json:"save_delay"`
	ForceInterval string `yaml:"force_interval" json:"force_interval"`
}

// WorkerConfig configures the embedding worker process.
type WorkerConfig struct {
	Command     []string `yaml:"command" json:"command"`
	Model       string   `yaml:"model" json:"model"`
	Device      string   `yaml:"device" json:"device"`
	BatchSize   int      `yaml:"batch_size" json:"batch_size"`
	AutoRespawn bool     `yaml:"auto_respawn" json:"auto_respawn"`
}

// ThumbnailConfig configures thumbnail generation.
type ThumbnailConfig struct {
	Size      int      `yaml:"size" json:"size"`
	Depth     int      `yaml:"depth" json:"depth"`
	Extension string   `yaml:"extension" json:"extension"`
	Command   []string `yaml:"command,omitempty" json:"command,omitempty"` // empty = in-process
}

// MetadataConfig selects the metadata extractor and tag definitions.
type MetadataConfig struct {
	Extractor string `yaml:"extractor" json:"extractor"` // native or exiftool
	TagDefs   string `yaml:"tag_defs" json:"tag_defs"`   // empty = built-in
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Port          int    `yaml:"port" json:"port"`
	Bind          string `yaml:"bind" json:"bind"`
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Crawl: CrawlConfig{
			Roots:                 []string{},
			Extensions:            []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"},
			IgnoreFileName:        ".scoutignore",
			BatchSize:             32,
			BatchTimeout:          "2s",
			PreprocessConcurrency: ConcurrencyAuto,
			BatchConcurrency:      "1",
			FinalizeConcurrency:   ConcurrencyAuto,
		},
		VectorIndex: VectorIndexConfig{
			File:        "vecindex.jsonl.gz",
			MinInterval: "10s",
			Metric:      "cos",
		},
		IDs: IDConfig{
			SaveDelay:     "100ms",
			ForceInterval: "10s",
		},
		Worker: WorkerConfig{
			Command:     []string{"imgscout-clip-worker"},
			Model:       "ViT-B/16",
			Device:      "cpu",
			BatchSize:   32,
			AutoRespawn: true,
		},
		Thumbnails: ThumbnailConfig{
			Size:      160,
			Depth:     3,
			Extension: ".jpg",
		},
		Metadata: MetadataConfig{
			Extractor: "native",
		},
		Server: ServerConfig{
			Port:          3485,
			Bind:          "::1",
			WatchDebounce: "2s",
		},
	}
}

// Load loads configuration for a data directory.
// Precedence, lowest first:
//  1. Hardcoded defaults
//  2. <dataDir>/config.yaml
//  3. Environment variables (IMGSCOUT_*)
func Load(dataDir string) (*Config, error) {
	cfg := NewConfig()

	path := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes over the current values so absent keys keep defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return scouterrors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return scouterrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// applyEnvOverrides applies IMGSCOUT_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IMGSCOUT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("IMGSCOUT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crawl.BatchSize = n
		}
	}
	if v := os.Getenv("IMGSCOUT_BATCH_TIMEOUT"); v != "" {
		c.Crawl.BatchTimeout = v
	}
	if v := os.Getenv("IMGSCOUT_PREPROCESS_CONCURRENCY"); v != "" {
		c.Crawl.PreprocessConcurrency = Concurrency(v)
	}
	if v := os.Getenv("IMGSCOUT_BATCH_CONCURRENCY"); v != "" {
		c.Crawl.BatchConcurrency = Concurrency(v)
	}
	if v := os.Getenv("IMGSCOUT_FINALIZE_CONCURRENCY"); v != "" {
		c.Crawl.FinalizeConcurrency = Concurrency(v)
	}
	if v := os.Getenv("IMGSCOUT_VECTOR_MIN_INTERVAL"); v != "" {
		c.VectorIndex.MinInterval = v
	}
	if v := os.Getenv("IMGSCOUT_WORKER_COMMAND"); v != "" {
		c.Worker.Command = strings.Fields(v)
	}
	if v := os.Getenv("IMGSCOUT_WORKER_MODEL"); v != "" {
		c.Worker.Model = v
	}
	if v := os.Getenv("IMGSCOUT_WORKER_DEVICE"); v != "" {
		c.Worker.Device = v
	}
	if v := os.Getenv("IMGSCOUT_EXTRACTOR"); v != "" {
		c.Metadata.Extractor = v
	}
	if v := os.Getenv("IMGSCOUT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("IMGSCOUT_BIND"); v != "" {
		c.Server.Bind = v
	}
}

// Validate returns a fatal configuration error for the first invalid value.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return invalid("log.level must be 'debug', 'info', 'warn', or 'error', got %q", c.Log.Level)
	}

	if c.Crawl.BatchSize <= 0 {
		return invalid("crawl.batch_size must be positive, got %d", c.Crawl.BatchSize)
	}
	for name, d := range map[string]Concurrency{
		"crawl.preprocess_concurrency": c.Crawl.PreprocessConcurrency,
		"crawl.batch_concurrency":      c.Crawl.BatchConcurrency,
		"crawl.finalize_concurrency":   c.Crawl.FinalizeConcurrency,
	} {
		if _, err := d.Resolve(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, d := range map[string]string{
		"crawl.batch_timeout":       c.Crawl.BatchTimeout,
		"vector_index.min_interval": c.VectorIndex.MinInterval,
		"ids.save_delay":            c.IDs.SaveDelay,
		"ids.force_interval":        c.IDs.ForceInterval,
		"server.watch_debounce":     c.Server.WatchDebounce,
	} {
		if _, err := parseDuration(d); err != nil {
			return invalid("%s: %v", name, err)
		}
	}

	if c.VectorIndex.File == "" {
		return invalid("vector_index.file must not be empty")
	}
	if m := strings.ToLower(c.VectorIndex.Metric); m != "cos" && m != "l2" {
		return invalid("vector_index.metric must be 'cos' or 'l2', got %q", c.VectorIndex.Metric)
	}
	if len(c.Worker.Command) == 0 {
		return invalid("worker.command must not be empty")
	}
	if c.Thumbnails.Size <= 0 {
		return invalid("thumbnails.size must be positive, got %d", c.Thumbnails.Size)
	}
	if c.Thumbnails.Depth < 0 || c.Thumbnails.Depth > 8 {
		return invalid("thumbnails.depth must be between 0 and 8, got %d", c.Thumbnails.Depth)
	}
	if !strings.HasPrefix(c.Thumbnails.Extension, ".") {
		return invalid("thumbnails.extension must start with '.', got %q", c.Thumbnails.Extension)
	}
	if e := strings.ToLower(c.Metadata.Extractor); e != "native" && e != "exiftool" {
		return invalid("metadata.extractor must be 'native' or 'exiftool', got %q", c.Metadata.Extractor)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port out of range: %d", c.Server.Port)
	}
	for _, r := range c.Crawl.Roots {
		if !filepath.IsAbs(r) {
			return invalid("crawl.roots entries must be absolute, got %q", r)
		}
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// BatchTimeoutDuration returns crawl.batch_timeout parsed.
func (c *Config) BatchTimeoutDuration() time.Duration {
	return mustDuration(c.Crawl.BatchTimeout)
}

// VectorMinInterval returns vector_index.min_interval parsed.
func (c *Config) VectorMinInterval() time.Duration {
	return mustDuration(c.VectorIndex.MinInterval)
}

// IDSaveDelay returns ids.save_delay parsed.
func (c *Config) IDSaveDelay() time.Duration {
	return mustDuration(c.IDs.SaveDelay)
}

// IDForceInterval returns ids.force_interval parsed.
func (c *Config) IDForceInterval() time.Duration {
	return mustDuration(c.IDs.ForceInterval)
}

// WatchDebounceDuration returns server.watch_debounce parsed.
func (c *Config) WatchDebounceDuration() time.Duration {
	return mustDuration(c.Server.WatchDebounce)
}

// parseDuration accepts Go durations and a bare "0".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// mustDuration is only called on validated values.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

func invalid(format string, args ...any) error {
	return scouterrors.ConfigError(fmt.Sprintf(format, args...), nil)
}

// Concurrency is a worker-count directive: a positive integer, or one of
// the magic values "auto" / "cpu_count" meaning available parallelism.
type Concurrency string

const (
	// ConcurrencyAuto resolves to the available parallelism.
	ConcurrencyAuto Concurrency = "auto"
	// ConcurrencyCPUCount is an alias for ConcurrencyAuto.
	ConcurrencyCPUCount Concurrency = "cpu_count"
)

// Resolve returns the worker count. Unknown directives are fatal.
func (c Concurrency) Resolve() (int, error) {
	s := strings.ToLower(strings.TrimSpace(string(c)))
	switch Concurrency(s) {
	case ConcurrencyAuto, ConcurrencyCPUCount:
		return runtime.GOMAXPROCS(0), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, scouterrors.New(scouterrors.ErrCodeConcurrencyDirective,
			fmt.Sprintf("unknown concurrency directive %q", string(c)), err).
			WithSuggestion(`use a positive integer, "auto" or "cpu_count"`)
	}
	return n, nil
}

// MustResolve is Resolve for directives already checked by Validate.
func (c Concurrency) MustResolve() int {
	n, err := c.Resolve()
	if err != nil {
		return 1
	}
	return n
}
