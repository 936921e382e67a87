package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ExifTool runs the exiftool binary once per file.
type ExifTool struct {
	bin string
}

// NewExifTool returns an extractor that runs bin (usually "exiftool").
func NewExifTool(bin string) *ExifTool {
	return &ExifTool{bin: bin}
}

// Extract implements Extractor. Values are numeric where exiftool can
// print them as numbers (-n).
func (e *ExifTool) Extract(ctx context.Context, path string) (Tags, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.bin, "-json", "-n", "-q", "--", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, extractError(path, err)
	}

	var out []Tags
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, extractError(path, fmt.Errorf("decode exiftool output: %w", err))
	}
	if len(out) == 0 {
		return nil, extractError(path, fmt.Errorf("exiftool returned no entries"))
	}
	return out[0], nil
}
