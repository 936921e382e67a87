// Package extract reads descriptive metadata from media files and maps it
// onto MediaRecords through tag definitions.
package extract

import (
	"context"
	"fmt"
	"strings"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// Tags holds extracted metadata keyed by exiftool-style tag names
// (ImageWidth, MIMEType, ...).
type Tags map[string]any

// Extractor reads the tags of one file.
type Extractor interface {
	Extract(ctx context.Context, path string) (Tags, error)
}

// New returns the extractor named by kind: "native" or "exiftool".
func New(kind string) (Extractor, error) {
	switch strings.ToLower(kind) {
	case "", "native":
		return NewNative(), nil
	case "exiftool":
		return NewExifTool("exiftool"), nil
	}
	return nil, scouterrors.ConfigError(fmt.Sprintf("unknown metadata extractor %q", kind), nil)
}

func extractError(path string, err error) error {
	return scouterrors.New(scouterrors.ErrCodeExtractFailed, "metadata extraction failed", err).
		WithDetail("path", path)
}
