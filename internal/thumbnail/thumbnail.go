// Package thumbnail computes thumbnail cache paths and renders thumbnails.
package thumbnail

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/crypto/sha3"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// Defaults for the cache layout.
const (
	DefaultDepth     = 3
	DefaultSize      = 160
	DefaultExtension = ".jpg"
)

// HashedPath returns where the thumbnail for source lives under root. The
// name is the SHA3-384 hex digest of the absolute source path joined to the
// source's base name with every extension removed; the first depth
// characters of that name become nested directories. The result always
// ends in ext. Directories are not created.
func HashedPath(root, source string, depth int, ext string) string {
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	sum := sha3.Sum384([]byte(source))
	name := hex.EncodeToString(sum[:]) + "_" + stem(source)

	parts := make([]string, 0, depth+2)
	parts = append(parts, root)
	for i := 0; i < depth && i < len(name); i++ {
		parts = append(parts, name[i:i+1])
	}
	parts = append(parts, name+normalizeExt(ext))
	return filepath.Join(parts...)
}

// stem is the base name up to its first dot.
func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

func normalizeExt(ext string) string {
	if ext == "" {
		return DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}

// Generator renders the thumbnail of src at dst.
type Generator interface {
	Generate(ctx context.Context, src, dst string) error
}

// Remove deletes a thumbnail. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return scouterrors.New(scouterrors.ErrCodeThumbnailFailed, "failed to delete thumbnail", err).
			WithDetail("path", path)
	}
	return nil
}

// Imaging renders thumbnails in-process with disintegration/imaging.
type Imaging struct {
	size int
}

// NewImaging returns a generator fitting images into size x size.
func NewImaging(size int) *Imaging {
	if size <= 0 {
		size = DefaultSize
	}
	return &Imaging{size: size}
}

// Generate decodes src honoring EXIF orientation, fits it into the
// bounding box and writes it to dst. Re-encoding drops all metadata. The
// output format follows dst's extension.
func (g *Imaging) Generate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	format, err := imaging.FormatFromFilename(dst)
	if err != nil {
		return thumbError(src, err)
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return thumbError(src, err)
	}
	var thumb image.Image = img
	b := img.Bounds()
	if b.Dx() > g.size || b.Dy() > g.size {
		thumb = imaging.Fit(img, g.size, g.size, imaging.Lanczos)
	}

	return writeAtomic(dst, func(f *os.File) error {
		return imaging.Encode(f, thumb, format, imaging.JPEGQuality(85))
	})
}

// Command renders thumbnails with an external tool. Arguments may contain
// {src}, {dst} and {size}.
type Command struct {
	argv []string
	size int
}

// NewCommand returns a generator running argv.
func NewCommand(argv []string, size int) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, scouterrors.ConfigError("thumbnail command is empty", nil)
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Command{argv: argv, size: size}, nil
}

// Generate implements Generator.
func (c *Command) Generate(ctx context.Context, src, dst string) error {
	r := strings.NewReplacer("{src}", src, "{dst}", dst, "{size}", strconv.Itoa(c.size))
	args := make([]string, len(c.argv))
	for i, a := range c.argv {
		args[i] = r.Replace(a)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return thumbError(src, err)
	}
	if _, err := os.Stat(dst); err != nil {
		return thumbError(src, fmt.Errorf("%s did not write %s", args[0], dst))
	}
	return nil
}

func writeAtomic(dst string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp*")
	if err != nil {
		return thumbError(dst, err)
	}
	tmpPath := tmp.Name()

	werr := write(tmp)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return thumbError(dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return thumbError(dst, err)
	}
	return nil
}

func thumbError(path string, err error) error {
	return scouterrors.New(scouterrors.ErrCodeThumbnailFailed, "thumbnail generation failed", err).
		WithDetail("path", path)
}
