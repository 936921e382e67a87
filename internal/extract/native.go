package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dhowden/tag"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// audioExts are containers probed with dhowden/tag.
var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".m4b": true, ".m4p": true, ".mp4": true,
	".flac": true, ".ogg": true, ".dsf": true,
}

// Native extracts tags without external tools: file facts, image
// dimensions from the image header, and audio container tags.
type Native struct{}

// NewNative returns the in-process extractor.
func NewNative() *Native { return &Native{} }

// Extract implements Extractor.
func (n *Native) Extract(ctx context.Context, path string) (Tags, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, extractError(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, extractError(path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	tags := Tags{
		"SourceFile":     path,
		"FileName":       filepath.Base(path),
		"Directory":      filepath.Dir(path),
		"FileSize":       info.Size(),
		"FileModifyDate": info.ModTime().Format("2006:01:02 15:04:05-07:00"),
	}
	if ext != "" {
		tags["FileTypeExtension"] = strings.TrimPrefix(ext, ".")
		if mt := mime.TypeByExtension(ext); mt != "" {
			tags["MIMEType"] = strings.SplitN(mt, ";", 2)[0]
		}
	}

	if audioExts[ext] {
		readAudio(f, tags)
		return tags, nil
	}

	cfg, format, err := image.DecodeConfig(f)
	switch {
	case err == nil:
		tags["FileType"] = strings.ToUpper(format)
		tags["ImageWidth"] = cfg.Width
		tags["ImageHeight"] = cfg.Height
		tags["ImageSize"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		tags["Megapixels"] = float64(cfg.Width*cfg.Height) / 1e6
		if _, ok := tags["MIMEType"]; !ok {
			tags["MIMEType"] = "image/" + format
		}
	case errors.Is(err, image.ErrFormat):
		// Not an image we can decode; file facts are all we have.
	default:
		return nil, extractError(path, err)
	}
	return tags, nil
}

func readAudio(r io.ReadSeeker, tags Tags) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return
	}
	m, err := tag.ReadFrom(r)
	if err != nil {
		return
	}

	tags["FileType"] = string(m.FileType())
	set := func(key, value string) {
		if value != "" {
			tags[key] = value
		}
	}
	set("Title", m.Title())
	set("Album", m.Album())
	set("Artist", m.Artist())
	set("AlbumArtist", m.AlbumArtist())
	set("Composer", m.Composer())
	set("Genre", m.Genre())
	if y := m.Year(); y != 0 {
		tags["Year"] = y
	}
	if track, total := m.Track(); track != 0 {
		tags["Track"] = track
		if total != 0 {
			tags["TrackCount"] = total
		}
	}
	if disc, _ := m.Disc(); disc != 0 {
		tags["Disc"] = disc
	}
	if p := m.Picture(); p != nil {
		tags["PictureMIMEType"] = p.MIMEType
	}
}
