package metaindex

import (
	"maps"
	"time"
)

// MediaRecord is one indexed file.
type MediaRecord struct {
	ID            uint64         `json:"id"`
	Filepath      string         `json:"filepath"`
	ThumbnailPath string         `json:"thumbnail_path,omitempty"`
	Mtime         time.Time      `json:"mtime"`
	Filesize      int64          `json:"filesize"`
	ImageWidth    int            `json:"image_width,omitempty"`
	ImageHeight   int            `json:"image_height,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
}

// Clone returns a copy that shares no maps with r.
func (r *MediaRecord) Clone() *MediaRecord {
	c := *r
	c.Tags = maps.Clone(r.Tags)
	return &c
}

// SameFile reports whether mtime and size match a stat snapshot.
func (r *MediaRecord) SameFile(mtime time.Time, size int64) bool {
	return r.Mtime.Equal(mtime) && r.Filesize == size
}

// PathEntry is the projection used by the deletion sweep.
type PathEntry struct {
	ID            uint64
	Filepath      string
	ThumbnailPath string
}
