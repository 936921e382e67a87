package walk

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/imgscout/imgscout/internal/gitignore"
)

// matcherCacheSize bounds the number of per-directory ignore files kept.
const matcherCacheSize = 1024

// FilterOptions configures NewFilter.
type FilterOptions struct {
	// Roots are the crawl roots that ignore patterns are relative to.
	Roots []string
	// IgnoreFile is a global ignore file applied below every root.
	IgnoreFile string
	// PerDirName is the per-directory ignore file name, e.g. ".scoutignore".
	// Empty disables nested ignore files.
	PerDirName string
	// Extensions restricts yielded files by lower-case extension.
	// Empty keeps every file.
	Extensions []string
}

// Filter implements the walk keep predicate from ignore files.
type Filter struct {
	roots      []string
	global     *gitignore.Matcher
	perDirName string
	exts       map[string]bool
	nested     *lru.Cache[string, *gitignore.Matcher]
}

// NewFilter loads the global ignore file (a missing file is empty).
func NewFilter(opts FilterOptions) (*Filter, error) {
	cache, err := lru.New[string, *gitignore.Matcher](matcherCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ignore cache: %w", err)
	}

	f := &Filter{
		global:     gitignore.New(),
		perDirName: opts.PerDirName,
		nested:     cache,
	}
	for _, r := range opts.Roots {
		if a, err := filepath.Abs(r); err == nil {
			f.roots = append(f.roots, a)
		}
	}
	if len(opts.Extensions) > 0 {
		f.exts = make(map[string]bool, len(opts.Extensions))
		for _, e := range opts.Extensions {
			e = strings.ToLower(e)
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			f.exts[e] = true
		}
	}

	if opts.IgnoreFile != "" {
		if err := f.global.AddFromFile(opts.IgnoreFile, ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return f, nil
}

// Roots returns the absolute roots the filter was built for.
func (f *Filter) Roots() []string {
	return slices.Clone(f.roots)
}

// Keep reports whether path should be walked. It is a KeepFunc.
func (f *Filter) Keep(path string, isDir bool) bool {
	if !isDir && f.exts != nil && !f.exts[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	if !isDir && f.perDirName != "" && filepath.Base(path) == f.perDirName {
		return false
	}

	root, rel, ok := f.relative(path)
	if !ok {
		return true
	}
	if f.global.Match(rel, isDir) {
		return false
	}
	if f.perDirName == "" {
		return true
	}

	// Ignore files from the root down to the parent directory each apply
	// to their own subtree.
	dir := root
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := 0; i < len(parts); i++ {
		if i > 0 {
			dir = filepath.Join(dir, parts[i-1])
		}
		m := f.matcherFor(dir)
		if m == nil {
			continue
		}
		if m.Match(strings.Join(parts[i:], "/"), isDir) {
			return false
		}
	}
	return true
}

// Invalidate drops cached per-directory matchers, e.g. after an ignore
// file changed.
func (f *Filter) Invalidate() {
	f.nested.Purge()
}

func (f *Filter) relative(path string) (root, rel string, ok bool) {
	best := ""
	for _, r := range f.roots {
		if (path == r || strings.HasPrefix(path, r+string(filepath.Separator))) && len(r) > len(best) {
			best = r
		}
	}
	if best == "" || best == path {
		return "", "", false
	}
	rel, err := filepath.Rel(best, path)
	if err != nil {
		return "", "", false
	}
	return best, filepath.ToSlash(rel), true
}

// matcherFor returns the ignore matcher for dir, or nil when it has none.
func (f *Filter) matcherFor(dir string) *gitignore.Matcher {
	if m, ok := f.nested.Get(dir); ok {
		return m
	}

	var m *gitignore.Matcher
	candidate := gitignore.New()
	if err := candidate.AddFromFile(filepath.Join(dir, f.perDirName), ""); err == nil && candidate.Len() > 0 {
		m = candidate
	}
	f.nested.Add(dir, m)
	return m
}
