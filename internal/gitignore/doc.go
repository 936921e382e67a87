// Package gitignore matches paths against ignore-file patterns.
//
// The syntax is the one used by source-control ignore files:
//   - blank lines and lines starting with # are skipped
//   - * and ? match within one path segment, ** spans segments
//   - a leading / or an inner / anchors the pattern to its base directory
//   - a trailing / matches directories only
//   - ! re-includes a previously ignored path; \# and \! escape
//
// Rules added with a base only apply below that directory, which is how
// per-directory ignore files are layered:
//
//	m := gitignore.New()
//	m.AddFromFile("/photos/.scoutignore", "")
//	m.AddFromFile("/photos/2019/.scoutignore", "2019")
//	m.Match("2019/raw/img.cr2", false)
package gitignore
