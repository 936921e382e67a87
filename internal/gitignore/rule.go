package gitignore

import (
	"regexp"
	"strings"
)

// rule is one compiled ignore pattern.
type rule struct {
	source   string
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool   // matched against the whole relative path, not the basename
	base     string // slash-separated directory the rule is scoped to
}

// parseRule compiles one ignore-file line. ok is false for blank lines and
// comments.
func parseRule(line, base string) (r rule, ok bool) {
	line = strings.TrimRight(line, "\r")
	line = trimTrailingSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	r.source = line
	r.base = strings.Trim(base, "/")

	switch {
	case strings.HasPrefix(line, `\#`), strings.HasPrefix(line, `\!`):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		r.negate = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/") && !strings.HasSuffix(line, `\/`) {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	// A slash anywhere but the end pins the pattern to the base directory.
	if strings.Contains(line, "/") {
		r.anchored = true
	}
	if line == "" {
		return rule{}, false
	}

	re, err := regexp.Compile("^" + globToRegexp(line) + "$")
	if err != nil {
		return rule{}, false
	}
	r.re = re
	return r, true
}

// trimTrailingSpace drops unescaped trailing spaces; "\ " keeps one space.
func trimTrailingSpace(s string) string {
	for strings.HasSuffix(s, " ") {
		if strings.HasSuffix(s, `\ `) {
			return s[:len(s)-2] + `\ `
		}
		s = s[:len(s)-1]
	}
	return s
}

// globToRegexp translates ignore glob syntax into a regular expression body.
func globToRegexp(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); {
		switch c := glob[i]; c {
		case '*':
			if strings.HasPrefix(glob[i:], "**") {
				atStart := i == 0 || glob[i-1] == '/'
				rest := glob[i+2:]
				switch {
				case atStart && strings.HasPrefix(rest, "/"):
					// "**/" matches zero or more leading directories.
					b.WriteString("(?:.*/)?")
					i += 3
					continue
				case atStart && rest == "":
					b.WriteString(".*")
					i += 2
					continue
				}
			}
			b.WriteString("[^/]*")
			i++
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				i++
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 2
		case '\\':
			if i+1 < len(glob) {
				b.WriteString(regexp.QuoteMeta(glob[i+1 : i+2]))
				i += 2
				continue
			}
			b.WriteString(`\\`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String()
}

// matches reports whether rel (relative to the matcher root, slash
// separated) is selected by the rule, ignoring negation.
func (r rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	if r.base != "" {
		if !strings.HasPrefix(rel, r.base+"/") {
			return false
		}
		rel = rel[len(r.base)+1:]
	}
	if r.anchored {
		return r.re.MatchString(rel)
	}
	name := rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		name = rel[i+1:]
	}
	return r.re.MatchString(name)
}
