package extract

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/imgscout/imgscout/configs"
	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/metaindex"
)

// TagDefs declares which tags are copied onto records.
type TagDefs struct {
	// Tags maps a tag name to its default value.
	Tags map[string]any `yaml:"tags"`
	// Aliases maps a tag name to fallback tag names, tried in order.
	Aliases map[string][]string `yaml:"aliases"`
}

// DefaultTagDefs returns the built-in definitions.
func DefaultTagDefs() (*TagDefs, error) {
	return ParseTagDefs(configs.DefaultTagDefs)
}

// LoadTagDefs reads definitions from path, or the built-ins when path is
// empty.
func LoadTagDefs(path string) (*TagDefs, error) {
	if path == "" {
		return DefaultTagDefs()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, scouterrors.ConfigError(fmt.Sprintf("failed to read tag definitions %s", path), err)
	}
	return ParseTagDefs(data)
}

// ParseTagDefs decodes a YAML definition file.
func ParseTagDefs(data []byte) (*TagDefs, error) {
	var defs TagDefs
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, scouterrors.ConfigError("invalid tag definitions", err)
	}
	if defs.Tags == nil {
		defs.Tags = map[string]any{}
	}
	if defs.Aliases == nil {
		defs.Aliases = map[string][]string{}
	}
	return &defs, nil
}

// names returns every tag the definitions can produce, sorted.
func (d *TagDefs) names() []string {
	seen := make(map[string]bool, len(d.Tags)+len(d.Aliases))
	for name := range d.Tags {
		seen[name] = true
	}
	for name := range d.Aliases {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Apply merges tags into rec following defs. For each defined tag the
// value comes from the tag itself, else from the first alias present,
// else from the declared default. Values are stored under the snake_case
// tag name; image_width and image_height also fill the typed fields.
// Apply mutates rec and never persists it.
func Apply(defs *TagDefs, tags Tags, rec *metaindex.MediaRecord) {
	if rec.Tags == nil {
		rec.Tags = make(map[string]any)
	}

	for _, name := range defs.names() {
		value, ok := tags[name]
		if !ok {
			for _, alias := range defs.Aliases[name] {
				if v, found := tags[alias]; found {
					value, ok = v, true
					break
				}
			}
		}
		if !ok {
			def, declared := defs.Tags[name]
			if !declared {
				continue
			}
			value = def
		}
		rec.Tags[SnakeCase(name)] = value
	}

	if w, ok := toInt(rec.Tags["image_width"]); ok {
		rec.ImageWidth = w
	}
	if h, ok := toInt(rec.Tags["image_height"]); ok {
		rec.ImageHeight = h
	}
}

// SnakeCase converts an exiftool tag name to snake_case: an underscore
// goes after a lowercase letter followed by an uppercase letter and another
// letter, and after an uppercase letter followed by an uppercase then a
// lowercase letter. ImageWidth -> image_width, MIMEType -> mime_type.
func SnakeCase(s string) string {
	r := []rune(s)
	out := make([]rune, 0, len(r)+4)
	for i, c := range r {
		out = append(out, c)
		if i+2 >= len(r) {
			continue
		}
		next, after := r[i+1], r[i+2]
		if (isLower(c) && isUpper(next) && isLetter(after)) ||
			(isUpper(c) && isUpper(next) && isLower(after)) {
			out = append(out, '_')
		}
	}
	return strings.ToLower(string(out))
}

func isLower(c rune) bool  { return c >= 'a' && c <= 'z' }
func isUpper(c rune) bool  { return c >= 'A' && c <= 'Z' }
func isLetter(c rune) bool { return isLower(c) || isUpper(c) }

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}
