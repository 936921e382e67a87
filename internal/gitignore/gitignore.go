package gitignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Matcher holds compiled ignore rules and is safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// AddPattern adds a pattern that applies from the matcher root.
func (m *Matcher) AddPattern(pattern string) {
	m.AddPatternWithBase(pattern, "")
}

// AddPatternWithBase adds a pattern scoped to base, a slash-separated
// directory relative to the matcher root.
func (m *Matcher) AddPatternWithBase(pattern, base string) {
	r, ok := parseRule(pattern, filepath.ToSlash(base))
	if !ok {
		return
	}
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddFromFile reads patterns from an ignore file, one per line.
func (m *Matcher) AddFromFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPatternWithBase(scanner.Text(), base)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ignore file %s: %w", path, err)
	}
	return nil
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Match reports whether relPath should be ignored. A path whose parent
// directory is ignored is ignored too, whatever later negations say.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	rel := strings.Trim(filepath.ToSlash(relPath), "/")
	if rel == "" || rel == "." {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.rules) == 0 {
		return false
	}

	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && m.decide(rel[:i], true) {
			return true
		}
	}
	return m.decide(rel, isDir)
}

// decide applies rules in order; the last matching rule wins.
func (m *Matcher) decide(rel string, isDir bool) bool {
	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}
