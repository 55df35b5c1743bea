package artifact

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DefaultMarkers are top-level names that identify a project root.
var DefaultMarkers = []string{"src", "public", "package.json", "vite.config.ts", "index.html"}

// MarkerSet matches top-level entry names against glob patterns.
type MarkerSet struct {
	patterns []string
	globs    []glob.Glob
}

// NewMarkerSet compiles patterns. An empty list uses DefaultMarkers.
func NewMarkerSet(patterns []string) (*MarkerSet, error) {
	if len(patterns) == 0 {
		patterns = DefaultMarkers
	}
	ms := &MarkerSet{patterns: append([]string(nil), patterns...)}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid project marker %q: %w", p, err)
		}
		ms.globs = append(ms.globs, g)
	}
	return ms, nil
}

// MustMarkerSet is NewMarkerSet that panics on a bad pattern.
func MustMarkerSet(patterns []string) *MarkerSet {
	ms, err := NewMarkerSet(patterns)
	if err != nil {
		panic(err)
	}
	return ms
}

// Match reports whether name is a project marker.
func (m *MarkerSet) Match(name string) bool {
	for _, g := range m.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (m *MarkerSet) Patterns() []string {
	return append([]string(nil), m.patterns...)
}
