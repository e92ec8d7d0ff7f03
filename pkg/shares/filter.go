package shares

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilterSet holds the exclusion glob patterns applied to masked paths
// during a scan. Patterns use doublestar syntax ("**/*.tmp",
// "music/private/**"). Matching is case-insensitive.
type FilterSet struct {
	patterns []string
}

// NewFilterSet validates and compiles the patterns.
func NewFilterSet(patterns []string) (*FilterSet, error) {
	fs := &FilterSet{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid share filter pattern %q", p)
		}
		fs.patterns = append(fs.patterns, p)
	}
	return fs, nil
}

// Excluded reports whether a masked wire path matches any filter.
func (fs *FilterSet) Excluded(masked string) bool {
	if len(fs.patterns) == 0 {
		return false
	}
	// Patterns are written with forward slashes; match against the
	// slash form of the masked path.
	subject := strings.ToLower(strings.ReplaceAll(masked, wireSeparator, "/"))
	for _, p := range fs.patterns {
		if ok, _ := doublestar.Match(p, subject); ok {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern list.
func (fs *FilterSet) Patterns() []string {
	return fs.patterns
}
