// Package shares builds and queries the share index: a searchable,
// atomically swapped snapshot of the files under the configured roots.
// The index lives in an embedded SQLite database with an FTS5 table so
// an agent can ship its slice to a controller as a single file.
package shares

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Masked paths use backslash separators on the wire.
const wireSeparator = `\`

// ToWire converts a slash-separated relative path to wire form.
func ToWire(path string) string {
	return strings.ReplaceAll(filepath.ToSlash(path), "/", wireSeparator)
}

// FromWire converts a wire path back to the local separator.
func FromWire(path string) string {
	return filepath.FromSlash(strings.ReplaceAll(path, wireSeparator, "/"))
}

// MaskMap is the bidirectional mapping between share masks and absolute
// root directories. A mask is the stable token peers see in place of the
// real root path.
type MaskMap struct {
	byMask map[string]string
	byRoot map[string]string
}

// NewMaskMap assigns a mask to every root. Masks default to the last
// path segment; collisions are disambiguated with a numeric suffix.
func NewMaskMap(roots []string) (*MaskMap, error) {
	m := &MaskMap{
		byMask: make(map[string]string, len(roots)),
		byRoot: make(map[string]string, len(roots)),
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid share root %q: %w", root, err)
		}
		if _, dup := m.byRoot[abs]; dup {
			return nil, fmt.Errorf("duplicate share root %q", abs)
		}

		base := filepath.Base(abs)
		if base == string(filepath.Separator) || base == "." {
			base = "share"
		}
		mask := base
		for n := 1; ; n++ {
			if _, taken := m.byMask[mask]; !taken {
				break
			}
			mask = fmt.Sprintf("%s_%d", base, n)
		}

		m.byMask[mask] = abs
		m.byRoot[abs] = mask
	}
	return m, nil
}

// maskMapFromPairs rebuilds a MaskMap from stored (mask, root) pairs.
func maskMapFromPairs(pairs map[string]string) *MaskMap {
	m := &MaskMap{
		byMask: make(map[string]string, len(pairs)),
		byRoot: make(map[string]string, len(pairs)),
	}
	for mask, root := range pairs {
		m.byMask[mask] = root
		m.byRoot[root] = mask
	}
	return m
}

// Masks returns the mask → root pairs.
func (m *MaskMap) Masks() map[string]string {
	out := make(map[string]string, len(m.byMask))
	for mask, root := range m.byMask {
		out[mask] = root
	}
	return out
}

// Mask returns the mask assigned to an absolute root.
func (m *MaskMap) Mask(root string) (string, bool) {
	mask, ok := m.byRoot[root]
	return mask, ok
}

// MaskPath converts an absolute path under one of the roots to its
// masked wire form.
func (m *MaskMap) MaskPath(abs string) (string, bool) {
	for root, mask := range m.byRoot {
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." {
			return mask, true
		}
		return mask + wireSeparator + ToWire(rel), true
	}
	return "", false
}

// ResolvePath reverses a masked wire path to the absolute local path.
func (m *MaskMap) ResolvePath(masked string) (string, bool) {
	mask, rest, found := strings.Cut(masked, wireSeparator)
	root, ok := m.byMask[mask]
	if !ok {
		return "", false
	}
	if !found || rest == "" {
		return root, true
	}
	return filepath.Join(root, FromWire(rest)), true
}
