package shares

import (
	"fmt"
	"os"
)

// Export writes a self-contained copy of the index database to dst.
// The copy is a plain SQLite file an agent can ship to a controller.
func (idx *Index) Export(dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear export target: %w", err)
	}
	// VACUUM INTO produces a consistent single-file snapshot even with
	// WAL pages outstanding.
	if err := idx.db.Exec(`VACUUM INTO ?`, dst).Error; err != nil {
		return fmt.Errorf("failed to export share index: %w", err)
	}
	return nil
}

// ImportHost installs the local slice of a shipped index database as
// the given host's slice. The file is validated before anything is
// replaced; a bad file leaves the current slice untouched.
func (idx *Index) ImportHost(host, path string) (Counts, error) {
	src, err := openIndexFile(path)
	if err != nil {
		return Counts{}, fmt.Errorf("invalid share index file: %w", err)
	}
	defer src.Close()

	counts, err := src.CountsForHost(LocalHost)
	if err != nil {
		return Counts{}, fmt.Errorf("share index file has no local slice: %w", err)
	}

	dirs := src.BrowseHost(LocalHost)
	files := 0
	for _, d := range dirs {
		files += len(d.Files)
	}
	if files != counts.Files || len(dirs) != counts.Directories {
		return Counts{}, fmt.Errorf("share index file is inconsistent: %d/%d files, %d/%d directories",
			files, counts.Files, len(dirs), counts.Directories)
	}

	src.mu.RLock()
	masks := src.masks[LocalHost]
	src.mu.RUnlock()
	if masks == nil {
		masks = maskMapFromPairs(nil)
	}

	if err := idx.ReplaceHost(host, masks, dirs, counts.Excluded); err != nil {
		return Counts{}, err
	}
	return counts, nil
}
