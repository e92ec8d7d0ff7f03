package shares

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mrkvm/sould/internal/logger"
)

// DuplicatePolicy selects what a scan does when two entries produce the
// same masked path.
type DuplicatePolicy string

const (
	// DuplicateReplace keeps the later insertion and warns.
	DuplicateReplace DuplicatePolicy = "replace"

	// DuplicateFail aborts the scan.
	DuplicateFail DuplicatePolicy = "fail"
)

// ErrDuplicatePath is returned by a scan under the fail policy.
var ErrDuplicatePath = errors.New("duplicate masked path")

// ScanOptions parameterizes one fill.
type ScanOptions struct {
	Roots       []string
	Filters     []string
	OnDuplicate DuplicatePolicy

	// Progress, when set, receives coarse progress in [0,1]. It is
	// called at integer-percent boundaries, not per file.
	Progress func(fraction float64)
}

// Scanner fills the local slice of the index. Fills are serialized by
// an exclusive build lock; queries keep running against the previous
// snapshot until the swap.
type Scanner struct {
	index *Index
	build sync.Mutex
}

// NewScanner creates a scanner for the index.
func NewScanner(index *Index) *Scanner {
	return &Scanner{index: index}
}

// Fill scans the roots and atomically replaces the local slice. On any
// error the previous snapshot stays visible.
func (s *Scanner) Fill(ctx context.Context, opts ScanOptions) (Counts, error) {
	s.build.Lock()
	defer s.build.Unlock()

	start := time.Now()
	if opts.OnDuplicate == "" {
		opts.OnDuplicate = DuplicateReplace
	}

	filters, err := NewFilterSet(opts.Filters)
	if err != nil {
		return Counts{}, err
	}
	masks, err := NewMaskMap(opts.Roots)
	if err != nil {
		return Counts{}, err
	}

	report(opts.Progress, 0)

	// First pass enumerates candidate files so progress can be coarse
	// but meaningful.
	paths, excluded, err := s.enumerate(ctx, masks, filters)
	if err != nil {
		return Counts{}, err
	}

	dirs, err := s.describe(ctx, paths, opts)
	if err != nil {
		return Counts{}, err
	}

	if err := s.index.ReplaceHost(LocalHost, masks, dirs, excluded); err != nil {
		return Counts{}, err
	}
	report(opts.Progress, 1)

	counts, _ := s.index.CountsForHost(LocalHost)
	logger.Info("share scan complete",
		"roots", len(opts.Roots),
		logger.KeyFiles, counts.Files,
		logger.KeyDirectories, counts.Directories,
		logger.KeyExcluded, counts.Excluded,
		logger.DurationMs(float64(time.Since(start).Milliseconds())))
	return counts, nil
}

type candidate struct {
	abs    string
	masked string
	size   uint64
}

// enumerate walks the roots, applying filters to masked paths. Missing
// roots are logged and skipped; unreadable entries are skipped.
func (s *Scanner) enumerate(ctx context.Context, masks *MaskMap, filters *FilterSet) ([]candidate, int, error) {
	var paths []candidate
	excluded := 0

	for mask, root := range masks.Masks() {
		if _, err := os.Stat(root); err != nil {
			logger.Warn("share root unavailable, skipping", logger.KeyRoot, root, logger.Err(err))
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				logger.Debug("skipping unreadable entry", "path", path, logger.Err(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			masked, ok := masks.MaskPath(path)
			if !ok {
				return nil
			}

			if d.IsDir() {
				if path != root && filters.Excluded(masked) {
					excluded++
					return fs.SkipDir
				}
				return nil
			}
			if filters.Excluded(masked) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				logger.Debug("skipping file", "path", path, logger.Err(err))
				return nil
			}
			paths = append(paths, candidate{abs: path, masked: masked, size: uint64(info.Size())})
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("share scan failed under %s: %w", mask, err)
		}
	}
	return paths, excluded, nil
}

// describe reads file attributes and groups records by masked directory
// in insertion-stable order.
func (s *Scanner) describe(ctx context.Context, paths []candidate, opts ScanOptions) ([]Directory, error) {
	var order []string
	byDir := make(map[string]*Directory)
	seen := make(map[string]string, len(paths))
	lastPercent := 0

	for i, c := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if prev, dup := seen[c.masked]; dup {
			if opts.OnDuplicate == DuplicateFail {
				return nil, fmt.Errorf("%w: %s (from %s and %s)", ErrDuplicatePath, c.masked, prev, c.abs)
			}
			logger.Warn("duplicate masked path, keeping later insertion",
				logger.KeyMask, c.masked, "previous", prev, "replacement", c.abs)
			removeRecord(byDir, c.masked)
		}
		seen[c.masked] = c.abs

		dirName := c.masked
		if i := strings.LastIndex(c.masked, wireSeparator); i >= 0 {
			dirName = c.masked[:i]
		}
		dir, ok := byDir[dirName]
		if !ok {
			dir = &Directory{Name: dirName}
			byDir[dirName] = dir
			order = append(order, dirName)
		}

		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(c.abs)), ".")
		dir.Files = append(dir.Files, FileRecord{
			Filename:   c.masked,
			Size:       c.size,
			Extension:  ext,
			Attributes: ReadAttributes(c.abs),
		})

		if pct := (i + 1) * 100 / len(paths); pct > lastPercent {
			lastPercent = pct
			report(opts.Progress, float64(pct)/100)
		}
	}

	dirs := make([]Directory, 0, len(order))
	for _, name := range order {
		dirs = append(dirs, *byDir[name])
	}
	return dirs, nil
}

func removeRecord(byDir map[string]*Directory, masked string) {
	for _, dir := range byDir {
		for i, f := range dir.Files {
			if f.Filename == masked {
				dir.Files = append(dir.Files[:i], dir.Files[i+1:]...)
				return
			}
		}
	}
}

func report(fn func(float64), fraction float64) {
	if fn != nil {
		fn(fraction)
	}
}
