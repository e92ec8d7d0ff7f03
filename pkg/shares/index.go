package shares

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// LocalHost keys the slice of the index owned by this process. Agent
// slices on a controller are keyed by agent name.
const LocalHost = "local"

// minQueryLength is the shortest search query the index answers.
const minQueryLength = 3

var (
	// ErrNotShared is returned when a masked path is not in the index.
	ErrNotShared = errors.New("file not shared")

	// ErrUnknownHost is returned for queries against an unknown host.
	ErrUnknownHost = errors.New("unknown share host")
)

// FileRecord is one shared file as advertised to peers.
type FileRecord struct {
	// Filename is the full masked path in wire form.
	Filename   string     `json:"filename"`
	Size       uint64     `json:"size"`
	Extension  string     `json:"extension"`
	Attributes Attributes `json:"attributes"`
}

// Directory is one masked directory and its files.
type Directory struct {
	Name  string       `json:"name"`
	Files []FileRecord `json:"files"`
}

// SearchResult is a matching file and the host that owns it.
type SearchResult struct {
	Host string     `json:"host"`
	File FileRecord `json:"file"`
}

// Counts summarizes one host's slice of the index.
type Counts struct {
	Directories int `json:"directories"`
	Files       int `json:"files"`
	Excluded    int `json:"excluded"`
}

// Index is the share index. Readers query the current snapshot; a fill
// builds a replacement slice and swaps it in a single transaction, so
// search and browse always agree.
type Index struct {
	db   *gorm.DB
	path string

	mu     sync.RWMutex
	masks  map[string]*MaskMap
	counts map[string]Counts
	filled bool
}

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	host      TEXT PRIMARY KEY,
	excluded  INTEGER NOT NULL DEFAULT 0,
	filled_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS shares (
	host TEXT NOT NULL,
	mask TEXT NOT NULL,
	root TEXT NOT NULL,
	PRIMARY KEY (host, mask)
);
CREATE TABLE IF NOT EXISTS directories (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	host     TEXT NOT NULL,
	name     TEXT NOT NULL,
	position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_directories_host ON directories(host, position);
CREATE TABLE IF NOT EXISTS records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	host         TEXT NOT NULL,
	directory_id INTEGER NOT NULL,
	filename     TEXT NOT NULL,
	size         INTEGER NOT NULL,
	extension    TEXT NOT NULL,
	bitrate      INTEGER NOT NULL DEFAULT 0,
	duration     INTEGER NOT NULL DEFAULT 0,
	sample_rate  INTEGER NOT NULL DEFAULT 0,
	bit_depth    INTEGER NOT NULL DEFAULT 0,
	vbr          INTEGER NOT NULL DEFAULT 0,
	lossless     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_host ON records(host);
CREATE INDEX IF NOT EXISTS idx_records_filename ON records(filename);
CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(tokens);
`

// Open opens (creating if necessary) the index database under dir. Any
// slices persisted by a previous run are served immediately.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	path := filepath.Join(dir, "shares.db")
	return openIndexFile(path)
}

func openIndexFile(path string) (*Index, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open share index: %w", err)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("failed to create share index schema: %w", err)
		}
	}

	idx := &Index{
		db:     db,
		path:   path,
		masks:  make(map[string]*MaskMap),
		counts: make(map[string]Counts),
	}
	if err := idx.reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// reload rebuilds the in-memory mask maps and counters from the tables.
func (idx *Index) reload() error {
	var shares []struct {
		Host string
		Mask string
		Root string
	}
	if err := idx.db.Raw(`SELECT host, mask, root FROM shares`).Scan(&shares).Error; err != nil {
		return fmt.Errorf("failed to load share masks: %w", err)
	}

	pairs := make(map[string]map[string]string)
	for _, s := range shares {
		if pairs[s.Host] == nil {
			pairs[s.Host] = make(map[string]string)
		}
		pairs[s.Host][s.Mask] = s.Root
	}

	var hosts []struct {
		Host     string
		Excluded int
	}
	if err := idx.db.Raw(`SELECT host, excluded FROM hosts`).Scan(&hosts).Error; err != nil {
		return fmt.Errorf("failed to load share hosts: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.masks = make(map[string]*MaskMap, len(pairs))
	for host, p := range pairs {
		idx.masks[host] = maskMapFromPairs(p)
	}

	idx.counts = make(map[string]Counts, len(hosts))
	for _, h := range hosts {
		c := Counts{Excluded: h.Excluded}
		idx.db.Raw(`SELECT COUNT(*) FROM directories WHERE host = ?`, h.Host).Scan(&c.Directories)
		idx.db.Raw(`SELECT COUNT(*) FROM records WHERE host = ?`, h.Host).Scan(&c.Files)
		idx.counts[h.Host] = c
		if h.Host == LocalHost {
			idx.filled = true
		}
	}
	return nil
}

// ReplaceHost atomically replaces one host's slice with a freshly built
// one. Readers see either the old slice or the new one, never a mix.
func (idx *Index) ReplaceHost(host string, masks *MaskMap, dirs []Directory, excluded int) error {
	err := idx.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteHost(tx, host); err != nil {
			return err
		}

		for mask, root := range masks.Masks() {
			if err := tx.Exec(`INSERT INTO shares (host, mask, root) VALUES (?, ?, ?)`,
				host, mask, root).Error; err != nil {
				return err
			}
		}

		for pos, dir := range dirs {
			if err := tx.Exec(`INSERT INTO directories (host, name, position) VALUES (?, ?, ?)`,
				host, dir.Name, pos).Error; err != nil {
				return err
			}
			var dirID int64
			if err := tx.Raw(`SELECT last_insert_rowid()`).Scan(&dirID).Error; err != nil {
				return err
			}

			for _, f := range dir.Files {
				if err := tx.Exec(`INSERT INTO records
					(host, directory_id, filename, size, extension,
					 bitrate, duration, sample_rate, bit_depth, vbr, lossless)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					host, dirID, f.Filename, f.Size, f.Extension,
					f.Attributes.BitrateKbps, f.Attributes.Duration,
					f.Attributes.SampleRate, f.Attributes.BitDepth,
					f.Attributes.VBR, f.Attributes.Lossless).Error; err != nil {
					return err
				}
				var recID int64
				if err := tx.Raw(`SELECT last_insert_rowid()`).Scan(&recID).Error; err != nil {
					return err
				}
				if err := tx.Exec(`INSERT INTO records_fts (rowid, tokens) VALUES (?, ?)`,
					recID, tokenize(f.Filename)).Error; err != nil {
					return err
				}
			}
		}

		return tx.Exec(`INSERT INTO hosts (host, excluded, filled_at) VALUES (?, ?, ?)`,
			host, excluded, time.Now().UTC().Format(time.RFC3339)).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace share slice for %s: %w", host, err)
	}

	files := 0
	for _, d := range dirs {
		files += len(d.Files)
	}

	idx.mu.Lock()
	idx.masks[host] = masks
	idx.counts[host] = Counts{Directories: len(dirs), Files: files, Excluded: excluded}
	if host == LocalHost {
		idx.filled = true
	}
	idx.mu.Unlock()
	return nil
}

// RemoveHost drops one host's slice, e.g. when an agent disconnects
// permanently.
func (idx *Index) RemoveHost(host string) error {
	err := idx.db.Transaction(func(tx *gorm.DB) error {
		return deleteHost(tx, host)
	})
	if err != nil {
		return fmt.Errorf("failed to remove share slice for %s: %w", host, err)
	}

	idx.mu.Lock()
	delete(idx.masks, host)
	delete(idx.counts, host)
	if host == LocalHost {
		idx.filled = false
	}
	idx.mu.Unlock()
	return nil
}

func deleteHost(tx *gorm.DB, host string) error {
	if err := tx.Exec(`DELETE FROM records_fts WHERE rowid IN
		(SELECT id FROM records WHERE host = ?)`, host).Error; err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM records WHERE host = ?`,
		`DELETE FROM directories WHERE host = ?`,
		`DELETE FROM shares WHERE host = ?`,
		`DELETE FROM hosts WHERE host = ?`,
	} {
		if err := tx.Exec(stmt, host).Error; err != nil {
			return err
		}
	}
	return nil
}

// Filled reports whether the first local fill has completed. Until then
// search and browse return empty results.
func (idx *Index) Filled() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.filled
}

// Search returns the records whose filename tokens match the query,
// de-duplicated by masked filename. Queries shorter than three
// characters after sanitization return nothing.
func (idx *Index) Search(query string) []SearchResult {
	if !idx.Filled() {
		return nil
	}
	terms := queryTerms(query)
	if terms == "" {
		return nil
	}

	var rows []struct {
		Host       string
		Filename   string
		Size       uint64
		Extension  string
		Bitrate    int
		Duration   int
		SampleRate int
		BitDepth   int
		Vbr        bool
		Lossless   bool
	}
	err := idx.db.Raw(`
		SELECT r.host, r.filename, r.size, r.extension,
		       r.bitrate, r.duration, r.sample_rate, r.bit_depth, r.vbr, r.lossless
		FROM records_fts f
		JOIN records r ON r.id = f.rowid
		WHERE records_fts MATCH ?`, terms).Scan(&rows).Error
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(rows))
	results := make([]SearchResult, 0, len(rows))
	for _, r := range rows {
		if seen[r.Filename] {
			continue
		}
		seen[r.Filename] = true
		results = append(results, SearchResult{
			Host: r.Host,
			File: FileRecord{
				Filename:  r.Filename,
				Size:      r.Size,
				Extension: r.Extension,
				Attributes: Attributes{
					BitrateKbps: r.Bitrate,
					Duration:    r.Duration,
					SampleRate:  r.SampleRate,
					BitDepth:    r.BitDepth,
					VBR:         r.Vbr,
					Lossless:    r.Lossless,
				},
			},
		})
	}
	return results
}

// Browse returns all directories across hosts: the local slice first in
// insertion order, then each agent slice in host order.
func (idx *Index) Browse() []Directory {
	if !idx.Filled() {
		return nil
	}

	idx.mu.RLock()
	hosts := make([]string, 0, len(idx.counts))
	for host := range idx.counts {
		if host != LocalHost {
			hosts = append(hosts, host)
		}
	}
	idx.mu.RUnlock()
	sort.Strings(hosts)

	dirs := idx.BrowseHost(LocalHost)
	for _, host := range hosts {
		dirs = append(dirs, idx.BrowseHost(host)...)
	}
	return dirs
}

// BrowseHost returns one host's directories in insertion order.
func (idx *Index) BrowseHost(host string) []Directory {
	var dirRows []struct {
		ID   int64
		Name string
	}
	err := idx.db.Raw(`SELECT id, name FROM directories WHERE host = ? ORDER BY position`,
		host).Scan(&dirRows).Error
	if err != nil {
		return nil
	}

	dirs := make([]Directory, 0, len(dirRows))
	for _, d := range dirRows {
		dirs = append(dirs, Directory{Name: d.Name, Files: idx.directoryFiles(d.ID)})
	}
	return dirs
}

func (idx *Index) directoryFiles(dirID int64) []FileRecord {
	var rows []struct {
		Filename   string
		Size       uint64
		Extension  string
		Bitrate    int
		Duration   int
		SampleRate int
		BitDepth   int
		Vbr        bool
		Lossless   bool
	}
	err := idx.db.Raw(`
		SELECT filename, size, extension, bitrate, duration, sample_rate,
		       bit_depth, vbr, lossless
		FROM records WHERE directory_id = ? ORDER BY id`, dirID).Scan(&rows).Error
	if err != nil {
		return nil
	}

	files := make([]FileRecord, 0, len(rows))
	for _, r := range rows {
		files = append(files, FileRecord{
			Filename:  r.Filename,
			Size:      r.Size,
			Extension: r.Extension,
			Attributes: Attributes{
				BitrateKbps: r.Bitrate,
				Duration:    r.Duration,
				SampleRate:  r.SampleRate,
				BitDepth:    r.BitDepth,
				VBR:         r.Vbr,
				Lossless:    r.Lossless,
			},
		})
	}
	return files
}

// Contents returns the files of one masked directory, across hosts.
// Unknown directories yield an empty slice.
func (idx *Index) Contents(name string) []FileRecord {
	if !idx.Filled() {
		return nil
	}
	var dirID int64
	err := idx.db.Raw(`SELECT id FROM directories WHERE name = ? LIMIT 1`, name).Scan(&dirID).Error
	if err != nil || dirID == 0 {
		return []FileRecord{}
	}
	return idx.directoryFiles(dirID)
}

// Resolve maps a locally shared masked path to its absolute path.
func (idx *Index) Resolve(masked string) (string, error) {
	idx.mu.RLock()
	m, ok := idx.masks[LocalHost]
	idx.mu.RUnlock()
	if !ok {
		return "", ErrNotShared
	}
	abs, ok := m.ResolvePath(masked)
	if !ok {
		return "", ErrNotShared
	}
	if !idx.advertises(LocalHost, masked) {
		return "", ErrNotShared
	}
	return abs, nil
}

// Locate returns the host advertising a masked path and its record.
func (idx *Index) Locate(masked string) (string, FileRecord, error) {
	var rows []struct {
		Host       string
		Size       uint64
		Extension  string
		Bitrate    int
		Duration   int
		SampleRate int
		BitDepth   int
		Vbr        bool
		Lossless   bool
	}
	err := idx.db.Raw(`
		SELECT host, size, extension, bitrate, duration, sample_rate,
		       bit_depth, vbr, lossless
		FROM records WHERE filename = ? LIMIT 1`, masked).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return "", FileRecord{}, ErrNotShared
	}
	r := rows[0]
	return r.Host, FileRecord{
		Filename:  masked,
		Size:      r.Size,
		Extension: r.Extension,
		Attributes: Attributes{
			BitrateKbps: r.Bitrate,
			Duration:    r.Duration,
			SampleRate:  r.SampleRate,
			BitDepth:    r.BitDepth,
			VBR:         r.Vbr,
			Lossless:    r.Lossless,
		},
	}, nil
}

func (idx *Index) advertises(host, masked string) bool {
	var n int
	idx.db.Raw(`SELECT COUNT(*) FROM records WHERE host = ? AND filename = ?`,
		host, masked).Scan(&n)
	return n > 0
}

// Counts returns the aggregate counters across all hosts.
func (idx *Index) Counts() Counts {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var total Counts
	for _, c := range idx.counts {
		total.Directories += c.Directories
		total.Files += c.Files
		total.Excluded += c.Excluded
	}
	return total
}

// CountsForHost returns one host's counters.
func (idx *Index) CountsForHost(host string) (Counts, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	c, ok := idx.counts[host]
	if !ok {
		return Counts{}, ErrUnknownHost
	}
	return c, nil
}

// Hosts returns the hosts with a slice in the index, local first.
func (idx *Index) Hosts() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var agents []string
	hosts := make([]string, 0, len(idx.counts))
	for host := range idx.counts {
		if host == LocalHost {
			hosts = append(hosts, host)
			continue
		}
		agents = append(agents, host)
	}
	sort.Strings(agents)
	return append(hosts, agents...)
}

// Path returns the index database file path.
func (idx *Index) Path() string {
	return idx.path
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// tokenize derives the full-text tokens for a masked filename: path
// separators, colons and quotes become whitespace, everything is
// lowercased. The FTS tokenizer splits the rest.
func tokenize(filename string) string {
	repl := strings.NewReplacer(`\`, " ", "/", " ", ":", " ", `"`, " ")
	return strings.ToLower(repl.Replace(filename))
}

// queryTerms sanitizes a search query into an FTS match expression.
// Returns empty for queries below the minimum length.
func queryTerms(query string) string {
	sanitized := tokenize(query)
	fields := strings.Fields(sanitized)
	if len(fields) == 0 {
		return ""
	}
	if len(strings.Join(fields, "")) < minQueryLength {
		return ""
	}
	terms := make([]string, len(fields))
	for i, f := range fields {
		terms[i] = `"` + strings.ReplaceAll(f, `"`, "") + `"`
	}
	return strings.Join(terms, " ")
}
