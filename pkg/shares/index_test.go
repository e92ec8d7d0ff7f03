package shares

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
}

func fill(t *testing.T, idx *Index, opts ScanOptions) Counts {
	t.Helper()
	counts, err := NewScanner(idx).Fill(context.Background(), opts)
	require.NoError(t, err)
	return counts
}

func TestFillAndQuery(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, filepath.Join(rootA, "song.mp3"), 5<<20)
	writeFile(t, filepath.Join(rootB, "track.flac"), 20<<20)

	idx := newTestIndex(t)
	counts := fill(t, idx, ScanOptions{Roots: []string{rootA, rootB}})

	assert.Equal(t, 2, counts.Files)
	assert.Equal(t, 2, counts.Directories)
	assert.Equal(t, 0, counts.Excluded)

	results := idx.Search("song")
	require.Len(t, results, 1)
	assert.True(t, strings.HasSuffix(results[0].File.Filename, `\song.mp3`))
	assert.Equal(t, uint64(5<<20), results[0].File.Size)
	assert.Equal(t, LocalHost, results[0].Host)

	abs, err := idx.Resolve(results[0].File.Filename)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rootA, "song.mp3"), abs)
}

func TestQueriesEmptyBeforeFirstFill(t *testing.T) {
	idx := newTestIndex(t)
	assert.False(t, idx.Filled())
	assert.Empty(t, idx.Search("anything at all"))
	assert.Empty(t, idx.Browse())
}

func TestSearchMinimumLength(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ab.mp3"), 100)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	assert.Empty(t, idx.Search("ab"))
	assert.Empty(t, idx.Search(`"\/`))
	assert.Empty(t, idx.Search("  "))
}

func TestSearchSanitizesSeparators(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album", "great song.mp3"), 100)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	results := idx.Search(`great\song`)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].File.Filename, "great song.mp3")
}

func TestBrowseAgreesWithCounts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 1)
	writeFile(t, filepath.Join(root, "sub", "b.mp3"), 2)
	writeFile(t, filepath.Join(root, "sub", "c.mp3"), 3)

	idx := newTestIndex(t)
	counts := fill(t, idx, ScanOptions{Roots: []string{root}})

	browsed := 0
	for _, dir := range idx.Browse() {
		browsed += len(dir.Files)
	}
	assert.Equal(t, counts.Files, browsed)
}

func TestResolveTotalOverAdvertisedPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "y.mp3"), 1)
	writeFile(t, filepath.Join(root, "z.mp3"), 1)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	for _, dir := range idx.Browse() {
		for _, f := range dir.Files {
			abs, err := idx.Resolve(f.Filename)
			require.NoError(t, err)
			_, statErr := os.Stat(abs)
			require.NoError(t, statErr)
		}
	}
}

func TestResolveUnknownPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 1)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	_, err := idx.Resolve(filepath.Base(root) + `\missing.mp3`)
	assert.ErrorIs(t, err, ErrNotShared)

	_, err = idx.Resolve(`nosuchmask\a.mp3`)
	assert.ErrorIs(t, err, ErrNotShared)
}

func TestFillIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 10)
	writeFile(t, filepath.Join(root, "d", "b.mp3"), 20)

	idx := newTestIndex(t)
	opts := ScanOptions{Roots: []string{root}}
	first := fill(t, idx, opts)
	firstBrowse := idx.Browse()

	second := fill(t, idx, opts)
	assert.Equal(t, first, second)
	assert.Equal(t, firstBrowse, idx.Browse())
}

func TestFillAppliesFilters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.mp3"), 1)
	writeFile(t, filepath.Join(root, "skip.tmp"), 1)
	writeFile(t, filepath.Join(root, "private", "hidden.mp3"), 1)

	idx := newTestIndex(t)
	counts := fill(t, idx, ScanOptions{
		Roots:   []string{root},
		Filters: []string{"**/*.tmp", "**/private"},
	})

	assert.Equal(t, 1, counts.Files)
	assert.Equal(t, 1, counts.Excluded)
	assert.Empty(t, idx.Search("hidden"))
	require.Len(t, idx.Search("keep"), 1)
}

func TestFillMissingRootDegrades(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 1)

	idx := newTestIndex(t)
	counts := fill(t, idx, ScanOptions{Roots: []string{root, "/does/not/exist"}})
	assert.Equal(t, 1, counts.Files)
}

func TestFillFailurePreservesSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp3"), 1)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	_, err := NewScanner(idx).Fill(context.Background(), ScanOptions{
		Roots:   []string{root},
		Filters: []string{"[bad"},
	})
	require.Error(t, err)

	// The previous snapshot is still fully visible.
	assert.True(t, idx.Filled())
	require.Len(t, idx.Search("a.mp3"), 1)
}

func TestFillProgressCoarse(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(root, "d", "f"+string(rune('a'+i))+".mp3"), 1)
	}

	idx := newTestIndex(t)
	var fractions []float64
	fill(t, idx, ScanOptions{
		Roots:    []string{root},
		Progress: func(f float64) { fractions = append(fractions, f) },
	})

	require.NotEmpty(t, fractions)
	assert.Equal(t, 0.0, fractions[0])
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
}

func TestExportImportHost(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album", "01.mp3"), 1024)
	writeFile(t, filepath.Join(root, "album", "02.mp3"), 2048)

	agentIdx := newTestIndex(t)
	fill(t, agentIdx, ScanOptions{Roots: []string{root}})

	shipped := filepath.Join(t.TempDir(), "shipped.db")
	require.NoError(t, agentIdx.Export(shipped))

	controllerIdx := newTestIndex(t)
	localRoot := t.TempDir()
	writeFile(t, filepath.Join(localRoot, "local.mp3"), 1)
	fill(t, controllerIdx, ScanOptions{Roots: []string{localRoot}})

	counts, err := controllerIdx.ImportHost("a1", shipped)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Files)

	// The agent slice is searchable and attributed to its host.
	results := controllerIdx.Search("01.mp3")
	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].Host)

	host, rec, err := controllerIdx.Locate(results[0].File.Filename)
	require.NoError(t, err)
	assert.Equal(t, "a1", host)
	assert.Equal(t, uint64(1024), rec.Size)

	// Local files stay local.
	total := controllerIdx.Counts()
	assert.Equal(t, 3, total.Files)
	assert.Equal(t, []string{LocalHost, "a1"}, controllerIdx.Hosts())
}

func TestImportHostRejectsGarbage(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(bad, []byte("not a database"), 0644))

	idx := newTestIndex(t)
	_, err := idx.ImportHost("a1", bad)
	require.Error(t, err)
}

func TestContents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "album", "01.mp3"), 1)
	writeFile(t, filepath.Join(root, "album", "02.mp3"), 1)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{root}})

	mask := filepath.Base(root)
	files := idx.Contents(mask + `\album`)
	assert.Len(t, files, 2)

	assert.Empty(t, idx.Contents(`nosuch\dir`))
}

func TestReplaceHostSwapsAtomically(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, filepath.Join(rootA, "old.mp3"), 1)
	writeFile(t, filepath.Join(rootB, "new.mp3"), 1)

	idx := newTestIndex(t)
	fill(t, idx, ScanOptions{Roots: []string{rootA}})
	require.Len(t, idx.Search("old.mp3"), 1)

	fill(t, idx, ScanOptions{Roots: []string{rootB}})
	assert.Empty(t, idx.Search("old.mp3"))
	assert.Len(t, idx.Search("new.mp3"), 1)
}

func TestReopenServesPersistedSlices(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "persist.mp3"), 1)

	idx, err := Open(dir)
	require.NoError(t, err)
	fill(t, idx, ScanOptions{Roots: []string{root}})
	require.NoError(t, idx.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Filled())
	require.Len(t, reopened.Search("persist"), 1)
	assert.Equal(t, 1, reopened.Counts().Files)
}
