package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-ai/fathom/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "solar.md", "# Solar Power\n\nPanels convert sunlight.\n\nInverters feed the grid.\n")
	writeFile(t, dir, "notes/wind.txt", "Turbines spin in the wind.\n")
	writeFile(t, dir, "ignore.bin", "binary blob")
	writeFile(t, dir, ".hidden/secret.md", "# Hidden\n\nskipped\n")

	s := store.NewChunkStore()
	require.NoError(t, LoadDir(dir, s))

	assert.Equal(t, 2, s.SourceCount())
	assert.Equal(t, 3, s.Len())

	keys := s.SourceKeys()
	assert.Contains(t, keys, "solar.md")
	assert.Contains(t, keys, filepath.Join("notes", "wind.txt"))

	// Walk order is lexical, so look the source up by key.
	solar := chunksBySource(s, "solar.md")
	require.Len(t, solar, 2)
	assert.Equal(t, "Solar Power", solar[0].Title)
	assert.Equal(t, "# Solar Power\nPanels convert sunlight.", solar[0].RawText)
	assert.Equal(t, "Inverters feed the grid.", solar[1].RawText)
}

// chunksBySource collects a source's chunks in store order.
func chunksBySource(s *store.ChunkStore, key string) []*store.Chunk {
	var out []*store.Chunk
	for i := 0; i < s.Len(); i++ {
		if c := s.At(i); c.SourceKey == key {
			out = append(out, c)
		}
	}
	return out
}

func TestLoadDir_EmptyFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.md", "\n\n  \n")

	s := store.NewChunkStore()
	require.NoError(t, LoadDir(dir, s))
	assert.Zero(t, s.SourceCount())
}

func TestLoadDir_MissingRoot(t *testing.T) {
	s := store.NewChunkStore()
	assert.Error(t, LoadDir(filepath.Join(t.TempDir(), "missing"), s))
}

func TestSplitParagraphs(t *testing.T) {
	got := SplitParagraphs("first para\nstill first\n\nsecond para\n\n\n\nthird")
	assert.Equal(t, []string{"first para\nstill first", "second para", "third"}, got)

	assert.Empty(t, SplitParagraphs("   \n\n  "))
}

func TestSplitParagraphs_HeadingJoinsNextParagraph(t *testing.T) {
	got := SplitParagraphs("# Title\n\nFirst body.\n\n## Section\n\nSecond body.")
	assert.Equal(t, []string{"# Title\nFirst body.", "## Section\nSecond body."}, got)

	// Consecutive headings stack onto the same following paragraph.
	got = SplitParagraphs("# Title\n\n## Section\n\nBody.")
	assert.Equal(t, []string{"# Title\n## Section\nBody."}, got)

	// A trailing heading with nothing after it stands alone.
	got = SplitParagraphs("Body.\n\n# Tail")
	assert.Equal(t, []string{"Body.", "# Tail"}, got)
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Heading", extractTitle("# Heading\n\nbody", "x/file.md"))
	assert.Equal(t, "file", extractTitle("no heading here", "x/file.md"))
	assert.Equal(t, "Late", extractTitle("\n\n# Late\nbody", "f.md"))
}
