// Package corpus loads plain-text and markdown files into a chunk store,
// one source per file with one chunk per paragraph.
package corpus

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/store"
)

// textExtensions are the file types loaded into the corpus.
var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// LoadDir walks root and adds every text file as a source document. The
// source key is the path relative to root, the title is the first markdown
// heading or the file name, and each blank-line separated paragraph becomes
// one snippet.
func LoadDir(root string, s *store.ChunkStore) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		text := string(data)
		title := extractTitle(text, rel)
		snippets := SplitParagraphs(text)
		if len(snippets) == 0 {
			slog.Debug("corpus_file_empty", slog.String("path", rel))
			return nil
		}

		s.AddSource(rel, title, "", snippets)
		return nil
	})
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeCorpusRead, err).
			WithDetail("root", root)
	}

	slog.Info("corpus_loaded",
		slog.String("root", root),
		slog.Int("sources", s.SourceCount()),
		slog.Int("chunks", s.Len()))
	return nil
}

// SplitParagraphs splits text on blank lines, trimming each paragraph and
// dropping empty ones. Markdown heading lines are kept as part of the
// paragraph that follows them; a heading alone is too thin a snippet to
// retrieve against.
func SplitParagraphs(text string) []string {
	blocks := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(blocks))
	heading := ""
	for _, b := range blocks {
		trimmed := strings.TrimSpace(b)
		if trimmed == "" {
			continue
		}
		if headingOnly(trimmed) {
			if heading != "" {
				heading += "\n" + trimmed
			} else {
				heading = trimmed
			}
			continue
		}
		if heading != "" {
			trimmed = heading + "\n" + trimmed
			heading = ""
		}
		out = append(out, trimmed)
	}
	if heading != "" {
		out = append(out, heading)
	}
	return out
}

// headingOnly reports whether every line of the block is a markdown heading.
func headingOnly(block string) bool {
	for _, line := range strings.Split(block, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "#") {
			return false
		}
	}
	return true
}

// extractTitle returns the first markdown H1 heading, falling back to the
// file name without its extension.
func extractTitle(text, rel string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			break
		}
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
