// Package store holds the per-session chunk store and its derived indices:
// two lexical (BM25) indices, one dense vector index, and an optional
// SQLite archive for persisting contextualized chunk stores between runs.
//
// A chunk store and its indices are owned by exactly one retrieval session.
// They are built once via an explicit prepare step and are immutable until
// the next rebuild; there is no incremental insert or delete-in-place.
package store

import (
	"fmt"
	"strings"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// Chunk is the atomic retrievable unit: one text snippet plus the metadata
// of the source document it was extracted from.
type Chunk struct {
	// SourceKey is an opaque identifier for the originating document,
	// typically a URL.
	SourceKey string

	// Title is the human-readable title of the source document.
	Title string

	// Description is the source document's description.
	Description string

	// RawText is the original snippet text.
	RawText string

	// ContextText is the generated context paragraph. Empty until
	// contextualization runs; the chunk then degrades gracefully to its
	// raw text for lexical indexing.
	ContextText string
}

// Contextualized returns the context paragraph prepended to the raw text,
// or the raw text alone when no context has been generated.
func (c *Chunk) Contextualized() string {
	if c.ContextText == "" {
		return c.RawText
	}
	return c.ContextText + "\n\n" + c.RawText
}

// SourceDocument is the unit returned to callers: a source's metadata plus
// its snippets. Scoring happens at chunk granularity, but query results are
// deduplicated lists of SourceDocuments.
type SourceDocument struct {
	SourceKey   string
	Title       string
	Description string

	// Snippets holds the source's snippet texts. For a search hit the
	// matching chunk's text is placed first, so Snippets[0] is the best
	// matching snippet.
	Snippets []string
}

// FirstSnippet returns the first non-empty snippet, or "" if none exists.
func (d *SourceDocument) FirstSnippet() string {
	for _, s := range d.Snippets {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// sourceMeta tracks one source document and the positions of its chunks.
type sourceMeta struct {
	title       string
	description string
	positions   []int
}

// ChunkStore holds the chunks collected for one retrieval session.
//
// The chunk slice is the single source of truth for index alignment:
// position i in every derived list (raw texts, contextualized texts,
// embeddings, BM25 documents) refers to chunks[i]. Breaking that alignment
// silently corrupts score attribution, so derived lists are only ever
// produced by iterating the chunk slice in order.
type ChunkStore struct {
	chunks  []*Chunk
	sources map[string]*sourceMeta
	order   []string // source keys in first-seen order
}

// NewChunkStore creates an empty chunk store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		sources: make(map[string]*sourceMeta),
	}
}

// AddSource registers a source document and spawns one chunk per snippet.
// Empty snippets are kept to preserve the caller's snippet numbering; they
// are skipped at index-build time instead. Re-adding a known source key
// appends its snippets as additional chunks of the same source.
func (s *ChunkStore) AddSource(sourceKey, title, description string, snippets []string) {
	meta, ok := s.sources[sourceKey]
	if !ok {
		meta = &sourceMeta{title: title, description: description}
		s.sources[sourceKey] = meta
		s.order = append(s.order, sourceKey)
	}

	for _, snippet := range snippets {
		pos := len(s.chunks)
		s.chunks = append(s.chunks, &Chunk{
			SourceKey:   sourceKey,
			Title:       title,
			Description: description,
			RawText:     snippet,
		})
		meta.positions = append(meta.positions, pos)
	}
}

// appendChunk restores a single chunk at the next position. Used by the
// archive loader, which must reproduce positions exactly as saved.
func (s *ChunkStore) appendChunk(c *Chunk) {
	meta, ok := s.sources[c.SourceKey]
	if !ok {
		meta = &sourceMeta{title: c.Title, description: c.Description}
		s.sources[c.SourceKey] = meta
		s.order = append(s.order, c.SourceKey)
	}
	meta.positions = append(meta.positions, len(s.chunks))
	s.chunks = append(s.chunks, c)
}

// Len returns the number of chunks.
func (s *ChunkStore) Len() int {
	return len(s.chunks)
}

// SourceCount returns the number of distinct source documents.
func (s *ChunkStore) SourceCount() int {
	return len(s.order)
}

// At returns the chunk at position i.
func (s *ChunkStore) At(i int) *Chunk {
	return s.chunks[i]
}

// SetContext stores the generated context paragraph for the chunk at
// position i.
func (s *ChunkStore) SetContext(i int, text string) error {
	if i < 0 || i >= len(s.chunks) {
		return fatherrors.InternalError(
			fmt.Sprintf("chunk position %d out of range [0,%d)", i, len(s.chunks)), nil)
	}
	s.chunks[i].ContextText = text
	return nil
}

// RawTexts returns the raw snippet texts in chunk order.
func (s *ChunkStore) RawTexts() []string {
	out := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.RawText
	}
	return out
}

// ContextualizedTexts returns the contextualized texts in chunk order.
// Positions align with RawTexts by construction.
func (s *ChunkStore) ContextualizedTexts() []string {
	out := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.Contextualized()
	}
	return out
}

// SourceText returns the concatenation of all snippets of the chunk's
// source, used as the representative full-document text for
// contextualization.
func (s *ChunkStore) SourceText(sourceKey string) string {
	meta, ok := s.sources[sourceKey]
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(meta.positions))
	for _, pos := range meta.positions {
		if t := s.chunks[pos].RawText; t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// PositionsBySource returns chunk positions grouped by source key, in
// first-seen source order. Used to dispatch contextualization per source.
func (s *ChunkStore) PositionsBySource() map[string][]int {
	out := make(map[string][]int, len(s.sources))
	for key, meta := range s.sources {
		positions := make([]int, len(meta.positions))
		copy(positions, meta.positions)
		out[key] = positions
	}
	return out
}

// SourceKeys returns the source keys in first-seen order.
func (s *ChunkStore) SourceKeys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// DocumentAt wraps the chunk at position i as a SourceDocument. The hit
// chunk's raw text becomes the first snippet, followed by the source's
// remaining snippets in store order.
func (s *ChunkStore) DocumentAt(i int) *SourceDocument {
	c := s.chunks[i]
	meta := s.sources[c.SourceKey]

	snippets := make([]string, 0, len(meta.positions))
	snippets = append(snippets, c.RawText)
	for _, pos := range meta.positions {
		if pos == i {
			continue
		}
		snippets = append(snippets, s.chunks[pos].RawText)
	}

	return &SourceDocument{
		SourceKey:   c.SourceKey,
		Title:       c.Title,
		Description: c.Description,
		Snippets:    snippets,
	}
}
