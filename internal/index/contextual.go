// Package index generates per-chunk context paragraphs used by the
// contextualized lexical index and the dense index.
//
// Context generation is best effort. A backend failure for one chunk never
// fails the prepare run; the chunk falls back to a templated one-liner built
// from its source title.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/calliope-ai/fathom/internal/store"
)

// MaxContextWords caps the stored context length.
const MaxContextWords = 100

// ContextGenerator produces a short situating paragraph for a chunk given
// the full text of its source document.
type ContextGenerator interface {
	// GenerateContext returns the context paragraph for one chunk.
	GenerateContext(ctx context.Context, chunk *store.Chunk, sourceText string) (string, error)

	// Available checks whether the generator's backend is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// FallbackContext builds the templated context used when generation is
// disabled or fails for a chunk.
func FallbackContext(title string) string {
	return fmt.Sprintf("This is a snippet from a document titled '%s'.", title)
}

// LimitWords truncates text to at most max words, joined by single spaces.
// Text at or under the limit passes through with its whitespace collapsed.
func LimitWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) > max {
		words = words[:max]
	}
	return strings.Join(words, " ")
}

// FallbackGenerator always returns the templated fallback context. Used when
// contextualization is disabled in configuration.
type FallbackGenerator struct{}

// NewFallbackGenerator creates a generator with no model backend.
func NewFallbackGenerator() *FallbackGenerator {
	return &FallbackGenerator{}
}

// GenerateContext returns the templated fallback for the chunk's title.
func (g *FallbackGenerator) GenerateContext(ctx context.Context, chunk *store.Chunk, sourceText string) (string, error) {
	return FallbackContext(chunk.Title), nil
}

// Available always returns true.
func (g *FallbackGenerator) Available(ctx context.Context) bool { return true }

// Close is a no-op.
func (g *FallbackGenerator) Close() error { return nil }

// Verify interface implementation.
var _ ContextGenerator = (*FallbackGenerator)(nil)
