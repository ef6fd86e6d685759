package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	index "github.com/blevesearch/bleve_index_api"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// Default blend weights for combining the two BM25 score vectors.
// Contextualized text is lexically richer, so it weighs higher.
const (
	DefaultContextualWeight = 0.6
	DefaultRawWeight        = 0.4
)

// LexicalResult is a per-chunk combined BM25 score.
type LexicalResult struct {
	// Pos is the chunk position in the store.
	Pos int

	// Score is the blended, normalized score.
	Score float64

	// RawScore and ContextScore are the per-index scores before
	// normalization, preserved for the retrieval trace.
	RawScore     float64
	ContextScore float64
}

// DualBM25Config configures the dual lexical index.
type DualBM25Config struct {
	// ContextualWeight is the blend weight for the contextualized index.
	ContextualWeight float64

	// RawWeight is the blend weight for the raw index.
	RawWeight float64
}

// DefaultDualBM25Config returns the default blend weights.
func DefaultDualBM25Config() DualBM25Config {
	return DualBM25Config{
		ContextualWeight: DefaultContextualWeight,
		RawWeight:        DefaultRawWeight,
	}
}

// DualBM25Index holds two independent Bleve indices: one over raw chunk
// text, one over contextualized chunk text. Both share the chunk store's
// positional alignment; document IDs are chunk positions.
//
// Construction fails soft: an index built over zero non-empty documents is
// left nil, and queries against it contribute nothing to the blend. Only
// when both indices are unset does a search return an empty result set
// (with a warning, never an error).
type DualBM25Index struct {
	mu         sync.RWMutex
	raw        bleve.Index // nil when raw corpus was empty
	contextual bleve.Index // nil when contextualized corpus was empty
	size       int
	config     DualBM25Config
	closed     bool
}

// chunkDocument is the Bleve document structure.
type chunkDocument struct {
	Content string `json:"content"`
}

// BuildDualBM25Index tokenizes and indexes the store's raw and
// contextualized texts into two in-memory Bleve indices.
func BuildDualBM25Index(ctx context.Context, s *ChunkStore, cfg DualBM25Config) (*DualBM25Index, error) {
	if cfg.ContextualWeight == 0 && cfg.RawWeight == 0 {
		cfg = DefaultDualBM25Config()
	}

	idx := &DualBM25Index{
		size:   s.Len(),
		config: cfg,
	}

	raw, err := buildMemIndex(ctx, s.RawTexts())
	if err != nil {
		return nil, fmt.Errorf("build raw BM25 index: %w", err)
	}
	if raw == nil {
		slog.Warn("bm25_raw_index_unset", slog.Int("chunks", s.Len()))
	}
	idx.raw = raw

	contextual, err := buildMemIndex(ctx, s.ContextualizedTexts())
	if err != nil {
		return nil, fmt.Errorf("build contextualized BM25 index: %w", err)
	}
	if contextual == nil {
		slog.Warn("bm25_contextual_index_unset", slog.Int("chunks", s.Len()))
	}
	idx.contextual = contextual

	return idx, nil
}

// buildMemIndex indexes non-empty texts into a new in-memory Bleve index.
// Returns (nil, nil) when every text is empty: the fail-soft path.
func buildMemIndex(ctx context.Context, texts []string) (bleve.Index, error) {
	nonEmpty := 0
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return nil, nil
	}

	idx, err := bleve.NewMemOnly(createIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create in-memory index: %w", err)
	}

	batch := idx.NewBatch()
	for pos, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		doc := chunkDocument{Content: text}
		if err := batch.Index(strconv.Itoa(pos), doc); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("index chunk %d: %w", pos, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("execute index batch: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = idx.Close()
		return nil, ctx.Err()
	default:
	}

	return idx, nil
}

// createIndexMapping creates the Bleve index mapping. The standard analyzer
// (lowercase + unicode tokenization) is sufficient for prose snippets.
// Bleve scores with tf-idf unless told otherwise, so BM25 is set explicitly.
func createIndexMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.ScoringModel = index.BM25Scoring
	return m
}

// Search returns the top-k chunks by the blended BM25 score.
//
// Each sub-index's score vector is normalized by its own maximum (a zero
// maximum treats the divisor as 1.0, so no NaN/Inf can escape), then the
// two vectors are combined as a weighted sum over the union of matching
// chunk positions.
func (d *DualBM25Index) Search(ctx context.Context, query string, k int) ([]*LexicalResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fatherrors.New(fatherrors.ErrCodeIndexUnavailable, "lexical index is closed", nil)
	}
	if strings.TrimSpace(query) == "" || d.size == 0 || k <= 0 {
		return []*LexicalResult{}, nil
	}
	if d.raw == nil && d.contextual == nil {
		slog.Warn("bm25_search_skipped", slog.String("reason", "both indices unset"))
		return []*LexicalResult{}, nil
	}

	rawScores, err := d.queryIndex(ctx, d.raw, query)
	if err != nil {
		return nil, fmt.Errorf("raw BM25 search: %w", err)
	}
	ctxScores, err := d.queryIndex(ctx, d.contextual, query)
	if err != nil {
		return nil, fmt.Errorf("contextualized BM25 search: %w", err)
	}

	rawNorm := normalizeScores(rawScores)
	ctxNorm := normalizeScores(ctxScores)

	// Union of positions matched by either index.
	positions := make(map[int]struct{}, len(rawScores)+len(ctxScores))
	for pos := range rawScores {
		positions[pos] = struct{}{}
	}
	for pos := range ctxScores {
		positions[pos] = struct{}{}
	}

	results := make([]*LexicalResult, 0, len(positions))
	for pos := range positions {
		results = append(results, &LexicalResult{
			Pos:          pos,
			Score:        d.config.RawWeight*rawNorm[pos] + d.config.ContextualWeight*ctxNorm[pos],
			RawScore:     rawScores[pos],
			ContextScore: ctxScores[pos],
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Pos < results[j].Pos
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// queryIndex returns chunk position -> BM25 score for one sub-index.
// A nil (unset) index yields an empty map.
func (d *DualBM25Index) queryIndex(ctx context.Context, idx bleve.Index, query string) (map[int]float64, error) {
	scores := make(map[int]float64)
	if idx == nil {
		return scores, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = d.size

	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, hit := range result.Hits {
		pos, err := strconv.Atoi(hit.ID)
		if err != nil || pos < 0 || pos >= d.size {
			continue
		}
		scores[pos] = hit.Score
	}
	return scores, nil
}

// normalizeScores divides every score by the vector's maximum.
// A non-positive maximum treats the divisor as 1.0.
func normalizeScores(scores map[int]float64) map[int]float64 {
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	divisor := maxScore
	if divisor <= 0 {
		divisor = 1.0
	}

	out := make(map[int]float64, len(scores))
	for pos, s := range scores {
		out[pos] = s / divisor
	}
	return out
}

// Size returns the number of chunks the index was built over.
func (d *DualBM25Index) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Available reports whether at least one sub-index was built.
func (d *DualBM25Index) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.closed && (d.raw != nil || d.contextual != nil)
}

// Close releases both sub-indices.
func (d *DualBM25Index) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.raw != nil {
		if err := d.raw.Close(); err != nil {
			firstErr = err
		}
		d.raw = nil
	}
	if d.contextual != nil {
		if err := d.contextual.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.contextual = nil
	}
	return firstErr
}
