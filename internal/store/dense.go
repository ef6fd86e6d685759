package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/calliope-ai/fathom/internal/embed"
	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// Dense backend names.
const (
	DenseBackendFlat = "flat"
	DenseBackendHNSW = "hnsw"
)

// DenseResult is a per-chunk cosine similarity score.
type DenseResult struct {
	// Pos is the chunk position in the store.
	Pos int

	// Score is the cosine similarity mapped to [0,1] via (1+cos)/2.
	Score float64
}

// DenseConfig configures the dense index backend.
type DenseConfig struct {
	// Backend is "flat" (exact scan, default) or "hnsw" (approximate graph).
	Backend string

	// HNSWCutover switches "flat" to the graph backend above this many
	// chunks. Zero disables the cutover.
	HNSWCutover int
}

// vectorBackend is the nearest-neighbor search strategy behind DenseIndex.
type vectorBackend interface {
	add(pos int, vec []float32)
	search(query []float32, k int) []*DenseResult
	name() string
}

// DenseIndex holds one embedding per chunk, positionally aligned with the
// chunk store, and answers top-k cosine similarity queries through a
// pluggable backend.
type DenseIndex struct {
	mu       sync.RWMutex
	backend  vectorBackend
	embedder embed.Embedder
	size     int
	dims     int
	closed   bool
}

// BuildDenseIndex embeds every raw chunk text and loads the vectors into
// the selected backend. Raw text is embedded rather than contextualized
// text so the dense signal stays independent of contextualization quality.
// An empty store yields a valid, zero-size index that answers every query
// with an empty result set.
func BuildDenseIndex(ctx context.Context, s *ChunkStore, embedder embed.Embedder, cfg DenseConfig) (*DenseIndex, error) {
	idx := &DenseIndex{
		embedder: embedder,
		size:     s.Len(),
	}

	backendName := cfg.Backend
	if backendName == "" {
		backendName = DenseBackendFlat
	}
	if backendName == DenseBackendFlat && cfg.HNSWCutover > 0 && s.Len() > cfg.HNSWCutover {
		slog.Info("dense_backend_cutover",
			slog.Int("chunks", s.Len()),
			slog.Int("cutover", cfg.HNSWCutover))
		backendName = DenseBackendHNSW
	}

	switch backendName {
	case DenseBackendFlat:
		idx.backend = newFlatBackend(s.Len())
	case DenseBackendHNSW:
		idx.backend = newHNSWBackend()
	default:
		return nil, fmt.Errorf("unknown dense backend %q", backendName)
	}

	if s.Len() == 0 {
		return idx, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, s.RawTexts())
	if err != nil {
		return nil, fatherrors.New(fatherrors.ErrCodeEmbeddingFailed, "embed chunk corpus", err)
	}
	if len(vectors) != s.Len() {
		return nil, fatherrors.New(fatherrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding count %d does not match chunk count %d", len(vectors), s.Len()), nil)
	}

	idx.dims = len(vectors[0])
	for pos, vec := range vectors {
		if len(vec) != idx.dims {
			return nil, fatherrors.New(fatherrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("chunk %d: embedding dimension %d, expected %d", pos, len(vec), idx.dims), nil)
		}
		idx.backend.add(pos, vec)
	}

	slog.Debug("dense_index_built",
		slog.Int("chunks", s.Len()),
		slog.Int("dims", idx.dims),
		slog.String("backend", idx.backend.name()))
	return idx, nil
}

// Search embeds the query and returns the top-k chunks by cosine
// similarity. An empty index short-circuits before touching the embedder.
func (d *DenseIndex) Search(ctx context.Context, query string, k int) ([]*DenseResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fatherrors.New(fatherrors.ErrCodeIndexUnavailable, "dense index is closed", nil)
	}
	if d.size == 0 || k <= 0 {
		return []*DenseResult{}, nil
	}
	if k > d.size {
		k = d.size
	}

	qvec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fatherrors.New(fatherrors.ErrCodeEmbeddingFailed, "embed query", err)
	}
	if len(qvec) != d.dims {
		return nil, fatherrors.New(fatherrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query embedding dimension %d, expected %d", len(qvec), d.dims), nil)
	}

	return d.backend.search(qvec, k), nil
}

// Size returns the number of indexed chunks.
func (d *DenseIndex) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Backend returns the active backend name.
func (d *DenseIndex) Backend() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backend.name()
}

// Close marks the index closed. The embedder is owned by the session and
// is not closed here.
func (d *DenseIndex) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// flatBackend stores every vector and scans them all per query. Exact and
// fast enough for stores in the tens of thousands of chunks.
type flatBackend struct {
	vectors [][]float32
}

func newFlatBackend(capacity int) *flatBackend {
	return &flatBackend{vectors: make([][]float32, 0, capacity)}
}

func (f *flatBackend) add(pos int, vec []float32) {
	// Positions arrive in order; the slice index is the chunk position.
	f.vectors = append(f.vectors, vec)
}

func (f *flatBackend) search(query []float32, k int) []*DenseResult {
	results := make([]*DenseResult, 0, len(f.vectors))
	for pos, vec := range f.vectors {
		results = append(results, &DenseResult{
			Pos:   pos,
			Score: cosineScore(query, vec),
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
	return results
}

func (f *flatBackend) name() string { return DenseBackendFlat }

// hnswBackend wraps a coder/hnsw graph keyed by chunk position. Approximate,
// for stores too large to scan per query.
type hnswBackend struct {
	graph *hnsw.Graph[uint64]
}

func newHNSWBackend() *hnswBackend {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 48
	graph.Ml = 0.25
	return &hnswBackend{graph: graph}
}

func (h *hnswBackend) add(pos int, vec []float32) {
	h.graph.Add(hnsw.MakeNode(uint64(pos), vec))
}

func (h *hnswBackend) search(query []float32, k int) []*DenseResult {
	nodes := h.graph.Search(query, k)
	results := make([]*DenseResult, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, &DenseResult{
			Pos:   int(node.Key),
			Score: cosineScore(query, node.Value),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Pos < results[j].Pos
	})
	return results
}

func (h *hnswBackend) name() string { return DenseBackendHNSW }

// cosineScore maps cosine similarity of two unit vectors into [0,1].
// Embedder outputs are normalized, so the dot product is the cosine.
func cosineScore(a, b []float32) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return (1 + dot) / 2
}
