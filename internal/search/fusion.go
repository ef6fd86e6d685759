// Package search implements the per-query retrieval pipeline: parallel
// dense and lexical search, weighted union fusion, cross-encoder reranking,
// and session-level result assembly.
package search

import (
	"sort"

	"github.com/calliope-ai/fathom/internal/store"
)

// Candidate is one chunk in a query's fused candidate pool.
type Candidate struct {
	// Pos is the chunk position in the store.
	Pos int

	// HasVector and HasBM25 report which retrievers produced the
	// candidate; an absent score contributes zero to fusion.
	HasVector bool
	HasBM25   bool

	// VectorScore is the dense cosine score in [0,1].
	VectorScore float64

	// BM25Score is the blended lexical score in [0,1].
	BM25Score float64

	// FusedScore is the weighted sum of the two.
	FusedScore float64

	// RerankScore is the cross-encoder score, set after reranking.
	RerankScore float64
}

// FuseUnion merges dense and lexical results over the union of their chunk
// positions. Each candidate's fused score is the weighted sum of whichever
// scores it has; a chunk found by only one retriever contributes zero for
// the other. When both retrievers return the same position, the dense hit
// establishes the candidate and the lexical score is merged into it.
//
// Results are sorted by fused score descending with position as tie-break
// and truncated to limit.
func FuseUnion(dense []*store.DenseResult, lexical []*store.LexicalResult, vectorWeight, bm25Weight float64, limit int) []*Candidate {
	byPos := make(map[int]*Candidate, len(dense)+len(lexical))
	ordered := make([]*Candidate, 0, len(dense)+len(lexical))

	for _, d := range dense {
		c := &Candidate{
			Pos:         d.Pos,
			HasVector:   true,
			VectorScore: d.Score,
		}
		byPos[d.Pos] = c
		ordered = append(ordered, c)
	}

	for _, l := range lexical {
		if c, ok := byPos[l.Pos]; ok {
			c.HasBM25 = true
			c.BM25Score = l.Score
			continue
		}
		c := &Candidate{
			Pos:       l.Pos,
			HasBM25:   true,
			BM25Score: l.Score,
		}
		byPos[l.Pos] = c
		ordered = append(ordered, c)
	}

	for _, c := range ordered {
		c.FusedScore = vectorWeight*c.VectorScore + bm25Weight*c.BM25Score
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FusedScore != ordered[j].FusedScore {
			return ordered[i].FusedScore > ordered[j].FusedScore
		}
		return ordered[i].Pos < ordered[j].Pos
	})

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}
