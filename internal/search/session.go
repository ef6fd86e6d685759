package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calliope-ai/fathom/internal/config"
	"github.com/calliope-ai/fathom/internal/embed"
	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/index"
	"github.com/calliope-ai/fathom/internal/store"
)

// prepareConcurrency bounds parallel per-source contextualization. Model
// calls are serialized by the inference lock anyway; this only bounds the
// bookkeeping goroutines.
const prepareConcurrency = 4

// Session owns one chunk store and its derived indices and answers
// multi-query retrieval requests against them.
//
// Prepare must complete before Retrieve. A single inference lock serializes
// every generative model call (contextualization and reranking) so a
// session never runs two model inferences concurrently, while the encoder
// and lexical searches run in parallel freely.
type Session struct {
	cfg      config.Config
	store    *store.ChunkStore
	embedder embed.Embedder
	ctxGen   index.ContextGenerator
	reranker Reranker
	trace    TraceSink

	bm25  *store.DualBM25Index
	dense *store.DenseIndex

	inferMu  sync.Mutex
	mu       sync.RWMutex
	prepared bool
	closed   bool
}

// NewSession creates a session over the given store and backends. Nil
// reranker and trace default to the pass-through reranker and the discard
// sink.
func NewSession(cfg config.Config, s *store.ChunkStore, embedder embed.Embedder, ctxGen index.ContextGenerator, reranker Reranker, trace TraceSink) *Session {
	if reranker == nil {
		reranker = NewNoOpReranker()
	}
	if trace == nil {
		trace = NopTrace{}
	}
	if ctxGen == nil {
		ctxGen = index.NewFallbackGenerator()
	}
	return &Session{
		cfg:      cfg,
		store:    s,
		embedder: embedder,
		ctxGen:   ctxGen,
		reranker: reranker,
		trace:    trace,
	}
}

// Store returns the session's chunk store.
func (s *Session) Store() *store.ChunkStore {
	return s.store
}

// Prepare contextualizes every chunk and builds the lexical and dense
// indices. It is idempotent; a second call rebuilds the indices over the
// already contextualized store.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session is closed")
	}

	start := time.Now()

	if err := s.contextualize(ctx); err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodePrepareFailed, err)
	}

	bm25, err := store.BuildDualBM25Index(ctx, s.store, store.DualBM25Config{
		ContextualWeight: s.cfg.Retrieval.ContextualWeight,
		RawWeight:        s.cfg.Retrieval.RawWeight,
	})
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodePrepareFailed, err)
	}

	dense, err := store.BuildDenseIndex(ctx, s.store, s.embedder, store.DenseConfig{
		Backend:     s.cfg.Retrieval.DenseBackend,
		HNSWCutover: s.cfg.Retrieval.HNSWCutover,
	})
	if err != nil {
		_ = bm25.Close()
		return fatherrors.Wrap(fatherrors.ErrCodePrepareFailed, err)
	}

	if s.bm25 != nil {
		_ = s.bm25.Close()
	}
	if s.dense != nil {
		_ = s.dense.Close()
	}
	s.bm25 = bm25
	s.dense = dense
	s.prepared = true

	slog.Info("session_prepared",
		slog.Int("chunks", s.store.Len()),
		slog.Int("sources", s.store.SourceCount()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// contextualize fills the context paragraph of every chunk that lacks one.
// Sources run in parallel; model calls are serialized through the inference
// lock. A backend generation failure falls back to the templated context;
// only fatal errors abort the prepare run.
func (s *Session) contextualize(ctx context.Context) error {
	if s.store.Len() == 0 {
		return nil
	}

	positionsBySource := s.store.PositionsBySource()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prepareConcurrency)

	for _, key := range s.store.SourceKeys() {
		positions := positionsBySource[key]
		sourceText := s.store.SourceText(key)

		g.Go(func() error {
			for _, pos := range positions {
				if err := gctx.Err(); err != nil {
					return err
				}
				chunk := s.store.At(pos)
				if chunk.ContextText != "" {
					continue
				}

				s.inferMu.Lock()
				text, err := s.ctxGen.GenerateContext(gctx, chunk, sourceText)
				s.inferMu.Unlock()

				if err != nil || text == "" {
					if err != nil {
						if fatherrors.IsFatal(err) {
							return err
						}
						slog.Warn("context_generation_failed",
							slog.String("source_key", chunk.SourceKey),
							slog.Int("position", pos),
							slog.String("code", fatherrors.GetCode(err)),
							slog.String("error", err.Error()))
					}
					text = index.FallbackContext(chunk.Title)
				}
				if err := s.store.SetContext(pos, text); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// queryStats captures one query's trip through the pipeline for the trace
// log: the initial hit lists, the fused pool, and the final ranked list.
type queryStats struct {
	denseHits    []map[string]any
	lexicalHits  []map[string]any
	fused        []map[string]any
	final        []map[string]any
	dropped      int
	rerankFailed bool
	elapsed      time.Duration
}

// hitRef identifies a chunk's source in a trace entry.
func (s *Session) hitRef(pos int) map[string]any {
	c := s.store.At(pos)
	return map[string]any{
		"source_key": c.SourceKey,
		"title":      c.Title,
	}
}

// scoredRef is hitRef plus a score.
func (s *Session) scoredRef(pos int, score float64) map[string]any {
	ref := s.hitRef(pos)
	ref["score"] = score
	return ref
}

// Retrieve runs every query through the retrieval pipeline and returns the
// matched source documents, deduplicated by source key across queries in
// first-seen order. An empty store returns an empty slice, not an error.
func (s *Session) Retrieve(ctx context.Context, queries []string) ([]*store.SourceDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if !s.prepared {
		// Degrade to no results so a whole report run never crashes on a
		// session that skipped its prepare step.
		slog.Warn("retrieve_before_prepare", slog.Int("queries", len(queries)))
		return []*store.SourceDocument{}, nil
	}
	if s.store.Len() == 0 {
		return []*store.SourceDocument{}, nil
	}

	seen := make(map[string]struct{})
	var docs []*store.SourceDocument

	for _, query := range queries {
		candidates, stats, err := s.runQuery(ctx, query)
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			doc := s.store.DocumentAt(c.Pos)
			if _, dup := seen[doc.SourceKey]; dup {
				continue
			}
			seen[doc.SourceKey] = struct{}{}
			docs = append(docs, doc)
		}

		s.logTrace(query, stats)
	}

	if docs == nil {
		docs = []*store.SourceDocument{}
	}
	return docs, nil
}

// runQuery executes the pipeline for one query: parallel dense and lexical
// search, union fusion, cross-encoder reranking, threshold filter, top-k
// cut. Candidates come back in final rank order.
func (s *Session) runQuery(ctx context.Context, query string) ([]*Candidate, queryStats, error) {
	start := time.Now()
	var stats queryStats

	r := s.cfg.Retrieval

	var denseResults []*store.DenseResult
	var lexicalResults []*store.LexicalResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseResults, err = s.dense.Search(gctx, query, r.InitialK)
		return err
	})
	g.Go(func() error {
		var err error
		lexicalResults, err = s.bm25.Search(gctx, query, r.InitialK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, stats, fatherrors.Wrap(fatherrors.ErrCodeSearchFailed, err).
			WithDetail("query", query)
	}

	for _, d := range denseResults {
		stats.denseHits = append(stats.denseHits, s.hitRef(d.Pos))
	}
	for _, l := range lexicalResults {
		stats.lexicalHits = append(stats.lexicalHits, s.hitRef(l.Pos))
	}

	candidates := FuseUnion(denseResults, lexicalResults, r.VectorWeight, r.BM25Weight, r.InitialK)
	for _, c := range candidates {
		stats.fused = append(stats.fused, s.scoredRef(c.Pos, c.FusedScore))
	}

	// Pair the query with each candidate's best snippet. A candidate with
	// no snippet text is dropped before scoring, never scored as zero.
	scorable := candidates[:0]
	documents := make([]string, 0, len(candidates))
	for _, c := range candidates {
		text := s.store.DocumentAt(c.Pos).FirstSnippet()
		if text == "" {
			stats.dropped++
			continue
		}
		scorable = append(scorable, c)
		documents = append(documents, text)
	}
	if len(scorable) == 0 {
		if stats.dropped > 0 {
			slog.Warn("rerank_pool_empty",
				slog.String("query", query),
				slog.Int("dropped", stats.dropped))
		}
		stats.elapsed = time.Since(start)
		return scorable, stats, nil
	}
	candidates = scorable

	s.inferMu.Lock()
	scores, err := s.reranker.Rerank(ctx, query, documents)
	s.inferMu.Unlock()

	if err != nil {
		// Degrade to the fused order rather than failing the query.
		slog.Warn("rerank_failed",
			slog.String("query", query),
			slog.String("code", fatherrors.GetCode(err)),
			slog.String("error", err.Error()))
		stats.rerankFailed = true
		scores, _ = NewNoOpReranker().Rerank(ctx, query, documents)
	}

	for _, rr := range scores {
		if rr.Index >= 0 && rr.Index < len(candidates) {
			candidates[rr.Index].RerankScore = rr.Score
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if c.RerankScore >= r.RerankerThreshold {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].RerankScore != kept[j].RerankScore {
			return kept[i].RerankScore > kept[j].RerankScore
		}
		return kept[i].Pos < kept[j].Pos
	})

	if r.FinalK > 0 && len(kept) > r.FinalK {
		kept = kept[:r.FinalK]
	}

	for _, c := range kept {
		stats.final = append(stats.final, s.scoredRef(c.Pos, c.RerankScore))
	}
	stats.elapsed = time.Since(start)
	return kept, stats, nil
}

// logTrace writes one trace entry for a processed query. Trace failures are
// logged and swallowed; they never affect retrieval results.
func (s *Session) logTrace(query string, stats queryStats) {
	entry := map[string]any{
		"query":         query,
		"vector_hits":   stats.denseHits,
		"bm25_hits":     stats.lexicalHits,
		"fused":         stats.fused,
		"final":         stats.final,
		"dropped":       stats.dropped,
		"rerank_failed": stats.rerankFailed,
		"elapsed_ms":    stats.elapsed.Milliseconds(),
	}
	if err := s.trace.Log(entry); err != nil {
		slog.Warn("trace_write_failed",
			slog.String("query", query),
			slog.String("error", err.Error()))
	}
}

// Close releases the indices and backends. The chunk store itself needs no
// teardown.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.bm25 != nil {
		record(s.bm25.Close())
	}
	if s.dense != nil {
		record(s.dense.Close())
	}
	record(s.reranker.Close())
	record(s.ctxGen.Close())
	record(s.trace.Close())
	if s.embedder != nil {
		record(s.embedder.Close())
	}
	return firstErr
}
