package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-ai/fathom/internal/config"
	"github.com/calliope-ai/fathom/internal/embed"
	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/index"
	"github.com/calliope-ai/fathom/internal/store"
)

// fixedReranker scores every document with the same value.
type fixedReranker struct {
	score float64
}

func (r *fixedReranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		results[i] = RerankResult{Index: i, Score: r.score}
	}
	return results, nil
}

func (r *fixedReranker) Available(ctx context.Context) bool { return true }
func (r *fixedReranker) Close() error                       { return nil }

// errReranker fails every call.
type errReranker struct{}

func (errReranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	return nil, errors.New("reranker unavailable")
}
func (errReranker) Available(ctx context.Context) bool { return false }
func (errReranker) Close() error                       { return nil }

func sessionStore() *store.ChunkStore {
	s := store.NewChunkStore()
	s.AddSource("https://example.org/solar", "Solar Power", "photovoltaics",
		[]string{"solar panels convert sunlight into electricity using photovoltaic cells"})
	s.AddSource("https://example.org/wind", "Wind Power", "turbines",
		[]string{"wind turbines convert moving air into electricity"})
	s.AddSource("https://example.org/cook", "Vegetable Roasting", "cooking",
		[]string{"slow roasting vegetables brings out their natural sweetness"})
	return s
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Contextual.Enabled = false
	cfg.Reranker.Enabled = false
	return cfg
}

func newTestSession(t *testing.T, s *store.ChunkStore, reranker Reranker) *Session {
	t.Helper()
	return NewSession(testConfig(), s, embed.NewStaticEmbedder(),
		index.NewFallbackGenerator(), reranker, NopTrace{})
}

func TestSession_RetrieveBeforePrepare(t *testing.T) {
	sess := newTestSession(t, sessionStore(), nil)
	defer func() { _ = sess.Close() }()

	// No indices yet; the session degrades to no results instead of failing.
	docs, err := sess.Retrieve(context.Background(), []string{"solar"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSession_PrepareSetsFallbackContext(t *testing.T) {
	s := sessionStore()
	sess := newTestSession(t, s, nil)
	defer func() { _ = sess.Close() }()

	require.NoError(t, sess.Prepare(context.Background()))

	assert.Equal(t,
		"This is a snippet from a document titled 'Solar Power'.",
		s.At(0).ContextText)
	assert.Equal(t,
		"This is a snippet from a document titled 'Wind Power'.",
		s.At(1).ContextText)
}

// erringGenerator fails every generation with a fixed error.
type erringGenerator struct {
	err error
}

func (g *erringGenerator) GenerateContext(ctx context.Context, chunk *store.Chunk, sourceText string) (string, error) {
	return "", g.err
}
func (g *erringGenerator) Available(ctx context.Context) bool { return true }
func (g *erringGenerator) Close() error                       { return nil }

func TestSession_BackendErrorFallsBackFatalAborts(t *testing.T) {
	s := sessionStore()
	backendErr := fatherrors.New(fatherrors.ErrCodeContextBackend, "model unreachable", nil)
	sess := NewSession(testConfig(), s, embed.NewStaticEmbedder(),
		&erringGenerator{err: backendErr}, nil, NopTrace{})
	defer func() { _ = sess.Close() }()

	// A backend failure degrades to the templated context per chunk.
	require.NoError(t, sess.Prepare(context.Background()))
	assert.Equal(t,
		"This is a snippet from a document titled 'Solar Power'.",
		s.At(0).ContextText)

	// A fatal error aborts the prepare run instead of being papered over.
	fatalErr := fatherrors.New(fatherrors.ErrCodeInvalidInput, "bad chunk", nil)
	sess2 := NewSession(testConfig(), sessionStore(), embed.NewStaticEmbedder(),
		&erringGenerator{err: fatalErr}, nil, NopTrace{})
	defer func() { _ = sess2.Close() }()

	err := sess2.Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fatalErr))
}

func TestSession_RetrieveRanksRelevantFirst(t *testing.T) {
	sess := newTestSession(t, sessionStore(), nil)
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	docs, err := sess.Retrieve(ctx, []string{"solar panels photovoltaic sunlight"})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "https://example.org/solar", docs[0].SourceKey)
	assert.Contains(t, docs[0].FirstSnippet(), "solar panels")
}

func TestSession_DedupAcrossQueries(t *testing.T) {
	sess := newTestSession(t, sessionStore(), nil)
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	// Both queries match the electricity sources; each source key must
	// appear exactly once.
	docs, err := sess.Retrieve(ctx, []string{
		"electricity generation",
		"convert electricity",
	})
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, d := range docs {
		seen[d.SourceKey]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "source %s returned more than once", key)
	}
}

func TestSession_ThresholdFiltersEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.RerankerThreshold = 0.9

	sess := NewSession(cfg, sessionStore(), embed.NewStaticEmbedder(),
		index.NewFallbackGenerator(), &fixedReranker{score: 0.3}, NopTrace{})
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	docs, err := sess.Retrieve(ctx, []string{"solar panels"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSession_ThresholdMonotonic(t *testing.T) {
	ctx := context.Background()

	run := func(threshold float64) int {
		cfg := testConfig()
		cfg.Retrieval.RerankerThreshold = threshold

		sess := NewSession(cfg, sessionStore(), embed.NewStaticEmbedder(),
			index.NewFallbackGenerator(), nil, NopTrace{})
		defer func() { _ = sess.Close() }()

		require.NoError(t, sess.Prepare(ctx))
		docs, err := sess.Retrieve(ctx, []string{"electricity"})
		require.NoError(t, err)
		return len(docs)
	}

	low := run(0.5)
	high := run(0.95)
	assert.GreaterOrEqual(t, low, high)
}

func TestSession_FinalKCut(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.FinalK = 1

	sess := NewSession(cfg, sessionStore(), embed.NewStaticEmbedder(),
		index.NewFallbackGenerator(), nil, NopTrace{})
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	docs, err := sess.Retrieve(ctx, []string{"electricity"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(docs), 1)
}

func TestSession_RerankFailureDegrades(t *testing.T) {
	sess := newTestSession(t, sessionStore(), errReranker{})
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	// A failing reranker degrades to the fused order; the query still
	// returns results.
	docs, err := sess.Retrieve(ctx, []string{"solar panels sunlight"})
	require.NoError(t, err)
	assert.NotEmpty(t, docs)
}

func TestSession_EmptyStore(t *testing.T) {
	sess := newTestSession(t, store.NewChunkStore(), nil)
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	docs, err := sess.Retrieve(ctx, []string{"anything at all"})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NotNil(t, docs)
}

func TestSession_PrepareIdempotent(t *testing.T) {
	s := sessionStore()
	sess := newTestSession(t, s, nil)
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))
	first := s.At(0).ContextText

	require.NoError(t, sess.Prepare(ctx))
	assert.Equal(t, first, s.At(0).ContextText)

	docs, err := sess.Retrieve(ctx, []string{"wind turbines"})
	require.NoError(t, err)
	assert.NotEmpty(t, docs)
}

// captureTrace records every entry for inspection.
type captureTrace struct {
	entries []map[string]any
}

func (c *captureTrace) Log(entry map[string]any) error {
	c.entries = append(c.entries, entry)
	return nil
}
func (c *captureTrace) Close() error { return nil }

func TestSession_TracePerQuery(t *testing.T) {
	trace := &captureTrace{}
	sess := NewSession(testConfig(), sessionStore(), embed.NewStaticEmbedder(),
		index.NewFallbackGenerator(), nil, trace)
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	require.NoError(t, sess.Prepare(ctx))

	_, err := sess.Retrieve(ctx, []string{"solar panels", "wind turbines"})
	require.NoError(t, err)

	require.Len(t, trace.entries, 2)
	assert.Equal(t, "solar panels", trace.entries[0]["query"])
	assert.Equal(t, "wind turbines", trace.entries[1]["query"])
	for _, entry := range trace.entries {
		assert.Contains(t, entry, "vector_hits")
		assert.Contains(t, entry, "bm25_hits")
		assert.Contains(t, entry, "fused")
		assert.Contains(t, entry, "final")
	}
}

func TestSession_ExistingContextPreserved(t *testing.T) {
	s := sessionStore()
	require.NoError(t, s.SetContext(0, "Hand-written context about solar."))

	sess := newTestSession(t, s, nil)
	defer func() { _ = sess.Close() }()

	require.NoError(t, sess.Prepare(context.Background()))
	assert.Equal(t, "Hand-written context about solar.", s.At(0).ContextText)
	assert.True(t, strings.HasPrefix(s.At(1).ContextText, "This is a snippet"))
}
