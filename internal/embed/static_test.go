package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	v1, err := e.Embed(ctx, "solar irradiance forecasting models")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "solar irradiance forecasting models")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, StaticDimensions)
}

func TestStaticEmbedder_UnitLength(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v, err := e.Embed(context.Background(), "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedder_EmptyText(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	require.Len(t, v, StaticDimensions)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedder_DistinctTexts(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	v1, err := e.Embed(ctx, "database replication strategies")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "medieval trade routes in europe")
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestStaticEmbedder_Batch(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	texts := []string{"alpha", "beta", "gamma"}
	vecs, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.Embed(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}
