package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpReranker_PreservesOrder(t *testing.T) {
	r := NewNoOpReranker()
	defer func() { _ = r.Close() }()

	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, rr := range results {
		assert.Equal(t, i, rr.Index)
		// Synthetic scores stay above the default threshold.
		assert.Greater(t, rr.Score, 0.5)
		if i > 0 {
			assert.Less(t, rr.Score, results[i-1].Score)
		}
	}
}

func TestNoOpReranker_Empty(t *testing.T) {
	r := NewNoOpReranker()
	results, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCrossEncoderClient_Rerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "solar power", req.Query)
		require.Len(t, req.Documents, 2)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "score": 0.92},
				{"index": 0, "score": 0.31},
			},
		})
	}))
	defer srv.Close()

	r := NewCrossEncoderClient(CrossEncoderConfig{Endpoint: srv.URL})
	defer func() { _ = r.Close() }()

	results, err := r.Rerank(context.Background(), "solar power", []string{"doc a", "doc b"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.InDelta(t, 0.92, results[0].Score, 1e-9)
}

func TestCrossEncoderClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewCrossEncoderClient(CrossEncoderConfig{Endpoint: srv.URL})
	defer func() { _ = r.Close() }()

	_, err := r.Rerank(context.Background(), "q", []string{"doc"})
	assert.Error(t, err)
}

func TestCrossEncoderClient_IndexOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 7, "score": 0.9}},
		})
	}))
	defer srv.Close()

	r := NewCrossEncoderClient(CrossEncoderConfig{Endpoint: srv.URL})
	defer func() { _ = r.Close() }()

	_, err := r.Rerank(context.Background(), "q", []string{"doc"})
	assert.Error(t, err)
}

func TestCrossEncoderClient_Closed(t *testing.T) {
	r := NewCrossEncoderClient(CrossEncoderConfig{Endpoint: "http://localhost:1"})
	require.NoError(t, r.Close())

	_, err := r.Rerank(context.Background(), "q", []string{"doc"})
	assert.Error(t, err)
	assert.False(t, r.Available(context.Background()))
}
