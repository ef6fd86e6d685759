package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeOllamaServer answers /api/embed with fixed-dimension vectors.
func newFakeOllamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[i%dims] = 1.0
			resp.Embeddings[i] = vec
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	srv := newFakeOllamaServer(t, 8)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL})
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 8)
	}
	assert.Equal(t, 8, e.Dimensions())
}

func TestOllamaEmbedder_ConcurrentBatchesLearnDims(t *testing.T) {
	srv := newFakeOllamaServer(t, 8)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL})
	defer func() { _ = e.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, e.Dimensions())
}
