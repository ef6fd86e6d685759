package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-ai/fathom/internal/store"
)

func TestFallbackContext_Template(t *testing.T) {
	assert.Equal(t,
		"This is a snippet from a document titled 'Solar Power'.",
		FallbackContext("Solar Power"))
	assert.Equal(t,
		"This is a snippet from a document titled ''.",
		FallbackContext(""))
}

func TestLimitWords(t *testing.T) {
	assert.Equal(t, "one two three", LimitWords("one  two\n three", 100))

	long := strings.Repeat("word ", 150)
	limited := LimitWords(long, 100)
	assert.Len(t, strings.Fields(limited), 100)

	assert.Equal(t, "", LimitWords("   ", 100))
}

func TestFallbackGenerator(t *testing.T) {
	g := NewFallbackGenerator()
	defer func() { _ = g.Close() }()

	out, err := g.GenerateContext(context.Background(),
		&store.Chunk{Title: "Wind Power", RawText: "turbines"}, "doc text")
	require.NoError(t, err)
	assert.Equal(t, "This is a snippet from a document titled 'Wind Power'.", out)
	assert.True(t, g.Available(context.Background()))
}

func TestLLMContextGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Prompt, "<snippet>")
		assert.Contains(t, req.Prompt, "turbines spin")
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(generateResponse{
			Response: "Context:  This snippet explains turbine mechanics. ",
			Done:     true,
		})
	}))
	defer srv.Close()

	g := NewLLMContextGenerator(LLMContextConfig{Host: srv.URL, Model: "test-model"})
	defer func() { _ = g.Close() }()

	out, err := g.GenerateContext(context.Background(),
		&store.Chunk{SourceKey: "https://example.org/wind", Title: "Wind", RawText: "turbines spin"},
		"full document text")
	require.NoError(t, err)
	assert.Equal(t, "This snippet explains turbine mechanics.", out)
}

func TestLLMContextGenerator_CapsWords(t *testing.T) {
	long := strings.Repeat("verbose ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Response: long, Done: true})
	}))
	defer srv.Close()

	g := NewLLMContextGenerator(LLMContextConfig{Host: srv.URL})
	defer func() { _ = g.Close() }()

	out, err := g.GenerateContext(context.Background(),
		&store.Chunk{Title: "T", RawText: "snippet"}, "doc")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), MaxContextWords)
}

func TestLLMContextGenerator_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewLLMContextGenerator(LLMContextConfig{Host: srv.URL})
	defer func() { _ = g.Close() }()

	_, err := g.GenerateContext(context.Background(),
		&store.Chunk{Title: "T", RawText: "snippet"}, "doc")
	assert.Error(t, err)
}

func TestLLMContextGenerator_EmptyChunk(t *testing.T) {
	g := NewLLMContextGenerator(LLMContextConfig{Host: "http://localhost:1"})
	defer func() { _ = g.Close() }()

	out, err := g.GenerateContext(context.Background(),
		&store.Chunk{Title: "T", RawText: "   "}, "doc")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}
