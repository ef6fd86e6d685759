package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// Remote embedder defaults.
const (
	DefaultRemoteEndpoint = "http://localhost:9659"
	DefaultRemoteModel    = "embeddinggemma"
)

// RemoteEmbedder talks to an OpenAI-compatible /v1/embeddings server,
// typically an accelerated inference server running on local GPU hardware.
// It is the first backend the factory probes.
type RemoteEmbedder struct {
	client    *http.Client
	endpoint  string
	model     string
	batchSize int

	mu     sync.RWMutex
	dims   int // learned from the first response, guarded by mu
	closed bool
}

// RemoteConfig configures the remote embedder.
type RemoteConfig struct {
	Endpoint  string
	Model     string
	BatchSize int
	Timeout   time.Duration
}

// openAIEmbedRequest is the /v1/embeddings request body.
type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// openAIEmbedResponse is the /v1/embeddings response body.
type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewRemoteEmbedder creates an embedder backed by an OpenAI-compatible server.
func NewRemoteEmbedder(cfg RemoteConfig) *RemoteEmbedder {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRemoteEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRemoteModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &RemoteEmbedder{
		client:    &http.Client{Timeout: cfg.Timeout},
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
	}
}

// Embed generates an embedding for a single text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		var batch [][]float32
		err := withRetry(ctx, DefaultMaxRetries, func() error {
			var reqErr error
			batch, reqErr = e.embedRequest(ctx, texts[start:end])
			return reqErr
		})
		if err != nil {
			return nil, fatherrors.Wrap(fatherrors.ErrCodeEmbedBackend, err).
				WithDetail("backend", "remote").
				WithDetail("endpoint", e.endpoint)
		}
		results = append(results, batch...)
	}

	for i, v := range results {
		results[i] = normalizeVector(v)
	}
	return results, nil
}

// embedRequest issues one /v1/embeddings call.
func (e *RemoteEmbedder) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embResp.Data))
	}

	// The server may return items out of order; index is authoritative.
	out := make([][]float32, len(texts))
	for _, item := range embResp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}

	if len(out) > 0 && out[0] != nil {
		e.mu.Lock()
		if e.dims == 0 {
			e.dims = len(out[0])
		}
		e.mu.Unlock()
	}

	return out, nil
}

// Dimensions returns the embedding dimension, 0 until the first call.
func (e *RemoteEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *RemoteEmbedder) ModelName() string {
	return "remote/" + e.model
}

// Available checks whether the server responds to a health probe.
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases resources.
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}

// Verify interface implementation.
var _ Embedder = (*RemoteEmbedder)(nil)
