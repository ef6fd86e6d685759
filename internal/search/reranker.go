package search

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

// Cross-encoder defaults. The reranker shares the accelerated inference
// server with the remote embedder.
const (
	DefaultRerankerEndpoint = "http://localhost:9659"
	DefaultRerankerModel    = "reranker-small"
	DefaultRerankerTimeout  = 30 * time.Second
)

// RerankResult is one scored document from the cross-encoder.
type RerankResult struct {
	// Index is the document's position in the Rerank input slice.
	Index int

	// Score is the relevance score in [0,1].
	Score float64
}

// Reranker scores query-document pairs with a cross-encoder.
type Reranker interface {
	// Rerank scores every document against the query.
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)

	// Available checks if the reranker backend is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker passes the incoming order through with synthetic descending
// scores. The scores stay in (0.5, 1.0] so the default threshold keeps
// every candidate and ordering is preserved exactly.
type NoOpReranker struct{}

// NewNoOpReranker creates a pass-through reranker.
func NewNoOpReranker() *NoOpReranker {
	return &NoOpReranker{}
}

// Rerank returns synthetic scores preserving input order.
func (r *NoOpReranker) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	n := float64(len(documents))
	for i := range documents {
		results[i] = RerankResult{
			Index: i,
			Score: 1.0 - float64(i)/(2*n),
		}
	}
	return results, nil
}

// Available always returns true.
func (r *NoOpReranker) Available(ctx context.Context) bool { return true }

// Close is a no-op.
func (r *NoOpReranker) Close() error { return nil }

// CrossEncoderConfig configures the HTTP cross-encoder client.
type CrossEncoderConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// CrossEncoderClient scores candidates via an inference server's /rerank
// endpoint.
type CrossEncoderClient struct {
	client   *http.Client
	endpoint string
	model    string
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
}

// rerankRequest is the /rerank request body.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

// rerankResponse is the /rerank response body.
type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// NewCrossEncoderClient creates a cross-encoder reranker client.
func NewCrossEncoderClient(cfg CrossEncoderConfig) *CrossEncoderClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRerankerEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRerankerModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRerankerTimeout
	}

	return &CrossEncoderClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
	}
}

// Rerank scores every document against the query.
func (r *CrossEncoderClient) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.RUnlock()

	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: documents,
		Model:     r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fatherrors.Wrap(fatherrors.ErrCodeRerankBackend, err).
			WithDetail("endpoint", r.endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fatherrors.BackendError(fatherrors.ErrCodeRerankBackend,
			fmt.Sprintf("rerank failed (status %d): %s", resp.StatusCode, string(respBody)), nil).
			WithDetail("endpoint", r.endpoint)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	results := make([]RerankResult, 0, len(rr.Results))
	for _, item := range rr.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			return nil, fmt.Errorf("rerank index %d out of range", item.Index)
		}
		results = append(results, RerankResult{Index: item.Index, Score: item.Score})
	}
	return results, nil
}

// Available checks whether the server responds to a health probe.
func (r *CrossEncoderClient) Available(ctx context.Context) bool {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases resources.
func (r *CrossEncoderClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if transport, ok := r.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// Verify interface implementations.
var (
	_ Reranker = (*NoOpReranker)(nil)
	_ Reranker = (*CrossEncoderClient)(nil)
)
