package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/store"
)

// Default LLM context generator configuration.
const (
	DefaultContextModel   = "qwen3:0.6b"
	DefaultContextTimeout = 10 * time.Second
	DefaultContextHost    = "http://localhost:11434"

	// maxSourceChars bounds the document text placed in the prompt.
	maxSourceChars = 6000
)

// contextPromptTemplate asks the model to situate a snippet within its
// source document. The answer becomes the chunk's context paragraph.
const contextPromptTemplate = `<document>
%s
</document>

Here is the snippet we want to situate within the document above:
<snippet>
%s
</snippet>

Give a short succinct context (1-2 sentences) situating this snippet within
the overall document, for the purpose of improving search retrieval of the
snippet. Answer with the context only, no preamble.`

// LLMContextGenerator generates context paragraphs with a small Ollama
// model. One request per chunk; the caller serializes requests through the
// session's inference lock.
type LLMContextGenerator struct {
	client   *http.Client
	host     string
	model    string
	maxWords int
}

// LLMContextConfig configures the LLM context generator.
type LLMContextConfig struct {
	Host     string
	Model    string
	Timeout  time.Duration
	MaxWords int
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama /api/generate response body.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewLLMContextGenerator creates an Ollama-backed context generator.
func NewLLMContextGenerator(cfg LLMContextConfig) *LLMContextGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultContextHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultContextModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultContextTimeout
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = MaxContextWords
	}

	return &LLMContextGenerator{
		client:   &http.Client{Timeout: cfg.Timeout},
		host:     cfg.Host,
		model:    cfg.Model,
		maxWords: cfg.MaxWords,
	}
}

// GenerateContext generates the context paragraph for one chunk. The result
// is trimmed and capped at the configured word limit.
func (g *LLMContextGenerator) GenerateContext(ctx context.Context, chunk *store.Chunk, sourceText string) (string, error) {
	if chunk == nil || strings.TrimSpace(chunk.RawText) == "" {
		return "", nil
	}

	doc := sourceText
	if len(doc) > maxSourceChars {
		doc = doc[:maxSourceChars]
	}
	prompt := fmt.Sprintf(contextPromptTemplate, doc, chunk.RawText)

	response, err := g.generate(ctx, prompt)
	if err != nil {
		return "", fatherrors.Wrap(fatherrors.ErrCodeContextBackend, err).
			WithDetail("model", g.model).
			WithDetail("source_key", chunk.SourceKey)
	}

	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "Context:")
	return LimitWords(strings.TrimSpace(response), g.maxWords), nil
}

// generate issues one /api/generate call.
func (g *LLMContextGenerator) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute generate request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return genResp.Response, nil
}

// Available checks whether the Ollama server is reachable.
func (g *LLMContextGenerator) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases resources.
func (g *LLMContextGenerator) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// Verify interface implementation.
var _ ContextGenerator = (*LLMContextGenerator)(nil)
