package search

import (
	"context"
	"log/slog"

	"github.com/calliope-ai/fathom/internal/config"
	"github.com/calliope-ai/fathom/internal/embed"
	"github.com/calliope-ai/fathom/internal/index"
	"github.com/calliope-ai/fathom/internal/store"
)

// BuildSession wires a session's backends from configuration: the embedding
// backend chain, the contextualizer, the cross-encoder, and the trace sink.
// Backends that are disabled or unreachable degrade to their pass-through
// implementations rather than failing construction.
func BuildSession(ctx context.Context, cfg config.Config, s *store.ChunkStore) (*Session, error) {
	embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return nil, err
	}

	var ctxGen index.ContextGenerator = index.NewFallbackGenerator()
	if cfg.Contextual.Enabled {
		gen := index.NewLLMContextGenerator(index.LLMContextConfig{
			Host:     cfg.Contextual.OllamaHost,
			Model:    cfg.Contextual.Model,
			Timeout:  cfg.Contextual.Timeout,
			MaxWords: cfg.Contextual.MaxWords,
		})
		if gen.Available(ctx) {
			ctxGen = gen
		} else {
			_ = gen.Close()
			slog.Warn("contextualizer_fallback",
				slog.String("reason", "ollama not reachable"),
				slog.String("host", cfg.Contextual.OllamaHost))
		}
	}

	var reranker Reranker = NewNoOpReranker()
	if cfg.Reranker.Enabled {
		client := NewCrossEncoderClient(CrossEncoderConfig{
			Endpoint: cfg.Reranker.Endpoint,
			Model:    cfg.Reranker.Model,
			Timeout:  cfg.Reranker.Timeout,
		})
		if client.Available(ctx) {
			reranker = client
		} else {
			_ = client.Close()
			slog.Warn("reranker_fallback",
				slog.String("reason", "cross-encoder not reachable"),
				slog.String("endpoint", cfg.Reranker.Endpoint))
		}
	}

	var trace TraceSink = NopTrace{}
	if cfg.Trace.Path != "" {
		trace = NewJSONLTrace(cfg.Trace.Path)
	}

	return NewSession(cfg, s, embedder, ctxGen, reranker, trace), nil
}
