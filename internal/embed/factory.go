package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calliope-ai/fathom/internal/config"
	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// NewEmbedder builds the embedding backend from configuration and wraps it
// in an LRU cache. With backend "auto" it probes the remote accelerated
// server first, then Ollama, then falls back to the static CPU embedder.
// The decision is made once, here; the session never re-probes.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	inner, err := selectBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("embedder_selected", slog.String("model", inner.ModelName()))
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

// selectBackend resolves the configured backend name to a concrete embedder.
// An explicitly named backend that is unavailable is an error; only "auto"
// falls through.
func selectBackend(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Backend {
	case "remote":
		e := newRemote(cfg)
		if !e.Available(ctx) {
			_ = e.Close()
			return nil, fatherrors.BackendError(fatherrors.ErrCodeEmbedBackend,
				fmt.Sprintf("remote embedding server %s is not reachable", cfg.RemoteEndpoint), nil)
		}
		return e, nil

	case "ollama":
		e := newOllama(cfg)
		if !e.Available(ctx) {
			_ = e.Close()
			return nil, fatherrors.BackendError(fatherrors.ErrCodeEmbedBackend,
				fmt.Sprintf("ollama server %s is not reachable", cfg.OllamaHost), nil)
		}
		return e, nil

	case "static":
		return NewStaticEmbedder(), nil

	case "", "auto":
		if e := newRemote(cfg); e.Available(ctx) {
			return e, nil
		} else {
			_ = e.Close()
		}
		if e := newOllama(cfg); e.Available(ctx) {
			return e, nil
		} else {
			_ = e.Close()
		}
		slog.Warn("embedder_fallback", slog.String("backend", "static"),
			slog.String("reason", "no embedding server reachable"))
		return NewStaticEmbedder(), nil

	default:
		return nil, fatherrors.ConfigError(
			fmt.Sprintf("unknown embeddings backend %q", cfg.Backend), nil)
	}
}

func newRemote(cfg config.EmbeddingsConfig) *RemoteEmbedder {
	return NewRemoteEmbedder(RemoteConfig{
		Endpoint:  cfg.RemoteEndpoint,
		Model:     cfg.Model,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout,
	})
}

func newOllama(cfg config.EmbeddingsConfig) *OllamaEmbedder {
	return NewOllamaEmbedder(OllamaConfig{
		Host:      cfg.OllamaHost,
		Model:     cfg.Model,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout,
	})
}
