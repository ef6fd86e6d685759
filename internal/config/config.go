// Package config loads and validates Fathom configuration.
//
// Configuration is an explicit value passed into session construction.
// There is deliberately no package-level mutable state: two sessions with
// different configurations can run in the same process without interfering.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// Retrieval defaults. The fusion weights are empirically chosen starting
// points, not derived values; treat them as tunables.
const (
	DefaultInitialK          = 150
	DefaultFinalK            = 20
	DefaultRerankerThreshold = 0.5
	DefaultVectorWeight      = 0.5
	DefaultBM25Weight        = 0.5
	DefaultContextualWeight  = 0.6
	DefaultRawWeight         = 0.4

	// DefaultHNSWCutover is the chunk count above which the dense index
	// switches from exact flat scan to the HNSW graph backend.
	DefaultHNSWCutover = 4096
)

// Config is the complete Fathom configuration.
type Config struct {
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Contextual ContextualConfig `yaml:"contextual"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Logging    LoggingConfig    `yaml:"logging"`
	Trace      TraceConfig      `yaml:"trace"`
}

// RetrievalConfig holds the per-query pipeline parameters.
type RetrievalConfig struct {
	// InitialK is the candidate pool size for dense and lexical search
	// before fusion (default: 150).
	InitialK int `yaml:"initial_k"`

	// FinalK is the number of results kept after reranking (default: 20).
	// Zero means return the full filtered list.
	FinalK int `yaml:"final_k"`

	// RerankerThreshold is the minimum cross-encoder score a candidate
	// needs to survive into the final result set (0.5-1.0, default: 0.5).
	RerankerThreshold float64 `yaml:"reranker_threshold"`

	// VectorWeight and BM25Weight control the union fusion of dense and
	// lexical rankings (defaults: 0.5/0.5).
	VectorWeight float64 `yaml:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight"`

	// ContextualWeight and RawWeight blend the two BM25 score vectors.
	// Contextualized text is lexically richer, so it weighs higher by
	// default (0.6/0.4).
	ContextualWeight float64 `yaml:"contextual_weight"`
	RawWeight        float64 `yaml:"raw_weight"`

	// DenseBackend selects the dense index backend: "flat" (exact, default)
	// or "hnsw" (approximate, for large stores).
	DenseBackend string `yaml:"dense_backend"`

	// HNSWCutover switches "flat" to hnsw automatically above this many
	// chunks. Zero disables the cutover.
	HNSWCutover int `yaml:"hnsw_cutover"`
}

// EmbeddingsConfig configures the embedding backend chain.
type EmbeddingsConfig struct {
	// Backend is "auto", "remote", "ollama", or "static".
	// "auto" tries the remote accelerated server, then Ollama, then the
	// static CPU embedder, decided once at session construction.
	Backend string `yaml:"backend"`

	// RemoteEndpoint is an OpenAI-compatible embeddings server
	// (default: http://localhost:9659).
	RemoteEndpoint string `yaml:"remote_endpoint"`

	// OllamaHost is the Ollama API endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// BatchSize bounds embedding request batches (default: 32).
	BatchSize int `yaml:"batch_size"`

	// CacheSize is the LRU embedding cache capacity (default: 1000).
	CacheSize int `yaml:"cache_size"`

	// Timeout is the per-request embedding timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// ContextualConfig configures chunk contextualization.
type ContextualConfig struct {
	// Enabled toggles LLM contextualization during Prepare.
	// When disabled, chunks keep the templated fallback context.
	Enabled bool `yaml:"enabled"`

	// OllamaHost is the LLM endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host"`

	// Model is the context generation model (default: qwen3:0.6b).
	Model string `yaml:"model"`

	// Timeout is the per-chunk generation timeout (default: 10s).
	Timeout time.Duration `yaml:"timeout"`

	// MaxWords caps the stored context length (default: 100).
	MaxWords int `yaml:"max_words"`
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	// Enabled toggles cross-encoder reranking. When disabled the fused
	// ranking passes through with synthetic descending scores.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the cross-encoder server URL (default: http://localhost:9659).
	Endpoint string `yaml:"endpoint"`

	// Model is the cross-encoder model identifier.
	Model string `yaml:"model"`

	// Timeout is the per-batch rerank timeout (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig mirrors logging.Config for the YAML file.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// TraceConfig configures the per-query retrieval trace.
type TraceConfig struct {
	// Path is the JSONL trace file. Empty disables tracing.
	Path string `yaml:"path"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Retrieval: RetrievalConfig{
			InitialK:          DefaultInitialK,
			FinalK:            DefaultFinalK,
			RerankerThreshold: DefaultRerankerThreshold,
			VectorWeight:      DefaultVectorWeight,
			BM25Weight:        DefaultBM25Weight,
			ContextualWeight:  DefaultContextualWeight,
			RawWeight:         DefaultRawWeight,
			DenseBackend:      "flat",
			HNSWCutover:       DefaultHNSWCutover,
		},
		Embeddings: EmbeddingsConfig{
			Backend:        "auto",
			RemoteEndpoint: "http://localhost:9659",
			OllamaHost:     "http://localhost:11434",
			Model:          "embeddinggemma",
			BatchSize:      32,
			CacheSize:      1000,
			Timeout:        60 * time.Second,
		},
		Contextual: ContextualConfig{
			Enabled:    true,
			OllamaHost: "http://localhost:11434",
			Model:      "qwen3:0.6b",
			Timeout:    10 * time.Second,
			MaxWords:   100,
		},
		Reranker: RerankerConfig{
			Enabled:  true,
			Endpoint: "http://localhost:9659",
			Model:    "reranker-small",
			Timeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// field the file omits, then environment overrides, then validation.
// An empty path returns the defaults (plus env overrides).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fatherrors.New(fatherrors.ErrCodeConfigNotFound,
				fmt.Sprintf("read config %s", path), err).
				WithDetail("path", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fatherrors.ConfigError(fmt.Sprintf("parse config %s: %v", path, err), err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fatherrors.ConfigError(err.Error(), err)
	}
	return cfg, nil
}

// applyEnvOverrides applies FATHOM_* environment variables.
// Env vars are the highest-priority configuration source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FATHOM_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.VectorWeight = f
		}
	}
	if v := os.Getenv("FATHOM_BM25_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.BM25Weight = f
		}
	}
	if v := os.Getenv("FATHOM_RERANKER_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.RerankerThreshold = f
		}
	}
	if v := os.Getenv("FATHOM_INITIAL_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.InitialK = n
		}
	}
	if v := os.Getenv("FATHOM_FINAL_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.FinalK = n
		}
	}
	if v := os.Getenv("FATHOM_EMBED_BACKEND"); v != "" {
		cfg.Embeddings.Backend = v
	}
	if v := os.Getenv("FATHOM_OLLAMA_HOST"); v != "" {
		cfg.Embeddings.OllamaHost = v
		cfg.Contextual.OllamaHost = v
	}
	if v := os.Getenv("FATHOM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	r := c.Retrieval
	if r.InitialK <= 0 {
		return fmt.Errorf("retrieval.initial_k must be positive, got %d", r.InitialK)
	}
	if r.FinalK < 0 {
		return fmt.Errorf("retrieval.final_k must be >= 0, got %d", r.FinalK)
	}
	if r.RerankerThreshold < 0 || r.RerankerThreshold > 1 {
		return fmt.Errorf("retrieval.reranker_threshold must be in [0,1], got %g", r.RerankerThreshold)
	}
	if r.VectorWeight < 0 || r.BM25Weight < 0 {
		return fmt.Errorf("retrieval fusion weights must be non-negative")
	}
	if r.ContextualWeight < 0 || r.RawWeight < 0 {
		return fmt.Errorf("retrieval BM25 blend weights must be non-negative")
	}
	switch r.DenseBackend {
	case "", "flat", "hnsw":
	default:
		return fmt.Errorf("retrieval.dense_backend must be \"flat\" or \"hnsw\", got %q", r.DenseBackend)
	}
	switch c.Embeddings.Backend {
	case "", "auto", "remote", "ollama", "static":
	default:
		return fmt.Errorf("embeddings.backend must be auto|remote|ollama|static, got %q", c.Embeddings.Backend)
	}
	return nil
}
