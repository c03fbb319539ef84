package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DefaultCollection holds learning records.
const DefaultCollection = "actiond_learning"

// Providers.
const (
	ProviderNone    = "none"
	ProviderMemory  = "memory"
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
)

// Embedders.
const (
	EmbedderHash = "hash"
	EmbedderTEI  = "tei"
)

// Config selects and configures a backend.
type Config struct {
	Provider   string `koanf:"provider"`
	Collection string `koanf:"collection"`

	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantUseTLS bool   `koanf:"qdrant_tls"`
	QdrantAPIKey string `koanf:"qdrant_api_key"`

	Embedder   string `koanf:"embedder"`
	TEIURL     string `koanf:"tei_url"`
	TEIModel   string `koanf:"tei_model"`
	VectorSize int    `koanf:"vector_size"`
}

// NewEmbedder builds the configured embedder.
func NewEmbedder(cfg Config, logger *zap.Logger) (Embedder, error) {
	switch cfg.Embedder {
	case EmbedderHash, "":
		return NewHashEmbedder(cfg.VectorSize), nil
	case EmbedderTEI:
		return NewTEIEmbedder(TEIConfig{BaseURL: cfg.TEIURL, Model: cfg.TEIModel, Dimension: cfg.VectorSize}, logger)
	default:
		return nil, fmt.Errorf("unsupported embedder: %s", cfg.Embedder)
	}
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Provider == ProviderNone || cfg.Provider == "" {
		return Noop{}, nil
	}

	embedder, err := NewEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderMemory:
		return NewMemory(embedder), nil
	case ProviderChromem:
		return NewChromemStore(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.Collection,
		}, embedder, logger)
	case ProviderQdrant:
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantUseTLS,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.Collection,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("unsupported knowledge provider: %s", cfg.Provider)
	}
}

// OpenWithFallback is Open that degrades to Noop instead of failing.
func OpenWithFallback(ctx context.Context, cfg Config, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := Open(ctx, cfg, logger)
	if err != nil {
		logger.Warn("knowledge store unavailable, continuing with statistics only",
			zap.String("provider", cfg.Provider),
			zap.Error(err),
		)
		return Noop{}
	}
	return store
}
