package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Supported backend names.
const (
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
)

// Config selects and configures a store backend.
type Config struct {
	// Provider is the backend name: "chromem" (default) or "qdrant".
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// NewStore creates a Store for the configured provider.
//
// Both backends sit behind the same interface; the choice is made once at
// startup and call sites never branch on it.
func NewStore(ctx context.Context, cfg Config, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case ProviderChromem, "":
		return NewChromemStore(cfg.Chromem, embedder, logger)
	case ProviderQdrant:
		return NewQdrantStore(ctx, cfg.Qdrant, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
