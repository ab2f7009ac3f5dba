package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cramdeck/cramd/internal/genai"
	"github.com/cramdeck/cramd/internal/logging"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// ErrInvalidConfig is the sentinel for configuration validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Secret wraps sensitive string values (API keys, tokens) so they cannot
// leak through logging or serialization. All formatting paths return
// "[REDACTED]"; only Value returns the real string.
type Secret string

// String implements fmt.Stringer. Always returns the redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON implements json.Marshaler. Always returns the redacted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("[REDACTED]")
}

// MarshalText implements encoding.TextMarshaler. Always returns the redacted value.
func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte("[REDACTED]"), nil
}

// Config is the root configuration.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Logging     logging.Config     `koanf:"logging"`
	GenAI       GenAIConfig        `koanf:"genai"`
	VectorStore vectorstore.Config `koanf:"vectorstore"`
	Auth        AuthConfig         `koanf:"auth"`
	Chunking    ChunkingConfig     `koanf:"chunking"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GenAIConfig mirrors genai.Config with the API key held as a Secret.
type GenAIConfig struct {
	APIKey            Secret  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	EmbeddingModel    string  `koanf:"embedding_model"`
	Dimension         int     `koanf:"dimension"`
	GenerationModel   string  `koanf:"generation_model"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// GenAI converts to the genai package's config, exposing the key value.
func (c GenAIConfig) GenAI() genai.Config {
	return genai.Config{
		APIKey:            c.APIKey.Value(),
		BaseURL:           c.BaseURL,
		EmbeddingModel:    c.EmbeddingModel,
		Dimension:         c.Dimension,
		GenerationModel:   c.GenerationModel,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// AuthConfig controls request authentication.
//
// Mode "none" disables token verification and trusts the X-User-ID header,
// which is only safe behind a gateway that sets it. Mode "static" maps
// bearer tokens to user ids from the
// Tokens table. Mode "remote" verifies bearer tokens against an external
// HTTP endpoint.
type AuthConfig struct {
	Mode      string            `koanf:"mode"`
	RemoteURL string            `koanf:"remote_url"`
	Tokens    map[string]string `koanf:"tokens"`
}

// ChunkingConfig holds default chunking parameters, overridable per request.
type ChunkingConfig struct {
	ChunkSize int `koanf:"chunk_size"`
	Overlap   int `koanf:"overlap"`
}

// applyDefaults fills zero values with working defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.GenAI.EmbeddingModel == "" {
		cfg.GenAI.EmbeddingModel = genai.DefaultEmbeddingModel
	}
	if cfg.GenAI.Dimension == 0 {
		cfg.GenAI.Dimension = genai.DefaultEmbeddingDimension
	}
	if cfg.GenAI.GenerationModel == "" {
		cfg.GenAI.GenerationModel = genai.DefaultGenerationModel
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = vectorstore.ProviderChromem
	}
	// Store dimensions follow the embedding model unless set explicitly.
	if cfg.VectorStore.Chromem.Dimension == 0 {
		cfg.VectorStore.Chromem.Dimension = cfg.GenAI.Dimension
	}
	if cfg.VectorStore.Qdrant.Dimension == 0 {
		cfg.VectorStore.Qdrant.Dimension = cfg.GenAI.Dimension
	}
	cfg.VectorStore.Chromem.ApplyDefaults()
	cfg.VectorStore.Qdrant.ApplyDefaults()
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 3000
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 200
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if !c.GenAI.APIKey.IsSet() {
		return fmt.Errorf("%w: genai api_key is required", ErrInvalidConfig)
	}
	switch c.VectorStore.Provider {
	case vectorstore.ProviderChromem, vectorstore.ProviderQdrant:
	default:
		return fmt.Errorf("%w: unknown vectorstore provider %q", ErrInvalidConfig, c.VectorStore.Provider)
	}
	switch c.Auth.Mode {
	case "none", "static", "remote":
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalidConfig, c.Auth.Mode)
	}
	if c.Auth.Mode == "remote" && c.Auth.RemoteURL == "" {
		return fmt.Errorf("%w: auth remote_url is required in remote mode", ErrInvalidConfig)
	}
	if c.Auth.Mode == "static" && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("%w: auth tokens table is required in static mode", ErrInvalidConfig)
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("%w: chunking overlap %d must be smaller than chunk_size %d",
			ErrInvalidConfig, c.Chunking.Overlap, c.Chunking.ChunkSize)
	}
	return nil
}
