// Package genai wraps the external generative-AI capability: text embedding
// tagged by retrieval intent, context-grounded answer generation, flashcard
// generation, and image text extraction.
//
// The capability is a black box with a stable interface. Embedding dimension
// is part of the external contract; this package reports what the API
// returns and never validates length; that is the vector store's job, since
// a mismatch means model/config drift the gateway cannot correct.
package genai

import (
	"errors"
	"fmt"
)

// TaskType tags an embedding request with its retrieval intent. The intent
// changes the model's internal weighting, not the interface shape.
type TaskType string

const (
	// TaskRetrievalDocument marks text being indexed for later retrieval.
	TaskRetrievalDocument TaskType = "RETRIEVAL_DOCUMENT"

	// TaskRetrievalQuery marks a search query.
	TaskRetrievalQuery TaskType = "RETRIEVAL_QUERY"
)

// Sentinel errors.
var (
	// ErrEmbeddingFailed indicates the embedding API was unreachable or
	// returned no usable vector. Callers must propagate it, not retry
	// silently.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrBlocked indicates the generation was blocked or produced no text.
	ErrBlocked = errors.New("generation blocked or empty")

	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Default model constants, matching the deployed Gemini configuration.
const (
	DefaultGenerationModel    = "gemini-2.0-flash"
	DefaultEmbeddingModel     = "gemini-embedding-exp-03-07"
	DefaultEmbeddingDimension = 8000
)

// Flashcard is one generated question/answer pair.
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Config holds configuration for the Gemini clients.
type Config struct {
	// APIKey authenticates against the Gemini API.
	APIKey string `koanf:"api_key"`

	// BaseURL is the API base. Overridable for tests and proxies.
	// Default: https://generativelanguage.googleapis.com/v1beta
	BaseURL string `koanf:"base_url"`

	// EmbeddingModel and Dimension describe the embedding contract.
	EmbeddingModel string `koanf:"embedding_model"`
	Dimension      int    `koanf:"dimension"`

	// GenerationModel is the model used for answers, flashcards, and
	// image extraction.
	GenerationModel string `koanf:"generation_model"`

	// RequestsPerSecond rate-limits outbound embedding calls.
	// Zero disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.Dimension == 0 {
		c.Dimension = DefaultEmbeddingDimension
	}
	if c.GenerationModel == "" {
		c.GenerationModel = DefaultGenerationModel
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}
