// Package vectorstore stores and retrieves embedded note chunks against a
// vector index, enforcing the embedding dimension and per-user filtering.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDimensionMismatch is returned when an embedding's length does not
	// match the configured index dimension. This is a value error: the chunk
	// is never sent to the backend and the caller must not retry as-is.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreWrite is returned when the backend rejected a write or was
	// unreachable. This is an availability error, distinct from
	// ErrDimensionMismatch; batch callers abort on it.
	ErrStoreWrite = errors.New("vector store write failed")

	// ErrEmptyChunk indicates a chunk with no id or no text.
	ErrEmptyChunk = errors.New("chunk id and text are required")

	// ErrConnectionFailed indicates the backend could not be reached at
	// startup.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// Embedder generates vector embeddings from text.
//
// Document and query embeddings are requested separately because the
// underlying model weighs text differently per retrieval intent.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// EmbedDocument generates an embedding with document-indexing intent.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery generates an embedding with query intent.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for vector storage operations.
//
// The interface is transport-agnostic; implementations may use gRPC, HTTP,
// or an embedded index. One Store handle is shared by all in-flight requests
// and must be safe for concurrent use.
//
// Tenant isolation: metadata["user_id"] is the sole isolation mechanism.
// Upsert stamps it from the chunk, Query filters on it when a requesting
// identity is supplied. A Query without an identity is unfiltered and is
// only safe for trusted internal calls.
//
// Implementations:
//   - QdrantStore: external Qdrant server over gRPC
//   - ChromemStore: embedded chromem-go index
type Store interface {
	// Upsert inserts or overwrites a single chunk keyed by its id.
	//
	// If the chunk carries no embedding one is computed with
	// document-indexing intent. The embedding length is validated against
	// the configured dimension before anything is sent to the backend;
	// a mismatch fails with ErrDimensionMismatch. Transport and backend
	// failures fail with ErrStoreWrite. Upsert is idempotent: a second
	// call with the same id overwrites the stored vector and metadata.
	Upsert(ctx context.Context, chunk *ContentChunk) error

	// Query returns up to topK chunks most similar to queryText, best match
	// first, restricted to userID's chunks when userID is non-empty.
	//
	// Retrieval is best-effort: on any failure (embedding, network, backend)
	// Query returns an empty slice. The failure is logged and counted so
	// operators can tell an outage from a genuine miss, but callers cannot.
	// Returned chunks carry Score (raw backend value, direction is
	// backend-relative) and no embedding.
	Query(ctx context.Context, queryText string, topK int, userID string) []ContentChunk

	// Heartbeat verifies the backend is reachable. Used for fail-fast
	// startup and the health endpoint.
	Heartbeat(ctx context.Context) error

	// Close releases the backend connection and any held resources.
	Close() error
}
