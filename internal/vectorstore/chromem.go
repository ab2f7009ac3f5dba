package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("cramd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory
	// only, which is what tests use.
	Path string `koanf:"path"`

	// Compress enables gzip compression for persisted data.
	Compress bool `koanf:"compress"`

	// Collection is the collection all chunks live in.
	Collection string `koanf:"collection"`

	// Dimension is the expected embedding dimension. Must match the
	// embedding model's output length.
	Dimension int `koanf:"dimension"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "cramd_notes"
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore is a Store implementation backed by chromem-go, an embedded
// pure-Go vector index with optional gob persistence. It needs no external
// service, which makes it the default backend for local development and the
// workhorse for the store test suite.
//
// chromem reports cosine similarity, higher is closer. QdrantStore reports
// the same direction, but callers must not rely on that: Score is defined as
// backend-relative.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemStore creates a ChromemStore. With a non-empty path the index is
// persisted under it; otherwise everything stays in memory.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	s := &ChromemStore{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("dimension", config.Dimension),
	)
	return s, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// collection returns the backing collection, creating it on first use.
// Document embeddings are always computed before insertion, so the embedding
// func only serves chromem-internal re-embeds and uses query intent.
func (s *ChromemStore) collection() (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(s.config.Collection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", s.config.Collection, err)
	}
	return c, nil
}

// Heartbeat reports liveness. The index is in-process, so this only fails
// when the store was never initialized.
func (s *ChromemStore) Heartbeat(context.Context) error {
	if s.db == nil {
		return ErrConnectionFailed
	}
	return nil
}

// Close releases the store. chromem holds no connections, so this is a no-op.
func (s *ChromemStore) Close() error {
	return nil
}

// Upsert inserts or overwrites a single chunk keyed by its id.
func (s *ChromemStore) Upsert(ctx context.Context, chunk *ContentChunk) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	defer func() { recordUpsert("chromem", err) }()

	if err = chunk.Validate(); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("chunk_id", chunk.ID))

	if len(chunk.Embedding) == 0 {
		s.logger.Debug("computing embedding for chunk", zap.String("chunk_id", chunk.ID))
		chunk.Embedding, err = s.embedder.EmbedDocument(ctx, chunk.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("embedding chunk %s: %w", chunk.ID, err)
		}
	}

	if err = validateDimension(chunk.Embedding, s.config.Dimension); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("chunk %s: %w", chunk.ID, err)
	}

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	metadata := chunk.Metadata.Payload()
	err = collection.AddDocument(ctx, chromem.Document{
		ID:        chunk.ID,
		Content:   chunk.Text,
		Metadata:  metadata,
		Embedding: chunk.Embedding,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: upserting chunk %s: %v", ErrStoreWrite, chunk.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("chunk upserted", zap.String("chunk_id", chunk.ID))
	return nil
}

// Query returns up to topK chunks similar to queryText, filtered to userID
// when non-empty. Best-effort: failures are logged and counted, and an empty
// slice is returned.
func (s *ChromemStore) Query(ctx context.Context, queryText string, topK int, userID string) []ContentChunk {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))
	queriesTotal.WithLabelValues("chromem").Inc()

	vector, err := s.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		s.queryFailed(span, "embedding query", err)
		return []ContentChunk{}
	}

	collection, err := s.collection()
	if err != nil {
		s.queryFailed(span, "opening collection", err)
		return []ContentChunk{}
	}

	// chromem rejects nResults above the document count.
	if count := collection.Count(); count == 0 {
		span.SetStatus(codes.Ok, "empty collection")
		return []ContentChunk{}
	} else if topK > count {
		topK = count
	}

	var where map[string]string
	if userID != "" {
		where = map[string]string{KeyUserID: userID}
	}

	results, err := collection.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		s.queryFailed(span, "querying collection", err)
		return []ContentChunk{}
	}

	chunks := make([]ContentChunk, 0, len(results))
	for _, r := range results {
		score := r.Similarity
		chunks = append(chunks, ContentChunk{
			ID:       r.ID,
			Text:     r.Content,
			Metadata: MetadataFromPayload(r.Metadata),
			Score:    &score,
		})
	}

	span.SetAttributes(attribute.Int("results", len(chunks)))
	span.SetStatus(codes.Ok, "success")
	return chunks
}

func (s *ChromemStore) queryFailed(span trace.Span, stage string, err error) {
	queryFailuresTotal.WithLabelValues("chromem").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("vector query failed, returning empty result",
		zap.String("backend", "chromem"),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
