package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Tracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("cramd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (6334 by default, NOT the HTTP port).
	Port int `koanf:"port"`

	// CollectionName is the collection all chunks live in. Tenant isolation
	// is by payload filtering, not by collection.
	CollectionName string `koanf:"collection"`

	// Dimension is the embedding dimension the collection is created with.
	// MUST match the embedding model's output length.
	Dimension int `koanf:"dimension"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "cramd_notes"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore is a Store implementation backed by a remote Qdrant server,
// using the native gRPC client.
//
// Qdrant point ids must be UUIDs, while chunk ids are opaque strings
// ("chunk-<uuid>" from the chunker, anything from manual upserts). The point
// id is therefore derived deterministically from the chunk id (UUIDv5), which
// keeps upserts idempotent; the original chunk id is preserved in the payload.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantStore connects to Qdrant, verifies liveness, and ensures the
// configured collection exists. It fails fast on an unreachable server so a
// misconfigured deployment never starts serving.
func NewQdrantStore(ctx context.Context, config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
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

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Heartbeat(hbCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.CollectionName),
		zap.Int("dimension", config.Dimension),
	)
	return s, nil
}

// Heartbeat verifies the Qdrant server is reachable.
func (s *QdrantStore) Heartbeat(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Heartbeat")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.CollectionName)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.CollectionName, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.CollectionName, err)
	}
	return nil
}

// pointID derives the Qdrant point id from a chunk id. UUIDv5 keeps the
// mapping stable across upserts of the same chunk.
func pointID(chunkID string) *qdrant.PointId {
	if _, err := uuid.Parse(chunkID); err == nil {
		return qdrant.NewIDUUID(chunkID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String())
}

// Upsert inserts or overwrites a single chunk keyed by its id.
func (s *QdrantStore) Upsert(ctx context.Context, chunk *ContentChunk) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	defer func() { recordUpsert("qdrant", err) }()

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

	// Qdrant returns payload only, so the text rides along with the metadata.
	payload := make(map[string]*qdrant.Value)
	payload["id"] = stringValue(chunk.ID)
	payload["text"] = stringValue(chunk.Text)
	for k, v := range chunk.Metadata.Payload() {
		payload[k] = stringValue(v)
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.CollectionName,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(chunk.ID),
			Vectors: qdrant.NewVectors(chunk.Embedding...),
			Payload: payload,
		}},
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
func (s *QdrantStore) Query(ctx context.Context, queryText string, topK int, userID string) []ContentChunk {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))
	queriesTotal.WithLabelValues("qdrant").Inc()

	vector, err := s.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		s.queryFailed(span, "embedding query", err)
		return []ContentChunk{}
	}

	var filter *qdrant.Filter
	if userID != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: KeyUserID,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: userID},
						},
					},
				},
			}},
		}
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.CollectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		s.queryFailed(span, "querying collection", err)
		return []ContentChunk{}
	}

	chunks := make([]ContentChunk, 0, len(points))
	for _, point := range points {
		payload := make(map[string]string, len(point.Payload))
		for k, v := range point.Payload {
			if sv, ok := v.Kind.(*qdrant.Value_StringValue); ok {
				payload[k] = sv.StringValue
			}
		}
		score := point.Score
		chunks = append(chunks, ContentChunk{
			ID:       payload["id"],
			Text:     payload["text"],
			Metadata: MetadataFromPayload(stripPayloadKeys(payload)),
			Score:    &score,
		})
	}

	span.SetAttributes(attribute.Int("results", len(chunks)))
	span.SetStatus(codes.Ok, "success")
	return chunks
}

// stripPayloadKeys removes the adapter-owned keys before metadata
// reconstruction.
func stripPayloadKeys(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "id" || k == "text" {
			continue
		}
		out[k] = v
	}
	return out
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func (s *QdrantStore) queryFailed(span trace.Span, stage string, err error) {
	queryFailuresTotal.WithLabelValues("qdrant").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("vector query failed, returning empty result",
		zap.String("backend", "qdrant"),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
