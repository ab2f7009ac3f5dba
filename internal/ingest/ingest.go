// Package ingest drives the chunk → embed → upsert pipeline for a submitted
// document, tracking partial success.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/chunker"
	"github.com/cramdeck/cramd/internal/logging"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// Sentinel errors.
var (
	// ErrEmptyText indicates a submission with no text.
	ErrEmptyText = errors.New("transcribed text is required")

	// ErrNoChunks indicates chunking produced nothing from non-empty text.
	ErrNoChunks = errors.New("could not create chunks from the provided text")

	// ErrNothingStored indicates every chunk failed: the operation produced
	// nothing even though no single error was fatal.
	ErrNothingStored = errors.New("no chunk could be stored")
)

// Request describes one document to ingest.
type Request struct {
	// Text is the transcribed document body.
	Text string

	// Source names where the text came from (e.g. "transcription").
	Source string

	// UserID is the owning identity, stamped into every chunk for
	// tenant filtering.
	UserID string

	// ChunkSize and Overlap are chunking parameters in characters;
	// non-positive values fall back to the chunker defaults.
	ChunkSize int
	Overlap   int

	// Metadata holds caller-supplied extras copied into every chunk.
	Metadata map[string]any

	// AutoEmbed is accepted for interface compatibility but has no
	// distinct effect: embeddings are always computed when absent.
	AutoEmbed bool
}

// Result reports what an ingestion run stored.
type Result struct {
	// ChunkIDs lists the ids of successfully stored chunks, in order.
	ChunkIDs []string

	// Processed and Total give the success ratio.
	Processed int
	Total     int
}

// Service orchestrates ingestion. Upserts run strictly sequentially, which
// bounds load on the embedding and store backends at the cost of latency
// linear in chunk count.
type Service struct {
	chunker *chunker.Chunker
	store   vectorstore.Store
	logger  *zap.Logger
}

// NewService creates an ingestion service.
func NewService(c *chunker.Chunker, store vectorstore.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{chunker: c, store: store, logger: logger}
}

// Ingest chunks req.Text and upserts each chunk.
//
// Failure policy per chunk: a dimension mismatch or any unexpected error is
// logged and the chunk skipped; the rest of the batch continues. A store
// write failure aborts immediately: the backend is assumed down for all
// subsequent writes too. Zero successes with chunks present is reported as
// ErrNothingStored regardless of the individual error kinds.
//
// Already-stored chunks are not rolled back on abort; the returned Result
// reflects what actually landed.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}

	base := vectorstore.Metadata{
		UserID:    req.UserID,
		Source:    req.Source,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	for k, v := range req.Metadata {
		base.SetExtra(k, v)
	}

	chunks := s.chunker.Chunk(req.Text, req.ChunkSize, req.Overlap, base)
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	log := s.logger.With(logging.ContextFields(ctx)...)
	log.Info("ingesting document",
		zap.String("user_id", req.UserID),
		zap.String("source", req.Source),
		zap.Int("chunks", len(chunks)),
		zap.Bool("auto_embed", req.AutoEmbed),
	)

	result := &Result{Total: len(chunks)}
	for i := range chunks {
		chunk := &chunks[i]
		err := s.store.Upsert(ctx, chunk)
		if err == nil {
			result.ChunkIDs = append(result.ChunkIDs, chunk.ID)
			result.Processed++
			continue
		}

		if errors.Is(err, vectorstore.ErrStoreWrite) {
			log.Error("store write failed, aborting ingestion",
				zap.String("chunk_id", chunk.ID),
				zap.Int("processed", result.Processed),
				zap.Int("total", result.Total),
				zap.Error(err),
			)
			return result, fmt.Errorf("storing chunk %s: %w", chunk.ID, err)
		}

		// Value errors and anything unexpected skip this chunk only.
		log.Warn("skipping chunk",
			zap.String("chunk_id", chunk.ID),
			zap.Error(err),
		)
	}

	if result.Processed == 0 {
		return result, ErrNothingStored
	}

	log.Info("document ingested",
		zap.String("user_id", req.UserID),
		zap.Int("processed", result.Processed),
		zap.Int("total", result.Total),
	)
	return result, nil
}
