package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/auth"
	"github.com/cramdeck/cramd/internal/genai"
	"github.com/cramdeck/cramd/internal/ingest"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// TranscriptionRequest is the request body for POST /transcriptions/store.
type TranscriptionRequest struct {
	Text         string         `json:"text"`
	Source       string         `json:"source"`
	Metadata     map[string]any `json:"metadata"`
	ChunkSize    int            `json:"chunk_size"`
	ChunkOverlap int            `json:"chunk_overlap"`
}

// TranscriptionResponse is the response body for POST /transcriptions/store.
type TranscriptionResponse struct {
	Message    string   `json:"message"`
	ChunkIDs   []string `json:"chunk_ids"`
	ChunkCount int      `json:"chunk_count"`
}

// Chunk is the wire form of a stored chunk. Metadata travels as a flat map;
// values are coerced to strings at the storage boundary.
type Chunk struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
	Score     *float32       `json:"score,omitempty"`
}

// QueryRequest is the request body for POST /vector-store/query.
type QueryRequest struct {
	QueryText string `json:"query_text"`
	TopK      int    `json:"top_k"`
}

// RAGRequest is the request body for POST /vector-store/rag.
type RAGRequest struct {
	Question string `json:"question"`
}

// RAGResponse is the response body for POST /vector-store/rag.
type RAGResponse struct {
	Answer string `json:"answer"`
}

// ImageToTextRequest is the request body for POST /ai/extract-text.
type ImageToTextRequest struct {
	ImageBase64 string `json:"image_base64"`
}

// ImageToTextResponse is the response body for POST /ai/extract-text.
type ImageToTextResponse struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

// FlashcardRequest is the request body for POST /ai/generate-flashcards.
type FlashcardRequest struct {
	Text     string `json:"text"`
	NumCards int    `json:"num_cards"`
}

// FlashcardResponse is the response body for POST /ai/generate-flashcards.
type FlashcardResponse struct {
	Flashcards []genai.Flashcard `json:"flashcards"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth checks the vector store backend and reports liveness.
func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Heartbeat(c.Request().Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStoreTranscription chunks and stores a transcribed document for the
// calling user.
func (s *Server) handleStoreTranscription(c echo.Context) error {
	var req TranscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Source == "" {
		req.Source = "transcription"
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.config.DefaultChunkSize
	}
	if req.ChunkOverlap == 0 {
		req.ChunkOverlap = s.config.DefaultOverlap
	}

	// auto_embed defaults to true and currently cannot disable embedding:
	// vectors are computed whenever a chunk arrives without one.
	autoEmbed := true
	if raw := c.QueryParam("auto_embed"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "auto_embed must be a boolean")
		}
		autoEmbed = parsed
	}

	result, err := s.ingestor.Ingest(c.Request().Context(), ingest.Request{
		Text:      req.Text,
		Source:    req.Source,
		UserID:    s.userID(c),
		ChunkSize: req.ChunkSize,
		Overlap:   req.ChunkOverlap,
		Metadata:  req.Metadata,
		AutoEmbed: autoEmbed,
	})
	if err != nil {
		return ingestHTTPError(err)
	}

	chunkIDs := result.ChunkIDs
	if chunkIDs == nil {
		chunkIDs = []string{}
	}
	return c.JSON(http.StatusOK, TranscriptionResponse{
		Message:    fmt.Sprintf("Transcription stored successfully. %d/%d chunks processed.", result.Processed, result.Total),
		ChunkIDs:   chunkIDs,
		ChunkCount: result.Processed,
	})
}

// ingestHTTPError maps ingestion failures to HTTP status codes.
func ingestHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ingest.ErrEmptyText), errors.Is(err, ingest.ErrNoChunks):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, vectorstore.ErrStoreWrite):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to store chunks in the vector store")
	case errors.Is(err, genai.ErrEmbeddingFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "embedding service unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "no chunk could be stored successfully")
	}
}

// handleUpsert adds or updates a single vector for the calling user.
func (s *Server) handleUpsert(c echo.Context) error {
	var req Chunk
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "vector id is required")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text content is required")
	}

	meta := metadataFromWire(req.Metadata)
	// The caller never picks the owner; the authenticated identity does.
	meta.UserID = s.userID(c)

	chunk := vectorstore.ContentChunk{
		ID:        req.ID,
		Text:      req.Text,
		Metadata:  meta,
		Embedding: req.Embedding,
	}
	if err := s.store.Upsert(c.Request().Context(), &chunk); err != nil {
		switch {
		case errors.Is(err, vectorstore.ErrDimensionMismatch), errors.Is(err, vectorstore.ErrEmptyChunk):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, genai.ErrEmbeddingFailed):
			return echo.NewHTTPError(http.StatusBadGateway, "embedding service unavailable")
		case errors.Is(err, vectorstore.ErrStoreWrite):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to upsert vector")
		default:
			s.logger.Error("unexpected upsert failure", zap.String("chunk_id", req.ID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "an unexpected error occurred during vector upsert")
		}
	}

	return c.JSON(http.StatusCreated, map[string]string{"message": "Vector upserted successfully"})
}

// handleQuery returns the calling user's nearest chunks for a query text.
func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.QueryText = strings.TrimSpace(req.QueryText)
	if req.QueryText == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query text is required")
	}
	if req.TopK == 0 {
		req.TopK = 5
	}
	if req.TopK < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "top_k must be greater than 0")
	}

	results := s.store.Query(c.Request().Context(), req.QueryText, req.TopK, s.userID(c))

	wire := make([]Chunk, 0, len(results))
	for i := range results {
		wire = append(wire, chunkToWire(&results[i]))
	}
	return c.JSON(http.StatusOK, wire)
}

// handleRAG answers a question grounded in the calling user's stored notes.
func (s *Server) handleRAG(c echo.Context) error {
	var req RAGRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	answer := s.answerer.Answer(c.Request().Context(), req.Question, s.userID(c))
	return c.JSON(http.StatusOK, RAGResponse{Answer: answer})
}

// handleExtractText extracts text from a base64-encoded image.
func (s *Server) handleExtractText(c echo.Context) error {
	var req ImageToTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ImageBase64 == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "image data (base64 encoded) is required")
	}

	text, err := s.ai.ExtractTextFromImage(c.Request().Context(), req.ImageBase64)
	if err != nil {
		if errors.Is(err, genai.ErrBlocked) {
			return echo.NewHTTPError(http.StatusInternalServerError, "text extraction failed")
		}
		s.logger.Error("text extraction failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "text extraction failed")
	}

	return c.JSON(http.StatusOK, ImageToTextResponse{Text: text, Success: true})
}

// handleGenerateFlashcards generates question/answer flashcards from text.
func (s *Server) handleGenerateFlashcards(c echo.Context) error {
	var req FlashcardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text content is required")
	}
	if req.NumCards == 0 {
		req.NumCards = 5
	}
	if req.NumCards < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "number of cards must be greater than 0")
	}

	cards, err := s.ai.GenerateFlashcards(c.Request().Context(), req.Text, req.NumCards)
	if err != nil {
		s.logger.Error("flashcard generation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "flashcard generation failed")
	}
	if len(cards) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "could not generate flashcards from the provided text")
	}

	return c.JSON(http.StatusOK, FlashcardResponse{Flashcards: cards})
}

// userID returns the authenticated caller's id, or "" for anonymous calls.
func (s *Server) userID(c echo.Context) string {
	if id := auth.FromContext(c.Request().Context()); id != nil {
		return id.UserID
	}
	return ""
}

// metadataFromWire coerces a caller-supplied metadata map into the typed
// form, stringifying values at the boundary.
func metadataFromWire(raw map[string]any) vectorstore.Metadata {
	payload := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			payload[k] = val
		case bool:
			payload[k] = strconv.FormatBool(val)
		case float64:
			payload[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
			payload[k] = ""
		default:
			payload[k] = fmt.Sprintf("%v", val)
		}
	}
	return vectorstore.MetadataFromPayload(payload)
}

// chunkToWire flattens a stored chunk for the response body.
func chunkToWire(chunk *vectorstore.ContentChunk) Chunk {
	payload := chunk.Metadata.Payload()
	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		meta[k] = v
	}
	return Chunk{
		ID:       chunk.ID,
		Text:     chunk.Text,
		Metadata: meta,
		Score:    chunk.Score,
	}
}
