package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/auth"
	"github.com/cramdeck/cramd/internal/genai"
	"github.com/cramdeck/cramd/internal/ingest"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// mockIngestor records the last request and returns canned results.
type mockIngestor struct {
	req    ingest.Request
	result *ingest.Result
	err    error
}

func (m *mockIngestor) Ingest(_ context.Context, req ingest.Request) (*ingest.Result, error) {
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockVectorStore implements vectorstore.Store over canned data.
type mockVectorStore struct {
	upserted     []vectorstore.ContentChunk
	upsertErr    error
	queryResults []vectorstore.ContentChunk
	gotQuery     string
	gotUserID    string
	heartbeatErr error
}

func (m *mockVectorStore) Upsert(_ context.Context, chunk *vectorstore.ContentChunk) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = append(m.upserted, *chunk)
	return nil
}

func (m *mockVectorStore) Query(_ context.Context, queryText string, _ int, userID string) []vectorstore.ContentChunk {
	m.gotQuery = queryText
	m.gotUserID = userID
	return m.queryResults
}

func (m *mockVectorStore) Heartbeat(context.Context) error { return m.heartbeatErr }
func (m *mockVectorStore) Close() error                    { return nil }

// mockAnswerer returns a fixed answer.
type mockAnswerer struct {
	answer    string
	gotUserID string
}

func (m *mockAnswerer) Answer(_ context.Context, _, userID string) string {
	m.gotUserID = userID
	return m.answer
}

// mockAI returns canned generation results.
type mockAI struct {
	text       string
	extractErr error
	cards      []genai.Flashcard
	cardsErr   error
}

func (m *mockAI) ExtractTextFromImage(context.Context, string) (string, error) {
	return m.text, m.extractErr
}

func (m *mockAI) GenerateFlashcards(context.Context, string, int) ([]genai.Flashcard, error) {
	return m.cards, m.cardsErr
}

type testDeps struct {
	ingestor *mockIngestor
	store    *mockVectorStore
	answerer *mockAnswerer
	ai       *mockAI
}

func newTestServer(t *testing.T, verifier auth.Verifier) (*Server, *testDeps) {
	t.Helper()
	deps := &testDeps{
		ingestor: &mockIngestor{result: &ingest.Result{ChunkIDs: []string{"c1"}, Processed: 1, Total: 1}},
		store:    &mockVectorStore{},
		answerer: &mockAnswerer{answer: "an answer"},
		ai:       &mockAI{},
	}
	srv, err := NewServer(deps.ingestor, deps.store, deps.answerer, deps.ai, verifier, zap.NewNop(), &Config{
		Host:             "localhost",
		Port:             8080,
		DefaultChunkSize: 3000,
		DefaultOverlap:   200,
	})
	require.NoError(t, err)
	return srv, deps
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		deps := &testDeps{ingestor: &mockIngestor{}, store: &mockVectorStore{}, answerer: &mockAnswerer{}, ai: &mockAI{}}
		_, err := NewServer(deps.ingestor, deps.store, deps.answerer, deps.ai, nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("returns error when a dependency is nil", func(t *testing.T) {
		_, err := NewServer(nil, &mockVectorStore{}, &mockAnswerer{}, &mockAI{}, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHealth(t *testing.T) {
	t.Run("ok when the store heartbeat succeeds", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok"`)
	})

	t.Run("503 when the store is down", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.store.heartbeatErr = errors.New("connection refused")
		rec := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStoreTranscription(t *testing.T) {
	t.Run("stores and reports chunk ids", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/transcriptions/store", TranscriptionRequest{
			Text: "some notes",
		}, asUser("u1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp TranscriptionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []string{"c1"}, resp.ChunkIDs)
		assert.Equal(t, 1, resp.ChunkCount)
		assert.Contains(t, resp.Message, "1/1")

		assert.Equal(t, "u1", deps.ingestor.req.UserID)
		assert.Equal(t, "transcription", deps.ingestor.req.Source)
		assert.Equal(t, 3000, deps.ingestor.req.ChunkSize)
		assert.Equal(t, 200, deps.ingestor.req.Overlap)
		assert.True(t, deps.ingestor.req.AutoEmbed)
	})

	t.Run("request parameters override the defaults", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/transcriptions/store?auto_embed=false", TranscriptionRequest{
			Text:         "some notes",
			Source:       "ocr",
			ChunkSize:    1000,
			ChunkOverlap: 50,
		}, asUser("u1"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ocr", deps.ingestor.req.Source)
		assert.Equal(t, 1000, deps.ingestor.req.ChunkSize)
		assert.Equal(t, 50, deps.ingestor.req.Overlap)
		assert.False(t, deps.ingestor.req.AutoEmbed)
	})

	t.Run("empty text is a 400", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ingestor.err = ingest.ErrEmptyText
		rec := doJSON(t, srv, http.MethodPost, "/transcriptions/store", TranscriptionRequest{}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store write failure is a 503", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ingestor.err = fmt.Errorf("storing chunk c1: %w", vectorstore.ErrStoreWrite)
		rec := doJSON(t, srv, http.MethodPost, "/transcriptions/store", TranscriptionRequest{Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("zero stored chunks is a 500", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ingestor.err = ingest.ErrNothingStored
		rec := doJSON(t, srv, http.MethodPost, "/transcriptions/store", TranscriptionRequest{Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestUpsert(t *testing.T) {
	t.Run("stores the chunk under the caller identity", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{
			ID:       "c1",
			Text:     "note text",
			Metadata: map[string]any{"user_id": "spoofed", "course": "bio"},
		}, asUser("u1"))

		require.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, deps.store.upserted, 1)
		assert.Equal(t, "u1", deps.store.upserted[0].Metadata.UserID)
		assert.Equal(t, "bio", deps.store.upserted[0].Metadata.Extra["course"])
	})

	t.Run("missing id is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing text is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{ID: "c1"}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("dimension mismatch is a 400", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.store.upsertErr = fmt.Errorf("chunk c1: %w", vectorstore.ErrDimensionMismatch)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{ID: "c1", Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("embedding failure is a 502", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.store.upsertErr = fmt.Errorf("embedding chunk c1: %w", genai.ErrEmbeddingFailed)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{ID: "c1", Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("store write failure is a 503", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.store.upsertErr = fmt.Errorf("upserting chunk c1: %w", vectorstore.ErrStoreWrite)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/upsert", Chunk{ID: "c1", Text: "t"}, asUser("u1"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestQuery(t *testing.T) {
	t.Run("returns the caller's chunks", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		score := float32(0.87)
		deps.store.queryResults = []vectorstore.ContentChunk{{
			ID:       "c1",
			Text:     "note",
			Metadata: vectorstore.Metadata{UserID: "u1", Position: "1/1"},
			Score:    &score,
		}}

		rec := doJSON(t, srv, http.MethodPost, "/vector-store/query", QueryRequest{QueryText: "note", TopK: 3}, asUser("u1"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", deps.store.gotUserID)

		var resp []Chunk
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
		assert.Equal(t, "c1", resp[0].ID)
		assert.Equal(t, "u1", resp[0].Metadata["user_id"])
		require.NotNil(t, resp[0].Score)
		assert.InDelta(t, 0.87, float64(*resp[0].Score), 1e-6)
	})

	t.Run("no matches yields an empty array", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/query", QueryRequest{QueryText: "q"}, asUser("u1"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("empty query text is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/query", QueryRequest{}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("whitespace-only query text is a 400", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/query", QueryRequest{QueryText: "  \n\t "}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, deps.store.gotQuery, "whitespace input must never reach the store")
	})

	t.Run("negative top_k is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/query", QueryRequest{QueryText: "q", TopK: -1}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRAG(t *testing.T) {
	t.Run("returns the answer for the caller", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: "why?"}, asUser("u1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp RAGResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "an answer", resp.Answer)
		assert.Equal(t, "u1", deps.answerer.gotUserID)
	})

	t.Run("empty question is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("whitespace-only question is a 400", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: " \t\n"}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, deps.answerer.gotUserID, "whitespace input must never reach the answerer")
	})
}

func TestAIEndpoints(t *testing.T) {
	t.Run("extract-text returns the extracted text", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ai.text = "extracted notes"
		rec := doJSON(t, srv, http.MethodPost, "/ai/extract-text", ImageToTextRequest{ImageBase64: "aGk="}, asUser("u1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp ImageToTextResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "extracted notes", resp.Text)
		assert.True(t, resp.Success)
	})

	t.Run("extract-text without image data is a 400", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/ai/extract-text", ImageToTextRequest{}, asUser("u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("blocked extraction is a 500", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ai.extractErr = genai.ErrBlocked
		rec := doJSON(t, srv, http.MethodPost, "/ai/extract-text", ImageToTextRequest{ImageBase64: "aGk="}, asUser("u1"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("generate-flashcards returns cards", func(t *testing.T) {
		srv, deps := newTestServer(t, nil)
		deps.ai.cards = []genai.Flashcard{{Question: "Q", Answer: "A"}}
		rec := doJSON(t, srv, http.MethodPost, "/ai/generate-flashcards", FlashcardRequest{Text: "notes"}, asUser("u1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp FlashcardResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Flashcards, 1)
		assert.Equal(t, "Q", resp.Flashcards[0].Question)
	})

	t.Run("no cards generated is a 404", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/ai/generate-flashcards", FlashcardRequest{Text: "notes"}, asUser("u1"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAuthentication(t *testing.T) {
	verifier := auth.NewStaticVerifier(map[string]string{"tok-1": "u1"})

	t.Run("valid token resolves the identity", func(t *testing.T) {
		srv, deps := newTestServer(t, verifier)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: "q"}, map[string]string{
			"Authorization": "Bearer tok-1",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", deps.answerer.gotUserID)
	})

	t.Run("missing token is a 401", func(t *testing.T) {
		srv, _ := newTestServer(t, verifier)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: "q"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown token is a 401", func(t *testing.T) {
		srv, _ := newTestServer(t, verifier)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: "q"}, map[string]string{
			"Authorization": "Bearer wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("with a verifier the user header is ignored", func(t *testing.T) {
		srv, deps := newTestServer(t, verifier)
		rec := doJSON(t, srv, http.MethodPost, "/vector-store/rag", RAGRequest{Question: "q"}, map[string]string{
			"Authorization": "Bearer tok-1",
			"X-User-ID":     "someone-else",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u1", deps.answerer.gotUserID)
	})

	t.Run("health and metrics stay open", func(t *testing.T) {
		srv, _ := newTestServer(t, verifier)
		assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/health", nil, nil).Code)
		assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/metrics", nil, nil).Code)
	})
}
