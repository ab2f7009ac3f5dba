package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EmbeddingClient calls the Gemini embedContent endpoint directly. The REST
// surface is used rather than an SDK because the retrieval task type must be
// set per call, which the higher-level clients do not expose.
//
// The client is safe for concurrent use; one instance is shared by all
// in-flight requests.
type EmbeddingClient struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewEmbeddingClient creates an embedding client.
func NewEmbeddingClient(config Config, logger *zap.Logger) (*EmbeddingClient, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &EmbeddingClient{
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// embedRequest is the embedContent request body.
type embedRequest struct {
	Model    string       `json:"model"`
	Content  embedContent `json:"content"`
	TaskType TaskType     `json:"taskType"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

// embedResponse is the embedContent response body.
type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// EmbedText generates an embedding for text with the given task intent.
// Fails with ErrEmbeddingFailed when the API is unreachable, rejects the
// request, or returns an empty vector. The vector length is not validated
// here; callers own the dimension invariant.
func (c *EmbeddingClient) EmbedText(ctx context.Context, text string, task TaskType) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
	}

	body, err := json.Marshal(embedRequest{
		Model:    "models/" + c.config.EmbeddingModel,
		Content:  embedContent{Parts: []embedPart{{Text: text}}},
		TaskType: task,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent", c.config.BaseURL, c.config.EmbeddingModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(out.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: response contained no embedding", ErrEmbeddingFailed)
	}

	c.logger.Debug("embedding created",
		zap.String("task", string(task)),
		zap.Int("dimension", len(out.Embedding.Values)),
	)
	return out.Embedding.Values, nil
}

// EmbedDocument generates an embedding with document-indexing intent.
// Satisfies vectorstore.Embedder.
func (c *EmbeddingClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.EmbedText(ctx, text, TaskRetrievalDocument)
}

// EmbedQuery generates an embedding with query intent.
// Satisfies vectorstore.Embedder.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.EmbedText(ctx, text, TaskRetrievalQuery)
}
