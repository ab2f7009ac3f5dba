package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"go.uber.org/zap"
)

// extractionRefusal is the token the vision prompt instructs the model to
// answer with when it cannot read any text from the image.
const extractionRefusal = "EXTRACTION_FAILED"

// fencedJSON pulls a JSON array out of a ```json fenced block or a bare
// bracketed payload; the model sometimes wraps its output despite JSON mode.
var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```|(\\[.*\\])")

// Generator produces grounded answers, flashcards, and image transcriptions
// via the Gemini generative models. Safe for concurrent use.
type Generator struct {
	client *googleai.GoogleAI
	config Config
	logger *zap.Logger
}

// NewGenerator creates a Generator backed by the configured Gemini model.
func NewGenerator(ctx context.Context, config Config, logger *zap.Logger) (*Generator, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := googleai.New(ctx,
		googleai.WithAPIKey(config.APIKey),
		googleai.WithDefaultModel(config.GenerationModel),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Generator{client: client, config: config, logger: logger}, nil
}

// generate runs a single-turn human message and returns the response text.
func (g *Generator) generate(ctx context.Context, parts []llms.ContentPart, opts ...llms.CallOption) (string, error) {
	resp, err := g.client.GenerateContent(ctx, []llms.MessageContent{{
		Role:  llms.ChatMessageTypeHuman,
		Parts: parts,
	}}, opts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrBlocked
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrBlocked
	}
	return text, nil
}

// GenerateAnswer answers a question strictly from the supplied notes context.
// Fails with ErrBlocked when generation is blocked or empty; callers decide
// the user-facing fallback.
func (g *Generator) GenerateAnswer(ctx context.Context, question, notesContext string) (string, error) {
	prompt := fmt.Sprintf(`You are an expert teaching assistant who helps students understand their courses based strictly on the notes provided.
Answer the student's question concisely, clearly, and precisely, using only the information present in the context below.
If the context does not contain the answer, politely state that the information is not available in the provided notes. Do not speculate or add outside information.

Course notes context:
---
%s
---

Student's question: %s

Answer based on the context:
`, notesContext, question)

	answer, err := g.generate(ctx, []llms.ContentPart{llms.TextPart(prompt)})
	if err != nil {
		g.logger.Warn("answer generation failed", zap.Error(err))
		return "", err
	}
	g.logger.Debug("answer generated", zap.Int("length", len(answer)))
	return answer, nil
}

// GenerateFlashcards generates numCards question/answer pairs from text.
// The model is asked for a bare JSON array; malformed output is retried up
// to three times before giving up.
func (g *Generator) GenerateFlashcards(ctx context.Context, text string, numCards int) ([]Flashcard, error) {
	prompt := fmt.Sprintf(`Generate exactly %d relevant question/answer flashcards from the following course text.
Expected output format: only a valid JSON array of objects with "question" and "answer" keys. Example: [{"question": "...", "answer": "..."}]

Course text:
---
%s
---

Respond with only the JSON array. Do not add any text before or after the JSON.
`, numCards, text)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		content, err := g.generate(ctx, []llms.ContentPart{llms.TextPart(prompt)},
			llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			return nil, err
		}

		cards, err := parseFlashcards(content)
		if err != nil {
			g.logger.Warn("flashcard response did not parse",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		g.logger.Debug("flashcards generated", zap.Int("count", len(cards)))
		return cards, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrBlocked, lastErr)
}

// parseFlashcards extracts and validates the JSON array from model output.
func parseFlashcards(content string) ([]Flashcard, error) {
	m := fencedJSON.FindStringSubmatch(content)
	if m == nil {
		return nil, fmt.Errorf("no JSON array in response")
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}

	var cards []Flashcard
	if err := json.Unmarshal([]byte(raw), &cards); err != nil {
		return nil, fmt.Errorf("decoding flashcards: %w", err)
	}
	for i, c := range cards {
		if c.Question == "" || c.Answer == "" {
			return nil, fmt.Errorf("flashcard %d missing question or answer", i)
		}
	}
	return cards, nil
}

// ExtractTextFromImage transcribes course notes from a base64-encoded image.
// Fails with ErrBlocked when the model cannot read any text.
func (g *Generator) ExtractTextFromImage(ctx context.Context, imageBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}

	prompt := fmt.Sprintf("Extract all the text from this image of course notes. Respond only with the extracted text. If you cannot extract any text, respond only with '%s'.", extractionRefusal)

	text, err := g.generate(ctx, []llms.ContentPart{
		llms.TextPart(prompt),
		llms.BinaryPart("image/jpeg", data),
	})
	if err != nil {
		g.logger.Warn("image text extraction failed", zap.Error(err))
		return "", err
	}
	if text == extractionRefusal {
		return "", fmt.Errorf("%w: no text could be extracted", ErrBlocked)
	}
	g.logger.Debug("text extracted from image", zap.Int("length", len(text)))
	return text, nil
}
