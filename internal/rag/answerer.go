// Package rag answers questions by retrieving a user's stored note chunks
// and conditioning a generative step on them.
package rag

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/logging"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// contextChunks is the fixed number of chunks retrieved per question.
const contextChunks = 3

// contextSeparator joins retrieved chunk texts into one context block. It is
// visible to the model, marking where one note fragment ends and the next
// begins.
const contextSeparator = "\n\n---\n\n"

// Fixed user-facing responses. Both are successful answers, not errors: an
// empty context and a blocked generation are defined outcomes of the flow.
const (
	// NoContextAnswer is returned when retrieval finds nothing relevant.
	NoContextAnswer = "Sorry, I could not find any relevant information in your stored notes to answer this question."

	// FallbackAnswer is returned when generation is blocked or empty.
	FallbackAnswer = "Sorry, a technical problem is preventing me from answering this question right now."
)

// AnswerGenerator produces an answer grounded in the supplied notes context.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question, notesContext string) (string, error)
}

// Answerer orchestrates retrieval-augmented answering: embed the question,
// retrieve the requester's top chunks, assemble a context block, generate.
type Answerer struct {
	store     vectorstore.Store
	generator AnswerGenerator
	logger    *zap.Logger
}

// NewAnswerer creates an Answerer.
func NewAnswerer(store vectorstore.Store, generator AnswerGenerator, logger *zap.Logger) *Answerer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Answerer{store: store, generator: generator, logger: logger}
}

// Answer answers question from userID's stored notes.
//
// Retrieval is scoped to userID and capped at three chunks, best match
// first. No retrieved context yields NoContextAnswer; a blocked or empty
// generation yields FallbackAnswer. Neither is an error: generation failure
// is never fatal to the request.
func (a *Answerer) Answer(ctx context.Context, question, userID string) string {
	log := a.logger.With(logging.ContextFields(ctx)...)

	chunks := a.store.Query(ctx, question, contextChunks, userID)
	if len(chunks) == 0 {
		log.Info("no relevant context found",
			zap.String("user_id", userID),
		)
		return NoContextAnswer
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	notesContext := strings.Join(texts, contextSeparator)

	log.Debug("context assembled",
		zap.String("user_id", userID),
		zap.Int("chunks", len(chunks)),
		zap.Int("context_length", len(notesContext)),
	)

	answer, err := a.generator.GenerateAnswer(ctx, question, notesContext)
	if err != nil || answer == "" {
		log.Warn("answer generation failed, returning fallback",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return FallbackAnswer
	}
	return answer
}
