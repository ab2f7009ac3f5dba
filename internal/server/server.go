// Package server provides the HTTP API for cramd.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/auth"
	"github.com/cramdeck/cramd/internal/genai"
	"github.com/cramdeck/cramd/internal/ingest"
	"github.com/cramdeck/cramd/internal/logging"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// Ingestor stores a document as chunks.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Answerer produces a grounded answer for a user's question.
type Answerer interface {
	Answer(ctx context.Context, question, userID string) string
}

// AIService exposes the direct generation endpoints.
type AIService interface {
	ExtractTextFromImage(ctx context.Context, imageBase64 string) (string, error)
	GenerateFlashcards(ctx context.Context, text string, numCards int) ([]genai.Flashcard, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// DefaultChunkSize and DefaultOverlap apply when a store request leaves
	// the chunking parameters unset.
	DefaultChunkSize int
	DefaultOverlap   int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	ingestor Ingestor
	store    vectorstore.Store
	answerer Answerer
	ai       AIService
	verifier auth.Verifier
	logger   *zap.Logger
	config   *Config
}

// NewServer creates a new HTTP server. verifier may be nil, which disables
// authentication: the caller identity is then taken from the X-User-ID
// header, which is only safe behind a trusted gateway.
func NewServer(ingestor Ingestor, store vectorstore.Store, answerer Answerer, ai AIService, verifier auth.Verifier, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ingestor == nil || store == nil || answerer == nil || ai == nil {
		return nil, fmt.Errorf("ingestor, store, answerer and ai are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		ingestor: ingestor,
		store:    store,
		answerer: answerer,
		ai:       ai,
		verifier: verifier,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authed := s.echo.Group("", s.authenticate)
	authed.POST("/transcriptions/store", s.handleStoreTranscription)
	authed.POST("/vector-store/upsert", s.handleUpsert)
	authed.POST("/vector-store/query", s.handleQuery)
	authed.POST("/vector-store/rag", s.handleRAG)
	authed.POST("/ai/extract-text", s.handleExtractText)
	authed.POST("/ai/generate-flashcards", s.handleGenerateFlashcards)
}

// authenticate resolves the caller identity and stashes it in the request
// context. With a verifier configured, a valid bearer token is mandatory.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		if s.verifier == nil {
			if userID := req.Header.Get("X-User-ID"); userID != "" {
				ctx := auth.ContextWith(req.Context(), &auth.Identity{UserID: userID})
				c.SetRequest(req.WithContext(ctx))
			}
			return next(c)
		}

		header := req.Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(401, "bearer token is required")
		}

		identity, err := s.verifier.Verify(req.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				return echo.NewHTTPError(401, "invalid token")
			}
			s.logger.Error("token verification failed", zap.Error(err))
			return echo.NewHTTPError(502, "token verification unavailable")
		}

		ctx := auth.ContextWith(req.Context(), identity)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
