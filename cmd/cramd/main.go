// Cramd is the study-notes backend: it turns transcribed or photographed
// course notes into vector-indexed chunks and answers questions over them
// with retrieval-augmented generation.
//
// Configuration is loaded from an optional YAML file and CRAMD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	CRAMD_GENAI_API_KEY=... cramd
//
//	# Configure via file and environment
//	CRAMD_SERVER_PORT=9090 cramd -config /etc/cramd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cramdeck/cramd/internal/auth"
	"github.com/cramdeck/cramd/internal/chunker"
	"github.com/cramdeck/cramd/internal/config"
	"github.com/cramdeck/cramd/internal/genai"
	"github.com/cramdeck/cramd/internal/ingest"
	"github.com/cramdeck/cramd/internal/logging"
	"github.com/cramdeck/cramd/internal/rag"
	"github.com/cramdeck/cramd/internal/server"
	"github.com/cramdeck/cramd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  cramd           Start the cramd server\n")
			fmt.Fprintf(os.Stderr, "  cramd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("cramd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all services and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger) // Best-effort sync on shutdown
	}()

	logger.Info("Starting cramd",
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embedding_model", cfg.GenAI.EmbeddingModel),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	genaiCfg := cfg.GenAI.GenAI()

	embedder, err := genai.NewEmbeddingClient(genaiCfg, logger.Named("embedding"))
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	generator, err := genai.NewGenerator(ctx, genaiCfg, logger.Named("genai"))
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	store, err := vectorstore.NewStore(ctx, cfg.VectorStore, embedder, logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("failed to close vector store", zap.Error(cerr))
		}
	}()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to configure authentication: %w", err)
	}

	ingestor := ingest.NewService(
		chunker.New(genaiCfg.EmbeddingModel, genaiCfg.Dimension),
		store,
		logger.Named("ingest"),
	)
	answerer := rag.NewAnswerer(store, generator, logger.Named("rag"))

	srv, err := server.NewServer(ingestor, store, answerer, generator, verifier, logger.Named("http"), &server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		DefaultChunkSize: cfg.Chunking.ChunkSize,
		DefaultOverlap:   cfg.Chunking.Overlap,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Serve until the signal handler cancels the context.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// newVerifier builds the token verifier for the configured auth mode.
// Mode "none" returns nil, which makes the server trust the X-User-ID header.
func newVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "static":
		return auth.NewStaticVerifier(cfg.Tokens), nil
	case "remote":
		return auth.NewRemoteVerifier(cfg.RemoteURL)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
