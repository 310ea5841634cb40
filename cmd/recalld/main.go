// Recalld is an ephemeral semantic retrieval daemon.
//
// It holds per-session in-memory vector indexes, chunks and embeds uploaded
// documents, serves nearest-neighbour retrieval over HTTP, and keeps upload
// quotas and session liveness in NATS JetStream so restarts and sibling
// processes can observe them.
//
// Usage:
//
//	# Start with defaults
//	recalld
//
//	# Start with a config file
//	recalld -config /etc/recalld/config.yaml
//
//	# Configure via environment
//	RECALLD_SERVER_PORT=9090 RECALLD_NATS_URL=nats://localhost:4222 recalld
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
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/httpapi"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/natskv"
	"github.com/fyrsmithlabs/recalld/internal/quota"
	"github.com/fyrsmithlabs/recalld/internal/session"
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

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  recalld            Start the recalld daemon\n")
			fmt.Fprintf(os.Stderr, "  recalld version    Show version information\n")
			os.Exit(1)
		}
	}

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

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
	fmt.Printf("recalld by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the recalld server and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Connect to NATS and create the KV buckets
//  4. Create the embedding provider
//  5. Wire registry, sweeper, quota ledger and upload service
//  6. Start HTTP server, then shut everything down in reverse on cancel
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting recalld",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.Timeout(cfg.NATS.ConnectWait),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))

	kv, err := natskv.New(ctx, nc, natskv.Config{
		QuotaBucket:   cfg.NATS.QuotaBucket,
		SessionBucket: cfg.NATS.SessionBucket,
		QuotaWindow:   cfg.Quota.Window,
		SessionTTL:    cfg.Session.TTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create KV store: %w", err)
	}

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
		Timeout:  cfg.Embeddings.Timeout,
	}, embeddings.NewMetrics(logger))
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("failed to close embedding provider", zap.Error(err))
		}
	}()

	logger.Info("embedding provider initialized",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", provider.Dimension()))

	registry, err := session.NewRegistry(session.Config{TTL: cfg.Session.TTL}, provider, kv, logger)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	sweeper := session.NewSweeper(registry, cfg.Session.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	ledger, err := quota.NewLedger(quota.Config{MaxFilesPerDay: cfg.Quota.MaxFilesPerDay}, kv, logger)
	if err != nil {
		return fmt.Errorf("failed to create quota ledger: %w", err)
	}

	ch, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("failed to create chunker: %w", err)
	}

	uploads, err := ingest.NewService(ingest.Config{
		MaxFilesPerRequest: cfg.Ingest.MaxFilesPerRequest,
		MaxFileSizeBytes:   cfg.Ingest.MaxFileSizeBytes,
	}, ch, registry, ledger, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create upload service: %w", err)
	}

	srv, err := httpapi.NewServer(registry, uploads, ledger, logger, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
