package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/quota"
	"github.com/fyrsmithlabs/recalld/internal/session"
)

// ErrValidation indicates a caller input problem: unsupported file type,
// oversized file or an empty upload. Rejected before any ingestion work.
var ErrValidation = errors.New("invalid upload")

// Default upload limits.
const (
	DefaultMaxFilesPerRequest = 2
	DefaultMaxFileSizeBytes   = 100 << 20 // 100 MB
)

// defaultExtensions are the formats the built-in extractor understands.
var defaultExtensions = []string{".txt", ".md"}

// File is one uploaded document before extraction.
type File struct {
	Name    string
	Content []byte
}

// Extractor turns an uploaded file into plain text. Implementations for
// rich formats (PDF, DOCX, OCR) live outside this module.
type Extractor interface {
	Extract(ctx context.Context, f File) (string, error)
}

// PlainTextExtractor passes file bytes through as UTF-8 text.
type PlainTextExtractor struct{}

// Extract returns the file content as a string.
func (PlainTextExtractor) Extract(_ context.Context, f File) (string, error) {
	return string(f.Content), nil
}

// ChunkStore appends chunks to a session. Satisfied by session.Registry.
type ChunkStore interface {
	StoreChunks(ctx context.Context, sessionID string, chunks []chunker.Chunk) error
}

// QuotaKeeper gates and records uploads. Satisfied by quota.Ledger.
type QuotaKeeper interface {
	CheckQuota(ctx context.Context, userID string) (hasQuota bool, count int)
	IncrementQuota(ctx context.Context, userID string) bool
}

// Config holds upload limits.
type Config struct {
	// MaxFilesPerRequest caps files per upload call.
	MaxFilesPerRequest int

	// MaxFileSizeBytes caps a single file's size.
	MaxFileSizeBytes int64

	// Extensions lists accepted file extensions (lowercase, with dot).
	Extensions []string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxFilesPerRequest == 0 {
		c.MaxFilesPerRequest = DefaultMaxFilesPerRequest
	}
	if c.MaxFileSizeBytes == 0 {
		c.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	}
	if len(c.Extensions) == 0 {
		c.Extensions = defaultExtensions
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxFilesPerRequest <= 0 {
		return fmt.Errorf("max files per request must be positive, got %d", c.MaxFilesPerRequest)
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSizeBytes)
	}
	return nil
}

// Report summarizes one upload: how many files were ingested, how many were
// skipped after isolated failures, and how many chunks were stored.
type Report struct {
	FilesProcessed int `json:"files_processed"`
	FilesSkipped   int `json:"files_skipped"`
	ChunksStored   int `json:"chunks_stored"`
}

// Service runs the upload pipeline.
type Service struct {
	config    Config
	chunker   *chunker.Chunker
	store     ChunkStore
	quotas    QuotaKeeper
	extractor Extractor
	logger    *zap.Logger
}

// NewService creates the upload service.
func NewService(config Config, ch *chunker.Chunker, store ChunkStore, quotas QuotaKeeper, extractor Extractor, logger *zap.Logger) (*Service, error) {
	if ch == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if store == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if quotas == nil {
		return nil, fmt.Errorf("quota keeper is required")
	}
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Service{
		config:    config,
		chunker:   ch,
		store:     store,
		quotas:    quotas,
		extractor: extractor,
		logger:    logger,
	}, nil
}

// Upload validates files, gates on the owner's quota, then ingests each file
// into the session. Per-file extraction and embedding failures are isolated:
// the file is logged and skipped, the rest continue. A missing session aborts
// the whole upload with session.ErrSessionNotFound.
func (s *Service) Upload(ctx context.Context, ownerID, sessionID string, files []File) (*Report, error) {
	if err := s.validate(files); err != nil {
		return nil, err
	}

	hasQuota, count := s.quotas.CheckQuota(ctx, ownerID)
	if !hasQuota {
		return nil, fmt.Errorf("%w: %d files already uploaded in the current window", quota.ErrQuotaExceeded, count)
	}

	report := &Report{}
	for _, f := range files {
		stored, err := s.ingestFile(ctx, sessionID, f)
		if err != nil {
			// A vanished session will fail every remaining file the
			// same way; everything else is isolated to this file.
			if isSessionGone(err) {
				return nil, err
			}
			s.logger.Warn("file skipped",
				zap.String("session_id", sessionID),
				zap.String("file", f.Name),
				zap.Error(err))
			report.FilesSkipped++
			continue
		}

		report.FilesProcessed++
		report.ChunksStored += stored

		if !s.quotas.IncrementQuota(ctx, ownerID) {
			// Secondary guard tripped: this file is already in, but no
			// further files may be ingested in this window.
			s.logger.Warn("quota exhausted mid-upload, remaining files skipped",
				zap.String("owner_id", ownerID),
				zap.Int("files_processed", report.FilesProcessed))
			report.FilesSkipped += len(files) - report.FilesProcessed - report.FilesSkipped
			break
		}
	}

	s.logger.Info("upload finished",
		zap.String("session_id", sessionID),
		zap.String("owner_id", ownerID),
		zap.Int("files_processed", report.FilesProcessed),
		zap.Int("files_skipped", report.FilesSkipped),
		zap.Int("chunks_stored", report.ChunksStored))

	return report, nil
}

// ingestFile extracts, chunks and stores one file, returning the number of
// chunks stored.
func (s *Service) ingestFile(ctx context.Context, sessionID string, f File) (int, error) {
	text, err := s.extractor.Extract(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("extracting %s: %w", f.Name, err)
	}

	chunks := s.chunker.Chunk(text, map[string]any{
		"source":       f.Name,
		"content_type": "text",
	})
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text extracted from %s", f.Name)
	}

	if err := s.store.StoreChunks(ctx, sessionID, chunks); err != nil {
		return 0, fmt.Errorf("storing %s: %w", f.Name, err)
	}
	return len(chunks), nil
}

// validate rejects the whole upload on input problems, before any work.
func (s *Service) validate(files []File) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no files in upload", ErrValidation)
	}
	if len(files) > s.config.MaxFilesPerRequest {
		return fmt.Errorf("%w: %d files exceeds the per-request limit of %d",
			ErrValidation, len(files), s.config.MaxFilesPerRequest)
	}

	for _, f := range files {
		if int64(len(f.Content)) > s.config.MaxFileSizeBytes {
			return fmt.Errorf("%w: %s is %d bytes, limit is %d",
				ErrValidation, f.Name, len(f.Content), s.config.MaxFileSizeBytes)
		}
		if !s.supportedExtension(f.Name) {
			return fmt.Errorf("%w: unsupported file type %q (accepted: %s)",
				ErrValidation, f.Name, strings.Join(s.config.Extensions, ", "))
		}
	}
	return nil
}

func isSessionGone(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound)
}

func (s *Service) supportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range s.config.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
