package session

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/index"
)

// Config holds registry configuration.
type Config struct {
	// TTL is the idle duration after which a session is eligible for
	// eviction. Defaults to DefaultTTL.
	TTL time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.TTL)
	}
	return nil
}

// Registry owns all in-process sessions and implements the core operations:
// create, store, retrieve, info, delete. It is safe for concurrent use;
// operations on different sessions proceed in parallel, operations on the
// same session are serialized.
type Registry struct {
	config   Config
	embedder Embedder
	mirror   Mirror
	logger   *zap.Logger
	metrics  *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(config Config, embedder Embedder, mirror Mirror, logger *zap.Logger) (*Registry, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if mirror == nil {
		return nil, fmt.Errorf("mirror is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Registry{
		config:   config,
		embedder: embedder,
		mirror:   mirror,
		logger:   logger,
		metrics:  newMetrics(logger),
		sessions: make(map[string]*Session),
	}, nil
}

// TTL returns the configured session TTL.
func (r *Registry) TTL() time.Duration {
	return r.config.TTL
}

// CreateSession allocates a new empty session for ownerID and mirrors its
// summary into the networked store. The index is constructed lazily on the
// first successful store, once the embedding dimension is known.
//
// A mirror write failure fails the create: a session must never exist
// in-process without having been successfully registered.
func (r *Registry) CreateSession(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner ID is required")
	}

	now := timeNow()
	s := &Session{
		id:           uuid.NewString(),
		ownerID:      ownerID,
		createdAt:    now,
		lastAccessed: now,
	}

	if err := r.mirror.PutSession(ctx, s.id, s.summaryLocked()); err != nil {
		return "", fmt.Errorf("mirroring session: %w", err)
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.metrics.RecordCreated(ctx)
	r.logger.Info("session created",
		zap.String("session_id", s.id),
		zap.String("owner_id", ownerID))

	return s.id, nil
}

// lookup returns the live session for id, or ErrSessionNotFound.
func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// StoreChunks embeds chunks in one batch call and appends the vectors and
// chunks to the session. The call is atomic with respect to the session's
// visible state: on any failure the index, chunk list and document count are
// unchanged. An empty batch is a no-op.
func (r *Registry) StoreChunks(ctx context.Context, sessionID string, chunks []chunker.Chunk) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	// Batch embedding happens before the critical section; no lock is held
	// across network I/O.
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	summary, err := r.appendToSession(s, chunks, vectors)
	if err != nil {
		return err
	}

	r.refreshMirror(ctx, summary)
	r.metrics.RecordStored(ctx, len(chunks))
	r.logger.Debug("chunks stored",
		zap.String("session_id", sessionID),
		zap.Int("chunks", len(chunks)),
		zap.Int("document_count", summary.DocumentCount))

	return nil
}

// appendToSession performs the locked in-memory mutation for StoreChunks.
func (r *Registry) appendToSession(s *Session, chunks []chunker.Chunk, vectors [][]float32) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have been evicted while the embedding call was in
	// flight.
	if s.evicted {
		return Summary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	if err := s.checkInvariantLocked(); err != nil {
		return Summary{}, err
	}

	if s.idx == nil {
		idx, err := index.NewFlat(len(vectors[0]))
		if err != nil {
			return Summary{}, fmt.Errorf("constructing index: %w", err)
		}
		s.idx = idx
	}

	if err := s.idx.Append(vectors); err != nil {
		return Summary{}, fmt.Errorf("appending vectors: %w", err)
	}
	s.chunks = append(s.chunks, chunks...)
	s.documentCount += len(chunks)
	s.lastAccessed = timeNow()

	return s.summaryLocked(), nil
}

// Retrieve embeds queryText and returns the top-k most similar stored chunks
// ranked by descending inner product. k is clamped to the index size; ties
// are broken by insertion order. A session with no stored documents returns
// an empty result list, which is not an error. Like a store, a query counts
// as activity and defers eviction.
func (r *Registry) Retrieve(ctx context.Context, sessionID, queryText string, k int) ([]Result, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	// Fast path: nothing stored yet. Still counts as activity.
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.idx == nil || s.idx.Size() == 0 {
		s.lastAccessed = timeNow()
		summary := s.summaryLocked()
		s.mu.Unlock()
		r.refreshMirror(ctx, summary)
		return []Result{}, nil
	}
	s.mu.Unlock()

	query, err := r.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, summary, err := r.searchSession(s, query, k)
	if err != nil {
		return nil, err
	}

	r.refreshMirror(ctx, summary)
	r.metrics.RecordRetrieval(ctx, len(results))
	return results, nil
}

// searchSession performs the locked index search for Retrieve.
func (r *Registry) searchSession(s *Session, query []float32, k int) ([]Result, Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return nil, Summary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	if err := s.checkInvariantLocked(); err != nil {
		return nil, Summary{}, err
	}

	hits, err := s.idx.Search(query, k)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("searching index: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		c := s.chunks[h.Position]
		results[i] = Result{
			Content:  c.Content,
			Metadata: maps.Clone(c.Metadata),
			Score:    h.Score,
		}
	}

	s.lastAccessed = timeNow()
	return results, s.summaryLocked(), nil
}

// GetSessionInfo returns a snapshot of the session, or nil when the session
// is unknown or expired. Absence is an expected steady-state condition for
// callers polling status, so it is not an error. Reading info does not count
// as activity.
func (r *Registry) GetSessionInfo(sessionID string) *Summary {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil
	}
	summary := s.summaryLocked()
	return &summary
}

// DeleteSession removes the session, freeing its index and chunks, and
// best-effort removes the mirrored entry. Returns false if the session did
// not exist.
func (r *Registry) DeleteSession(ctx context.Context, sessionID string) bool {
	s, err := r.lookup(sessionID)
	if err != nil {
		return false
	}
	if !r.evict(s) {
		return false
	}

	if err := r.mirror.DeleteSession(ctx, sessionID); err != nil {
		r.logger.Warn("failed to remove mirrored session entry",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	r.metrics.RecordEvicted(ctx, "deleted")
	r.logger.Info("session deleted", zap.String("session_id", sessionID))
	return true
}

// evict marks the session evicted and unmaps it. Returns false if another
// path evicted it first. Lock order: session lock, then map lock.
func (r *Registry) evict(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.evictLocked(s)
}

// evictIfIdle evicts s only if it is still idle past cutoff. The idle check
// and the eviction happen under one lock acquisition, so a store or retrieve
// that touches the session concurrently either completes before the check or
// finds the session gone; it is never interleaved with the eviction.
func (r *Registry) evictIfIdle(s *Session, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted || !s.lastAccessed.Before(cutoff) {
		return false
	}
	return r.evictLocked(s)
}

// evictLocked does the actual eviction. Caller holds s.mu.
func (r *Registry) evictLocked(s *Session) bool {
	if s.evicted {
		return false
	}
	s.evicted = true
	s.idx = nil
	s.chunks = nil

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	return true
}

// sweepExpired evicts every session idle longer than the TTL and returns the
// number evicted. Eviction takes each session's own lock, so it never races
// an in-flight store or retrieve on that session.
func (r *Registry) sweepExpired(ctx context.Context) int {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	cutoff := timeNow().Add(-r.config.TTL)
	evicted := 0

	for _, s := range candidates {
		if !r.evictIfIdle(s, cutoff) {
			continue
		}
		evicted++

		if err := r.mirror.DeleteSession(ctx, s.id); err != nil {
			r.logger.Warn("failed to remove mirrored session entry",
				zap.String("session_id", s.id),
				zap.Error(err))
		}
		r.metrics.RecordEvicted(ctx, "expired")
		r.logger.Info("session expired",
			zap.String("session_id", s.id),
			zap.String("owner_id", s.ownerID))
	}

	return evicted
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// refreshMirror refreshes the mirrored summary and its TTL. Mirror refresh
// is best-effort: the in-process session is the source of truth.
func (r *Registry) refreshMirror(ctx context.Context, summary Summary) {
	if err := r.mirror.PutSession(ctx, summary.ID, summary); err != nil {
		r.logger.Warn("failed to refresh mirrored session entry",
			zap.String("session_id", summary.ID),
			zap.Error(err))
	}
}
