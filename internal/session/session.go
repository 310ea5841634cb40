package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/index"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

var (
	// ErrSessionNotFound is returned when a session is unknown or already
	// expired. Callers treat this as a normal "not found" outcome.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIndexCorrupted indicates the metadata list and the vector index
	// disagree on size. This is a logic bug: it is never recovered from
	// and must fail the request loudly.
	ErrIndexCorrupted = errors.New("session index corrupted: metadata/vector count mismatch")
)

// DefaultTTL is the idle duration after which a session is evicted.
const DefaultTTL = time.Hour

// Summary is the externally visible snapshot of a session. It is also the
// record mirrored into the networked TTL store.
type Summary struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	DocumentCount int       `json:"document_count"`
}

// Result is a single retrieval hit: the stored chunk plus its raw similarity
// score. Scores are not re-normalized or thresholded; that belongs to the
// caller.
type Result struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float32        `json:"score"`
}

// Mirror publishes session summaries to the networked TTL store so other
// processes can observe session liveness. Implementations must be safe for
// concurrent use.
type Mirror interface {
	// PutSession writes or refreshes the mirrored summary, resetting its
	// TTL in the store.
	PutSession(ctx context.Context, id string, summary Summary) error

	// DeleteSession removes the mirrored summary.
	DeleteSession(ctx context.Context, id string) error
}

// Embedder is the subset of the embedding client the registry needs.
// Vectors are expected to be unit-normalized.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Session is one caller's ephemeral retrieval store. All fields below mu are
// guarded by it.
type Session struct {
	id        string
	ownerID   string
	createdAt time.Time

	mu            sync.Mutex
	lastAccessed  time.Time
	documentCount int
	evicted       bool

	// idx is nil until the first successful store fixes the dimension.
	idx *index.Flat

	// chunks is parallel to idx: chunks[i] is the chunk embedded as the
	// i-th vector.
	chunks []chunker.Chunk
}

// summaryLocked snapshots the session. Caller holds s.mu.
func (s *Session) summaryLocked() Summary {
	return Summary{
		ID:            s.id,
		OwnerID:       s.ownerID,
		CreatedAt:     s.createdAt,
		LastAccessed:  s.lastAccessed,
		DocumentCount: s.documentCount,
	}
}

// checkInvariantLocked verifies the parallel-list invariant. Caller holds
// s.mu.
func (s *Session) checkInvariantLocked() error {
	size := 0
	if s.idx != nil {
		size = s.idx.Size()
	}
	if len(s.chunks) != size || s.documentCount != size {
		return ErrIndexCorrupted
	}
	return nil
}
