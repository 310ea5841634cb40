package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/quota"
	"github.com/fyrsmithlabs/recalld/internal/session"
)

// memChunkStore records stored chunks per session and can fail on demand.
type memChunkStore struct {
	stored    map[string][]chunker.Chunk
	failAfter int // fail calls after this many successes; -1 never fails
	failWith  error
	calls     int
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{stored: make(map[string][]chunker.Chunk), failAfter: -1}
}

func (m *memChunkStore) StoreChunks(_ context.Context, sessionID string, chunks []chunker.Chunk) error {
	m.calls++
	if m.failAfter >= 0 && m.calls > m.failAfter {
		return m.failWith
	}
	m.stored[sessionID] = append(m.stored[sessionID], chunks...)
	return nil
}

// memQuota is a QuotaKeeper with a fixed cap.
type memQuota struct {
	counts map[string]int
	max    int
}

func newMemQuota(max int) *memQuota {
	return &memQuota{counts: make(map[string]int), max: max}
}

func (m *memQuota) CheckQuota(_ context.Context, userID string) (bool, int) {
	return m.counts[userID] < m.max, m.counts[userID]
}

func (m *memQuota) IncrementQuota(_ context.Context, userID string) bool {
	if m.counts[userID] >= m.max {
		return false
	}
	m.counts[userID]++
	return true
}

// failingExtractor fails for file names containing "bad".
type failingExtractor struct{}

func (failingExtractor) Extract(_ context.Context, f File) (string, error) {
	if strings.Contains(f.Name, "bad") {
		return "", fmt.Errorf("corrupt file %s", f.Name)
	}
	return string(f.Content), nil
}

func newTestService(t *testing.T, store ChunkStore, quotas QuotaKeeper, extractor Extractor) *Service {
	t.Helper()

	ch, err := chunker.New(chunker.Config{ChunkSize: 16, ChunkOverlap: 4})
	require.NoError(t, err)

	svc, err := NewService(Config{}, ch, store, quotas, extractor, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func textFile(name string, sentences int) File {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Sentence number %d talks about the migration plan. ", i)
	}
	return File{Name: name, Content: []byte(b.String())}
}

func TestUpload_StoresChunksAndCountsQuota(t *testing.T) {
	store := newMemChunkStore()
	quotas := newMemQuota(10)
	svc := newTestService(t, store, quotas, nil)

	report, err := svc.Upload(context.Background(), "alice", "sess-1", []File{
		textFile("notes.txt", 6),
		textFile("plan.md", 4),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.FilesProcessed)
	assert.Equal(t, 0, report.FilesSkipped)
	assert.Equal(t, len(store.stored["sess-1"]), report.ChunksStored)
	assert.Greater(t, report.ChunksStored, 0)
	assert.Equal(t, 2, quotas.counts["alice"], "one quota increment per stored file")
}

func TestUpload_ValidationRejectsBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name  string
		files []File
	}{
		{"empty upload", nil},
		{"too many files", []File{
			textFile("a.txt", 1), textFile("b.txt", 1), textFile("c.txt", 1),
		}},
		{"unsupported extension", []File{
			{Name: "binary.exe", Content: []byte("MZ")},
		}},
		{"oversized file", []File{
			{Name: "huge.txt", Content: make([]byte, 101<<20)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemChunkStore()
			quotas := newMemQuota(10)
			svc := newTestService(t, store, quotas, nil)

			_, err := svc.Upload(context.Background(), "alice", "sess-1", tt.files)
			require.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, store.stored, "validation failures must precede ingestion")
			assert.Zero(t, quotas.counts["alice"])
		})
	}
}

func TestUpload_QuotaExceededRejectsUpfront(t *testing.T) {
	store := newMemChunkStore()
	quotas := newMemQuota(3)
	quotas.counts["alice"] = 3
	svc := newTestService(t, store, quotas, nil)

	_, err := svc.Upload(context.Background(), "alice", "sess-1", []File{textFile("notes.txt", 2)})
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Empty(t, store.stored)
}

func TestUpload_FileFailuresAreIsolated(t *testing.T) {
	store := newMemChunkStore()
	quotas := newMemQuota(10)
	svc := newTestService(t, store, quotas, failingExtractor{})

	report, err := svc.Upload(context.Background(), "alice", "sess-1", []File{
		{Name: "bad.txt", Content: []byte("unreadable")},
		textFile("good.txt", 3),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	assert.Equal(t, 1, report.FilesSkipped)
	assert.Greater(t, report.ChunksStored, 0)
	assert.Equal(t, 1, quotas.counts["alice"], "skipped files do not consume quota")
}

func TestUpload_EmbeddingFailureSkipsFile(t *testing.T) {
	store := newMemChunkStore()
	store.failAfter = 1
	store.failWith = fmt.Errorf("embedding batch: %w", errors.New("upstream timeout"))
	quotas := newMemQuota(10)
	svc := newTestService(t, store, quotas, nil)

	report, err := svc.Upload(context.Background(), "alice", "sess-1", []File{
		textFile("first.txt", 3),
		textFile("second.txt", 3),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	assert.Equal(t, 1, report.FilesSkipped)
}

func TestUpload_MissingSessionAborts(t *testing.T) {
	store := newMemChunkStore()
	store.failAfter = 0
	store.failWith = session.ErrSessionNotFound
	svc := newTestService(t, store, newMemQuota(10), nil)

	_, err := svc.Upload(context.Background(), "alice", "gone", []File{
		textFile("first.txt", 3),
		textFile("second.txt", 3),
	})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestUpload_SecondaryQuotaGuardStopsMidUpload(t *testing.T) {
	store := newMemChunkStore()
	quotas := newMemQuota(1)
	svc := newTestService(t, store, quotas, nil)

	report, err := svc.Upload(context.Background(), "alice", "sess-1", []File{
		textFile("first.txt", 3),
		textFile("second.txt", 3),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesProcessed)
	assert.Equal(t, 1, report.FilesSkipped, "files past the cap are not ingested")
	assert.Equal(t, 1, quotas.counts["alice"])
}

func TestUpload_EmptyFileIsSkipped(t *testing.T) {
	store := newMemChunkStore()
	svc := newTestService(t, store, newMemQuota(10), nil)

	report, err := svc.Upload(context.Background(), "alice", "sess-1", []File{
		{Name: "empty.txt", Content: nil},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, report.FilesProcessed)
	assert.Equal(t, 1, report.FilesSkipped)
	assert.Equal(t, 0, report.ChunksStored)
}
