package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/quota"
	"github.com/fyrsmithlabs/recalld/internal/session"
)

// hashEmbedder produces deterministic unit vectors from text so that
// identical texts rank first on retrieval.
type hashEmbedder struct {
	failWith error
}

func (e *hashEmbedder) embed(text string) []float32 {
	v := make([]float32, 8)
	for i, r := range text {
		v[i%8] += float32(r%13) + 1
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	norm = float32(1) / float32(math.Sqrt(float64(norm)))
	for i := range v {
		v[i] *= norm
	}
	return v
}

func (e *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	return e.embed(text), nil
}

// nopMirror satisfies session.Mirror without a networked store.
type nopMirror struct{}

func (nopMirror) PutSession(context.Context, string, session.Summary) error { return nil }
func (nopMirror) DeleteSession(context.Context, string) error               { return nil }

// memCounterStore is an in-memory quota.CounterStore.
type memCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *memCounterStore) GetCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID], nil
}

func (s *memCounterStore) Increment(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID]++
	return s.counts[userID], nil
}

type testEnv struct {
	server   *Server
	embedder *hashEmbedder
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	embedder := &hashEmbedder{}
	registry, err := session.NewRegistry(session.Config{}, embedder, nopMirror{}, logger)
	require.NoError(t, err)

	ledger, err := quota.NewLedger(quota.Config{MaxFilesPerDay: 10}, &memCounterStore{counts: make(map[string]int)}, logger)
	require.NoError(t, err)

	ch, err := chunker.New(chunker.Config{ChunkSize: 32, ChunkOverlap: 4})
	require.NoError(t, err)

	uploads, err := ingest.NewService(ingest.Config{}, ch, registry, ledger, nil, logger)
	require.NoError(t, err)

	server, err := NewServer(registry, uploads, ledger, logger, Config{})
	require.NoError(t, err)

	return &testEnv{server: server, embedder: embedder}
}

// do performs a request against the echo handler with the owner header set.
func (env *testEnv) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createSession(t *testing.T, owner string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", owner, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func uploadBody(files ...UploadFile) UploadRequest {
	return UploadRequest{Files: files}
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingOwnerHeader(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.OwnerID)
	assert.Equal(t, 0, resp.DocumentCount)
	assert.True(t, resp.ExpiresAt.After(resp.LastAccessed))

	rec = env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionIsInvisibleToOtherOwners(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Still there for the real owner.
	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadAndQuery(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
		UploadFile{Name: "notes.txt", Content: "The deploy runs every Friday. Rollbacks use the blue environment."},
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report ingest.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.FilesProcessed)
	assert.Greater(t, report.ChunksStored, 0)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/query", "alice", QueryRequest{
		Query: "The deploy runs every Friday.",
		K:     3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Content, "deploy")
	assert.Equal(t, "notes.txt", resp.Results[0].Metadata["source"])
}

func TestQueryEmptySessionReturnsEmptyList(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/query", "alice", QueryRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestUploadValidationError(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
		UploadFile{Name: "payload.exe", Content: "MZ"},
	))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadQuotaExceeded(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	for i := 0; i < 10; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
			UploadFile{Name: fmt.Sprintf("doc-%d.txt", i), Content: "One short sentence."},
		))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
		UploadFile{Name: "one-too-many.txt", Content: "One short sentence."},
	))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestQueryEmbeddingBackendDown(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
		UploadFile{Name: "notes.txt", Content: "A sentence to index."},
	))
	require.Equal(t, http.StatusOK, rec.Code)

	env.embedder.failWith = fmt.Errorf("%w: upstream timeout", embeddings.ErrEmbeddingFailed)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/query", "alice", QueryRequest{Query: "sentence"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestQueryMissingSession(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/no-such-id/query", "alice", QueryRequest{Query: "anything"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaEndpoint(t *testing.T) {
	env := newTestServer(t)
	id := env.createSession(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/v1/quota", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QuotaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Used)
	assert.Equal(t, 10, resp.Limit)
	assert.True(t, resp.HasQuota)

	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/documents", "alice", uploadBody(
		UploadFile{Name: "doc.txt", Content: "One short sentence."},
	))

	rec = env.do(t, http.MethodGet, "/api/v1/quota", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Used)
}
