package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/quota"
	"github.com/fyrsmithlabs/recalld/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionResponse is the response body for session create and info.
type SessionResponse struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	DocumentCount int       `json:"document_count"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// UploadRequest is the request body for POST /api/v1/sessions/:id/documents.
type UploadRequest struct {
	Files []UploadFile `json:"files"`
}

// UploadFile is one document in an upload request.
type UploadFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// QueryRequest is the request body for POST /api/v1/sessions/:id/query.
type QueryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// QueryResponse is the response body for a query.
type QueryResponse struct {
	Results []session.Result `json:"results"`
}

// QuotaResponse is the response body for GET /api/v1/quota.
type QuotaResponse struct {
	Used     int  `json:"used"`
	Limit    int  `json:"limit"`
	HasQuota bool `json:"has_quota"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ownerID extracts the caller identity header, or fails with 400.
func ownerID(c echo.Context) (string, error) {
	id := c.Request().Header.Get(ownerHeader)
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, ownerHeader+" header is required")
	}
	return id, nil
}

// ownedSession resolves the session and checks it belongs to the caller. An
// existing session owned by someone else reads as not found, so session IDs
// cannot be probed across tenants.
func (s *Server) ownedSession(c echo.Context, owner string) (*session.Summary, error) {
	summary := s.registry.GetSessionInfo(c.Param("id"))
	if summary == nil || summary.OwnerID != owner {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return summary, nil
}

func (s *Server) sessionResponse(summary session.Summary) SessionResponse {
	return SessionResponse{
		ID:            summary.ID,
		OwnerID:       summary.OwnerID,
		CreatedAt:     summary.CreatedAt,
		LastAccessed:  summary.LastAccessed,
		DocumentCount: summary.DocumentCount,
		ExpiresAt:     summary.LastAccessed.Add(s.registry.TTL()),
	}
}

func (s *Server) handleCreateSession(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	id, err := s.registry.CreateSession(c.Request().Context(), owner)
	if err != nil {
		s.logger.Error("session create failed", zap.String("owner_id", owner), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}

	summary := s.registry.GetSessionInfo(id)
	if summary == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "session vanished after create")
	}
	return c.JSON(http.StatusCreated, s.sessionResponse(*summary))
}

func (s *Server) handleGetSession(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	summary, err := s.ownedSession(c, owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.sessionResponse(*summary))
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	summary, err := s.ownedSession(c, owner)
	if err != nil {
		return err
	}

	if !s.registry.DeleteSession(c.Request().Context(), summary.ID) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpload(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	summary, err := s.ownedSession(c, owner)
	if err != nil {
		return err
	}

	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	files := make([]ingest.File, len(req.Files))
	for i, f := range req.Files {
		files[i] = ingest.File{Name: f.Name, Content: []byte(f.Content)}
	}

	report, err := s.uploads.Upload(c.Request().Context(), owner, summary.ID, files)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleQuery(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	summary, err := s.ownedSession(c, owner)
	if err != nil {
		return err
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.K <= 0 {
		req.K = 5
	}

	results, err := s.registry.Retrieve(c.Request().Context(), summary.ID, req.Query, req.K)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, QueryResponse{Results: results})
}

func (s *Server) handleQuota(c echo.Context) error {
	owner, err := ownerID(c)
	if err != nil {
		return err
	}

	hasQuota, used := s.quotas.CheckQuota(c.Request().Context(), owner)
	return c.JSON(http.StatusOK, QuotaResponse{
		Used:     used,
		Limit:    s.quotas.MaxFilesPerDay(),
		HasQuota: hasQuota,
	})
}

// mapError translates domain sentinel errors into HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ingest.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, embeddings.ErrEmbeddingFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "embedding backend unavailable")
	default:
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
