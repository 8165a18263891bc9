package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/models"
)

// SessionResponse is the bounded session view returned by the API. Full
// history never leaves the session manager.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	Source    string        `json:"source"`
	ThreadKey string        `json:"thread_key,omitempty"`
	Turns     []models.Turn `json:"turns"`
	Truncated bool          `json:"truncated,omitempty"`
	ExpiresAt string        `json:"expires_at"`
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "session id is required"})
	}

	turns := 0
	if raw := c.QueryParam("turns"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "turns must be a positive integer"})
		}
		turns = n
	}

	id := identityFrom(c)
	sess, err := s.sessions.Get(c.Request().Context(), id.TenantID, sessionID)
	if err != nil {
		return mapError(err)
	}
	snap := s.sessions.Snapshot(sess, turns)

	return c.JSON(http.StatusOK, &SessionResponse{
		SessionID: sess.ID,
		Source:    string(sess.Source),
		ThreadKey: sess.ThreadKey,
		Turns:     snap.Turns,
		Truncated: snap.Truncated,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// getExecutionHandler handles GET /api/executions/:id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "execution id is required"})
	}
	id := identityFrom(c)
	exec, err := s.executions.GetExecution(c.Request().Context(), id.TenantID, executionID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// listExecutionsHandler handles GET /api/sessions/:id/executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "session id is required"})
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "limit must be between 1 and 200"})
		}
		limit = n
	}
	id := identityFrom(c)
	execs, err := s.executions.ListSessionExecutions(c.Request().Context(), id.TenantID, sessionID, limit)
	if err != nil {
		return mapError(err)
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	return c.JSON(http.StatusOK, execs)
}
