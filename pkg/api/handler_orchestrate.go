package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/models"
)

// OrchestrateRequest is the body for POST /api/orchestrate.
type OrchestrateRequest struct {
	Prompt    string            `json:"prompt"`
	SessionID string            `json:"session_id,omitempty"`
	ThreadKey string            `json:"thread_key,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OrchestrateResponse acknowledges an accepted request; progress flows over
// the event stream.
type OrchestrateResponse struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
}

// orchestrateHandler handles POST /api/orchestrate.
func (s *Server) orchestrateHandler(c *echo.Context) error {
	var req OrchestrateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "prompt is required"})
	}
	if req.Source == "" {
		req.Source = string(models.SourceWeb)
	}

	id := identityFrom(c)
	exec, err := s.dispatcher.Submit(c.Request().Context(), dispatch.Request{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: req.SessionID,
		ThreadKey: req.ThreadKey,
		Source:    models.Source(req.Source),
		Prompt:    req.Prompt,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusAccepted, &OrchestrateResponse{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		Status:      string(exec.Status),
	})
}

// cancelExecutionHandler handles POST /api/executions/:id/cancel. Cancelling
// an execution that is not active on this instance is a 404.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: "execution id is required"})
	}
	id := identityFrom(c)
	if !s.dispatcher.Cancel(id.TenantID, executionID) {
		return echo.NewHTTPError(http.StatusNotFound,
			ErrorBody{Error: "execution is not active"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}
