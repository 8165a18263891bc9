package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one dependency's probe result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the readiness payload.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// liveHandler handles GET /health/live: 200 whenever the process runs.
func (s *Server) liveHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler handles GET /health/ready: 200 iff the relational tier, the
// ephemeral tier, and the job runner all answer a trivial probe.
func (s *Server) readyHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]HealthCheck{}
	status := healthStatusHealthy

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}
	if s.eph != nil {
		if err := s.eph.Health(ctx); err != nil {
			status = healthStatusUnhealthy
			checks["ephemeral"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["ephemeral"] = HealthCheck{Status: healthStatusHealthy}
		}
	}
	if s.runner != nil {
		if s.runner.Healthy() {
			checks["jobs"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			status = healthStatusUnhealthy
			checks["jobs"] = HealthCheck{Status: healthStatusUnhealthy, Message: "job runner stopped"}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}
