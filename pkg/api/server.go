// Package api exposes the HTTP surface: orchestration submit, session reads,
// the SSE progress feed, and health probes. Handlers translate between HTTP
// and the dispatcher; they hold no orchestration logic of their own.
package api

import (
	"context"
	"log/slog"

	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/database"
	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/jobs"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/session"
)

// Dispatcher is the server's view of the dispatch layer.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*models.Execution, error)
	Cancel(tenantID, executionID string) bool
}

// ExecutionReader serves execution lookups.
type ExecutionReader interface {
	GetExecution(ctx context.Context, tenantID, executionID string) (*models.Execution, error)
	ListSessionExecutions(ctx context.Context, tenantID, sessionID string, limit int) ([]*models.Execution, error)
}

// Server is the API server.
type Server struct {
	dispatcher Dispatcher
	sessions   *session.Manager
	executions ExecutionReader
	bus        *events.Bus
	auth       Authenticator
	logger     *slog.Logger

	// Readiness dependencies; each may be nil in reduced deployments.
	db     *database.Client
	eph    *ephemeral.Client
	runner *jobs.Runner
}

// NewServer creates the API server.
func NewServer(dispatcher Dispatcher, sessions *session.Manager, executions ExecutionReader,
	bus *events.Bus, auth Authenticator, db *database.Client, eph *ephemeral.Client, runner *jobs.Runner) *Server {
	return &Server{
		dispatcher: dispatcher,
		sessions:   sessions,
		executions: executions,
		bus:        bus,
		auth:       auth,
		logger:     slog.Default().With("component", "api"),
		db:         db,
		eph:        eph,
		runner:     runner,
	}
}

// Register mounts the routes. Health endpoints are unauthenticated; the rest
// of the API requires a resolved tenant identity.
func (s *Server) Register(e *echo.Echo) {
	e.Use(securityHeaders())

	e.GET("/health/live", s.liveHandler)
	e.GET("/health/ready", s.readyHandler)

	g := e.Group("/api")
	g.Use(s.requireAuth)
	g.POST("/orchestrate", s.orchestrateHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.GET("/sessions/:id/executions", s.listExecutionsHandler)
	g.GET("/executions/:id", s.getExecutionHandler)
	g.POST("/executions/:id/cancel", s.cancelExecutionHandler)
	g.GET("/events", s.eventsHandler)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
