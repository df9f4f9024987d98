// Package api contains the HTTP handlers of the orchestrator
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/services"
	"voice-orchestrator/backend/pkg/models"
)

// ServiceName and Version are reported by the health endpoint.
const (
	ServiceName = "voice-orchestrator"
	Version     = "1.0.0"
)

// Server holds the dependencies for the API server.
type Server struct {
	orch   *services.Orchestrator
	logger *logging.Logger
}

// NewServer creates a new Server.
func NewServer(orch *services.Orchestrator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{orch: orch, logger: logger.With("component", "api")}
}

// RegisterHandlers mounts every route on g.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/health", s.HandleHealth)

	g.GET("/workflows", s.ListWorkflows)
	g.PUT("/workflows", s.PutWorkflow)
	g.GET("/workflows/:ref", s.GetWorkflow)
	g.DELETE("/workflows/:ref", s.DeleteWorkflow)
	g.POST("/workflows/:ref/execute", s.ExecuteWorkflow)
	g.GET("/workflows/:ref/executions", s.ListExecutions)

	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)

	g.POST("/builds", s.CreateBuild)
	g.GET("/builds", s.ListBuilds)
	g.GET("/builds/:id", s.GetBuild)
	g.POST("/builds/:id/cancel", s.CancelBuild)
	g.POST("/builds/:id/retry", s.RetryBuild)
	g.DELETE("/builds/:id", s.DeleteBuild)

	g.GET("/progress/active", s.GetActiveSubject)
	g.PUT("/progress/active", s.SetActiveSubject)
	g.GET("/progress/active/stream", s.StreamActive)
	g.GET("/progress/:subject/stream", s.StreamProgress)
}

// HandleHealth reports service health. The store is pinged with a short
// timeout; a failing store degrades the status but still answers 200.
func (s *Server) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "ok",
		Service:   ServiceName,
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"store": "ok"},
	}
	if err := s.orch.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
	}
	return c.JSON(http.StatusOK, status)
}

// ErrorHandler writes every handler error as an RFC 7807 Problem Details
// document.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, detail := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err.Error())
		}
		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, problem)
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// bind decodes the request body into v.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}
