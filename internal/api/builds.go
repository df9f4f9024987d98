package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"voice-orchestrator/backend/pkg/models"
)

// RetryRequest is the optional body of POST /builds/:id/retry.
type RetryRequest struct {
	Modification string `json:"modification,omitempty"`
}

// CreateBuild starts a build project
// (POST /builds)
func (s *Server) CreateBuild(c echo.Context) error {
	var req models.BuildRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.orch.StartBuild(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

// ListBuilds returns every project, newest first
// (GET /builds)
func (s *Server) ListBuilds(c echo.Context) error {
	list, err := s.orch.ListBuilds(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// GetBuild returns one project
// (GET /builds/:id)
func (s *Server) GetBuild(c echo.Context) error {
	p, err := s.orch.GetBuild(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// CancelBuild cancels a running project
// (POST /builds/:id/cancel)
func (s *Server) CancelBuild(c echo.Context) error {
	p, err := s.orch.CancelBuild(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// RetryBuild starts a new project from a finished one
// (POST /builds/:id/retry)
func (s *Server) RetryBuild(c echo.Context) error {
	var req RetryRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	p, err := s.orch.RetryBuild(c.Request().Context(), c.Param("id"), req.Modification)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

// DeleteBuild removes a project, its workspace and its process
// (DELETE /builds/:id)
func (s *Server) DeleteBuild(c echo.Context) error {
	if err := s.orch.DeleteBuild(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
