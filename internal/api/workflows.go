package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"voice-orchestrator/backend/pkg/models"
)

// ExecuteRequest is the body of POST /workflows/:ref/execute.
type ExecuteRequest struct {
	Input     map[string]any `json:"input"`
	SubjectID string         `json:"subjectId,omitempty"`
	// Wait runs the workflow within the request and answers with the final
	// execution.
	Wait bool `json:"wait,omitempty"`
}

// ListWorkflows returns a list of all workflows
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.orch.ListWorkflows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// PutWorkflow creates or updates a workflow
// (PUT /workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	var workflow models.Workflow
	if err := bind(c, &workflow); err != nil {
		return err
	}
	saved, err := s.orch.SaveWorkflow(c.Request().Context(), &workflow)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

// GetWorkflow returns one workflow by id or slug
// (GET /workflows/:ref)
func (s *Server) GetWorkflow(c echo.Context) error {
	w, err := s.orch.GetWorkflow(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// DeleteWorkflow removes a workflow
// (DELETE /workflows/:ref)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.orch.DeleteWorkflow(c.Request().Context(), c.Param("ref")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ExecuteWorkflow starts an execution. It answers 202 with the pending
// execution, or 200 with the final one when the request asks to wait.
// (POST /workflows/:ref/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	var req ExecuteRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()

	if !req.Wait {
		exec, err := s.orch.ExecuteWorkflow(ctx, c.Param("ref"), req.Input, req.SubjectID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, exec)
	}

	exec, err := s.orch.RunWorkflow(ctx, c.Param("ref"), req.Input, req.SubjectID)
	if exec == nil {
		return err
	}
	// A failed run is still a valid answer; the record carries the error.
	if err != nil {
		s.logger.Debug("workflow run failed", "execution_id", exec.ID, "error", err.Error())
	}
	return c.JSON(http.StatusOK, exec)
}

// ListExecutions returns the executions of a workflow
// (GET /workflows/:ref/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	ctx := c.Request().Context()
	w, err := s.orch.GetWorkflow(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	list, err := s.orch.ListExecutions(ctx, w.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// GetExecution returns one execution
// (GET /executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.orch.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a running execution
// (POST /executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.orch.CancelExecution(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
