package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"voice-orchestrator/backend/internal/events"
)

// ActiveSubject is the body of PUT /progress/active.
type ActiveSubject struct {
	SubjectID string `json:"subjectId"`
}

// StreamProgress forwards the events of one subject until a terminal
// event or until the client goes away. ?format=ndjson selects newline
// delimited JSON; the default is Server-Sent Events.
// (GET /progress/:subject/stream)
func (s *Server) StreamProgress(c echo.Context) error {
	return s.stream(c, c.Param("subject"))
}

// StreamActive streams the subject currently marked active.
// (GET /progress/active/stream)
func (s *Server) StreamActive(c echo.Context) error {
	subject := s.orch.Bus().Active()
	if subject == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no active subject")
	}
	return s.stream(c, subject)
}

// GetActiveSubject returns the active subject
// (GET /progress/active)
func (s *Server) GetActiveSubject(c echo.Context) error {
	return c.JSON(http.StatusOK, ActiveSubject{SubjectID: s.orch.Bus().Active()})
}

// SetActiveSubject marks a subject active. Existing listeners of the
// previous subject keep their subscriptions.
// (PUT /progress/active)
func (s *Server) SetActiveSubject(c echo.Context) error {
	var req ActiveSubject
	if err := bind(c, &req); err != nil {
		return err
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subjectId is required")
	}
	s.orch.Bus().SetActive(req.SubjectID)
	return c.JSON(http.StatusOK, req)
}

func (s *Server) stream(c echo.Context, subject string) error {
	res := c.Response()
	var enc events.Encoder
	if c.QueryParam("format") == "ndjson" {
		res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		enc = events.NewNDJSONEncoder(res)
	} else {
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		enc = events.NewSSEEncoder(res)
	}
	res.WriteHeader(http.StatusOK)

	s.logger.Debug("progress stream opened", "subject_id", subject)
	err := s.orch.Bus().Stream(c.Request().Context(), subject, enc)
	s.logger.Debug("progress stream closed", "subject_id", subject)
	return err
}
