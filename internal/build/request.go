package build

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/pkg/models"
)

// NormalizeRequest validates req and fills in the default deploy target.
func NormalizeRequest(req models.BuildRequest, defaultTarget models.DeployTarget) (models.BuildRequest, error) {
	req.Description = strings.TrimSpace(req.Description)
	req.PreferredStack = strings.TrimSpace(req.PreferredStack)

	if req.Description == "" {
		return req, errs.Validation("description is required")
	}
	if !req.ProjectType.Valid() {
		return req, errs.Validation("projectType %q is not one of web-app, api, cli, library, full-stack", req.ProjectType)
	}
	if req.DeployTarget == "" {
		req.DeployTarget = defaultTarget
	}
	if req.DeployTarget == "" {
		req.DeployTarget = models.DeployLocalhost
	}
	if !req.DeployTarget.Valid() {
		return req, errs.Validation("deployTarget %q is not one of localhost, remote", req.DeployTarget)
	}
	return req, nil
}

// NewProject returns a queued project for a normalized request.
func NewProject(req models.BuildRequest, now time.Time) *models.BuildProject {
	return &models.BuildProject{
		ID:             uuid.NewString(),
		Description:    req.Description,
		ProjectType:    req.ProjectType,
		PreferredStack: req.PreferredStack,
		DeployTarget:   req.DeployTarget,
		Status:         models.BuildQueued,
		Logs:           []models.BuildLogEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RetryRequest derives the request of a retry from a previous project. A
// non-empty note is appended to the description.
func RetryRequest(prev *models.BuildProject, note string) models.BuildRequest {
	desc := prev.Description
	if note = strings.TrimSpace(note); note != "" {
		desc = desc + "\n\nModification: " + note
	}
	return models.BuildRequest{
		Description:    desc,
		ProjectType:    prev.ProjectType,
		PreferredStack: prev.PreferredStack,
		DeployTarget:   prev.DeployTarget,
	}
}

// Prompt composes the instruction handed to the code generation tool.
func Prompt(p *models.BuildProject) string {
	var b strings.Builder
	b.WriteString("Build a ")
	b.WriteString(string(p.ProjectType))
	b.WriteString(" project.\n\nDescription:\n")
	b.WriteString(p.Description)
	b.WriteString("\n")
	if p.PreferredStack != "" {
		b.WriteString("\nPreferred stack: ")
		b.WriteString(p.PreferredStack)
		b.WriteString("\n")
	}
	if p.DeployTarget == models.DeployLocalhost {
		b.WriteString("\nThe project will be served locally; read the port from the PORT environment variable.\n")
	}
	return b.String()
}
