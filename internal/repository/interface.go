// Package repository is the persistence boundary of the orchestrator.
// Records are stored whole; the engines treat the store as opaque.
package repository

import (
	"context"

	"voice-orchestrator/backend/pkg/models"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow creates or replaces a workflow. An empty slug defaults
	// to the id; slugs are unique.
	SaveWorkflow(ctx context.Context, w *models.Workflow) error
	// GetWorkflow finds a workflow by id, or by slug when no id matches.
	GetWorkflow(ctx context.Context, ref string) (*models.Workflow, error)
	// ListWorkflows returns all workflows ordered by id.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// DeleteWorkflow removes a workflow.
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// ListExecutions returns the executions of workflowID, newest first.
	// An empty workflowID lists every execution.
	ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
}

// ProjectStore persists build projects.
type ProjectStore interface {
	SaveProject(ctx context.Context, p *models.BuildProject) error
	GetProject(ctx context.Context, id string) (*models.BuildProject, error)
	// ListProjects returns all projects, newest first.
	ListProjects(ctx context.Context) ([]*models.BuildProject, error)
	DeleteProject(ctx context.Context, id string) error
}

// Store is the complete persistence boundary.
type Store interface {
	WorkflowStore
	ExecutionStore
	ProjectStore
	Ping(ctx context.Context) error
	Close()
}
