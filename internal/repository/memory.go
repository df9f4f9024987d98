package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/pkg/models"
)

// MemoryStore keeps every record in process memory. Records are copied on
// the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	projects   map[string]*models.BuildProject
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		projects:   make(map[string]*models.BuildProject),
	}
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	c := *w
	c.Steps = slices.Clone(w.Steps)
	return &c
}

// SaveWorkflow creates or replaces a workflow.
func (s *MemoryStore) SaveWorkflow(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneWorkflow(w)
	if c.Slug == "" {
		c.Slug = c.ID
	}
	for id, other := range s.workflows {
		if id != c.ID && other.Slug == c.Slug {
			return errs.Validation("slug %q is already used by workflow %s", c.Slug, id)
		}
	}
	if prev, ok := s.workflows[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	s.workflows[c.ID] = c
	return nil
}

// GetWorkflow finds a workflow by id or slug.
func (s *MemoryStore) GetWorkflow(_ context.Context, ref string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.workflows[ref]; ok {
		return cloneWorkflow(w), nil
	}
	for _, w := range s.workflows {
		if w.Slug == ref {
			return cloneWorkflow(w), nil
		}
	}
	return nil, errs.NotFound("workflow", ref)
}

// ListWorkflows returns all workflows ordered by id.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, cloneWorkflow(w))
	}
	slices.SortFunc(out, func(a, b *models.Workflow) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteWorkflow removes a workflow.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return errs.NotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// SaveExecution creates or replaces an execution.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution returns an execution by id.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.executions[id]; ok {
		return e.Clone(), nil
	}
	return nil, errs.NotFound("execution", id)
}

// ListExecutions returns executions newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowExecution, 0)
	for _, e := range s.executions {
		if workflowID == "" || e.WorkflowID == workflowID {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.WorkflowExecution) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

// SaveProject creates or replaces a project.
func (s *MemoryStore) SaveProject(_ context.Context, p *models.BuildProject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p.Clone()
	return nil
}

// GetProject returns a project by id.
func (s *MemoryStore) GetProject(_ context.Context, id string) (*models.BuildProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[id]; ok {
		return p.Clone(), nil
	}
	return nil, errs.NotFound("project", id)
}

// ListProjects returns projects newest first.
func (s *MemoryStore) ListProjects(_ context.Context) ([]*models.BuildProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BuildProject, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *models.BuildProject) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// DeleteProject removes a project.
func (s *MemoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return errs.NotFound("project", id)
	}
	delete(s.projects, id)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}
