package services

import (
	"context"
	"errors"
	"strings"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/guard"
	"voice-orchestrator/backend/pkg/models"
)

// SaveWorkflow validates w against the tool registry and stores it.
func (o *Orchestrator) SaveWorkflow(ctx context.Context, w *models.Workflow) (*models.Workflow, error) {
	w.ID = strings.TrimSpace(w.ID)
	w.Slug = strings.TrimSpace(w.Slug)
	if err := o.engine.Validate(w); err != nil {
		return nil, err
	}

	now := o.clock.Now()
	if prev, err := o.store.GetWorkflow(ctx, w.ID); err == nil && prev.ID == w.ID {
		w.CreatedAt = prev.CreatedAt
	} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	if err := o.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	o.logger.Info("workflow saved", "workflow_id", w.ID, "steps", len(w.Steps))
	return o.store.GetWorkflow(ctx, w.ID)
}

// GetWorkflow finds a workflow by id or slug.
func (o *Orchestrator) GetWorkflow(ctx context.Context, ref string) (*models.Workflow, error) {
	return o.store.GetWorkflow(ctx, ref)
}

// ListWorkflows returns every workflow.
func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	return o.store.ListWorkflows(ctx)
}

// DeleteWorkflow removes a workflow. Executions already started keep
// their own copy of the definition.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id string) error {
	return o.store.DeleteWorkflow(ctx, id)
}

// ExecuteWorkflow starts ref in the background and returns the pending
// execution. Only one execution per workflow and subject may run at a
// time; a second one gets errs.ErrConflict.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, ref string, input map[string]any, subjectID string) (*models.WorkflowExecution, error) {
	w, err := o.store.GetWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	exec, err := o.engine.NewExecution(ctx, w, input, subjectID)
	if err != nil {
		return nil, err
	}
	pending := exec.Clone()
	o.executions.put(exec.ID, pending.Clone(), false)

	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	o.track(exec.ID, cancel)
	o.wg.Add(1)
	err = o.guard.Go(runCtx, workflowKey(w, exec), func(ctx context.Context) {
		defer o.wg.Done()
		defer o.untrack(exec.ID)
		defer cancel(nil)

		final, err := o.engine.Run(ctx, w, exec)
		if err != nil {
			o.logger.Warn("workflow execution failed", "execution_id", final.ID, "workflow_id", w.ID, "error", err.Error())
			return
		}
		o.logger.Info("workflow execution completed", "execution_id", final.ID, "workflow_id", w.ID)
	})
	if err != nil {
		o.wg.Done()
		o.untrack(exec.ID)
		cancel(nil)
		o.executions.remove(exec.ID)
		return nil, err
	}
	return pending, nil
}

// RunWorkflow executes ref on the calling goroutine and returns the final
// execution. A failed execution is returned together with its error.
func (o *Orchestrator) RunWorkflow(ctx context.Context, ref string, input map[string]any, subjectID string) (*models.WorkflowExecution, error) {
	w, err := o.store.GetWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	exec, err := o.engine.NewExecution(ctx, w, input, subjectID)
	if err != nil {
		return nil, err
	}

	var final *models.WorkflowExecution
	err = o.guard.Do(workflowKey(w, exec), func() error {
		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		o.track(exec.ID, cancel)
		defer o.untrack(exec.ID)

		var runErr error
		final, runErr = o.engine.Run(runCtx, w, exec)
		return runErr
	})
	return final, err
}

// GetExecution returns the live or cached execution, falling back to the
// store.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if exec, ok := o.executions.get(id); ok {
		return exec, nil
	}
	return o.store.GetExecution(ctx, id)
}

// ListExecutions returns the stored executions of workflowID, or of every
// workflow when it is empty.
func (o *Orchestrator) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return o.store.ListExecutions(ctx, workflowID)
}

// CancelExecution stops a running execution. It fails with
// errs.ErrCancelled as soon as the current step returns.
func (o *Orchestrator) CancelExecution(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel(errs.ErrCancelled)
		o.logger.Info("workflow execution cancelled", "execution_id", id)
		return nil
	}

	exec, err := o.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return errs.Validation("execution %s is not running (status %s)", id, exec.Status)
}

func workflowKey(w *models.Workflow, exec *models.WorkflowExecution) string {
	return guard.Key("workflow", w.ID, exec.SubjectID)
}
