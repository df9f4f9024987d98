package skills

import (
	"context"

	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

// WorkflowToolName is the tool through which a step runs another workflow.
const WorkflowToolName = "run_workflow"

// WorkflowSource finds workflow definitions by id or slug.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, ref string) (*models.Workflow, error)
}

// WorkflowTool runs a nested workflow synchronously. Parameters:
// "workflow" (id or slug, required) and "input" (object). The nested run
// inherits the call chain of ctx, so cycles and excessive nesting fail.
type WorkflowTool struct {
	engine *Engine
	source WorkflowSource
}

// NewWorkflowTool creates the run_workflow tool.
func NewWorkflowTool(engine *Engine, source WorkflowSource) *WorkflowTool {
	return &WorkflowTool{engine: engine, source: source}
}

// Name returns WorkflowToolName.
func (t *WorkflowTool) Name() string { return WorkflowToolName }

// Invoke runs the referenced workflow and returns its step results.
func (t *WorkflowTool) Invoke(ctx context.Context, p map[string]any) tools.Result {
	ref, _ := p["workflow"].(string)
	if ref == "" {
		return tools.Failed("workflow parameter is required")
	}
	w, err := t.source.GetWorkflow(ctx, ref)
	if err != nil {
		return tools.Failed("%v", err)
	}
	input, _ := p["input"].(map[string]any)

	exec, err := t.engine.NewExecution(ctx, w, input, "")
	if err != nil {
		return tools.Failed("%v", err)
	}
	final, err := t.engine.Run(ctx, w, exec)
	if err != nil {
		return tools.Result{Success: false, Data: final.StepResults, Error: err.Error()}
	}
	return tools.Succeeded(final.StepResults)
}
