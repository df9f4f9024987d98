// Package skills runs workflows: ordered tool steps whose parameters are
// resolved from the execution input, earlier step results and execution
// metadata.
package skills

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/events"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/metrics"
	"voice-orchestrator/backend/internal/params"
	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

// DefaultMaxDepth bounds how deeply workflows may run other workflows.
const DefaultMaxDepth = 5

// Gateway invokes tools by name.
type Gateway interface {
	Invoke(ctx context.Context, name string, params map[string]any) tools.Result
	Has(name string) bool
}

// Recorder persists execution snapshots. It receives a private copy.
type Recorder interface {
	SaveExecution(ctx context.Context, exec *models.WorkflowExecution) error
}

// Options configures an Engine.
type Options struct {
	Tools        Gateway
	Recorder     Recorder
	Events       events.Publisher
	Logger       *logging.Logger
	Metrics      *metrics.Instruments
	Clock        clock.Clock
	MaxDepth     int
	RetryBackoff time.Duration
}

// Engine executes workflows step by step.
type Engine struct {
	tools        Gateway
	recorder     Recorder
	events       events.Publisher
	logger       *logging.Logger
	metrics      *metrics.Instruments
	clock        clock.Clock
	maxDepth     int
	retryBackoff time.Duration
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Engine{
		tools:        opts.Tools,
		recorder:     opts.Recorder,
		events:       opts.Events,
		logger:       opts.Logger.With("component", "skills"),
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		maxDepth:     opts.MaxDepth,
		retryBackoff: opts.RetryBackoff,
	}
}

// NewExecution validates w and returns a pending execution for it. An
// empty subjectID makes the execution its own subject.
func (e *Engine) NewExecution(ctx context.Context, w *models.Workflow, input map[string]any, subjectID string) (*models.WorkflowExecution, error) {
	if err := e.Validate(w); err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, errs.Validation("workflow %s is not active", w.ID)
	}
	if err := checkChain(ctx, w.ID, e.maxDepth); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if subjectID == "" {
		subjectID = id
	}
	inputData := maps.Clone(input)
	if inputData == nil {
		inputData = map[string]any{}
	}
	return &models.WorkflowExecution{
		ID:          id,
		WorkflowID:  w.ID,
		SubjectID:   subjectID,
		Status:      models.ExecutionPending,
		InputData:   inputData,
		StepResults: map[string]any{},
		Depth:       Depth(ctx),
		StartedAt:   e.clock.Now(),
	}, nil
}

// Run drives exec through w until it completes or fails. The returned
// execution is a snapshot of the final state; the error is non-nil
// exactly when the execution failed.
func (e *Engine) Run(ctx context.Context, w *models.Workflow, exec *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	log := e.logger.With("execution_id", exec.ID, "workflow_id", w.ID)

	if err := e.Validate(w); err != nil {
		return e.fail(ctx, exec, err)
	}
	ctx, err := enterWorkflow(ctx, w.ID, e.maxDepth)
	if err != nil {
		return e.fail(ctx, exec, err)
	}

	exec.Status = models.ExecutionRunning
	exec.CurrentStepID = w.Steps[0].ID
	if exec.StepResults == nil {
		exec.StepResults = map[string]any{}
	}
	e.persist(ctx, exec)
	e.publish(exec, models.PhaseRunning, fmt.Sprintf("Running %s", displayName(w)), models.Percent(0), nil)
	log.Info("workflow execution started", "steps", len(w.Steps), "depth", exec.Depth)

	total := len(w.Steps)
	for i := 0; i < total; {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, exec, cancellationCause(ctx))
		}

		step := &w.Steps[i]
		exec.CurrentStepID = step.ID

		if step.Condition != "" {
			v, _ := params.Lookup(exec.StepResults, step.Condition)
			if !params.Truthy(v) {
				log.Debug("step skipped", "step_id", step.ID, "condition", step.Condition)
				e.publish(exec, models.PhaseStepSkipped, fmt.Sprintf("Skipped %s", stepName(step)), nil,
					map[string]any{"stepId": step.ID})
				i++
				continue
			}
		}

		result, attempts := e.invoke(ctx, exec, step, i)
		if ctx.Err() != nil {
			// The result of an interrupted call is discarded.
			return e.fail(ctx, exec, cancellationCause(ctx))
		}

		if result.Success {
			data := params.Normalize(result.Data)
			if len(step.ExtractFields) > 0 {
				data = extractFields(data, step.ExtractFields)
			}
			if step.OutputKey != "" {
				exec.StepResults[step.OutputKey] = data
			}
			e.persist(ctx, exec)
			e.publish(exec, models.PhaseStep, fmt.Sprintf("Completed %s", stepName(step)),
				models.Percent((i+1)*100/total), map[string]any{"stepId": step.ID, "attempts": attempts})
			i++
			continue
		}

		toolErr := &errs.ToolError{Tool: step.ToolName, Attempts: attempts, Message: result.Error}
		if step.OnFailureStepID != "" {
			next := w.StepIndex(step.OnFailureStepID)
			log.Warn("step failed, redirecting", "step_id", step.ID, "target_step_id", step.OnFailureStepID, "error", toolErr.Error())
			e.publish(exec, models.PhaseStep, fmt.Sprintf("%s failed, continuing at %s", stepName(step), step.OnFailureStepID),
				models.Percent((i+1)*100/total), map[string]any{"stepId": step.ID, "error": toolErr.Error(), "redirect": step.OnFailureStepID})
			i = next
			continue
		}

		log.Error("step failed", "step_id", step.ID, "error", toolErr.Error())
		return e.fail(ctx, exec, toolErr)
	}

	now := e.clock.Now()
	exec.Status = models.ExecutionCompleted
	exec.CompletedAt = &now
	e.persist(ctx, exec)
	e.publish(exec, models.PhaseComplete, fmt.Sprintf("%s completed", displayName(w)), models.Percent(100),
		map[string]any{"stepResults": maps.Clone(exec.StepResults)})
	e.metrics.ExecutionFinished(ctx, w.ID, string(exec.Status))
	log.Info("workflow execution completed")
	return exec.Clone(), nil
}

// invoke calls the step's tool, retrying sequentially up to RetryCount
// times. It returns the last result and the number of attempts made.
func (e *Engine) invoke(ctx context.Context, exec *models.WorkflowExecution, step *models.WorkflowStep, index int) (tools.Result, int) {
	attempts := 1 + step.RetryCount
	var result tools.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		resolved := params.Resolve(step.ParameterMapping, params.Context{
			Input:       exec.InputData,
			StepResults: exec.StepResults,
			Metadata:    e.metadata(exec, step, index, attempt),
		})
		result = e.tools.Invoke(ctx, step.ToolName, resolved)
		if result.Success || attempt == attempts || ctx.Err() != nil {
			return result, attempt
		}

		e.logger.Warn("step attempt failed, retrying",
			"execution_id", exec.ID, "step_id", step.ID, "attempt", attempt, "error", result.Error)
		e.publish(exec, models.PhaseStepRetry, fmt.Sprintf("Retrying %s (%d/%d)", stepName(step), attempt, step.RetryCount),
			nil, map[string]any{"stepId": step.ID, "attempt": attempt, "error": result.Error})

		if e.retryBackoff > 0 {
			select {
			case <-e.clock.After(e.retryBackoff):
			case <-ctx.Done():
				return result, attempt
			}
		}
	}
	return result, attempts
}

func (e *Engine) metadata(exec *models.WorkflowExecution, step *models.WorkflowStep, index, attempt int) map[string]any {
	return map[string]any{
		"executionId": exec.ID,
		"workflowId":  exec.WorkflowID,
		"subjectId":   exec.SubjectID,
		"stepId":      step.ID,
		"stepIndex":   index,
		"attempt":     attempt,
		"depth":       exec.Depth,
	}
}

func (e *Engine) fail(ctx context.Context, exec *models.WorkflowExecution, cause error) (*models.WorkflowExecution, error) {
	now := e.clock.Now()
	exec.Status = models.ExecutionFailed
	exec.Error = cause.Error()
	exec.CompletedAt = &now
	e.persist(ctx, exec)
	e.publish(exec, models.PhaseFailed, exec.Error, nil, map[string]any{"stepId": exec.CurrentStepID})
	e.metrics.ExecutionFinished(context.WithoutCancel(ctx), exec.WorkflowID, string(exec.Status))
	e.logger.Warn("workflow execution failed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "error", exec.Error)
	return exec.Clone(), cause
}

// persist stores a snapshot. A failing store is logged and does not stop
// the run; the record in memory stays authoritative.
func (e *Engine) persist(ctx context.Context, exec *models.WorkflowExecution) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveExecution(context.WithoutCancel(ctx), exec.Clone()); err != nil {
		e.logger.Error("failed to persist execution", "execution_id", exec.ID, "error", err.Error())
	}
}

func (e *Engine) publish(exec *models.WorkflowExecution, phase, message string, progress *int, payload map[string]any) {
	if e.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["executionId"] = exec.ID
	payload["workflowId"] = exec.WorkflowID
	e.events.Publish(exec.SubjectID, models.ProgressEvent{
		Phase:     phase,
		Message:   message,
		Timestamp: e.clock.Now(),
		Progress:  progress,
		Payload:   payload,
	})
}

// extractFields narrows data to the given dotted fields. Missing fields
// are left out.
func extractFields(data any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := params.Lookup(data, f); ok {
			out[f] = v
		}
	}
	return out
}

func cancellationCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errs.ErrCancelled) {
		return cause
	}
	if errors.Is(cause, context.Canceled) {
		return errs.ErrCancelled
	}
	return cause
}

func displayName(w *models.Workflow) string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

func stepName(s *models.WorkflowStep) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
