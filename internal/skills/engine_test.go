package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(subject string, ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.SubjectID = subject
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) phases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Phase
	}
	return out
}

func (p *recordingPublisher) last() models.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type memoryRecorder struct {
	mu    sync.Mutex
	saved []*models.WorkflowExecution
	err   error
}

func (r *memoryRecorder) SaveExecution(_ context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, exec)
	return r.err
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fixture struct {
	engine   *Engine
	registry *tools.Registry
	events   *recordingPublisher
	recorder *memoryRecorder
	calls    *callLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: tools.NewRegistry(nil, nil),
		events:   &recordingPublisher{},
		recorder: &memoryRecorder{},
		calls:    &callLog{},
	}
	f.engine = NewEngine(Options{
		Tools:    f.registry,
		Recorder: f.recorder,
		Events:   f.events,
	})
	f.register(t, "echo", func(_ context.Context, p map[string]any) tools.Result {
		return tools.Succeeded(p)
	})
	f.register(t, "fail", func(context.Context, map[string]any) tools.Result {
		return tools.Failed("boom")
	})
	return f
}

func (f *fixture) register(t *testing.T, name string, fn func(context.Context, map[string]any) tools.Result) {
	t.Helper()
	require.NoError(t, f.registry.Register(tools.NewFunc(name, func(ctx context.Context, p map[string]any) tools.Result {
		f.calls.add(name)
		return fn(ctx, p)
	})))
}

func (f *fixture) run(t *testing.T, w *models.Workflow, input map[string]any) (*models.WorkflowExecution, error) {
	t.Helper()
	exec, err := f.engine.NewExecution(context.Background(), w, input, "session-1")
	require.NoError(t, err)
	return f.engine.Run(context.Background(), w, exec)
}

func constant(v any) models.ParameterSource {
	return models.ParameterSource{Kind: models.ParameterConstant, Value: v}
}

func fromStep(ref string) models.ParameterSource {
	return models.ParameterSource{Kind: models.ParameterPreviousStep, Value: ref}
}

func TestRunCompletesAndSkipsFalsyConditions(t *testing.T) {
	f := newFixture(t)
	w := &models.Workflow{ID: "research", Name: "Research", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "search", ToolName: "echo", OutputKey: "search", ParameterMapping: map[string]models.ParameterSource{
			"query": {Kind: models.ParameterInput, Value: "topic"},
			"found": constant(false),
		}},
		{ID: "summarize", ToolName: "echo", OutputKey: "summary", Condition: "search.found"},
		{ID: "notify", ToolName: "echo", OutputKey: "notice", Condition: "search.query"},
	}}

	final, err := f.run(t, w, map[string]any{"topic": "go"})

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.ElementsMatch(t, []string{"search", "notice"}, keys(final.StepResults))
	assert.Equal(t, []string{"echo", "echo"}, f.calls.list())
	assert.Equal(t, []string{
		models.PhaseRunning, models.PhaseStep, models.PhaseStepSkipped, models.PhaseStep, models.PhaseComplete,
	}, f.events.phases())

	done := f.events.last()
	assert.Equal(t, "session-1", done.SubjectID)
	assert.Equal(t, 100, *done.Progress)
	assert.Equal(t, final.StepResults, done.Payload["stepResults"])
}

func TestRunInterpolatesEarlierResults(t *testing.T) {
	f := newFixture(t)
	w := &models.Workflow{ID: "mail", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "draft", ToolName: "echo", OutputKey: "draft", ParameterMapping: map[string]models.ParameterSource{
			"subject": constant("Hello"),
			"to":      constant(map[string]any{"name": "Ada"}),
		}},
		{ID: "send", ToolName: "echo", OutputKey: "sent", ParameterMapping: map[string]models.ParameterSource{
			"line":    fromStep("Dear {{draft.to.name}}, re: {{draft.subject}}{{draft.missing}}"),
			"to":      fromStep("draft.to"),
			"attempt": {Kind: models.ParameterContext, Value: "attempt"},
		}},
	}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	sent := final.StepResults["sent"].(map[string]any)
	assert.Equal(t, "Dear Ada, re: Hello", sent["line"])
	assert.Equal(t, map[string]any{"name": "Ada"}, sent["to"])
	assert.Equal(t, 1, sent["attempt"])
}

func TestRunRetriesThenFailsWithLastError(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.register(t, "flaky", func(context.Context, map[string]any) tools.Result {
		attempts++
		return tools.Failed("attempt %d failed", attempts)
	})
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "one", ToolName: "flaky", OutputKey: "one", RetryCount: 2},
		{ID: "two", ToolName: "echo", OutputKey: "two"},
	}}

	final, err := f.run(t, w, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrToolExecution)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Contains(t, final.Error, "attempt 3 failed")
	assert.Equal(t, "one", final.CurrentStepID)
	assert.Empty(t, final.StepResults)
	assert.NotContains(t, f.calls.list(), "echo")
	assert.Equal(t, []string{
		models.PhaseRunning, models.PhaseStepRetry, models.PhaseStepRetry, models.PhaseFailed,
	}, f.events.phases())
}

func TestRunRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.register(t, "flaky", func(_ context.Context, p map[string]any) tools.Result {
		attempts++
		if attempts < 3 {
			return tools.Failed("not yet")
		}
		return tools.Succeeded(p["attempt"])
	})
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "one", ToolName: "flaky", OutputKey: "one", RetryCount: 2, ParameterMapping: map[string]models.ParameterSource{
			"attempt": {Kind: models.ParameterContext, Value: "attempt"},
		}},
	}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, final.StepResults["one"])
}

func TestRunRedirectsOnFailure(t *testing.T) {
	f := newFixture(t)
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "try", ToolName: "fail", OutputKey: "try", OnFailureStepID: "fallback"},
		{ID: "skipped", ToolName: "echo", OutputKey: "skipped"},
		{ID: "fallback", ToolName: "echo", OutputKey: "fallback"},
	}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	assert.Equal(t, []string{"fallback"}, keys(final.StepResults))
	assert.Equal(t, []string{"fail", "echo"}, f.calls.list())
}

func TestRunExtractFieldsAndOverwrite(t *testing.T) {
	f := newFixture(t)
	f.register(t, "fetch", func(context.Context, map[string]any) tools.Result {
		return tools.Succeeded(map[string]any{
			"title": "Go",
			"meta":  map[string]any{"author": "Rob", "year": 2009},
			"body":  "long text",
		})
	})
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "first", ToolName: "echo", OutputKey: "doc", ParameterMapping: map[string]models.ParameterSource{"v": constant(1)}},
		{ID: "second", ToolName: "fetch", OutputKey: "doc", ExtractFields: []string{"title", "meta.author", "missing"}},
	}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Go", "meta.author": "Rob"}, final.StepResults["doc"])
}

func TestRunReachesTypedToolResults(t *testing.T) {
	type profile struct {
		Name string `json:"name"`
	}
	f := newFixture(t)
	f.register(t, "labels", func(context.Context, map[string]any) tools.Result {
		return tools.Succeeded(map[string]string{"lang": "go"})
	})
	f.register(t, "profile", func(context.Context, map[string]any) tools.Result {
		return tools.Succeeded(profile{Name: "Ada"})
	})
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "labels", ToolName: "labels", OutputKey: "labels"},
		{ID: "profile", ToolName: "profile", OutputKey: "profile"},
		{ID: "say", ToolName: "echo", OutputKey: "said", Condition: "labels.lang",
			ParameterMapping: map[string]models.ParameterSource{"text": fromStep("{{profile.name}} writes {{labels.lang}}")}},
	}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "Ada writes go"}, final.StepResults["said"])
}

func TestNewExecutionRejectsInvalidWorkflows(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.NewExecution(context.Background(), &models.Workflow{ID: "empty", IsActive: true}, nil, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "no steps")

	inactive := &models.Workflow{ID: "off", Steps: []models.WorkflowStep{{ID: "a", ToolName: "echo"}}}
	_, err = f.engine.NewExecution(context.Background(), inactive, nil, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "not active")
	assert.Empty(t, f.recorder.saved)
}

func TestValidateReportsEveryIssue(t *testing.T) {
	f := newFixture(t)
	w := &models.Workflow{ID: "bad", Steps: []models.WorkflowStep{
		{ID: "a", ToolName: "echo", OnFailureStepID: "a"},
		{ID: "a", ToolName: "nope", RetryCount: -1},
		{ID: "c", ToolName: "echo", ParameterMapping: map[string]models.ParameterSource{"x": {Kind: "env"}}},
		{ID: "d"},
	}}

	err := f.engine.Validate(w)

	require.ErrorIs(t, err, errs.ErrValidation)
	for _, want := range []string{
		"must name a later step",
		"duplicate id",
		`unknown tool "nope"`,
		"retryCount must not be negative",
		`unknown kind "env"`,
		"toolName is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewExecutionDefaultsSubjectToItsID(t *testing.T) {
	f := newFixture(t)
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{{ID: "a", ToolName: "echo"}}}

	exec, err := f.engine.NewExecution(context.Background(), w, map[string]any{"k": "v"}, "")

	require.NoError(t, err)
	assert.Equal(t, exec.ID, exec.SubjectID)
	assert.Equal(t, models.ExecutionPending, exec.Status)
	assert.Equal(t, 0, exec.Depth)
}

func TestRunCancelledMidStep(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	f.register(t, "slow", func(ctx context.Context, _ map[string]any) tools.Result {
		cancel(errs.ErrCancelled)
		<-ctx.Done()
		return tools.Succeeded("late")
	})
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "one", ToolName: "slow", OutputKey: "one"},
		{ID: "two", ToolName: "echo", OutputKey: "two"},
	}}
	exec, err := f.engine.NewExecution(ctx, w, nil, "")
	require.NoError(t, err)

	final, err := f.engine.Run(ctx, w, exec)

	require.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Equal(t, "cancelled by user", final.Error)
	assert.Empty(t, final.StepResults)
	assert.Equal(t, []string{"slow"}, f.calls.list())

	persisted := f.recorder.saved[len(f.recorder.saved)-1]
	assert.Equal(t, models.ExecutionFailed, persisted.Status)
}

func TestRunContinuesWhenRecorderFails(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("disk full")
	w := &models.Workflow{ID: "wf", IsActive: true, Steps: []models.WorkflowStep{{ID: "a", ToolName: "echo", OutputKey: "a"}}}

	final, err := f.run(t, w, nil)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
}

type workflowMap map[string]*models.Workflow

func (m workflowMap) GetWorkflow(_ context.Context, ref string) (*models.Workflow, error) {
	if w, ok := m[ref]; ok {
		return w, nil
	}
	return nil, errs.NotFound("workflow", ref)
}

func TestWorkflowToolRunsNestedWorkflow(t *testing.T) {
	f := newFixture(t)
	defs := workflowMap{}
	require.NoError(t, f.registry.Register(NewWorkflowTool(f.engine, defs)))

	defs["inner"] = &models.Workflow{ID: "inner", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "x", ToolName: "echo", OutputKey: "x", ParameterMapping: map[string]models.ParameterSource{
			"name":  {Kind: models.ParameterInput, Value: "name"},
			"depth": {Kind: models.ParameterContext, Value: "depth"},
		}},
	}}
	outer := &models.Workflow{ID: "outer", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "call", ToolName: WorkflowToolName, OutputKey: "inner", ParameterMapping: map[string]models.ParameterSource{
			"workflow": constant("inner"),
			"input":    constant(map[string]any{"name": "nested"}),
		}},
	}}
	defs["outer"] = outer

	final, err := f.run(t, outer, nil)

	require.NoError(t, err)
	inner := final.StepResults["inner"].(map[string]any)
	assert.Equal(t, map[string]any{"name": "nested", "depth": 1}, inner["x"])
}

func TestWorkflowToolDetectsCycles(t *testing.T) {
	f := newFixture(t)
	defs := workflowMap{}
	require.NoError(t, f.registry.Register(NewWorkflowTool(f.engine, defs)))

	loop := &models.Workflow{ID: "loop", IsActive: true, Steps: []models.WorkflowStep{
		{ID: "again", ToolName: WorkflowToolName, OutputKey: "again", ParameterMapping: map[string]models.ParameterSource{
			"workflow": constant("loop"),
		}},
	}}
	defs["loop"] = loop

	final, err := f.run(t, loop, nil)

	require.Error(t, err)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Contains(t, final.Error, "workflow cycle detected: loop -> loop")
}

func TestMaxDepth(t *testing.T) {
	f := newFixture(t)
	f.engine.maxDepth = 2
	defs := workflowMap{}
	require.NoError(t, f.registry.Register(NewWorkflowTool(f.engine, defs)))

	for i := range 4 {
		id := fmt.Sprintf("level%d", i)
		defs[id] = &models.Workflow{ID: id, IsActive: true, Steps: []models.WorkflowStep{
			{ID: "next", ToolName: WorkflowToolName, OutputKey: "next", ParameterMapping: map[string]models.ParameterSource{
				"workflow": constant(fmt.Sprintf("level%d", i+1)),
			}},
		}}
	}

	final, err := f.run(t, defs["level0"], nil)

	require.Error(t, err)
	assert.Contains(t, final.Error, "exceeds max nesting depth 2")
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.TrimSpace(body)), 0o644))
	}
	write("b-research.yaml", `
slug: research
name: Research a topic
steps:
  - id: search
    toolName: web_search
    outputKey: results
    retryCount: 1
    parameterMapping:
      query:
        kind: input
        value: topic
      limit:
        kind: constant
        value: 5
`)
	write("a-disabled.yml", `
id: disabled
isActive: false
steps:
  - id: noop
    toolName: echo
`)
	write("notes.txt", "ignored")

	workflows, err := LoadDefinitions(dir)

	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "disabled", workflows[0].ID)
	assert.False(t, workflows[0].IsActive)

	research := workflows[1]
	assert.Equal(t, "research", research.ID)
	assert.True(t, research.IsActive)
	require.Len(t, research.Steps, 1)
	assert.Equal(t, 1, research.Steps[0].RetryCount)
	assert.Equal(t, models.ParameterSource{Kind: models.ParameterConstant, Value: 5}, research.Steps[0].ParameterMapping["limit"])
}

func TestShippedDefinitionsAreValid(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"web_search", "agent.summarize", "agent.speak", WorkflowToolName} {
		f.register(t, name, func(context.Context, map[string]any) tools.Result { return tools.Succeeded(nil) })
	}

	workflows, err := LoadDefinitions(filepath.Join("..", "..", "config", "workflows"))

	require.NoError(t, err)
	require.NotEmpty(t, workflows)
	for _, w := range workflows {
		assert.NoError(t, f.engine.Validate(w), w.ID)
	}
}

func TestLoadDefinitionsRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: x\nstepz: []\n"), 0o644))

	_, err := LoadDefinitions(dir)
	assert.Error(t, err)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
