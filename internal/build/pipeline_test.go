package build

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/resources"
	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(_ string, ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// transitions returns the phases of events that carry a progress value,
// which are exactly the phase transitions.
func (p *recordingPublisher) transitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Progress != nil {
			out = append(out, ev.Phase)
		}
	}
	return out
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

type projectRecorder struct {
	mu    sync.Mutex
	saved []*models.BuildProject
}

func (r *projectRecorder) SaveProject(_ context.Context, p *models.BuildProject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, p)
	return nil
}

func (r *projectRecorder) last() *models.BuildProject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[len(r.saved)-1]
}

type streamingFunc struct {
	name string
	fn   func(ctx context.Context, p map[string]any, onMessage tools.MessageFunc) tools.Result
}

func (s *streamingFunc) Name() string { return s.name }
func (s *streamingFunc) Invoke(ctx context.Context, p map[string]any) tools.Result {
	return s.fn(ctx, p, func(string) {})
}
func (s *streamingFunc) InvokeStream(ctx context.Context, p map[string]any, onMessage tools.MessageFunc) tools.Result {
	return s.fn(ctx, p, onMessage)
}

type fixture struct {
	pipeline *Pipeline
	registry *tools.Registry
	runtime  *resources.Manager
	events   *recordingPublisher
	recorder *projectRecorder
	basePort int
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: tools.NewRegistry(nil, nil),
		events:   &recordingPublisher{},
		recorder: &projectRecorder{},
		basePort: freePort(t),
	}
	f.runtime = resources.NewManager(resources.Options{
		WorkspaceRoot:       t.TempDir(),
		BasePort:            f.basePort,
		PortAttempts:        50,
		StaticServerCommand: []string{"sleep", "30"},
		TerminateGrace:      time.Second,
	})
	t.Cleanup(func() { _ = f.runtime.Shutdown(context.Background()) })
	f.pipeline = NewPipeline(Options{
		Tools:       f.registry,
		Runtime:     f.runtime,
		Recorder:    f.recorder,
		Events:      f.events,
		CodegenTool: "codegen",
		VerifyTool:  "verify",
		DeployTool:  "deploy",
	})
	return f
}

func (f *fixture) tool(t *testing.T, name string, fn func(ctx context.Context, p map[string]any, onMessage tools.MessageFunc) tools.Result) {
	t.Helper()
	require.NoError(t, f.registry.Register(&streamingFunc{name: name, fn: fn}))
}

func todoProject(t *testing.T, target models.DeployTarget) *models.BuildProject {
	t.Helper()
	req, err := NormalizeRequest(models.BuildRequest{
		Description:  "todo app",
		ProjectType:  models.ProjectWebApp,
		DeployTarget: target,
	}, models.DeployLocalhost)
	require.NoError(t, err)
	return NewProject(req, time.Now())
}

func TestRunCompletesDespiteFailingVerification(t *testing.T) {
	f := newFixture(t)
	var gotPrompt string
	f.tool(t, "codegen", func(_ context.Context, p map[string]any, onMessage tools.MessageFunc) tools.Result {
		gotPrompt, _ = p["prompt"].(string)
		onMessage("writing index.html")
		onMessage("writing app.js")
		return tools.Succeeded(nil)
	})
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result {
		return tools.Failed("2 tests failed")
	})

	final, err := f.pipeline.Run(context.Background(), todoProject(t, models.DeployLocalhost))

	require.NoError(t, err)
	assert.Equal(t, models.BuildComplete, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.GreaterOrEqual(t, final.LocalPort, f.basePort)
	assert.Contains(t, final.DeployURL, "http://localhost:")
	assert.Contains(t, gotPrompt, "todo app")
	assert.Equal(t, gotPrompt, final.BuildPrompt)
	assert.DirExists(t, final.WorkspacePath)

	var warned bool
	for _, entry := range final.Logs {
		if entry.Phase == models.BuildTesting && entry.Level == models.LogWarn && strings.Contains(entry.Message, "warning") {
			warned = true
		}
	}
	assert.True(t, warned, "expected a testing warning in %v", final.Logs)

	assert.Equal(t, []string{"queued", "planning", "building", "testing", "deploying", "complete"}, f.events.transitions())
	assert.Contains(t, f.events.phases(), "building")

	proc, ok := f.runtime.Processes.Get(final.ID)
	require.True(t, ok)
	assert.True(t, proc.Running())
	assert.Equal(t, final.LocalPort, proc.Port)

	assert.Equal(t, models.BuildComplete, f.recorder.last().Status)
	assert.False(t, f.pipeline.Running(final.ID))
}

func TestRunFailsWhenGenerationFails(t *testing.T) {
	f := newFixture(t)
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result {
		return tools.Failed("model refused")
	})
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result {
		t.Error("verification must not run")
		return tools.Succeeded(nil)
	})

	final, err := f.pipeline.Run(context.Background(), todoProject(t, models.DeployLocalhost))

	require.Error(t, err)
	assert.Equal(t, models.BuildFailed, final.Status)
	assert.Contains(t, final.Error, "model refused")
	assert.Equal(t, []string{"queued", "planning", "building"}, f.events.transitions())
	assert.Equal(t, models.PhaseFailed, f.events.phases()[len(f.events.phases())-1])
}

func TestRunRemoteDeploy(t *testing.T) {
	f := newFixture(t)
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })
	f.tool(t, "deploy", func(_ context.Context, p map[string]any, _ tools.MessageFunc) tools.Result {
		return tools.Succeeded(map[string]any{"url": "https://apps.example.com/" + p["projectId"].(string)})
	})

	project := todoProject(t, models.DeployRemote)
	final, err := f.pipeline.Run(context.Background(), project)

	require.NoError(t, err)
	assert.Equal(t, "https://apps.example.com/"+project.ID, final.DeployURL)
	assert.Zero(t, final.LocalPort)
}

func TestCancelDuringBuilding(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.tool(t, "codegen", func(ctx context.Context, _ map[string]any, onMessage tools.MessageFunc) tools.Result {
		onMessage("thinking")
		close(started)
		<-ctx.Done()
		onMessage("too late")
		return tools.Succeeded(nil)
	})
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })

	project := todoProject(t, models.DeployLocalhost)
	type outcome struct {
		final *models.BuildProject
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		final, err := f.pipeline.Run(context.Background(), project)
		done <- outcome{final, err}
	}()

	<-started
	assert.True(t, f.pipeline.Cancel(context.Background(), project.ID))
	res := <-done

	require.ErrorIs(t, res.err, errs.ErrCancelled)
	assert.Equal(t, models.BuildCancelled, res.final.Status)
	assert.Equal(t, "cancelled by user", res.final.Error)
	assert.NotContains(t, f.events.phases(), "deploying")
	assert.NotContains(t, f.events.phases(), "testing")
	assert.Equal(t, models.PhaseCancelled, f.events.phases()[len(f.events.phases())-1])
	for _, entry := range res.final.Logs {
		assert.NotEqual(t, "too late", entry.Message)
	}
	assert.False(t, f.pipeline.Cancel(context.Background(), project.ID))
}

// blockingDeploy starts the real deployment, then holds the pipeline in the
// deploying phase until cancelled.
type blockingDeploy struct {
	*resources.Manager
	deployed chan struct{}
}

func (b *blockingDeploy) DeployLocal(ctx context.Context, id, dir string, onLog func(string)) (resources.Deployment, error) {
	dep, err := b.Manager.DeployLocal(ctx, id, dir, onLog)
	close(b.deployed)
	<-ctx.Done()
	return dep, err
}

func TestCancelKillsOwnedProcess(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingDeploy{Manager: f.runtime, deployed: make(chan struct{})}
	f.pipeline.opts.Runtime = blocking
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })

	project := todoProject(t, models.DeployLocalhost)
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), project)
		done <- err
	}()

	<-blocking.deployed
	proc, ok := f.runtime.Processes.Get(project.ID)
	require.True(t, ok)
	require.True(t, proc.Running())

	require.True(t, f.pipeline.Cancel(context.Background(), project.ID))
	assert.False(t, proc.Running(), "process must be dead when Cancel returns")

	require.ErrorIs(t, <-done, errs.ErrCancelled)
	assert.NotContains(t, f.events.transitions(), "complete")
}

func TestCancelBeforeRunStarts(t *testing.T) {
	f := newFixture(t)
	called := false
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result {
		called = true
		return tools.Succeeded(nil)
	})

	project := todoProject(t, models.DeployRemote)
	require.NoError(t, f.pipeline.Prepare(project))
	assert.True(t, f.pipeline.Running(project.ID))
	assert.ErrorIs(t, f.pipeline.Prepare(project), errs.ErrConflict)

	require.True(t, f.pipeline.Cancel(context.Background(), project.ID))
	snap, ok := f.pipeline.Snapshot(project.ID)
	require.True(t, ok)
	assert.Equal(t, models.BuildCancelled, snap.Status)

	final, err := f.pipeline.Run(context.Background(), project)

	require.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, models.BuildCancelled, final.Status)
	assert.Empty(t, final.WorkspacePath)
	assert.False(t, called)
	assert.Equal(t, []string{models.PhaseCancelled}, f.events.phases())
	assert.False(t, f.pipeline.Running(project.ID))
}

func TestDiscardForgetsPreparedProject(t *testing.T) {
	f := newFixture(t)
	project := todoProject(t, models.DeployRemote)
	require.NoError(t, f.pipeline.Prepare(project))

	f.pipeline.Discard(project.ID)

	assert.False(t, f.pipeline.Running(project.ID))
	assert.False(t, f.pipeline.Cancel(context.Background(), project.ID))
}

type failingRuntime struct{ *resources.Manager }

func (failingRuntime) DeployLocal(context.Context, string, string, func(string)) (resources.Deployment, error) {
	return resources.Deployment{}, errs.Resource("no available port in range 4000-4099")
}

func TestRunResourceFailurePreservesWorkspace(t *testing.T) {
	f := newFixture(t)
	f.pipeline.opts.Runtime = failingRuntime{f.runtime}
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })

	final, err := f.pipeline.Run(context.Background(), todoProject(t, models.DeployLocalhost))

	require.Error(t, err)
	assert.Equal(t, models.BuildFailed, final.Status)
	assert.Contains(t, final.Error, "no available port")
	assert.DirExists(t, final.WorkspacePath)
}

func TestRunRejectsDuplicateRun(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.tool(t, "codegen", func(context.Context, map[string]any, tools.MessageFunc) tools.Result {
		close(started)
		<-release
		return tools.Succeeded(nil)
	})
	f.tool(t, "verify", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })

	project := todoProject(t, models.DeployRemote)
	f.tool(t, "deploy", func(context.Context, map[string]any, tools.MessageFunc) tools.Result { return tools.Succeeded(nil) })
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), project)
		done <- err
	}()
	<-started

	_, err := f.pipeline.Run(context.Background(), project)
	assert.ErrorIs(t, err, errs.ErrConflict)

	close(release)
	assert.NoError(t, <-done)
}

func TestTransitionRejectsBackwardMoves(t *testing.T) {
	f := newFixture(t)
	r := &run{project: todoProject(t, models.DeployLocalhost)}
	ctx := context.Background()

	require.NoError(t, f.pipeline.transition(ctx, r, models.BuildQueued, "queued"))
	require.NoError(t, f.pipeline.transition(ctx, r, models.BuildPlanning, "planning"))
	assert.Error(t, f.pipeline.transition(ctx, r, models.BuildPlanning, "again"))
	assert.Error(t, f.pipeline.transition(ctx, r, models.BuildQueued, "back"))
	require.NoError(t, f.pipeline.transition(ctx, r, models.BuildBuilding, "building"))

	require.Error(t, f.pipeline.fail(ctx, r, errors.New("boom")))
	assert.ErrorIs(t, f.pipeline.transition(ctx, r, models.BuildTesting, "testing"), errStopped)
	assert.Equal(t, models.BuildFailed, r.project.Status)
}

func TestNormalizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     models.BuildRequest
		want    models.DeployTarget
		wantErr string
	}{
		{"defaults target", models.BuildRequest{Description: "todo app", ProjectType: models.ProjectWebApp}, models.DeployLocalhost, ""},
		{"keeps remote", models.BuildRequest{Description: "api", ProjectType: models.ProjectAPI, DeployTarget: models.DeployRemote}, models.DeployRemote, ""},
		{"missing description", models.BuildRequest{Description: "  ", ProjectType: models.ProjectCLI}, "", "description is required"},
		{"bad type", models.BuildRequest{Description: "x", ProjectType: "game"}, "", "projectType"},
		{"bad target", models.BuildRequest{Description: "x", ProjectType: models.ProjectCLI, DeployTarget: "moon"}, "", "deployTarget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRequest(tt.req, models.DeployLocalhost)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, errs.ErrValidation)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.DeployTarget)
		})
	}
}

func TestRetryRequest(t *testing.T) {
	prev := &models.BuildProject{Description: "todo app", ProjectType: models.ProjectWebApp, DeployTarget: models.DeployLocalhost}

	assert.Equal(t, "todo app", RetryRequest(prev, "").Description)
	amended := RetryRequest(prev, "use dark mode")
	assert.Equal(t, "todo app\n\nModification: use dark mode", amended.Description)
	assert.Equal(t, models.ProjectWebApp, amended.ProjectType)
}
