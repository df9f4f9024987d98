// Package build drives code generation projects through their phases:
// queued, planning, building, testing, deploying and complete, with side
// exits to failed and cancelled.
package build

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/events"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/metrics"
	"voice-orchestrator/backend/internal/resources"
	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

// Progress hints published with each phase.
var phaseProgress = map[models.BuildStatus]int{
	models.BuildQueued:    0,
	models.BuildPlanning:  10,
	models.BuildBuilding:  20,
	models.BuildTesting:   70,
	models.BuildDeploying: 85,
	models.BuildComplete:  100,
}

// Gateway invokes tools by name.
type Gateway interface {
	InvokeStream(ctx context.Context, name string, params map[string]any, onMessage tools.MessageFunc) tools.Result
}

// Runtime provides workspaces and local deployments.
type Runtime interface {
	CreateWorkspace(id string) (string, error)
	DeployLocal(ctx context.Context, id, dir string, onLog func(string)) (resources.Deployment, error)
	Terminate(id string) error
}

// Recorder persists project snapshots. It receives a private copy.
type Recorder interface {
	SaveProject(ctx context.Context, p *models.BuildProject) error
}

// Options configures a Pipeline.
type Options struct {
	Tools       Gateway
	Runtime     Runtime
	Recorder    Recorder
	Events      events.Publisher
	Logger      *logging.Logger
	Metrics     *metrics.Instruments
	Clock       clock.PassiveClock
	CodegenTool string
	VerifyTool  string
	DeployTool  string
}

// Pipeline runs build projects. Each project is driven by one goroutine
// calling Run; Cancel may be called from any goroutine.
type Pipeline struct {
	opts   Options
	logger *logging.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the live state of one project. mu serialises phase transitions
// with cancellation. cancel is nil until Run starts driving the project.
type run struct {
	mu      sync.Mutex
	project *models.BuildProject
	cancel  context.CancelCauseFunc
	started bool
	entered bool
}

// errStopped reports that the project reached a terminal state elsewhere.
var errStopped = errors.New("project already terminal")

// NewPipeline creates a Pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Pipeline{
		opts:   opts,
		logger: opts.Logger.With("component", "build"),
		runs:   make(map[string]*run),
	}
}

// Running reports whether project id is being driven right now.
func (p *Pipeline) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[id]
	return ok
}

// Snapshot returns the live state of a running project.
func (p *Pipeline) Snapshot(id string) (*models.BuildProject, bool) {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.project.Clone(), true
}

// Prepare registers project before Run is called, so that it can be
// observed and cancelled from the moment it is accepted. A project
// cancelled before Run starts never leaves the cancelled state.
func (p *Pipeline) Prepare(project *models.BuildProject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[project.ID]; exists {
		return errs.Conflict("build:" + project.ID)
	}
	p.runs[project.ID] = newRun(project)
	return nil
}

// Discard drops a prepared project that will never be run.
func (p *Pipeline) Discard(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.runs[id]; ok && !r.started {
		delete(p.runs, id)
	}
}

func newRun(project *models.BuildProject) *run {
	r := &run{project: project.Clone()}
	if r.project.Logs == nil {
		r.project.Logs = []models.BuildLogEntry{}
	}
	return r
}

// Run drives project to a terminal state and returns the final snapshot.
// The error is nil only when the project completed. A prepared project is
// picked up as registered, including a cancellation that already happened.
func (p *Pipeline) Run(ctx context.Context, project *models.BuildProject) (*models.BuildProject, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.mu.Lock()
	r, exists := p.runs[project.ID]
	switch {
	case !exists:
		r = newRun(project)
		p.runs[project.ID] = r
	case r.started:
		p.mu.Unlock()
		return project.Clone(), errs.Conflict("build:" + project.ID)
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.runs, project.ID)
		p.mu.Unlock()
	}()

	r.mu.Lock()
	r.started = true
	r.cancel = cancel
	if r.project.Status.Terminal() {
		cancel(errs.ErrCancelled)
	}
	r.mu.Unlock()

	err := p.drive(ctx, r)
	if err != nil && !errors.Is(err, errStopped) {
		_ = p.fail(ctx, r, err)
	}
	if errors.Is(err, errStopped) {
		// Cancelled while a call was in flight; make sure nothing it
		// started survives.
		if terr := p.opts.Runtime.Terminate(project.ID); terr != nil {
			p.logger.Warn("failed to terminate process after cancellation", "project_id", project.ID, "error", terr.Error())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	final := r.project.Clone()
	switch final.Status {
	case models.BuildComplete:
		return final, nil
	case models.BuildCancelled:
		return final, errs.ErrCancelled
	default:
		return final, errors.New(final.Error)
	}
}

func (p *Pipeline) drive(ctx context.Context, r *run) error {
	id := r.project.ID
	log := p.logger.With("project_id", id)

	if err := p.transition(ctx, r, models.BuildQueued, "Build queued"); err != nil {
		return err
	}

	dir := r.project.WorkspacePath
	if dir == "" {
		var err error
		if dir, err = p.opts.Runtime.CreateWorkspace(id); err != nil {
			return p.fail(ctx, r, err)
		}
		r.mu.Lock()
		r.project.WorkspacePath = dir
		r.mu.Unlock()
	}

	// Planning records intent only.
	if err := p.transition(ctx, r, models.BuildPlanning, "Planning build"); err != nil {
		return err
	}
	prompt := Prompt(r.project)
	r.mu.Lock()
	r.project.BuildPrompt = prompt
	r.mu.Unlock()

	if err := p.transition(ctx, r, models.BuildBuilding, "Generating code"); err != nil {
		return err
	}
	res := p.opts.Tools.InvokeStream(ctx, p.opts.CodegenTool, map[string]any{
		tools.WorkspaceParam: dir,
		"prompt":             prompt,
		"projectId":          id,
		"projectType":        string(r.project.ProjectType),
		"preferredStack":     r.project.PreferredStack,
	}, func(msg string) {
		p.note(r, models.BuildBuilding, models.LogInfo, msg)
	})
	if err := p.checkpoint(ctx, r); err != nil {
		return err
	}
	if !res.Success {
		return p.fail(ctx, r, &errs.ToolError{Tool: p.opts.CodegenTool, Attempts: 1, Message: res.Error})
	}

	if err := p.transition(ctx, r, models.BuildTesting, "Verifying build"); err != nil {
		return err
	}
	res = p.opts.Tools.InvokeStream(ctx, p.opts.VerifyTool, map[string]any{
		tools.WorkspaceParam: dir,
		"projectId":          id,
		"projectType":        string(r.project.ProjectType),
	}, nil)
	if err := p.checkpoint(ctx, r); err != nil {
		return err
	}
	if !res.Success {
		log.Warn("verification failed, continuing", "error", res.Error)
		p.note(r, models.BuildTesting, models.LogWarn, "warning: verification failed: "+res.Error)
	}

	if err := p.transition(ctx, r, models.BuildDeploying, fmt.Sprintf("Deploying to %s", r.project.DeployTarget)); err != nil {
		return err
	}
	if r.project.DeployTarget == models.DeployRemote {
		res = p.opts.Tools.InvokeStream(ctx, p.opts.DeployTool, map[string]any{
			tools.WorkspaceParam: dir,
			"projectId":          id,
		}, nil)
		if err := p.checkpoint(ctx, r); err != nil {
			return err
		}
		if !res.Success {
			return p.fail(ctx, r, &errs.ToolError{Tool: p.opts.DeployTool, Attempts: 1, Message: res.Error})
		}
		if data, ok := res.Data.(map[string]any); ok {
			if url, ok := data["url"].(string); ok {
				r.mu.Lock()
				r.project.DeployURL = url
				r.mu.Unlock()
			}
		}
	} else {
		dep, err := p.opts.Runtime.DeployLocal(ctx, id, dir, func(line string) {
			p.note(r, models.BuildDeploying, models.LogInfo, line)
		})
		if serr := p.checkpoint(ctx, r); serr != nil {
			return serr
		}
		if err != nil {
			return p.fail(ctx, r, err)
		}
		r.mu.Lock()
		r.project.LocalPort = dep.Port
		r.project.DeployURL = fmt.Sprintf("http://localhost:%d", dep.Port)
		r.mu.Unlock()
		log.Info("project served locally", "port", dep.Port, "pid", dep.PID, "source", dep.Source)
	}

	return p.transition(ctx, r, models.BuildComplete, "Build complete")
}

// Cancel stops project id. Any owned process is killed before Cancel
// returns. It reports false when the project is not running.
func (p *Pipeline) Cancel(ctx context.Context, id string) bool {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	if r.project.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	now := p.opts.Clock.Now()
	r.project.Status = models.BuildCancelled
	r.project.Error = errs.ErrCancelled.Error()
	r.project.UpdatedAt = now
	r.project.CompletedAt = &now
	r.project.Logs = append(r.project.Logs, models.BuildLogEntry{
		Timestamp: now, Phase: models.BuildCancelled, Level: models.LogWarn, Message: "Build cancelled by user",
	})
	p.persist(ctx, r.project)
	p.publish(r.project, models.PhaseCancelled, "Build cancelled by user", nil)
	stop := r.cancel
	r.mu.Unlock()

	if stop != nil {
		stop(errs.ErrCancelled)
	}
	if err := p.opts.Runtime.Terminate(id); err != nil {
		p.logger.Warn("failed to terminate process", "project_id", id, "error", err.Error())
	}
	p.opts.Metrics.BuildPhase(ctx, string(models.BuildCancelled))
	p.logger.Info("build cancelled", "project_id", id)
	return true
}

// transition moves r to status. Backward or repeated transitions are
// rejected, and nothing happens once the project is terminal.
func (p *Pipeline) transition(ctx context.Context, r *run, status models.BuildStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.project.Status
	if current.Terminal() {
		return errStopped
	}
	if r.entered && status.Rank() <= current.Rank() {
		return fmt.Errorf("invalid build transition %s -> %s", current, status)
	}
	r.entered = true

	now := p.opts.Clock.Now()
	r.project.Status = status
	r.project.UpdatedAt = now
	if status.Terminal() {
		r.project.CompletedAt = &now
	}
	r.project.Logs = append(r.project.Logs, models.BuildLogEntry{
		Timestamp: now, Phase: status, Level: models.LogInfo, Message: message,
	})
	p.persist(ctx, r.project)
	p.publish(r.project, string(status), message, models.Percent(phaseProgress[status]))
	p.opts.Metrics.BuildPhase(ctx, string(status))
	p.logger.Info("build phase", "project_id", r.project.ID, "phase", status)
	return nil
}

// fail marks r failed with cause unless it is already terminal.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.project.Status.Terminal() {
		return errStopped
	}

	now := p.opts.Clock.Now()
	phase := r.project.Status
	r.project.Status = models.BuildFailed
	r.project.Error = cause.Error()
	r.project.UpdatedAt = now
	r.project.CompletedAt = &now
	r.project.Logs = append(r.project.Logs, models.BuildLogEntry{
		Timestamp: now, Phase: phase, Level: models.LogError, Message: cause.Error(),
	})
	p.persist(ctx, r.project)
	p.publish(r.project, models.PhaseFailed, cause.Error(), nil)
	p.opts.Metrics.BuildPhase(context.WithoutCancel(ctx), string(models.BuildFailed))
	p.logger.Warn("build failed", "project_id", r.project.ID, "phase", phase, "error", cause.Error())
	return cause
}

// note appends a log entry and forwards it as a progress event.
func (p *Pipeline) note(r *run, phase models.BuildStatus, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.project.Status.Terminal() {
		return
	}
	r.project.Logs = append(r.project.Logs, models.BuildLogEntry{
		Timestamp: p.opts.Clock.Now(), Phase: phase, Level: level, Message: message,
	})
	p.publish(r.project, string(phase), message, nil)
}

// checkpoint runs after every external call. A project cancelled in the
// meantime stops here and the call's result is discarded; a context that
// ended for another reason fails the project.
func (p *Pipeline) checkpoint(ctx context.Context, r *run) error {
	r.mu.Lock()
	terminal := r.project.Status.Terminal()
	r.mu.Unlock()
	if terminal {
		return errStopped
	}
	if ctx.Err() != nil {
		return p.fail(ctx, r, context.Cause(ctx))
	}
	return nil
}

// persist stores a snapshot. Failures are logged; the live record stays
// authoritative.
func (p *Pipeline) persist(ctx context.Context, project *models.BuildProject) {
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.SaveProject(context.WithoutCancel(ctx), project.Clone()); err != nil {
		p.logger.Error("failed to persist project", "project_id", project.ID, "error", err.Error())
	}
}

func (p *Pipeline) publish(project *models.BuildProject, phase, message string, progress *int) {
	if p.opts.Events == nil {
		return
	}
	payload := map[string]any{"projectId": project.ID, "status": string(project.Status)}
	if project.LocalPort != 0 {
		payload["localPort"] = project.LocalPort
	}
	if project.DeployURL != "" {
		payload["deployUrl"] = project.DeployURL
	}
	if project.Error != "" {
		payload["error"] = project.Error
	}
	p.opts.Events.Publish(project.ID, models.ProgressEvent{
		Phase:     phase,
		Message:   message,
		Timestamp: p.opts.Clock.Now(),
		Progress:  progress,
		Payload:   payload,
	})
}
