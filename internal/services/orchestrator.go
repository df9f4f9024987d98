// Package services owns the shared state of the orchestrator: the event
// bus, the concurrency guard, the skill engine, the build pipeline and the
// record caches in front of the store. Everything is created by New and
// released by Shutdown.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"voice-orchestrator/backend/internal/build"
	"voice-orchestrator/backend/internal/config"
	"voice-orchestrator/backend/internal/events"
	"voice-orchestrator/backend/internal/guard"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/metrics"
	"voice-orchestrator/backend/internal/repository"
	"voice-orchestrator/backend/internal/resources"
	"voice-orchestrator/backend/internal/skills"
	"voice-orchestrator/backend/internal/tools"
	"voice-orchestrator/backend/pkg/models"
)

// DefaultEvictionGrace is how long finished records stay cached.
const DefaultEvictionGrace = 5 * time.Minute

// ErrShuttingDown is the cancellation cause of runs interrupted by Shutdown.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Options configures an Orchestrator.
type Options struct {
	Store     repository.Store
	Tools     *tools.Registry
	Resources *resources.Manager
	Logger    *logging.Logger
	Metrics   *metrics.Instruments
	Clock     clock.WithDelayedExecution

	Build         config.BuildConfig
	Skills        config.SkillsConfig
	EventBuffer   int
	EvictionGrace time.Duration
}

// Orchestrator is the application context.
type Orchestrator struct {
	store     repository.Store
	tools     *tools.Registry
	resources *resources.Manager
	bus       *events.Bus
	guard     *guard.Guard
	engine    *skills.Engine
	pipeline  *build.Pipeline
	logger    *logging.Logger
	metrics   *metrics.Instruments
	clock     clock.WithDelayedExecution

	defaultTarget models.DeployTarget
	executions    *recordCache[models.WorkflowExecution]
	projects      *recordCache[models.BuildProject]

	baseCtx  context.Context
	stop     context.CancelCauseFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	cancels  map[string]context.CancelCauseFunc
	builds   map[string]chan struct{}
	shutdown sync.Once
}

// New wires an Orchestrator. The run_workflow tool is registered on the
// tool registry so workflows can call each other.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry(opts.Logger, opts.Metrics)
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}
	if opts.Resources == nil {
		opts.Resources = resources.NewManager(resources.Options{
			WorkspaceRoot:       opts.Build.WorkspaceRoot,
			BasePort:            opts.Build.BasePort,
			PortAttempts:        opts.Build.PortAttempts,
			InstallCommand:      opts.Build.InstallCommand,
			StaticServerCommand: opts.Build.StaticServerCommand,
			TerminateGrace:      opts.Build.TerminateGrace,
			Logger:              opts.Logger,
		})
	}

	o := &Orchestrator{
		store:         opts.Store,
		tools:         opts.Tools,
		resources:     opts.Resources,
		guard:         guard.New(opts.Metrics),
		logger:        opts.Logger.With("component", "services"),
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		defaultTarget: models.DeployTarget(opts.Build.DefaultDeployTarget),
		executions:    newRecordCache(opts.Clock, opts.EvictionGrace, (*models.WorkflowExecution).Clone),
		projects:      newRecordCache(opts.Clock, opts.EvictionGrace, (*models.BuildProject).Clone),
		cancels:       make(map[string]context.CancelCauseFunc),
		builds:        make(map[string]chan struct{}),
	}
	o.baseCtx, o.stop = context.WithCancelCause(context.Background())

	o.bus = events.NewBus(events.Options{
		BufferSize: opts.EventBuffer,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Clock:      opts.Clock,
	})
	o.engine = skills.NewEngine(skills.Options{
		Tools:        opts.Tools,
		Recorder:     executionRecorder{o},
		Events:       o.bus,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		Clock:        opts.Clock,
		MaxDepth:     opts.Skills.MaxDepth,
		RetryBackoff: opts.Skills.RetryBackoff,
	})
	o.pipeline = build.NewPipeline(build.Options{
		Tools:       opts.Tools,
		Runtime:     opts.Resources,
		Recorder:    projectRecorder{o},
		Events:      o.bus,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Clock:       opts.Clock,
		CodegenTool: opts.Build.CodegenTool,
		VerifyTool:  opts.Build.VerifyTool,
		DeployTool:  opts.Build.DeployTool,
	})

	if !opts.Tools.Has(skills.WorkflowToolName) {
		if err := opts.Tools.Register(skills.NewWorkflowTool(o.engine, opts.Store)); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Bus returns the progress event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Tools returns the tool registry.
func (o *Orchestrator) Tools() *tools.Registry { return o.tools }

// Guard returns the concurrency guard.
func (o *Orchestrator) Guard() *guard.Guard { return o.guard }

// Resources returns the resource manager.
func (o *Orchestrator) Resources() *resources.Manager { return o.resources }

// Ping checks the store.
func (o *Orchestrator) Ping(ctx context.Context) error { return o.store.Ping(ctx) }

// Shutdown cancels every background run, waits for them until ctx ends,
// kills supervised processes and closes the bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdown.Do(func() {
		o.stop(ErrShuttingDown)

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("background runs still active at shutdown")
		}

		err = o.resources.Shutdown(ctx)
		o.executions.stop()
		o.projects.stop()
		o.bus.Close()
	})
	return err
}

// track registers the cancel function of a running execution.
func (o *Orchestrator) track(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// executionRecorder writes executions through the cache to the store.
type executionRecorder struct{ o *Orchestrator }

func (r executionRecorder) SaveExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	r.o.executions.put(exec.ID, exec, exec.Status.Terminal())
	return r.o.store.SaveExecution(ctx, exec)
}

// projectRecorder writes projects through the cache to the store.
type projectRecorder struct{ o *Orchestrator }

func (r projectRecorder) SaveProject(ctx context.Context, p *models.BuildProject) error {
	r.o.projects.put(p.ID, p, p.Status.Terminal())
	return r.o.store.SaveProject(ctx, p)
}
