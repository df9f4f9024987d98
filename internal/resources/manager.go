package resources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/logging"
)

// Options configures a Manager.
type Options struct {
	WorkspaceRoot       string
	BasePort            int
	PortAttempts        int
	InstallCommand      []string
	StaticServerCommand []string
	TerminateGrace      time.Duration
	Logger              *logging.Logger
}

// Manager combines workspaces, ports and processes behind the operations
// the build pipeline needs.
type Manager struct {
	Workspaces *Workspaces
	Ports      *PortAllocator
	Processes  *Supervisor

	installCommand []string
	staticServer   []string
	logger         *logging.Logger
}

// Deployment describes a locally served workspace.
type Deployment struct {
	Port    int
	PID     int
	Command []string
	Source  string
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Manager{
		Workspaces:     NewWorkspaces(opts.WorkspaceRoot),
		Ports:          NewPortAllocator(opts.BasePort, opts.PortAttempts),
		Processes:      NewSupervisor(opts.TerminateGrace, opts.Logger),
		installCommand: opts.InstallCommand,
		staticServer:   opts.StaticServerCommand,
		logger:         opts.Logger.With("component", "resources"),
	}
}

// CreateWorkspace creates the workspace of project id.
func (m *Manager) CreateWorkspace(id string) (string, error) {
	return m.Workspaces.Create(id)
}

// RemoveWorkspace terminates anything project id owns and deletes its
// workspace.
func (m *Manager) RemoveWorkspace(id string) error {
	if err := m.Terminate(id); err != nil {
		return err
	}
	return m.Workspaces.Remove(id)
}

// DeployLocal serves dir on a newly allocated port. Dependencies are
// installed synchronously, then the run command is started as a
// supervised process registered under id. onLog receives install output.
func (m *Manager) DeployLocal(ctx context.Context, id, dir string, onLog func(string)) (Deployment, error) {
	port, err := m.Ports.Allocate(id)
	if err != nil {
		return Deployment{}, err
	}
	release := true
	defer func() {
		if release {
			m.Ports.Release(id)
		}
	}()

	run, err := DetectRunCommand(dir, port, m.staticServer)
	if err != nil {
		return Deployment{}, errs.Resource("detect run command: %v", err)
	}
	if len(run.Argv) == 0 {
		return Deployment{}, errs.Resource("no run command for workspace %s", id)
	}

	if run.HasManifest && len(m.installCommand) > 0 {
		if err := m.install(ctx, dir, onLog); err != nil {
			return Deployment{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}

	proc, err := m.Processes.Start(ProcessSpec{
		ID:   id,
		Argv: run.Argv,
		Dir:  dir,
		Env:  []string{"PORT=" + strconv.Itoa(port)},
		Port: port,
	})
	if err != nil {
		return Deployment{}, err
	}
	release = false
	return Deployment{Port: port, PID: proc.PID(), Command: run.Argv, Source: run.Source}, nil
}

// Terminate kills the process owned by id and frees its port.
func (m *Manager) Terminate(id string) error {
	defer m.Ports.Release(id)
	return m.Processes.Terminate(id)
}

// Shutdown terminates every supervised process.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.Processes.TerminateAll(ctx)
}

func (m *Manager) install(ctx context.Context, dir string, onLog func(string)) error {
	m.logger.Info("installing dependencies", "dir", dir, "command", m.installCommand)

	cmd := exec.CommandContext(ctx, m.installCommand[0], m.installCommand[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var last string
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			last = scanner.Text()
			if onLog != nil {
				onLog(last)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	<-scanned
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		msg := err.Error()
		if last != "" {
			msg = fmt.Sprintf("%s: %s", msg, last)
		}
		return errs.Resource("install dependencies: %s", msg)
	}
	return nil
}
