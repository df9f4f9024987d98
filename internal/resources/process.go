package resources

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/logging"
)

// LogFileName is the file inside the working directory that receives the
// output of a supervised process.
const LogFileName = ".devserver.log"

// ProcessSpec describes a process to supervise.
type ProcessSpec struct {
	ID   string
	Argv []string
	Dir  string
	Env  []string
	Port int
}

// Process is a supervised child process. It runs in its own process group
// so that the whole tree can be signalled, and it outlives the call that
// started it until Terminate is called.
type Process struct {
	ID        string
	Argv      []string
	Dir       string
	Port      int
	LogPath   string
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.err
}

// Terminate asks the process group to stop and kills it if it is still
// alive after grace. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	if err := interruptProcess(p.cmd.Process); err != nil && p.Running() {
		if kerr := killProcess(p.cmd.Process); kerr != nil && p.Running() {
			return fmt.Errorf("kill process %d: %w", p.PID(), kerr)
		}
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := killProcess(p.cmd.Process); err != nil && p.Running() {
		return fmt.Errorf("kill process %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

// Supervisor tracks the background processes owned by projects.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*Process
	grace  time.Duration
	logger *logging.Logger
}

// NewSupervisor creates a Supervisor. grace bounds how long a process may
// take to exit after the termination signal.
func NewSupervisor(grace time.Duration, logger *logging.Logger) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		procs:  make(map[string]*Process),
		grace:  grace,
		logger: logger.With("component", "supervisor"),
	}
}

// Start launches spec detached from the caller. A process already
// registered under spec.ID is terminated first.
func (s *Supervisor) Start(spec ProcessSpec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.Validation("process %s has no command", spec.ID)
	}
	if err := s.Terminate(spec.ID); err != nil {
		return nil, err
	}

	logPath := filepath.Join(spec.Dir, LogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Resource("open process log: %v", err)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errs.Resource("start %s: %v", spec.Argv[0], err)
	}

	p := &Process{
		ID:        spec.ID,
		Argv:      spec.Argv,
		Dir:       spec.Dir,
		Port:      spec.Port,
		LogPath:   logPath,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		logFile.Close()
		close(p.done)
		s.logger.Info("process exited", "id", p.ID, "pid", cmd.Process.Pid, "error", errString(p.err))
	}()

	s.mu.Lock()
	s.procs[spec.ID] = p
	s.mu.Unlock()

	s.logger.Info("process started", "id", spec.ID, "pid", cmd.Process.Pid, "port", spec.Port, "command", spec.Argv)
	return p, nil
}

// Get returns the process registered under id.
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok
}

// List returns every registered process.
func (s *Supervisor) List() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

// Terminate stops and forgets the process registered under id. Unknown ids
// are ignored.
func (s *Supervisor) Terminate(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.logger.Info("terminating process", "id", id, "pid", p.PID())
	return p.Terminate(s.grace)
}

// TerminateAll stops every process concurrently.
func (s *Supervisor) TerminateAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return s.Terminate(id)
		})
	}
	return g.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
