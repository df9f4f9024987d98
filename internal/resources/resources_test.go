package resources

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-orchestrator/backend/internal/errs"
)

func TestWorkspaces(t *testing.T) {
	ws := NewWorkspaces(t.TempDir())

	dir, err := ws.Create("proj-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644))

	require.NoError(t, ws.Remove("proj-1"))
	assert.NoDirExists(t, dir)

	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		_, err := ws.Create(bad)
		assert.ErrorIs(t, err, errs.ErrValidation, bad)
	}
}

func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestPortAllocatorSkipsBusyPorts(t *testing.T) {
	busy := listen(t)
	ports := NewPortAllocator(busy, 20)

	a, err := ports.Allocate("a")
	require.NoError(t, err)
	assert.Greater(t, a, busy)

	again, err := ports.Allocate("a")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := ports.Allocate("b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, b, busy)

	owner, ok := ports.Owner(a)
	require.True(t, ok)
	assert.Equal(t, "a", owner)

	ports.Release("a")
	_, ok = ports.Owner(a)
	assert.False(t, ok)
}

func TestPortAllocatorExhausted(t *testing.T) {
	busy := listen(t)
	ports := NewPortAllocator(busy, 1)

	_, err := ports.Allocate("a")
	assert.ErrorIs(t, err, errs.ErrResource)
}

func TestDetectRunCommand(t *testing.T) {
	static := []string{"serve", "-l", "{port}"}
	tests := []struct {
		name     string
		manifest string
		want     []string
		source   string
		install  bool
	}{
		{"no manifest", "", []string{"serve", "-l", "4100"}, RunSourceStatic, false},
		{"dev script", `{"scripts":{"dev":"vite","start":"node s.js"}}`, []string{"npm", "run", "dev"}, RunSourceDev, true},
		{"start script", `{"scripts":{"start":"node s.js"}}`, []string{"npm", "start"}, RunSourceStart, true},
		{"no scripts", `{"name":"x"}`, []string{"serve", "-l", "4100"}, RunSourceStatic, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.manifest != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(tt.manifest), 0o644))
			}
			run, err := DetectRunCommand(dir, 4100, static)
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Argv)
			assert.Equal(t, tt.source, run.Source)
			assert.Equal(t, tt.install, run.HasManifest)
		})
	}
}

func TestDetectRunCommandInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{"), 0o644))

	_, err := DetectRunCommand(dir, 4100, nil)
	assert.Error(t, err)
}

func TestSupervisorTerminate(t *testing.T) {
	sup := NewSupervisor(time.Second, nil)
	dir := t.TempDir()

	p, err := sup.Start(ProcessSpec{ID: "p1", Argv: []string{"sleep", "30"}, Dir: dir})
	require.NoError(t, err)
	assert.True(t, p.Running())
	assert.FileExists(t, filepath.Join(dir, LogFileName))

	got, ok := sup.Get("p1")
	require.True(t, ok)
	assert.Same(t, p, got)

	require.NoError(t, sup.Terminate("p1"))
	assert.False(t, p.Running())
	_, ok = sup.Get("p1")
	assert.False(t, ok)

	assert.NoError(t, sup.Terminate("p1"))
}

func TestSupervisorKillsAfterGrace(t *testing.T) {
	sup := NewSupervisor(200*time.Millisecond, nil)

	p, err := sup.Start(ProcessSpec{ID: "stubborn", Argv: []string{"sh", "-c", "trap '' TERM; sleep 30"}, Dir: t.TempDir()})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Terminate("stubborn"))
	assert.False(t, p.Running())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSupervisorTerminateAll(t *testing.T) {
	sup := NewSupervisor(time.Second, nil)
	var procs []*Process
	for _, id := range []string{"a", "b", "c"} {
		p, err := sup.Start(ProcessSpec{ID: id, Argv: []string{"sleep", "30"}, Dir: t.TempDir()})
		require.NoError(t, err)
		procs = append(procs, p)
	}

	require.NoError(t, sup.TerminateAll(context.Background()))
	for _, p := range procs {
		assert.False(t, p.Running())
	}
	assert.Empty(t, sup.List())
}

func TestManagerDeployLocal(t *testing.T) {
	base := listen(t)
	m := NewManager(Options{
		WorkspaceRoot:       t.TempDir(),
		BasePort:            base,
		PortAttempts:        20,
		InstallCommand:      []string{"sh", "-c", "echo installing; echo done"},
		StaticServerCommand: []string{"sleep", "30"},
		TerminateGrace:      time.Second,
	})

	dir, err := m.CreateWorkspace("proj")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"name":"proj"}`), 0o644))

	var installLog []string
	dep, err := m.DeployLocal(context.Background(), "proj", dir, func(line string) { installLog = append(installLog, line) })
	require.NoError(t, err)
	assert.Greater(t, dep.Port, base)
	assert.Equal(t, RunSourceStatic, dep.Source)
	assert.Equal(t, []string{"installing", "done"}, installLog)

	p, ok := m.Processes.Get("proj")
	require.True(t, ok)
	assert.True(t, p.Running())

	require.NoError(t, m.RemoveWorkspace("proj"))
	assert.False(t, p.Running())
	assert.NoDirExists(t, dir)
	_, held := m.Ports.Owner(dep.Port)
	assert.False(t, held)
}

func TestManagerDeployLocalInstallFailure(t *testing.T) {
	m := NewManager(Options{
		WorkspaceRoot:       t.TempDir(),
		BasePort:            listen(t),
		PortAttempts:        20,
		InstallCommand:      []string{"sh", "-c", "echo resolve failed >&2; exit 1"},
		StaticServerCommand: []string{"sleep", "30"},
	})
	dir, err := m.CreateWorkspace("proj")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{}`), 0o644))

	_, err = m.DeployLocal(context.Background(), "proj", dir, nil)

	require.ErrorIs(t, err, errs.ErrResource)
	assert.Contains(t, err.Error(), "resolve failed")
	_, running := m.Processes.Get("proj")
	assert.False(t, running)
	assert.DirExists(t, dir)
}
