package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"voice-orchestrator/backend/internal/params"
)

// WorkspaceParam names the parameter used as the working directory of a
// CommandTool.
const WorkspaceParam = "workspace"

// outputTail bounds the number of output lines kept in a CommandTool result.
const outputTail = 50

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// CommandTool runs a local program. Arguments may contain {name}
// placeholders that are replaced by the string form of the matching
// parameter; combined stdout and stderr is streamed line by line.
type CommandTool struct {
	name    string
	argv    []string
	timeout time.Duration
}

// NewCommandTool creates a CommandTool. timeout <= 0 means no limit beyond
// the caller's context.
func NewCommandTool(name string, argv []string, timeout time.Duration) *CommandTool {
	return &CommandTool{name: name, argv: argv, timeout: timeout}
}

// Name returns the tool name.
func (t *CommandTool) Name() string { return t.name }

// Invoke runs the command and discards progress output.
func (t *CommandTool) Invoke(ctx context.Context, p map[string]any) Result {
	return t.InvokeStream(ctx, p, nil)
}

// InvokeStream runs the command, passing each output line to onMessage.
func (t *CommandTool) InvokeStream(ctx context.Context, p map[string]any, onMessage MessageFunc) Result {
	if len(t.argv) == 0 {
		return Failed("tool %s has no command configured", t.name)
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	argv := make([]string, len(t.argv))
	for i, arg := range t.argv {
		argv[i] = expandPlaceholders(arg, p)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir, ok := p[WorkspaceParam].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		mu    sync.Mutex
		lines []string
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			lines = append(lines, line)
			if len(lines) > outputTail {
				lines = lines[len(lines)-outputTail:]
			}
			mu.Unlock()
			if onMessage != nil {
				onMessage(line)
			}
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Start()
	if err != nil {
		pw.Close()
		wg.Wait()
		return Failed("failed to start %s: %v", argv[0], err)
	}
	err = cmd.Wait()
	pw.Close()
	wg.Wait()

	output := strings.Join(lines, "\n")
	data := map[string]any{
		"output":   output,
		"exitCode": cmd.ProcessState.ExitCode(),
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Success: false, Data: data, Error: fmt.Sprintf("%s timed out after %s", t.name, t.timeout)}
		}
		msg := err.Error()
		if n := len(lines); n > 0 {
			msg = fmt.Sprintf("%s: %s", msg, lines[n-1])
		}
		return Result{Success: false, Data: data, Error: msg}
	}
	return Succeeded(data)
}

func expandPlaceholders(arg string, p map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := params.Lookup(p, key); ok {
			return params.Stringify(v)
		}
		return m
	})
}
