//go:build windows

package resources

import (
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// Windows has no process groups to signal; both steps kill the child.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
