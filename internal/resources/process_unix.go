//go:build !windows

package resources

import (
	"os"
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func killProcess(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
