//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

// Windows has no graceful signal for console-less children.
func terminate(p *os.Process) error {
	return kill(p)
}

func kill(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

// Children are not grouped on Windows; only the server itself is tracked.
func killGroup(pgid int) error {
	return nil
}
