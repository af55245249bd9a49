//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// The server runs in its own process group so shutdown signals also reach
// the workers and the transcoders they spawn.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	err := unix.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader itself.
		return p.Signal(sig)
	}
	return err
}

// killGroup removes whatever is left of the server's process group. The group
// id stays valid after the leader is reaped for as long as members remain.
func killGroup(pgid int) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
