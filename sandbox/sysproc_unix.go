//go:build unix && !linux

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolation holds the process attributes the local runner applies at spawn time.
// Outside linux only the process group is available.
type isolation struct {
	jail           bool
	isolateNetwork bool
	cgroupFD       int
}

func (iso isolation) apply(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to every process in the group led by pid
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

type rlimit struct {
	Resource int    `json:"resource"`
	Value    uint64 `json:"value"`
}

func rlimitsFor(Limits, bool, bool) []rlimit {
	return nil
}

func applyRlimits(int, []rlimit) error {
	return nil
}
