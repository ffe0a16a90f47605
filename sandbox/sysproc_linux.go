//go:build linux

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolation holds the process attributes the local runner applies at spawn time
type isolation struct {
	jail           bool
	isolateNetwork bool
	cgroupFD       int
}

func (iso isolation) apply(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL, // the run dies with the server
	}

	if iso.jail {
		// The jail init becomes pid 1 of its own pid namespace. When it dies the
		// kernel kills every process left in the namespace, including ones that
		// left the process group with setsid.
		attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
		if iso.isolateNetwork {
			attr.Cloneflags |= syscall.CLONE_NEWNET
		}
	}

	if iso.cgroupFD >= 0 {
		attr.UseCgroupFD = true
		attr.CgroupFD = iso.cgroupFD
	}

	cmd.SysProcAttr = attr
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

// rlimit is one resource ceiling, applied as both soft and hard limit
type rlimit struct {
	Resource int    `json:"resource"`
	Value    uint64 `json:"value"`
}

// rlimitsFor lists the ceilings for one run. The address space limit is left
// out when a cgroup or the runtime itself bounds memory, and the process limit
// when the run shares its uid with other processes.
func rlimitsFor(limits Limits, memoryBoundElsewhere, ownUID bool) []rlimit {
	rl := []rlimit{{Resource: unix.RLIMIT_CORE, Value: 0}}
	if limits.MaxMemoryBytes > 0 && !memoryBoundElsewhere {
		rl = append(rl, rlimit{Resource: unix.RLIMIT_AS, Value: uint64(limits.MaxMemoryBytes)})
	}
	if limits.MaxProcesses > 0 && ownUID {
		// RLIMIT_NPROC counts every process of the uid
		rl = append(rl, rlimit{Resource: unix.RLIMIT_NPROC, Value: uint64(limits.MaxProcesses)})
	}
	if limits.WallClockTimeout > 0 {
		// CPU time can never legitimately exceed wall time, so this only
		// catches a watchdog that failed to fire.
		cpuSeconds := uint64(limits.WallClockTimeout.Seconds()) + 1
		rl = append(rl, rlimit{Resource: unix.RLIMIT_CPU, Value: cpuSeconds})
	}
	return rl
}

// applyRlimits sets the ceilings on a child that is already running. Jailed
// runs set them on themselves before exec instead.
func applyRlimits(pid int, rl []rlimit) error {
	for _, r := range rl {
		if err := unix.Prlimit(pid, r.Resource, &unix.Rlimit{Cur: r.Value, Max: r.Value}, nil); err != nil {
			return err
		}
	}
	return nil
}
