//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// DefaultSearchPath is the PATH given to executed code
const DefaultSearchPath = "/usr/local/bin:/usr/bin:/bin"

// maxJailReport bounds what is read back from a failed jail setup
const maxJailReport = 4096

// LocalRunner implements Runner by running the interpreter as a child process of
// the server, with its own process group, a scrubbed environment and rlimits.
//
// With WithLocalJail every run is started through the jail init: its own mount,
// pid, ipc, uts and (unless networking is enabled) network namespace, a read-only
// view of the host apart from its workspace, and a uid:gid no other run holds.
// Without it the run executes as the server's own user, which only suits
// development and tests.
type LocalRunner struct {
	logger     *zap.Logger
	searchPath string
	ids        *IDPool
	cgroupRoot string
}

// LocalRunnerOption defines a functional option for LocalRunner
type LocalRunnerOption func(*LocalRunner)

// WithLocalJail confines every run and runs it as a pair drawn from ids. The
// server must be root and every binary running executions must call RunJailInit
// first thing in main.
func WithLocalJail(ids *IDPool) LocalRunnerOption {
	return func(l *LocalRunner) {
		l.ids = ids
	}
}

// WithLocalCgroupRoot enables per-run cgroup v2 limits under root, which must be a
// delegated cgroup the server can write to.
func WithLocalCgroupRoot(root string) LocalRunnerOption {
	return func(l *LocalRunner) {
		l.cgroupRoot = root
	}
}

// WithLocalSearchPath sets the PATH seen by executed code
func WithLocalSearchPath(path string) LocalRunnerOption {
	return func(l *LocalRunner) {
		if path != "" {
			l.searchPath = path
		}
	}
}

// NewLocalRunner creates a new LocalRunner
func NewLocalRunner(logger *zap.Logger, opts ...LocalRunnerOption) *LocalRunner {
	runner := &LocalRunner{
		logger:     logger,
		searchPath: DefaultSearchPath,
	}

	// Apply options
	for _, opt := range opts {
		opt(runner)
	}

	return runner
}

// Jailed reports whether runs are confined by the jail init
func (l *LocalRunner) Jailed() bool {
	return l.ids != nil
}

// Run executes the workspace's source file with the language interpreter
func (l *LocalRunner) Run(ctx context.Context, ws *Workspace, lang Language, limits Limits) (ExecutionResult, error) {
	argv, err := lang.Argv(ws.FileName)
	if err != nil {
		return ExecutionResult{}, err
	}

	iso := isolation{cgroupFD: -1}

	var cg *runCgroup
	if l.cgroupRoot != "" {
		cg, err = newRunCgroup(l.cgroupRoot, ws.ID, limits)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("failed to create cgroup: %w", err)
		}
		defer func() {
			if closeErr := cg.close(); closeErr != nil {
				l.logger.Error("failed to remove cgroup", zap.String("request_id", ws.ID), zap.Error(closeErr))
			}
		}()
		iso.cgroupFD = cg.fd
	}
	memoryBoundElsewhere := cg != nil || lang.UnboundedAddressSpace
	addressSpaceBound := limits.MaxMemoryBytes > 0 && !memoryBoundElsewhere
	rlimits := rlimitsFor(limits, memoryBoundElsewhere, l.Jailed())

	p := process{
		args:   argv,
		dir:    ws.Dir,
		env:    l.environment(ws, lang),
		limits: limits,
		prepare: func(cmd *exec.Cmd) error {
			iso.apply(cmd)
			return nil
		},
		started: func(proc *os.Process) error {
			return applyRlimits(proc.Pid, rlimits)
		},
		kill: func(cmd *exec.Cmd) error {
			var errs []error
			if cg != nil {
				errs = append(errs, cg.kill())
			}
			errs = append(errs, killProcessGroup(cmd.Process.Pid))
			return errors.Join(errs...)
		},
		exited: func(res *ExecutionResult) error {
			if res.Status == StatusTimedOut {
				return nil
			}
			if cg != nil && cg.oomKilled() {
				res.Status = StatusKilled
				res.KillReason = ReasonMemoryLimit
				return nil
			}
			// Under RLIMIT_AS allocations fail instead of the kernel killing
			// the run, and the interpreter exits with its own error
			if addressSpaceBound && res.Status == StatusNonZeroExit && lang.OutOfMemoryMarker != "" &&
				strings.Contains(res.Stderr.String(), lang.OutOfMemoryMarker) {
				res.Status = StatusKilled
				res.KillReason = ReasonMemoryLimit
			}
			return nil
		},
		reap: true,
	}

	if l.Jailed() {
		uid, gid, err := l.ids.Acquire()
		if err != nil {
			return ExecutionResult{}, err
		}
		defer l.ids.Release(uid)

		iso.isolateNetwork = !limits.NetworkEnabled
		cleanup, err := l.jail(&p, ws, iso, jailSpec{
			Dir:     ws.Dir,
			UID:     uid,
			GID:     gid,
			Rlimits: rlimits,
			Argv:    argv,
		})
		if err != nil {
			return ExecutionResult{}, err
		}
		defer cleanup()
	}

	return supervise(ctx, p)
}

// jail rewrites p to start through the jail init described by spec. Rlimits are
// then set by the init before exec rather than on the running child.
func (l *LocalRunner) jail(p *process, ws *Workspace, iso isolation, spec jailSpec) (func(), error) {
	if err := ws.Chown(spec.UID, spec.GID); err != nil {
		return nil, err
	}
	args, err := jailCommand(spec)
	if err != nil {
		return nil, err
	}
	report, reportW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create jail report pipe: %w", err)
	}

	iso.jail = true
	exited := p.exited
	p.args = args
	p.prepare = func(cmd *exec.Cmd) error {
		cmd.Args[0] = jailInitArg0
		cmd.ExtraFiles = []*os.File{reportW}
		iso.apply(cmd)
		return nil
	}
	p.started = func(*os.Process) error {
		// The child keeps its own copy until it execs
		return reportW.Close()
	}
	p.exited = func(res *ExecutionResult) error {
		msg, _ := io.ReadAll(io.LimitReader(report, maxJailReport))
		if len(msg) > 0 {
			return fmt.Errorf("failed to set up jail: %s", msg)
		}
		return exited(res)
	}

	return func() {
		_ = report.Close()
		_ = reportW.Close()
	}, nil
}

// environment builds the child's environment from scratch; nothing of the
// server's own environment is inherited.
func (l *LocalRunner) environment(ws *Workspace, lang Language) []string {
	env := []string{
		"PATH=" + l.searchPath,
		"HOME=" + ws.Dir,
		"TMPDIR=" + ws.Dir,
		"LANG=C.UTF-8",
	}
	return append(env, lang.EnvList()...)
}
