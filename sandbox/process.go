//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps draining pipes after the process is
// killed, in case a descendant escaped the process group with the pipe open.
const waitDelay = 2 * time.Second

var (
	errTimedOut    = errors.New("execution timed out")
	errOutputLimit = errors.New(ReasonOutputLimit)
)

// process describes one supervised child. Hooks are optional.
type process struct {
	args    []string
	dir     string
	env     []string
	stdin   io.Reader // nil reads from the null device
	limits  Limits
	prepare func(cmd *exec.Cmd) error    // before Start
	started func(proc *os.Process) error // right after Start
	kill    func(cmd *exec.Cmd) error    // forced termination of everything the run spawned
	exited  func(res *ExecutionResult) error
	// reap runs kill once more after Wait, for runs whose descendants can
	// outlive the direct child
	reap bool
}

// supervise starts the process and owns its termination. A watchdog kills it at
// the wall clock timeout regardless of ctx, an overflowing stream kills it at the
// output cap, and cancelling ctx kills it the same way a timeout does.
func supervise(ctx context.Context, p process) (ExecutionResult, error) {
	if len(p.args) == 0 {
		return ExecutionResult{}, fmt.Errorf("no command provided")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stdout := &cappedBuffer{limit: p.limits.MaxOutputBytes, onOverflow: func() { cancel(errOutputLimit) }}
	stderr := &cappedBuffer{limit: p.limits.MaxOutputBytes, onOverflow: func() { cancel(errOutputLimit) }}

	cmd := exec.CommandContext(runCtx, p.args[0], p.args[1:]...) //nolint:gosec // Running user code is intended functionality
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdin = p.stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	cmd.Cancel = func() error {
		if p.kill != nil {
			return p.kill(cmd)
		}
		return cmd.Process.Kill()
	}

	if p.prepare != nil {
		if err := p.prepare(cmd); err != nil {
			return ExecutionResult{}, fmt.Errorf("failed to prepare %s: %w", p.args[0], err)
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to start %s: %w", p.args[0], err)
	}

	if p.started != nil {
		if err := p.started(cmd.Process); err != nil {
			_ = cmd.Cancel()
			_ = cmd.Wait()
			return ExecutionResult{}, fmt.Errorf("failed to apply limits: %w", err)
		}
	}

	var watchdog *time.Timer
	if p.limits.WallClockTimeout > 0 {
		watchdog = time.AfterFunc(p.limits.WallClockTimeout, func() { cancel(errTimedOut) })
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	duration := time.Since(start)
	cause := context.Cause(runCtx)

	if p.reap && p.kill != nil {
		_ = p.kill(cmd)
	}

	if cmd.ProcessState == nil {
		return ExecutionResult{}, fmt.Errorf("failed to wait for %s: %w", p.args[0], waitErr)
	}

	res := ExecutionResult{
		Stdout:   stdout.capture(),
		Stderr:   stderr.capture(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: duration,
	}
	classify(&res, cmd.ProcessState, cause)
	if p.exited != nil {
		if err := p.exited(&res); err != nil {
			return ExecutionResult{}, err
		}
	}
	return res, nil
}

// classify turns the exit state and the termination cause into a Status
func classify(res *ExecutionResult, state *os.ProcessState, cause error) {
	switch {
	case errors.Is(cause, errTimedOut):
		res.Status = StatusTimedOut
	case errors.Is(cause, errOutputLimit):
		res.Status = StatusKilled
		res.KillReason = ReasonOutputLimit
	case cause != nil:
		res.Status = StatusKilled
		res.KillReason = ReasonCancelled
	default:
		classifyExit(res, state)
	}
}

func classifyExit(res *ExecutionResult, state *os.ProcessState) {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		res.ExitCode = 128 + int(sig)
		switch sig {
		case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ:
			res.Status = StatusKilled
			res.KillReason = fmt.Sprintf("%s: %s", ReasonSignal, sig)
		default:
			res.Status = StatusNonZeroExit
		}
		return
	}

	if res.ExitCode == 0 {
		res.Status = StatusSuccess
		return
	}
	res.Status = StatusNonZeroExit
}
