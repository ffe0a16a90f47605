//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	containerWorkdir = "/workspace"
	containerTmpfs   = "/tmp:rw,nosuid,nodev,size=64m"
	// The workspace lives only inside the container, so nothing it creates is
	// left on the host under the container's uid.
	containerWorkspaceTmpfs = containerWorkdir + ":rw,nosuid,nodev,size=64m,mode=1777"
	containerPrefix         = "playground-"
	killTimeout             = 10 * time.Second
)

// stageScript writes stdin to the source file, then execs the interpreter
const stageScript = `set -e; cat > "$1"; shift; exec "$@"`

// Container engine exit codes that mean the engine, not the executed code, failed
const (
	engineExitError       = 125
	engineExitNotRunnable = 126
	engineExitNotFound    = 127
	engineExitKilled      = 137
)

// ContainerRunner implements Runner using a container engine CLI. Every execution
// gets a fresh container with no network, no capabilities, a read-only root
// filesystem and a private tmpfs workspace the source is streamed into. No host
// directory is mounted.
type ContainerRunner struct {
	logger    *zap.Logger
	engine    string
	user      string
	cmdRunner CommandRunner
}

// ContainerRunnerOption defines a functional option for ContainerRunner
type ContainerRunnerOption func(*ContainerRunner)

// WithContainerCommandRunner sets the CommandRunner used for engine housekeeping
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerUser sets the user executed code runs as inside the container
func WithContainerUser(user string) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.user = user
	}
}

// NewDockerRunner creates a ContainerRunner backed by docker
func NewDockerRunner(logger *zap.Logger, opts ...ContainerRunnerOption) *ContainerRunner {
	return newContainerRunner(logger, "docker", opts...)
}

func newContainerRunner(logger *zap.Logger, engine string, opts ...ContainerRunnerOption) *ContainerRunner {
	runner := &ContainerRunner{
		logger:    logger,
		engine:    engine,
		user:      "65534:65534",
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(runner)
	}

	return runner
}

// Engine returns the container engine binary name
func (c *ContainerRunner) Engine() string {
	return c.engine
}

// Run executes the workspace's source file inside a new container
func (c *ContainerRunner) Run(ctx context.Context, ws *Workspace, lang Language, limits Limits) (ExecutionResult, error) {
	if lang.Image == "" {
		return ExecutionResult{}, fmt.Errorf("language %s has no container image", lang.Name)
	}
	argv, err := lang.Argv(ws.FileName)
	if err != nil {
		return ExecutionResult{}, err
	}

	name := containerPrefix + ws.ID
	args := append([]string{c.engine}, c.runArgs(name, lang, limits)...)
	args = append(args, stageCommand(ws.FileName, argv)...)

	return supervise(ctx, process{
		args:   args,
		stdin:  bytes.NewReader(ws.Source()),
		limits: limits,
		kill: func(cmd *exec.Cmd) error {
			// Killing the CLI alone leaves the container running
			c.killContainer(name)
			return cmd.Process.Kill()
		},
		exited: func(res *ExecutionResult) error {
			return c.classifyEngineExit(res)
		},
	})
}

// stageCommand wraps argv so the container first writes its stdin to fileName.
// The executed code then sees an already exhausted stdin.
func stageCommand(fileName string, argv []string) []string {
	return append([]string{"sh", "-c", stageScript, "stage", fileName}, argv...)
}

// runArgs builds the engine arguments up to and including the image
func (c *ContainerRunner) runArgs(name string, lang Language, limits Limits) []string {
	network := "none"
	if limits.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		"run",
		"--rm", // Remove container after execution
		"--interactive",
		"--name", name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", containerTmpfs,
		"--user", c.user,
		"--tmpfs", containerWorkspaceTmpfs,
		"--workdir", containerWorkdir,
		"--ulimit", "core=0",
		"-e", "HOME=" + containerWorkdir,
		"-e", "TMPDIR=/tmp",
		"-e", "LANG=C.UTF-8",
	}

	if limits.MaxMemoryBytes > 0 {
		memory := fmt.Sprintf("%db", limits.MaxMemoryBytes)
		args = append(args, "--memory", memory, "--memory-swap", memory)
	}
	if limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", limits.MaxProcesses))
	}

	for _, kv := range lang.EnvList() {
		args = append(args, "-e", kv)
	}

	return append(args, lang.Image)
}

// classifyEngineExit separates engine failures from the executed code's own exit
func (c *ContainerRunner) classifyEngineExit(res *ExecutionResult) error {
	if res.Status != StatusNonZeroExit {
		return nil
	}
	switch res.ExitCode {
	case engineExitError, engineExitNotRunnable, engineExitNotFound:
		return fmt.Errorf("%s run failed with exit code %d: %s",
			c.engine, res.ExitCode, strings.TrimSpace(res.Stderr.String()))
	case engineExitKilled:
		// Nobody on our side killed it, so the engine did: memory or pids limit
		res.Status = StatusKilled
		res.KillReason = ReasonMemoryLimit
	}
	return nil
}

func (c *ContainerRunner) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.engine, "kill", name})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to kill container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err))
	}
}
