package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ExecutionRequest is one submission of source code. It is not modified after creation.
type ExecutionRequest struct {
	ID          string
	Language    string
	SourceCode  string
	SubmittedAt time.Time
}

// Limits bounds a single execution. MaxMemoryBytes and MaxProcesses are best effort
// and zero disables them.
type Limits struct {
	WallClockTimeout time.Duration
	MaxOutputBytes   int64
	MaxMemoryBytes   int64
	MaxProcesses     int64
	NetworkEnabled   bool
}

// Status classifies how an execution ended
type Status string

// Execution statuses
const (
	StatusSuccess       Status = "success"
	StatusNonZeroExit   Status = "nonzero_exit"
	StatusTimedOut      Status = "timed_out"
	StatusKilled        Status = "killed"
	StatusInternalError Status = "internal_error"
)

// Kill reasons reported with StatusKilled
const (
	ReasonOutputLimit = "output limit exceeded"
	ReasonMemoryLimit = "memory limit exceeded"
	ReasonCancelled   = "execution cancelled"
	ReasonSignal      = "terminated by signal"
)

// Capture is one captured output stream, cut at the configured cap.
type Capture struct {
	Data      []byte
	Truncated bool
}

// String returns the captured bytes as text
func (c Capture) String() string {
	return string(c.Data)
}

// ExecutionResult is produced exactly once per request.
type ExecutionResult struct {
	RequestID  string
	Stdout     Capture
	Stderr     Capture
	Status     Status
	ExitCode   int
	KillReason string
	Duration   time.Duration

	// Cause holds the infrastructure error behind StatusInternalError. It never
	// leaves the process.
	Cause error
}

// Truncated reports whether either stream hit the output cap
func (r ExecutionResult) Truncated() bool {
	return r.Stdout.Truncated || r.Stderr.Truncated
}

// Errors returned before an execution is attempted
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrSourceTooLarge      = errors.New("source code exceeds size limit")
	ErrEmptySource         = errors.New("source code is empty")
)

// SandboxExecutor runs a request end to end: workspace, sandbox, teardown.
type SandboxExecutor interface {
	Validate(req ExecutionRequest) error
	Execute(ctx context.Context, req ExecutionRequest) ExecutionResult
}

// Runner executes a materialised workspace under limits. A returned error means
// the sandbox itself failed, never that the user's code did.
type Runner interface {
	Run(ctx context.Context, ws *Workspace, lang Language, limits Limits) (ExecutionResult, error)
}

// CommandRunner defines an interface for executing auxiliary system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	out := &cappedBuffer{limit: auxOutputLimit}
	errOut := &cappedBuffer{limit: auxOutputLimit}
	cmd.Stdout = out
	cmd.Stderr = errOut

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return out.String(), errOut.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Mkdir(path string, perm os.FileMode) error
	Chmod(path string, mode os.FileMode) error
	Lchown(path string, uid, gid int) error
	CreateFile(filename string, data []byte, perm os.FileMode) error
	ReadDir(dir string) ([]os.DirEntry, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) Mkdir(path string, perm os.FileMode) error {
	return os.Mkdir(path, perm)
}

func (RealFileSystem) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (RealFileSystem) Lchown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

// CreateFile writes data to a file that must not exist yet
func (RealFileSystem) CreateFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (RealFileSystem) ReadDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

// RemoveAll removes path, restoring owner permissions first if the executed code
// locked itself out of its own directories.
func (RealFileSystem) RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if d != nil && d.IsDir() {
			_ = os.Chmod(p, DirPermission)
		}
		return nil
	})
	return os.RemoveAll(path)
}

// File permission and size constants
const (
	DirPermission  = 0o700
	FilePermission = 0o600
	BytesPerKB     = 1024
	BytesPerMB     = 1024 * 1024

	auxOutputLimit = 64 * BytesPerKB
)
