package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const workspacePrefix = "run-"

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Workspace is a private directory owned by exactly one in-flight execution.
type Workspace struct {
	ID         string
	Dir        string
	FileName   string
	SourcePath string

	source  []byte
	owner   *Workspaces
	once    sync.Once
	release error
}

// Source returns the source code the workspace was created with
func (ws *Workspace) Source() []byte {
	return ws.source
}

// Chown hands the workspace and its source file to uid:gid, so that only a run
// with that identity can enter it.
func (ws *Workspace) Chown(uid, gid int) error {
	fs := ws.owner.fs
	if err := fs.Lchown(ws.SourcePath, uid, gid); err != nil {
		return fmt.Errorf("failed to chown source file: %w", err)
	}
	if err := fs.Lchown(ws.Dir, uid, gid); err != nil {
		return fmt.Errorf("failed to chown workspace: %w", err)
	}
	return nil
}

// Release removes the workspace and everything the execution left in it. Only the
// first call does any work; later calls return the first call's result.
func (ws *Workspace) Release() error {
	ws.once.Do(func() {
		ws.release = ws.owner.remove(ws.Dir)
	})
	return ws.release
}

// Workspaces hands out and reclaims per-execution directories under one root
type Workspaces struct {
	logger *zap.Logger
	fs     FileSystem
	root   string
}

// WorkspacesOption defines a functional option for Workspaces
type WorkspacesOption func(*Workspaces)

// WithWorkspaceFileSystem sets the FileSystem for Workspaces
func WithWorkspaceFileSystem(fs FileSystem) WorkspacesOption {
	return func(w *Workspaces) {
		w.fs = fs
	}
}

// NewWorkspaces creates a workspace manager rooted at root. An empty root selects
// a directory under the system temp dir.
func NewWorkspaces(logger *zap.Logger, root string, opts ...WorkspacesOption) *Workspaces {
	if root == "" {
		root = filepath.Join(os.TempDir(), "playground-runs")
	}
	w := &Workspaces{
		logger: logger,
		fs:     &RealFileSystem{},
		root:   root,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the directory all workspaces are created in
func (w *Workspaces) Root() string {
	return w.root
}

// Acquire creates the workspace for request id and writes source into fileName.
// It fails if a workspace for id already exists. On error nothing is left behind.
func (w *Workspaces) Acquire(id, fileName string, source []byte) (*Workspace, error) {
	if !workspaceIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid workspace id %q", id)
	}
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return nil, fmt.Errorf("invalid source file name %q", fileName)
	}

	if err := w.fs.MkdirAll(w.root, 0o711); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	dir := filepath.Join(w.root, workspacePrefix+id)
	if err := w.fs.Mkdir(dir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{
		ID:         id,
		Dir:        dir,
		FileName:   fileName,
		SourcePath: filepath.Join(dir, fileName),
		source:     source,
		owner:      w,
	}

	if err := w.populate(ws, source); err != nil {
		if rmErr := ws.Release(); rmErr != nil {
			w.logger.Error("failed to remove workspace after setup error",
				zap.String("workspace_id", id), zap.Error(rmErr))
		}
		return nil, err
	}

	return ws, nil
}

func (w *Workspaces) populate(ws *Workspace, source []byte) error {
	if err := w.fs.CreateFile(ws.SourcePath, source, FilePermission); err != nil {
		return fmt.Errorf("failed to write source file: %w", err)
	}
	// Mkdir and CreateFile modes are subject to the umask
	if err := w.fs.Chmod(ws.SourcePath, FilePermission); err != nil {
		return fmt.Errorf("failed to set source file mode: %w", err)
	}
	if err := w.fs.Chmod(ws.Dir, DirPermission); err != nil {
		return fmt.Errorf("failed to set workspace mode: %w", err)
	}
	return nil
}

func (w *Workspaces) remove(dir string) error {
	if err := w.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Sweep removes workspaces left behind by a previous process that died before
// releasing them. It must run before any execution is admitted.
func (w *Workspaces) Sweep() (int, error) {
	entries, err := w.fs.ReadDir(w.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		if err := w.remove(filepath.Join(w.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Warn("removed stale workspaces", zap.Int("count", removed), zap.String("root", w.root))
	}
	return removed, errors.Join(errs...)
}
