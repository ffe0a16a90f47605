package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkspacesAcquire(t *testing.T) {
	logger := zaptest.NewLogger(t)
	root := filepath.Join(t.TempDir(), "runs")
	workspaces := NewWorkspaces(logger, root)

	t.Run("WritesSourcePrivately", func(t *testing.T) {
		ws, err := workspaces.Acquire("abc", "main.py", []byte("print(1)"))
		require.NoError(t, err)
		defer ws.Release()

		assert.Equal(t, filepath.Join(root, "run-abc"), ws.Dir)
		assert.Equal(t, filepath.Join(ws.Dir, "main.py"), ws.SourcePath)

		data, err := os.ReadFile(ws.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, "print(1)", string(data))

		info, err := os.Stat(ws.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(DirPermission), info.Mode().Perm())

		info, err = os.Stat(ws.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(FilePermission), info.Mode().Perm())
	})

	t.Run("DuplicateIDFails", func(t *testing.T) {
		ws, err := workspaces.Acquire("dup", "main.py", []byte("1"))
		require.NoError(t, err)
		defer ws.Release()

		_, err = workspaces.Acquire("dup", "main.py", []byte("2"))
		require.Error(t, err)

		// The first owner's file is untouched
		data, err := os.ReadFile(ws.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, "1", string(data))
	})

	t.Run("RejectsBadNames", func(t *testing.T) {
		tests := []struct {
			name     string
			id       string
			fileName string
		}{
			{"EmptyID", "", "main.py"},
			{"TraversalID", "../x", "main.py"},
			{"SlashInID", "a/b", "main.py"},
			{"EmptyFile", "ok", ""},
			{"TraversalFile", "ok", "../main.py"},
			{"NestedFile", "ok", "a/main.py"},
			{"HiddenFile", "ok", ".bashrc"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := workspaces.Acquire(tt.id, tt.fileName, []byte("x"))
				require.Error(t, err)
			})
		}
		_, err := os.Stat(filepath.Join(root, "run-ok"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ReleaseRemovesEverything", func(t *testing.T) {
		ws, err := workspaces.Acquire("rel", "main.py", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(ws.Dir, "a", "b"), DirPermission))
		require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "a", "b", "out.txt"), []byte("x"), FilePermission))

		require.NoError(t, ws.Release())
		require.NoError(t, ws.Release())
		_, err = os.Stat(ws.Dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ConcurrentWorkspacesAreDistinct", func(t *testing.T) {
		var wg sync.WaitGroup
		dirs := make([]string, 8)
		for i := range dirs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ws, err := workspaces.Acquire("conc-"+string(rune('a'+i)), "main.py", []byte{byte('0' + i)})
				if !assert.NoError(t, err) {
					return
				}
				dirs[i] = ws.Dir
				data, err := os.ReadFile(ws.SourcePath)
				assert.NoError(t, err)
				assert.Equal(t, []byte{byte('0' + i)}, data)
				assert.NoError(t, ws.Release())
			}()
		}
		wg.Wait()

		seen := map[string]bool{}
		for _, dir := range dirs {
			assert.False(t, seen[dir], dir)
			seen[dir] = true
		}
	})
}

func TestWorkspaceChown(t *testing.T) {
	fs := &MockFileSystem{}
	workspaces := NewWorkspaces(zaptest.NewLogger(t), "/srv/runs", WithWorkspaceFileSystem(fs))

	ws, err := workspaces.Acquire("owned", "main.py", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), ws.Source())

	require.NoError(t, ws.Chown(20001, 20001))
	assert.Equal(t, []string{"/srv/runs/run-owned/main.py", "/srv/runs/run-owned"}, fs.chowned)

	fs.chownErr = errors.New("operation not permitted")
	require.Error(t, ws.Chown(20002, 20002))
}

func TestWorkspacesSweep(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("MissingRoot", func(t *testing.T) {
		workspaces := NewWorkspaces(logger, filepath.Join(t.TempDir(), "missing"))
		removed, err := workspaces.Sweep()
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("RemovesOnlyStaleRuns", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "run-old1", "nested"), DirPermission))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "run-old2"), DirPermission))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "keep"), DirPermission))
		require.NoError(t, os.WriteFile(filepath.Join(root, "run-file"), []byte("x"), FilePermission))

		workspaces := NewWorkspaces(logger, root)
		removed, err := workspaces.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		var names []string
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		assert.ElementsMatch(t, []string{"keep", "run-file"}, names)
	})
}

func TestNewWorkspacesDefaultRoot(t *testing.T) {
	workspaces := NewWorkspaces(zaptest.NewLogger(t), "")
	assert.Equal(t, filepath.Join(os.TempDir(), "playground-runs"), workspaces.Root())
}
