//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealCommandRunner(t *testing.T) {
	runner := RealCommandRunner{}

	t.Run("Success", func(t *testing.T) {
		stdout, stderr, exitCode, err := runner.RunCommand(context.Background(), []string{"sh", "-c", "echo out; echo err >&2"})
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout)
		assert.Equal(t, "err\n", stderr)
		assert.Equal(t, 0, exitCode)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		_, _, exitCode, err := runner.RunCommand(context.Background(), []string{"sh", "-c", "exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, exitCode)
	})

	t.Run("OutputIsCapped", func(t *testing.T) {
		stdout, _, _, err := runner.RunCommand(context.Background(), []string{"sh", "-c", "yes | head -c 200000"})
		require.NoError(t, err)
		assert.Len(t, stdout, auxOutputLimit)
	})

	t.Run("MissingBinary", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), []string{"/nonexistent/binary"})
		require.Error(t, err)
	})

	t.Run("NoCommand", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), nil)
		require.Error(t, err)
	})
}

func TestRealFileSystem(t *testing.T) {
	fs := RealFileSystem{}
	dir := t.TempDir()

	t.Run("CreateFileIsExclusive", func(t *testing.T) {
		path := filepath.Join(dir, "main.py")
		require.NoError(t, fs.CreateFile(path, []byte("print(1)"), FilePermission))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "print(1)", string(data))

		err = fs.CreateFile(path, []byte("print(2)"), FilePermission)
		require.ErrorIs(t, err, os.ErrExist)
	})

	t.Run("RemoveAllRestoresPermissions", func(t *testing.T) {
		root := filepath.Join(dir, "locked")
		inner := filepath.Join(root, "inner")
		require.NoError(t, os.MkdirAll(inner, DirPermission))
		require.NoError(t, os.WriteFile(filepath.Join(inner, "f"), []byte("x"), FilePermission))
		require.NoError(t, os.Chmod(inner, 0o500))

		require.NoError(t, fs.RemoveAll(root))
		_, err := os.Stat(root)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestExecutionResultTruncated(t *testing.T) {
	assert.False(t, ExecutionResult{}.Truncated())
	assert.True(t, ExecutionResult{Stdout: Capture{Truncated: true}}.Truncated())
	assert.True(t, ExecutionResult{Stderr: Capture{Truncated: true}}.Truncated())
	assert.Equal(t, "abc", Capture{Data: []byte("abc")}.String())
}
