//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// runCgroup is a cgroup v2 leaf created for a single execution
type runCgroup struct {
	path string
	fd   int
}

func newRunCgroup(root, id string, limits Limits) (*runCgroup, error) {
	if root == "" {
		return nil, errors.New("cgroup root is required")
	}
	path := filepath.Join(root, workspacePrefix+id)
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &runCgroup{path: path, fd: -1}

	if err := cg.applyLimits(limits); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.fd = fd
	return cg, nil
}

func (c *runCgroup) applyLimits(limits Limits) error {
	pids := "max"
	if limits.MaxProcesses > 0 {
		pids = strconv.FormatInt(limits.MaxProcesses, 10)
	}
	if err := c.write("pids.max", pids); err != nil {
		return err
	}
	if limits.MaxMemoryBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return err
		}
		// swap would let the run exceed memory.max silently; not every host has it
		if err := c.write("memory.swap.max", "0"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// kill terminates every process in the cgroup, including ones that left the
// process group
func (c *runCgroup) kill() error {
	err := c.write("cgroup.kill", "1")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// oomKilled reports whether the kernel OOM killer fired inside the cgroup
func (c *runCgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// close releases the directory fd and removes the cgroup. Removal only succeeds
// once every member has exited, so it retries briefly after a kill.
func (c *runCgroup) close() error {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		_ = c.kill()
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup: %w", err)
}

func (c *runCgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
