//go:build linux

package sandbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// jailInitArg0 marks a re-executed server binary as a jail init
	jailInitArg0 = "playground-jail-init"
	// jailErrorFD is where the init reports a setup failure. It is close-on-exec,
	// so a successful exec leaves the parent reading nothing.
	jailErrorFD = 3
	// jailInitFailed is the init's exit code when setup fails
	jailInitFailed = 125

	jailExecutable = "/proc/self/exe"
	jailHostname   = "playground"
)

// jailSpec is everything the init needs to confine one run
type jailSpec struct {
	Dir     string   `json:"dir"`
	UID     int      `json:"uid"`
	GID     int      `json:"gid"`
	Rlimits []rlimit `json:"rlimits"`
	Argv    []string `json:"argv"`
}

// JailSupported reports whether local runs can be jailed on this host
func JailSupported() error {
	if os.Geteuid() != 0 {
		return errors.New("the local backend must run as root to confine executions")
	}
	return nil
}

// RunJailInit takes over the process when it was started as a jail init and
// does not return in that case. Any binary that runs local executions must call
// it before doing anything else.
func RunJailInit() {
	if len(os.Args) != 2 || os.Args[0] != jailInitArg0 {
		return
	}
	runtime.LockOSThread()
	syscall.CloseOnExec(jailErrorFD)

	err := enterJail(os.Args[1])
	report := os.NewFile(jailErrorFD, "jail-errors")
	fmt.Fprintf(report, "%v", err)
	os.Exit(jailInitFailed)
}

// enterJail confines the current process and execs the interpreter. It only
// returns on failure.
func enterJail(encoded string) error {
	var spec jailSpec
	if err := json.Unmarshal([]byte(encoded), &spec); err != nil {
		return fmt.Errorf("decode jail spec: %w", err)
	}
	if len(spec.Argv) == 0 || !filepath.IsAbs(spec.Dir) {
		return errors.New("jail spec needs a command and an absolute directory")
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	if err := unix.Mount(spec.Dir, spec.Dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind workspace: %w", err)
	}
	if err := readOnlyExcept(spec.Dir); err != nil {
		return err
	}
	// A fresh procfs only shows the run's own pid namespace
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	// The old working directory still refers to the read-only view
	if err := unix.Chdir(spec.Dir); err != nil {
		return fmt.Errorf("enter workspace: %w", err)
	}
	if err := unix.Sethostname([]byte(jailHostname)); err != nil {
		return fmt.Errorf("set hostname: %w", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	// The syscall package variants change the ids of every thread
	if err := syscall.Setgroups([]int{}); err != nil {
		return fmt.Errorf("drop groups: %w", err)
	}
	if err := syscall.Setresgid(spec.GID, spec.GID, spec.GID); err != nil {
		return fmt.Errorf("set gid: %w", err)
	}
	if err := syscall.Setresuid(spec.UID, spec.UID, spec.UID); err != nil {
		return fmt.Errorf("set uid: %w", err)
	}
	// Changing credentials clears the parent death signal
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("set parent death signal: %w", err)
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return err
	}
	env := os.Environ()

	// Last, since the address space ceiling may be below what this process
	// already has mapped
	for _, r := range spec.Rlimits {
		if err := unix.Setrlimit(r.Resource, &unix.Rlimit{Cur: r.Value, Max: r.Value}); err != nil {
			return fmt.Errorf("set rlimit %d: %w", r.Resource, err)
		}
	}
	return unix.Exec(path, spec.Argv, env)
}

// readOnlyExcept remounts every mount read-only apart from the one at keep.
// Per-mount flags such as nosuid are carried over.
func readOnlyExcept(keep string) error {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return fmt.Errorf("read mounts: %w", err)
	}
	defer f.Close()

	points, err := parseMountPoints(f)
	if err != nil {
		return err
	}
	for _, point := range points {
		if point == keep {
			continue
		}
		if err := remountReadOnly(point); err != nil {
			return err
		}
	}
	return nil
}

func remountReadOnly(point string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(point, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) {
			// Shadowed by a later mount, or a FUSE mount root cannot enter
			return nil
		}
		return fmt.Errorf("stat mount %s: %w", point, err)
	}

	flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
	for _, f := range []struct{ st, ms uintptr }{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	} {
		if uintptr(st.Flags)&f.st != 0 {
			flags |= f.ms
		}
	}

	if err := unix.Mount("", point, "", flags, ""); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("remount %s read-only: %w", point, err)
	}
	return nil
}

// parseMountPoints returns the mount point column of a mountinfo file in order
func parseMountPoints(r io.Reader) ([]string, error) {
	var points []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		points = append(points, unescapeMountPath(fields[4]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}
	return points, nil
}

// unescapeMountPath decodes the \ooo octal escapes the kernel uses for space,
// tab, newline and backslash in mountinfo paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// jailCommand returns the argv that re-executes the server binary as a jail init
func jailCommand(spec jailSpec) ([]string, error) {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode jail spec: %w", err)
	}
	return []string{jailExecutable, string(encoded)}, nil
}
