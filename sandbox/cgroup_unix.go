//go:build unix && !linux

package sandbox

import "errors"

type runCgroup struct {
	fd int
}

func newRunCgroup(string, string, Limits) (*runCgroup, error) {
	return nil, errors.New("cgroup limits require linux")
}

func (*runCgroup) kill() error { return nil }
func (*runCgroup) oomKilled() bool { return false }
func (*runCgroup) close() error { return nil }
