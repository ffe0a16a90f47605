//go:build unix && !linux

package sandbox

import "errors"

type jailSpec struct {
	Dir     string
	UID     int
	GID     int
	Rlimits []rlimit
	Argv    []string
}

// JailSupported reports whether local runs can be jailed on this host
func JailSupported() error {
	return errors.New("the local backend needs linux namespaces to confine executions")
}

// RunJailInit does nothing outside linux
func RunJailInit() {}

func jailCommand(jailSpec) ([]string, error) {
	return nil, JailSupported()
}

const jailInitArg0 = "playground-jail-init"
