//go:build unix

package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanRunner creates a ContainerRunner backed by podman. Runs work the same
// under rootless podman since no host directory is shared with the container.
func NewPodmanRunner(logger *zap.Logger, opts ...ContainerRunnerOption) *ContainerRunner {
	return newContainerRunner(logger, "podman", opts...)
}
