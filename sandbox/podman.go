package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanBackend creates a backend driving the podman CLI. Podman accepts
// the same build and run flags as docker; container removal and sweeping go
// through the podman CLI as well.
func NewPodmanBackend(logger *zap.Logger, limits Limits, opts ...DockerBackendOption) *DockerBackend {
	return NewDockerBackend(logger, limits, append([]DockerBackendOption{WithBinary("podman")}, opts...)...)
}
