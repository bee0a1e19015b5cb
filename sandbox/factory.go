package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/metrics"
)

// Backend names accepted by New.
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// Options carries everything New needs to assemble a backend.
type Options struct {
	Backend            string
	EnableLocalBackend bool
	Limits             Limits
	Runner             command.Runner
	Daemon             Daemon // engine access; a CLI daemon is used when nil
	Metrics            *metrics.Metrics
}

// New creates the sandbox backend selected by opts.Backend.
func New(logger *zap.Logger, opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendDocker, BackendPodman:
		dockerOpts := []DockerBackendOption{WithMetrics(opts.Metrics)}
		if opts.Runner != nil {
			dockerOpts = append(dockerOpts, WithCommandRunner(opts.Runner))
		}
		if opts.Daemon != nil {
			dockerOpts = append(dockerOpts, WithDaemon(opts.Daemon))
		}
		if opts.Backend == BackendPodman {
			return NewPodmanBackend(logger, opts.Limits, dockerOpts...), nil
		}
		return NewDockerBackend(logger, opts.Limits, dockerOpts...), nil
	case BackendLocal:
		if !opts.EnableLocalBackend {
			return nil, fmt.Errorf("backend %q requires sandbox.enable_local_backend", BackendLocal)
		}
		var localOpts []LocalBackendOption
		if opts.Runner != nil {
			localOpts = append(localOpts, WithLocalCommandRunner(opts.Runner))
		}
		return NewLocalBackend(logger, localOpts...), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", opts.Backend)
	}
}
