package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/metrics"
)

// reapTimeout bounds the force removal of an abandoned container.
const reapTimeout = 30 * time.Second

// DockerBackend runs steps in containers through the docker CLI. The same
// implementation drives podman, whose CLI accepts the same flags.
type DockerBackend struct {
	logger  *zap.Logger
	binary  string
	limits  Limits
	runner  command.Runner
	daemon  Daemon
	metrics *metrics.Metrics

	builds singleflight.Group
}

// DockerBackendOption defines a functional option for DockerBackend
type DockerBackendOption func(*DockerBackend)

// WithCommandRunner sets the command.Runner used for build and run invocations
func WithCommandRunner(runner command.Runner) DockerBackendOption {
	return func(d *DockerBackend) {
		d.runner = runner
	}
}

// WithDaemon sets the Daemon used to ping the engine and reap containers
func WithDaemon(daemon Daemon) DockerBackendOption {
	return func(d *DockerBackend) {
		d.daemon = daemon
	}
}

// WithMetrics records image builds on m
func WithMetrics(m *metrics.Metrics) DockerBackendOption {
	return func(d *DockerBackend) {
		d.metrics = m
	}
}

// WithBinary sets the engine CLI binary
func WithBinary(binary string) DockerBackendOption {
	return func(d *DockerBackend) {
		d.binary = binary
	}
}

// NewDockerBackend creates a DockerBackend. Without options it shells out to
// the docker binary on PATH for everything, including container removal.
func NewDockerBackend(logger *zap.Logger, limits Limits, opts ...DockerBackendOption) *DockerBackend {
	d := &DockerBackend{
		logger: logger,
		binary: "docker",
		limits: limits,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.runner == nil {
		d.runner = command.New(logger)
	}
	if d.daemon == nil {
		d.daemon = NewCLIDaemon(d.binary, d.runner)
	}
	d.logger = d.logger.Named(d.binary)

	return d
}

// Name returns the engine binary name.
func (d *DockerBackend) Name() string {
	return d.binary
}

// Ping checks that the engine is reachable.
func (d *DockerBackend) Ping(ctx context.Context) error {
	return d.daemon.Ping(ctx)
}

// EnsureImage builds the profile's image from its build context. Concurrent
// calls for the same image share one build. A caller whose ctx is cancelled
// stops waiting, but the shared build carries on under the build timeout.
func (d *DockerBackend) EnsureImage(ctx context.Context, profile language.Profile) error {
	ch := d.builds.DoChan(profile.Image, func() (any, error) {
		return nil, d.build(context.WithoutCancel(ctx), profile)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DockerBackend) build(ctx context.Context, profile language.Profile) error {
	args := []string{d.binary, "build", "-q", "-t", profile.Image, profile.BuildContext}

	d.logger.Debug("building image",
		zap.String("image", profile.Image),
		zap.String("context", profile.BuildContext))

	res, err := d.runner.Run(ctx, command.Command{Args: args}, d.limits.BuildTimeout)
	if err == nil && (res.TimedOut || res.ExitCode != 0) {
		err = &BuildError{
			Image:    profile.Image,
			Output:   res.Output,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
		}
	} else if err != nil {
		err = fmt.Errorf("failed to build image %s: %w", profile.Image, err)
	}

	if d.metrics != nil {
		d.metrics.RecordImageBuild(profile.ID, err)
	}

	if err != nil {
		d.logger.Error("image build failed",
			zap.String("image", profile.Image),
			zap.String("output", res.Output),
			zap.Error(err))
		return err
	}

	d.logger.Debug("image ready", zap.String("image", profile.Image), zap.Duration("duration", res.Duration))
	return nil
}

// Run executes the step in a fresh container. If the step times out or ctx
// is cancelled, the container is force-removed before Run returns.
func (d *DockerBackend) Run(ctx context.Context, run ContainerRun) (command.Result, error) {
	name := ContainerName(run.RunID, run.Stage)

	res, err := d.runner.Run(ctx, command.Command{
		Args:  d.runArgs(name, run),
		Stdin: run.Stdin,
	}, run.Timeout)

	if res.TimedOut || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.reap(name)
	}

	if err != nil {
		return res, fmt.Errorf("failed to run container %s: %w", name, err)
	}

	return res, nil
}

func (d *DockerBackend) runArgs(name string, run ContainerRun) []string {
	args := []string{
		d.binary, "run",
		"--rm",
		"--name", name,
		"--label", LabelManaged + "=true",
		"--label", LabelRun + "=" + run.RunID,
		"-v", run.Dir + ":" + WorkspaceMount,
		"-w", WorkspaceMount,
	}

	if d.limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", d.limits.MemoryMB))
	}
	if d.limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(d.limits.CPUs, 'f', -1, 64))
	}
	if d.limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(d.limits.PidsLimit))
	}
	if run.Stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, run.Profile.Image)
	return append(args, run.Args...)
}

// reap force-removes an abandoned container. Killing the CLI client does not
// stop the container itself.
func (d *DockerBackend) reap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	if err := d.daemon.ForceRemove(ctx, name); err != nil {
		d.logger.Warn("failed to remove abandoned container", zap.String("container", name), zap.Error(err))
		return
	}
	d.logger.Debug("removed abandoned container", zap.String("container", name))
}
