package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/isdmx/coderun/command"
)

const daemonCommandTimeout = 30 * time.Second

// Daemon gives out-of-band access to the container engine, independent of
// the CLI process running a step.
type Daemon interface {
	Ping(ctx context.Context) error
	// ForceRemove kills and removes the named container. A container that
	// does not exist is not an error.
	ForceRemove(ctx context.Context, name string) error
	// RemoveStale removes managed containers created more than olderThan ago.
	RemoveStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// DockerAPI is the subset of the docker SDK client used by APIDaemon.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// APIDaemon implements Daemon against the docker engine API.
type APIDaemon struct {
	cli DockerAPI
}

// NewAPIDaemon connects to the docker engine configured by the environment
// (DOCKER_HOST and friends).
func NewAPIDaemon() (*APIDaemon, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &APIDaemon{cli: cli}, nil
}

// NewAPIDaemonWithClient wraps an existing client.
func NewAPIDaemonWithClient(cli DockerAPI) *APIDaemon {
	return &APIDaemon{cli: cli}
}

func (a *APIDaemon) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (a *APIDaemon) ForceRemove(ctx context.Context, name string) error {
	err := a.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (a *APIDaemon) RemoveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, c := range containers {
		if time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		if err := a.ForceRemove(ctx, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close releases the underlying client.
func (a *APIDaemon) Close() error {
	return a.cli.Close()
}

// CLIDaemon implements Daemon by invoking the engine CLI. It is used for
// podman, and for docker when the API socket is not reachable directly.
type CLIDaemon struct {
	binary string
	runner command.Runner
}

// NewCLIDaemon creates a CLIDaemon for the given engine binary.
func NewCLIDaemon(binary string, runner command.Runner) *CLIDaemon {
	return &CLIDaemon{binary: binary, runner: runner}
}

func (c *CLIDaemon) run(ctx context.Context, args ...string) (command.Result, error) {
	res, err := c.runner.Run(ctx, command.Command{Args: append([]string{c.binary}, args...)}, daemonCommandTimeout)
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, fmt.Errorf("%s %s: timed out", c.binary, args[0])
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s %s: exit code %d: %s", c.binary, args[0], res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res, nil
}

func (c *CLIDaemon) Ping(ctx context.Context) error {
	if _, err := c.run(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%s daemon unreachable: %w", c.binary, err)
	}
	return nil
}

func (c *CLIDaemon) ForceRemove(ctx context.Context, name string) error {
	res, err := c.run(ctx, "rm", "-f", "-v", name)
	if err != nil {
		if isNoSuchContainer(res.Output) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (c *CLIDaemon) RemoveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := c.run(ctx, "ps", "-a",
		"--filter", "label="+LabelManaged+"=true",
		"--format", "{{.ID}}\t{{.CreatedAt}}")
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		id, created, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		t, ok := parseCreatedAt(created)
		if !ok || t.After(cutoff) {
			continue
		}
		if err := c.ForceRemove(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// parseCreatedAt understands the CreatedAt column of docker and podman ps,
// e.g. "2024-05-01 10:00:00 +0000 UTC".
func parseCreatedAt(s string) (time.Time, bool) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return time.Time{}, false
	}
	// podman prints fractional seconds, docker does not.
	t, err := time.Parse("2006-01-02 15:04:05.999999999 -0700", strings.Join(fields[:3], " "))
	return t, err == nil
}

func isNoSuchContainer(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "no such container") || strings.Contains(out, "no container with name")
}
