package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
)

// Stage names used for container names and metrics.
const (
	StageCompile = "compile"
	StageRun     = "run"
)

// Labels attached to every container started by coderun.
const (
	LabelManaged = "coderun.managed"
	LabelRun     = "coderun.run"
)

// WorkspaceMount is where the run's workspace is mounted inside the container.
const WorkspaceMount = "/workspace"

// ContainerRun describes a single compile or run step.
type ContainerRun struct {
	RunID   string
	Stage   string
	Profile language.Profile
	Dir     string // host workspace directory
	Args    []string
	Stdin   string // piped to the process when non-empty
	Timeout time.Duration
}

// ImagePreparer makes sure the image for a profile is available.
type ImagePreparer interface {
	EnsureImage(ctx context.Context, profile language.Profile) error
}

// ContainerRunner executes a step inside a sandbox bound to the workspace.
type ContainerRunner interface {
	Run(ctx context.Context, run ContainerRun) (command.Result, error)
}

// Backend is a complete sandbox implementation.
type Backend interface {
	ImagePreparer
	ContainerRunner
	Name() string
	Ping(ctx context.Context) error
}

// Limits are the resource bounds applied to every container.
type Limits struct {
	MemoryMB     int
	CPUs         float64
	PidsLimit    int
	BuildTimeout time.Duration
}

// BuildError is returned when an image build exits non-zero or times out.
type BuildError struct {
	Image    string
	Output   string
	ExitCode int
	TimedOut bool
}

func (e *BuildError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("building image %s: timed out", e.Image)
	}
	return fmt.Sprintf("building image %s: exit code %d", e.Image, e.ExitCode)
}

// ContainerName returns the name given to the container of one pipeline stage.
func ContainerName(runID, stage string) string {
	return "coderun-" + runID + "-" + stage
}
