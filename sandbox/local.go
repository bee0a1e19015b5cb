package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/language"
)

// LocalBackend runs steps directly on the host inside the workspace
// directory. It provides no isolation and is meant for development only; the
// toolchains named by the language profiles must be installed locally.
type LocalBackend struct {
	logger *zap.Logger
	runner command.Runner
}

// LocalBackendOption defines a functional option for LocalBackend
type LocalBackendOption func(*LocalBackend)

// WithLocalCommandRunner sets the command.Runner for LocalBackend
func WithLocalCommandRunner(runner command.Runner) LocalBackendOption {
	return func(l *LocalBackend) {
		l.runner = runner
	}
}

// NewLocalBackend creates a LocalBackend.
func NewLocalBackend(logger *zap.Logger, opts ...LocalBackendOption) *LocalBackend {
	l := &LocalBackend{logger: logger.Named("local")}
	for _, opt := range opts {
		opt(l)
	}
	if l.runner == nil {
		l.runner = command.New(logger)
	}
	return l
}

func (*LocalBackend) Name() string {
	return "local"
}

func (*LocalBackend) Ping(context.Context) error {
	return nil
}

// EnsureImage is a no-op: steps use the host toolchain.
func (*LocalBackend) EnsureImage(context.Context, language.Profile) error {
	return nil
}

func (l *LocalBackend) Run(ctx context.Context, run ContainerRun) (command.Result, error) {
	l.logger.Debug("running step on host",
		zap.String("run_id", run.RunID),
		zap.String("stage", run.Stage),
		zap.Strings("args", run.Args))

	res, err := l.runner.Run(ctx, command.Command{
		Args:  run.Args,
		Dir:   run.Dir,
		Stdin: run.Stdin,
	}, run.Timeout)
	if err != nil {
		return res, fmt.Errorf("failed to run %s step: %w", run.Stage, err)
	}
	return res, nil
}
