package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/command"
	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/pipeline"
	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

// Module provides the service components. It requires a *config.Config to
// be supplied.
var Module = fx.Module("coderun",
	fx.Provide(
		logger.NewFromConfig,
		NewRegistry,
		NewWorkspaces,
		NewCommandRunner,
		metrics.New,
		NewDaemon,
		NewBackend,
		NewPipeline,
		NewSweeper,
	),
)

// NewRegistry builds the language registry with configured overrides.
func NewRegistry(cfg *config.Config) (*language.Registry, error) {
	return language.NewRegistry(cfg.Sandbox.ImagesDir, cfg.LanguageOverrides())
}

// NewWorkspaces creates the workspace manager under sandbox.workspace_root.
func NewWorkspaces(cfg *config.Config, log *zap.Logger) (*workspace.Manager, error) {
	return workspace.NewManager(cfg.Sandbox.WorkspaceRoot, nil, log)
}

// NewCommandRunner creates the process executor shared by the backends.
func NewCommandRunner(cfg *config.Config, log *zap.Logger) command.Runner {
	return command.New(log, command.WithMaxOutputBytes(cfg.Sandbox.MaxOutputBytes))
}

// NewDaemon selects container engine access for the configured backend. The
// docker engine API is preferred; the docker CLI is used when no client can
// be created. The local backend has no engine and gets nil.
func NewDaemon(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, runner command.Runner) sandbox.Daemon {
	switch cfg.Sandbox.Backend {
	case sandbox.BackendDocker:
		api, err := sandbox.NewAPIDaemon()
		if err != nil {
			log.Warn("docker API unavailable, falling back to the docker CLI", zap.Error(err))
			return sandbox.NewCLIDaemon("docker", runner)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return api.Close()
			},
		})
		return api
	case sandbox.BackendPodman:
		return sandbox.NewCLIDaemon("podman", runner)
	default:
		return nil
	}
}

// NewBackend creates the sandbox backend and checks the engine on start.
func NewBackend(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	runner command.Runner,
	daemon sandbox.Daemon,
	m *metrics.Metrics,
) (sandbox.Backend, error) {
	backend, err := sandbox.New(log, sandbox.Options{
		Backend:            cfg.Sandbox.Backend,
		EnableLocalBackend: cfg.Sandbox.EnableLocalBackend,
		Limits: sandbox.Limits{
			MemoryMB:     cfg.Sandbox.MemoryMB,
			CPUs:         cfg.Sandbox.CPUs,
			PidsLimit:    cfg.Sandbox.PidsLimit,
			BuildTimeout: cfg.Sandbox.BuildTimeout,
		},
		Runner:  runner,
		Daemon:  daemon,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unreachable engine is reported, not fatal: /healthz tracks it.
			if err := backend.Ping(ctx); err != nil {
				log.Warn("container engine unreachable", zap.String("backend", backend.Name()), zap.Error(err))
			}
			return nil
		},
	})

	return backend, nil
}

// NewPipeline creates the execution pipeline.
func NewPipeline(
	cfg *config.Config,
	log *zap.Logger,
	registry *language.Registry,
	workspaces *workspace.Manager,
	backend sandbox.Backend,
	m *metrics.Metrics,
) *pipeline.Pipeline {
	return pipeline.New(log, PipelineConfig(cfg), registry, workspaces, backend, backend, m)
}

// PipelineConfig extracts the pipeline limits from cfg.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		CompileTimeout: cfg.Sandbox.CompileTimeout,
		MaxCodeBytes:   cfg.Sandbox.MaxCodeBytes,
		StdinMode:      cfg.Sandbox.StdinMode,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	}
}

// NewSweeper creates the orphan sweeper. It runs between application start
// and stop.
func NewSweeper(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	daemon sandbox.Daemon,
	workspaces *workspace.Manager,
	m *metrics.Metrics,
) *sandbox.Sweeper {
	s := sandbox.NewSweeper(log, daemon, workspaces, cfg.Sandbox.SweepInterval, cfg.SweepAge(), m)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
	return s
}
