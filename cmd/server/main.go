package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/app"
	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/httpserver"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/mcpserver"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/pipeline"
	"github.com/isdmx/coderun/sandbox"
)

var version = "dev"

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	fxApp := fx.New(
		fx.Supply(cfg),
		app.Module,

		fx.Provide(
			newHTTPServer,
			newMCPServer,
		),

		fx.Invoke(
			logConfig,
			// The sweeper and both transports run for the life of the app.
			func(*sandbox.Sweeper, *httpserver.Server, *mcpserver.MCPServer) {},
		),

		// Allow in-flight executions to finish on shutdown.
		fx.StopTimeout(cfg.Server.ShutdownTimeout+5*time.Second),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	fxApp.Run()
}

func newHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	p *pipeline.Pipeline,
	backend sandbox.Backend,
	m *metrics.Metrics,
) *httpserver.Server {
	s := httpserver.New(log, httpserver.Config{
		Port:         cfg.Server.HTTPPort,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Development:  cfg.IsDevelopment(),
		WriteTimeout: cfg.SweepAge(),
	}, p, backend, m.Handler())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return s.Shutdown(ctx)
		},
	})
	return s
}

func newMCPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	p *pipeline.Pipeline,
	registry *language.Registry,
) *mcpserver.MCPServer {
	s := mcpserver.New(log, mcpserver.Config{
		Transport:   cfg.Server.MCPTransport,
		Port:        cfg.Server.MCPPort,
		Development: cfg.IsDevelopment(),
		Version:     version,
	}, p, registry.IDs())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
	return s
}

// logConfig logs the effective configuration on startup.
func logConfig(cfg *config.Config, log *zap.Logger) {
	log.Info("configuration loaded",
		zap.String("version", version),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("server.environment", cfg.Server.Environment),
		zap.String("server.mcp_transport", cfg.Server.MCPTransport),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.workspace_root", cfg.Sandbox.WorkspaceRoot),
		zap.Duration("sandbox.default_timeout", cfg.Sandbox.DefaultTimeout),
		zap.Duration("sandbox.max_timeout", cfg.Sandbox.MaxTimeout),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.String("sandbox.stdin_mode", cfg.Sandbox.StdinMode),
	)
}
