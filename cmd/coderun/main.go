package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/coderun/app"
	"github.com/isdmx/coderun/config"
)

// errFailed signals a failure that has already been reported to the user.
var errFailed = errors.New("failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "coderun",
		Short:         "Run programs in isolated containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.PathEnv), "Config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")

	root.AddCommand(
		newRunCmd(opts),
		newLanguagesCmd(opts),
		newSweepCmd(opts),
	)
	return root
}

// loadConfig reads the configuration selected by the global flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// stopTimeout bounds the release of resources held by the application graph.
const stopTimeout = 15 * time.Second

// populate builds and starts the application graph and fills targets from
// it. The returned stop function runs the shutdown hooks, closing engine
// clients; callers must invoke it once they are done.
func (o *rootOptions) populate(ctx context.Context, targets ...any) (func() error, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	fxApp := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		app.Module,
		fx.Populate(targets...),
	)
	if err := fxApp.Start(ctx); err != nil {
		return nil, err
	}

	return func() error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		return fxApp.Stop(stopCtx)
	}, nil
}
