package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove containers and workspaces left behind by crashed runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg        *config.Config
				log        *zap.Logger
				daemon     sandbox.Daemon
				workspaces *workspace.Manager
				m          *metrics.Metrics
			)
			stop, err := root.populate(cmd.Context(), &cfg, &log, &daemon, &workspaces, &m)
			if err != nil {
				return err
			}
			defer stop() //nolint:errcheck

			age := olderThan
			if age <= 0 {
				age = cfg.SweepAge()
			}

			s := sandbox.NewSweeper(log, daemon, workspaces, 0, age, m)
			containers, dirs, err := s.SweepOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d containers and %d workspaces older than %s\n", containers, dirs, age)
			return err
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of removed resources (default: longest possible execution)")
	return cmd
}
