package app

import (
	"context"

	"github.com/spf13/cobra"

	"fleet-monitor/aggregator/internal/config"
)

func NewRootCommand(ctx context.Context) *cobra.Command {
	serve := newServeCommand(ctx)
	cmd := &cobra.Command{
		Use:          "aggregator",
		Short:        "Live fleet state aggregator",
		Long:         "Consumes asset location and diagnostic fault feeds, keeps the current state of every asset in memory and streams changes to subscribers.",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(serve)
	cmd.AddCommand(newAssetsCommand(ctx))
	return cmd
}
