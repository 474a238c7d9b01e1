package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Execute builds and runs the brainsd root command.
func Execute() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "brainsd",
		Short:         "Durable brain workflow runtime: HTTP server, event-log migration, schedule inspection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateLogCmd())
	root.AddCommand(newScheduleCmd())

	return root
}
