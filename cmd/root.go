package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd(wireApp()).Execute()
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portlink",
		Short:         "Session and messaging layer between endpoints",
		Long:          "portlink opens sessions between endpoints over pluggable transports, correlates requests with replies, keeps shared state in sync and carries its own state across restarts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newPingCmd(a),
		newSnapshotCmd(a),
	)

	return rootCmd
}
