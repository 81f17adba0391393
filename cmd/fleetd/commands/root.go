package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/vpsfleet/fleetd.yaml"

var (
	configPath string

	// exitCode is set by the run command from the daemon result.
	exitCode int
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1, err
	}
	return exitCode, nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetd",
		Short: "vpsfleet node daemon",
		Long: `fleetd executes the queued transactions of one hypervisor node.

It claims transactions addressed to the node, runs their handlers,
rolls back failed chains and serves a remote control socket for
status, kill, reload and lifecycle commands.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newDBCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
