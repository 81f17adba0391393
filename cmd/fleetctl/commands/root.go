package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/config"
)

var (
	// Global flags
	socketPath string
	configPath string
	output     string
	timeout    time.Duration
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "vpsfleet operator tool",
		Long: `fleetctl controls node daemons over their remote control socket and
creates transaction chains in the fleet database.

Remote commands (status, kill, reload, stop, restart, update, refresh,
reinit, install) talk to the daemon socket. The vps and chain commands
work on the database named in the daemon configuration file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "text", "json", "yaml":
				return nil
			}
			return fmt.Errorf("unsupported output format %q", output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", config.DefaultSocket, "daemon control socket")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/vpsfleet/fleetd.yaml", "daemon config file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "remote command timeout")

	for _, cmd := range newRemoteCommands() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newVPSCommand())
	rootCmd.AddCommand(newChainCommand())

	return rootCmd
}
