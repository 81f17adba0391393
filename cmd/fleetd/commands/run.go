package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/daemon"
)

func newRunCommand(version string) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon",
		Long: `Run the daemon in the foreground until it is interrupted or asked to
exit over the remote control socket.

The process exits with 100 after stop, 150 after restart and 200 after
update so that a supervisor can act on it.`,
		Example: `  # Run with the default configuration
  fleetd run

  # Run without reloading on configuration changes
  fleetd run -c ./fleetd.yaml --no-watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Version == "dev" {
				cfg.Version = version
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := daemon.Options{Config: cfg, Store: store}
			if !noWatch {
				opts.ConfigPath = configPath
			}

			d, err := daemon.New(opts)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			log.Info().
				Int64("node", cfg.NodeID).
				Str("config", configPath).
				Msg("Starting daemon")

			code, err := d.Run(cmd.Context())
			exitCode = code
			return err
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch or reload the config file")

	return cmd
}
