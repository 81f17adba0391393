package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Example: `  fleetd validate -c /etc/vpsfleet/fleetd.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				var le *config.LoadError
				if errors.As(err, &le) {
					for _, ve := range le.Errors {
						fmt.Printf("✗ %s\n", ve.String())
					}
					return fmt.Errorf("%d configuration error(s)", len(le.Errors))
				}
				return err
			}

			bindings, err := cfg.Bindings()
			if err != nil {
				return err
			}

			fmt.Printf("✓ %s is valid\n", configPath)
			fmt.Printf("  node:      %d\n", cfg.NodeID)
			fmt.Printf("  threads:   %d\n", cfg.Threads)
			fmt.Printf("  handlers:  %d\n", len(bindings))
			fmt.Printf("  policies:  %d\n", len(cfg.Policies))
			return nil
		},
	}

	return cmd
}
