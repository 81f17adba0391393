package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/chains"
)

func newVPSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vps",
		Short: "Create VPS transaction chains",
		Long: `Create transaction chains that operate on a VPS.

Chains are checked against the handler table and the admission policies
of the configuration file, then queued in the fleet database. The node
daemons execute them.`,
	}

	cmd.AddCommand(newVPSMigrateCommand())
	cmd.AddCommand(newVPSHostnameCommand())
	cmd.AddCommand(newVPSReinstallCommand())

	return cmd
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func printChain(res *chains.Result) error {
	if done, err := printStructured(os.Stdout, res); done {
		return err
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("✓ Chain %s queued", res.ChainID)))
	fmt.Printf("  steps: %d\n", res.Steps)
	fmt.Printf("  last:  %d\n", res.LastID)
	return nil
}

func newVPSMigrateCommand() *cobra.Command {
	var opts chains.MigrateOptions

	cmd := &cobra.Command{
		Use:   "migrate <vps> <node>",
		Short: "Migrate a VPS with its datasets to another node",
		Example: `  # Move VPS 101 to node 7, replacing addresses across locations
  fleetctl vps migrate 101 7 --replace-ips --handle-ips`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.VPS, err = parseID(args[0], "vps"); err != nil {
				return err
			}
			if opts.DstNode, err = parseID(args[1], "node"); err != nil {
				return err
			}

			f, err := openFleet(cmd.Context())
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := f.chains.Migrate(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printChain(res)
		},
	}

	cmd.Flags().BoolVar(&opts.ReplaceIPs, "replace-ips", false, "attach addresses of the destination location")
	cmd.Flags().BoolVar(&opts.HandleIPs, "handle-ips", true, "move addresses and accounting rules")
	return cmd
}

func newVPSHostnameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hostname <vps> <hostname>",
		Short: "Change the hostname of a VPS",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "vps")
			if err != nil {
				return err
			}

			f, err := openFleet(cmd.Context())
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := f.chains.Hostname(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return printChain(res)
		},
	}
}

func newVPSReinstallCommand() *cobra.Command {
	var opts chains.ReinstallOptions

	cmd := &cobra.Command{
		Use:   "reinstall <vps>",
		Short: "Reinstall a VPS from a template",
		Example: `  fleetctl vps reinstall 101 --template debian-12-x86_64 --nameserver 192.0.2.53`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.VPS, err = parseID(args[0], "vps"); err != nil {
				return err
			}
			if opts.Template == "" {
				return fmt.Errorf("--template is required")
			}

			f, err := openFleet(cmd.Context())
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := f.chains.Reinstall(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printChain(res)
		},
	}

	cmd.Flags().StringVar(&opts.Template, "template", "", "OS template")
	cmd.Flags().BoolVar(&opts.Onboot, "onboot", true, "start the VPS on node boot")
	cmd.Flags().StringSliceVar(&opts.Nameservers, "nameserver", nil, "nameserver address")
	return cmd
}
