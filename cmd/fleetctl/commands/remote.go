package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/daemon"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/remote"
)

// call runs one remote command and decodes its response into out.
func call(ctx context.Context, command string, params, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := remote.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call(ctx, command, params, out)
}

func newRemoteCommands() []*cobra.Command {
	return []*cobra.Command{
		newStatusCommand(),
		newKillCommand(),
		simpleCommand("reload", "Reload the daemon configuration", nil),
		exitCommand("stop", "Stop the daemon"),
		exitCommand("restart", "Restart the daemon"),
		simpleCommand("update", "Stop the daemon for an update", nil),
		simpleCommand("refresh", "Reload configuration and regenerate config files", &map[string]int{}),
		simpleCommand("reinit", "Rebuild the firewall accounting chain", &daemon.ReinitResult{}),
		newInstallCommand(),
	}
}

func simpleCommand(name, short string, out interface{}) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), name, nil, out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func exitCommand(name, short string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Long: short + `.

Without --force the daemon stops claiming transactions and exits once the
running ones are finished. With --force running transactions are killed
without their fallbacks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), name, daemon.ExitParams{Force: force}, nil); err != nil {
				return err
			}
			return printResult(nil)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill running transactions")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker table of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st engine.DispatcherStatus
			if err := call(cmd.Context(), "status", nil, &st); err != nil {
				return err
			}
			if done, err := printStructured(os.Stdout, &st); done {
				return err
			}
			printStatus(&st)
			return nil
		},
	}
}

func printStatus(st *engine.DispatcherStatus) {
	uptime := time.Since(time.Unix(st.StartTime, 0)).Truncate(time.Second)
	fmt.Printf("Uptime:  %s\n", uptime)
	fmt.Printf("Workers: %d/%d\n", len(st.Workers), st.Threads)
	fmt.Printf("Queue:   %d\n\n", st.QueueSize)

	if len(st.Workers) == 0 {
		fmt.Println(dimStyle.Render("No running transactions"))
		return
	}

	workers := make([]engine.WorkerInfo, 0, len(st.Workers))
	for _, w := range st.Workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tHANDLER\tSTEP\tRUNNING\tSTATUS")
	for _, w := range workers {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			w.ID, w.Type, w.Handler, w.Step,
			time.Since(time.Unix(w.Start, 0)).Truncate(time.Second), w.Status)
	}
	tw.Flush()
}

func newKillCommand() *cobra.Command {
	var (
		all   bool
		types []int
	)

	cmd := &cobra.Command{
		Use:   "kill [transaction id...]",
		Short: "Kill running transactions",
		Long: `Kill running transactions by id, by type or all of them.

Killed transactions fail with the Killed error and their fallbacks are
enqueued.`,
		Example: `  # Kill two transactions
  fleetctl kill 1201 1202

  # Kill every running migration transfer
  fleetctl kill --type 5205

  # Kill everything
  fleetctl kill --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			switch {
			case all:
				params["transactions"] = "all"
			case len(args) > 0:
				ids := make([]int64, len(args))
				for i, a := range args {
					id, err := strconv.ParseInt(a, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid transaction id %q", a)
					}
					ids[i] = id
				}
				params["transactions"] = ids
			}
			if len(types) > 0 {
				params["types"] = types
			}
			if len(params) == 0 {
				return fmt.Errorf("nothing to kill, pass ids, --type or --all")
			}

			var report engine.KillReport
			if err := call(cmd.Context(), "kill", params, &report); err != nil {
				return err
			}
			if done, err := printStructured(os.Stdout, &report); done {
				return err
			}

			fmt.Printf("Killed %d transaction(s)\n", report.Killed)
			keys := make([]string, 0, len(report.Msgs))
			for k := range report.Msgs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, warnStyle.Render(report.Msgs[k]))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "kill all running transactions")
	cmd.Flags().IntSliceVarP(&types, "type", "t", nil, "kill transactions of this type")
	return cmd
}

func newInstallCommand() *cobra.Command {
	var (
		p        daemon.InstallParams
		location string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register the node and publish its host keys",
		Long: `Register the node in the fleet database and publish its SSH host keys.

With --create the node row is created or updated from the flags. The
name defaults to the output of hostname. --propagate asks every node to
regenerate its known_hosts file; --gen-configs writes the stored config
files to the generated directory.`,
		Example: `  fleetctl install --create --role node --location prg \
    --addr 192.0.2.5 --maxvps 30 --ve-private /vz/private/%{veid} --fstype zfs \
    --propagate --gen-configs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"create":      p.Create,
				"propagate":   p.Propagate,
				"gen_configs": p.GenConfigs,
			}
			if p.Create {
				if location == "" {
					return fmt.Errorf("--location is required with --create")
				}
				params["role"] = p.Role
				params["location"] = location
				params["addr"] = p.Addr
				params["maxvps"] = p.MaxVPS
				params["ve_private"] = p.VEPrivate
				params["fstype"] = p.FSType
				if p.ID > 0 {
					params["id"] = p.ID
				}
				if p.Name != "" {
					params["name"] = p.Name
				}
			}

			var res daemon.InstallResult
			if err := call(cmd.Context(), "install", params, &res); err != nil {
				return err
			}
			if done, err := printStructured(os.Stdout, &res); done {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("✓ Node %d installed", res.NodeID)))
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&p.Create, "create", false, "create or update the node row")
	f.Int64Var(&p.ID, "id", 0, "node id")
	f.StringVar(&p.Name, "name", "", "node name")
	f.StringVar(&p.Role, "role", "node", "node role")
	f.StringVar(&location, "location", "", "location id or label")
	f.StringVar(&p.Addr, "addr", "", "node address")
	f.IntVar(&p.MaxVPS, "maxvps", 0, "maximum number of VPSes")
	f.StringVar(&p.VEPrivate, "ve-private", "", "VE private area path")
	f.StringVar(&p.FSType, "fstype", "", "filesystem type")
	f.BoolVar(&p.Propagate, "propagate", false, "regenerate known_hosts on every node")
	f.BoolVar(&p.GenConfigs, "gen-configs", false, "write stored config files")
	return cmd
}
