package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

func newChainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect transaction chains",
	}

	cmd.AddCommand(newChainShowCommand())
	cmd.AddCommand(newChainListCommand())

	return cmd
}

// chainView is the structured output of chain show.
type chainView struct {
	Chain        *engine.ChainRecord   `json:"chain"`
	Transactions []*engine.Transaction `json:"transactions"`
}

func newChainShowCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "show <chain id>",
		Short: "Show a chain and its transactions",
		Example: `  # Render the dependency graph
  fleetctl chain show 6f1c... --dot | dot -Tsvg > chain.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openFleet(cmd.Context())
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			chain, err := f.store.GetChain(ctx, args[0])
			if errors.Is(err, engine.ErrNotFound) {
				return fmt.Errorf("chain %s does not exist", args[0])
			}
			if err != nil {
				return err
			}
			txs, err := f.store.ListChainTransactions(ctx, chain.ID)
			if err != nil {
				return err
			}

			graph, err := engine.NewChainGraph(txs)
			if err != nil {
				return err
			}
			if dot {
				fmt.Print(graph.ToDOT(chain.Label))
				return nil
			}

			if done, err := printStructured(os.Stdout, &chainView{Chain: chain, Transactions: txs}); done {
				return err
			}

			byID := make(map[int64]*engine.Transaction, len(txs))
			for _, tx := range txs {
				byID[tx.ID] = tx
			}

			fmt.Printf("Chain:   %s\n", chain.ID)
			fmt.Printf("Label:   %s\n", chain.Label)
			fmt.Printf("State:   %s\n", renderState(string(chain.State)))
			fmt.Printf("Created: %s\n\n", chain.CreatedAt.Format("2006-01-02 15:04:05"))

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tNODE\tVPS\tDEPENDS\tDIRECTION\tSTATE")
			for _, id := range graph.Order() {
				tx := byID[id]
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
					tx.ID, tx.Type, tx.Node, tx.VPS, tx.DependsOn, tx.Direction, renderState(string(tx.State)))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")
	return cmd
}

func newChainListCommand() *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openFleet(cmd.Context())
			if err != nil {
				return err
			}
			defer f.Close()

			var filter *engine.ChainState
			if state != "" {
				s := engine.ChainState(state)
				filter = &s
			}

			list, err := f.store.ListChains(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}
			if done, err := printStructured(os.Stdout, list); done {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLABEL\tSTATE\tCREATED")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					c.ID, c.Label, renderState(string(c.State)), c.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only chains in this state")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of chains")
	return cmd
}
