package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ChainGraph is the dependency graph of a chain's transactions, used to
// inspect and render committed chains.
type ChainGraph struct {
	// txs maps transaction ids to their rows
	txs map[int64]*Transaction

	// dependents maps a transaction id to the rows depending on it
	dependents map[int64][]int64

	// external holds dependencies on transactions outside the chain
	external map[int64]int64

	// levels groups ids whose dependencies lie in earlier levels
	levels [][]int64
}

// NewChainGraph builds the graph of rows. Rows may belong to one chain or be
// any set of transactions linked by depends_on.
func NewChainGraph(rows []*Transaction) (*ChainGraph, error) {
	g := &ChainGraph{
		txs:        make(map[int64]*Transaction, len(rows)),
		dependents: make(map[int64][]int64),
		external:   make(map[int64]int64),
	}

	for _, tx := range rows {
		if _, exists := g.txs[tx.ID]; exists {
			return nil, NewValidationError(fmt.Sprintf("duplicate transaction %d", tx.ID), nil)
		}
		g.txs[tx.ID] = tx
	}

	for _, tx := range rows {
		if tx.DependsOn == 0 {
			continue
		}
		if _, ok := g.txs[tx.DependsOn]; ok {
			g.dependents[tx.DependsOn] = append(g.dependents[tx.DependsOn], tx.ID)
		} else {
			g.external[tx.ID] = tx.DependsOn
		}
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels runs Kahn's algorithm level by level.
func (g *ChainGraph) computeLevels() error {
	current := make([]int64, 0)
	for id, tx := range g.txs {
		if _, internal := g.txs[tx.DependsOn]; tx.DependsOn == 0 || !internal {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]int64, 0)
		for _, id := range current {
			next = append(next, g.dependents[id]...)
		}
		current = next
	}

	// Every row has at most one dependency, so anything left over sits on
	// a cycle.
	if processed != len(g.txs) {
		return NewValidationError("transactions depend on each other in a cycle", nil)
	}
	return nil
}

// Levels returns transaction ids grouped by depth.
func (g *ChainGraph) Levels() [][]int64 {
	return g.levels
}

// Order returns all ids in an order that respects dependencies.
func (g *ChainGraph) Order() []int64 {
	out := make([]int64, 0, len(g.txs))
	for _, level := range g.levels {
		out = append(out, level...)
	}
	return out
}

// Dependents returns the ids depending directly on id.
func (g *ChainGraph) Dependents(id int64) []int64 {
	return g.dependents[id]
}

// ToDOT renders the graph in Graphviz DOT format. Compensations are drawn
// as dashed boxes linked to the step they undo.
func (g *ChainGraph) ToDOT(name string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			tx := g.txs[id]
			label := fmt.Sprintf("#%d type %d\\nnode %d\\n%s", tx.ID, tx.Type, tx.Node, tx.State)
			style := "filled,rounded"
			if tx.IsCompensation() {
				style = "filled,dashed"
			}
			fmt.Fprintf(&sb, "    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"%s\"];\n",
				id, label, stateColor(tx.State), style)
		}

		sb.WriteString("  }\n\n")
	}

	for _, ids := range g.levels {
		for _, id := range ids {
			tx := g.txs[id]
			if _, ok := g.txs[tx.DependsOn]; ok {
				fmt.Fprintf(&sb, "  \"%d\" -> \"%d\";\n", tx.DependsOn, id)
			}
			if ext, ok := g.external[id]; ok {
				fmt.Fprintf(&sb, "  \"%d\" [shape=plaintext];\n", ext)
				fmt.Fprintf(&sb, "  \"%d\" -> \"%d\" [style=dotted, color=gray];\n", ext, id)
			}
			if tx.IsCompensation() && tx.Origin != 0 {
				fmt.Fprintf(&sb, "  \"%d\" -> \"%d\" [style=dashed, color=red, constraint=false];\n", id, tx.Origin)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// stateColor returns a fill color for a transaction state.
func stateColor(s State) string {
	switch s {
	case StateDoneOK:
		return "lightgreen"
	case StateDoneWarning:
		return "khaki"
	case StateRunning:
		return "lightblue"
	case StateFailed, StateKilled:
		return "lightcoral"
	case StateDependencyFailed:
		return "lightgray"
	default:
		return "white"
	}
}
