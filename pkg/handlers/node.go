package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Node manages files shared by every node of the fleet.
type Node struct {
	base
	opts Options
}

// NewNode creates the node handler.
func NewNode(opts Options) *Node {
	opts.setDefaults()
	h := &Node{base: newBase("node"), opts: opts}
	h.handle("gen_known_hosts", h.genKnownHosts, nil)
	return h
}

func (h *Node) genKnownHosts(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	n, err := h.GenKnownHosts(ctx)
	if err != nil {
		return nil, err
	}
	job.Set("keys", n)
	return engine.OK(map[string]interface{}{"keys": n}), nil
}

// GenKnownHosts rewrites the known_hosts file from the published node keys
// and returns the number of lines written.
func (h *Node) GenKnownHosts(ctx context.Context) (int, error) {
	if h.opts.Inventory == nil {
		return 0, engine.NewUnexpectedError("node inventory not configured", nil)
	}

	nodes, err := h.opts.Inventory.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	keys, err := h.opts.Inventory.ListNodePubkeys(ctx)
	if err != nil {
		return 0, err
	}

	byID := make(map[int64]*engine.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		n, ok := byID[k.NodeID]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s,%s %s %s", n.Name, n.Addr, k.KeyType, k.Key))
	}
	sort.Strings(lines)

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}

	if err := os.MkdirAll(filepath.Dir(h.opts.KnownHostsPath), 0o700); err != nil {
		return 0, err
	}
	tmp := h.opts.KnownHostsPath + ".new"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, h.opts.KnownHostsPath); err != nil {
		return 0, err
	}

	h.opts.Logger.Info().Int("keys", len(lines)).Str("path", h.opts.KnownHostsPath).Msg("Generated known_hosts")
	return len(lines), nil
}
