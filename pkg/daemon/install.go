package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// InstallParams are the parameters of the install command. Location is an
// id or a label.
type InstallParams struct {
	Create     bool            `json:"create"`
	ID         int64           `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Role       string          `json:"role,omitempty"`
	Location   json.RawMessage `json:"location,omitempty"`
	Addr       string          `json:"addr,omitempty"`
	MaxVPS     int             `json:"maxvps,omitempty"`
	VEPrivate  string          `json:"ve_private,omitempty"`
	FSType     string          `json:"fstype,omitempty"`
	Propagate  bool            `json:"propagate"`
	GenConfigs bool            `json:"gen_configs"`
}

// InstallResult reports the registered node.
type InstallResult struct {
	NodeID int64 `json:"node_id"`
}

// Install registers this node. With create the node row is created or
// updated; the host keys are always published. Running it twice leaves a
// single row.
func (d *Daemon) Install(ctx context.Context, p InstallParams) (*InstallResult, error) {
	cfg := d.Config()
	nodeID := cfg.NodeID

	if p.Create {
		if p.ID > 0 {
			nodeID = p.ID
		}
		node, err := d.registerNode(ctx, nodeID, p)
		if err != nil {
			return nil, err
		}
		nodeID = node.ID

		d.logger.Info().
			Int64("id", node.ID).
			Str("name", node.Name).
			Str("role", node.Role).
			Int64("location", node.Location).
			Str("addr", node.Addr).
			Int("maxvps", node.MaxVPS).
			Msg("Node registered")

		if _, err := d.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	keys, err := d.publishPubkeys(ctx, cfg, nodeID)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Int("keys", keys).Msg("Public keys updated")

	if p.Propagate {
		if err := d.propagateKnownHosts(ctx); err != nil {
			return nil, err
		}
	}

	if p.GenConfigs {
		if _, err := d.GenConfigs(ctx); err != nil {
			return nil, err
		}
	}

	return &InstallResult{NodeID: nodeID}, nil
}

func (d *Daemon) registerNode(ctx context.Context, id int64, p InstallParams) (*engine.Node, error) {
	loc, err := d.resolveLocation(ctx, p.Location)
	if err != nil {
		return nil, err
	}

	name := p.Name
	if name == "" {
		if name, err = d.hostname(ctx); err != nil {
			return nil, err
		}
	}

	node := &engine.Node{
		ID:       id,
		Name:     name,
		Role:     p.Role,
		Location: loc.ID,
		Addr:     p.Addr,
	}
	if p.Role == "node" {
		node.MaxVPS = p.MaxVPS
		node.VEPrivate = p.VEPrivate
		node.FSType = p.FSType
	}

	if id > 0 {
		if _, err := d.store.GetNode(ctx, id); err == nil {
			return node, d.store.UpdateNode(ctx, node)
		} else if !errors.Is(err, engine.ErrNotFound) {
			return nil, err
		}
	}
	if err := d.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (d *Daemon) resolveLocation(ctx context.Context, raw json.RawMessage) (*stores.Location, error) {
	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, engine.NewValidationError("location must be an id or a label", err).
				WithCode(engine.ErrCodeBadParams)
		}
		ref = strconv.FormatInt(id, 10)
	}

	loc, err := d.store.FindLocation(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, engine.NewValidationError(fmt.Sprintf("Location '%s' does not exist", ref), err).
			WithCode(engine.ErrCodeNotFound)
	}
	return loc, err
}

func (d *Daemon) hostname(ctx context.Context) (string, error) {
	out, err := d.runner.Run(ctx, handlers.Command{Name: d.Config().Bins.Hostname})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// publishPubkeys stores the configured host keys of the node. Missing key
// files are skipped.
func (d *Daemon) publishPubkeys(ctx context.Context, cfg *config.Config, nodeID int64) (int, error) {
	n := 0
	for _, t := range cfg.Pubkeys.Types {
		path := cfg.PubkeyPath(t)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Warn().Str("type", t).Str("path", path).Msg("Public key not found")
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to read public key: %w", err)
		}

		pub, _, _, _, err := gossh.ParseAuthorizedKey(data)
		if err != nil {
			return n, fmt.Errorf("failed to parse public key %s: %w", path, err)
		}

		key := &stores.NodePubkey{
			NodeID:  nodeID,
			KeyType: pub.Type(),
			Key:     base64.StdEncoding.EncodeToString(pub.Marshal()),
		}
		if err := d.store.UpsertNodePubkey(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// propagateKnownHosts asks every node to regenerate its known_hosts file.
func (d *Daemon) propagateKnownHosts(ctx context.Context) error {
	nodes, err := d.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	steps := make([]engine.Step, len(nodes))
	for i, n := range nodes {
		steps[i] = engine.Step{Type: config.TypeNodeGenKnownHosts, Node: n.ID}
	}
	ids, err := d.builder.FireBatch(ctx, steps)
	if err != nil {
		return err
	}
	d.logger.Info().Int("transactions", len(ids)).Msg("Known hosts regeneration propagated")
	return nil
}
