package chains

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// Service builds multi-step chains from the node inventory.
type Service struct {
	builder *engine.Builder
	inv     Inventory
	hooks   Hooks
	logger  zerolog.Logger
}

// NewService creates a chain service committing through builder.
func NewService(builder *engine.Builder, inv Inventory, logger zerolog.Logger) *Service {
	return &Service{
		builder: builder,
		inv:     inv,
		logger:  logger.With().Str("component", "chains").Logger(),
	}
}

// SetHooks configures the migration hook scripts.
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

// Result identifies a committed chain.
type Result struct {
	ChainID string `json:"chain_id"`
	LastID  int64  `json:"last_id"`
	Steps   int    `json:"steps"`
}

// MigrateOptions describe a VPS migration.
type MigrateOptions struct {
	VPS     int64
	DstNode int64

	// ReplaceIPs attaches the same number of addresses from the destination
	// location when the migration crosses locations. Otherwise the
	// addresses are removed.
	ReplaceIPs bool

	// HandleIPs enables address churn and firewall and shaper
	// unregistration on the source node.
	HandleIPs bool
}

// migration is the state gathered before the chain is built.
type migration struct {
	opts     MigrateOptions
	vps      *stores.VPS
	src      *engine.Node
	dst      *engine.Node
	srcPool  *stores.Pool
	dstPool  *stores.Pool
	datasets []*stores.Dataset
	ips      []*stores.IPAddress
	crossed  bool
	running  bool
}

func (s *Service) loadMigration(ctx context.Context, opts MigrateOptions) (*migration, error) {
	m := &migration{opts: opts}
	var err error

	if m.vps, err = s.inv.GetVPS(ctx, opts.VPS); err != nil {
		return nil, err
	}
	if m.vps.NodeID == opts.DstNode {
		return nil, engine.NewValidationError(
			fmt.Sprintf("vps %d is already on node %d", m.vps.ID, opts.DstNode), nil).WithCode(engine.ErrCodeBadParams)
	}
	if m.vps.DatasetID == nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("vps %d has no dataset", m.vps.ID), nil).WithCode(engine.ErrCodeBadParams)
	}

	if m.src, err = s.inv.GetNode(ctx, m.vps.NodeID); err != nil {
		return nil, err
	}
	if m.dst, err = s.inv.GetNode(ctx, opts.DstNode); err != nil {
		return nil, err
	}
	if m.dstPool, err = s.inv.HypervisorPool(ctx, m.dst.ID); err != nil {
		return nil, err
	}
	if m.datasets, err = s.inv.DatasetSubtree(ctx, *m.vps.DatasetID); err != nil {
		return nil, err
	}
	if m.srcPool, err = s.inv.GetPool(ctx, m.datasets[0].PoolID); err != nil {
		return nil, err
	}
	if m.ips, err = s.inv.VPSIPAddresses(ctx, m.vps.ID); err != nil {
		return nil, err
	}

	m.crossed = m.src.Location != m.dst.Location
	m.running = m.vps.Running
	return m, nil
}

// Migrate builds the chain moving a VPS with its dataset tree to another
// node.
//
// Locks are taken in this order: the VPS, the destination pool, the source
// pool, then every dataset of the tree parents first. Every chain locking
// pools follows the same order.
func (s *Service) Migrate(ctx context.Context, opts MigrateOptions) (*Result, error) {
	m, err := s.loadMigration(ctx, opts)
	if err != nil {
		return nil, err
	}

	c := s.builder.Begin(ctx, engine.ChainOptions{
		Label:          "Migrate",
		UrgentRollback: true,
		UserID:         m.vps.UserID,
	})
	if err := s.buildMigration(ctx, c, m); err != nil {
		if derr := c.Discard(ctx); derr != nil {
			s.logger.Error().Err(derr).Str("chain", c.ID()).Msg("Failed to discard chain")
		}
		return nil, err
	}

	steps := c.Len()
	last, err := c.Commit(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("vps", m.vps.ID).
		Int64("src_node", m.src.ID).
		Int64("dst_node", m.dst.ID).
		Bool("crossed_location", m.crossed).
		Str("chain", c.ID()).
		Msg("Migration chain created")

	return &Result{ChainID: c.ID(), LastID: last, Steps: steps}, nil
}

func (s *Service) buildMigration(ctx context.Context, c *engine.Chain, m *migration) error {
	locks := []engine.Resource{
		vpsResource(m.vps.ID),
		poolResource(m.dstPool.ID),
		poolResource(m.srcPool.ID),
	}
	for _, ds := range m.datasets {
		locks = append(locks, datasetResource(ds.ID))
	}
	if err := c.Lock(ctx, locks...); err != nil {
		return err
	}

	c.SetMetadata("vps", m.vps.ID)
	c.SetMetadata("src_node", m.src.ID)
	c.SetMetadata("dst_node", m.dst.ID)
	c.SetMetadata("crossed_location", m.crossed)
	c.SetMetadata("replace_ips", m.opts.ReplaceIPs)

	onSrc := func(step engine.Step) engine.Step {
		step.Node, step.VPS = m.src.ID, m.vps.ID
		return step
	}
	onDst := func(step engine.Step) engine.Step {
		step.Node, step.VPS = m.dst.ID, m.vps.ID
		return step
	}
	appendAll := func(steps ...engine.Step) error {
		for _, step := range steps {
			if _, err := c.Append(step); err != nil {
				return err
			}
		}
		return nil
	}

	// Configuration and root directory on the destination
	if err := appendAll(
		onSrc(engine.Step{Type: config.TypeVPSCopyConfigs, Payload: handlers.CopyConfigsPayload{DstAddr: m.dst.Addr}}),
		onDst(engine.Step{Type: config.TypeVPSCreateRoot}),
	); err != nil {
		return err
	}

	// Dataset skeletons, parents first
	for _, ds := range m.datasets {
		name := datasetPath(m.dstPool, ds)
		if err := appendAll(onDst(engine.Step{
			Type:    config.TypeCreateDataset,
			Payload: handlers.DatasetPayload{Name: name},
		})); err != nil {
			return err
		}

		props, err := datasetProperties(ds)
		if err != nil {
			return err
		}
		if len(props) > 0 {
			if err := appendAll(onDst(engine.Step{
				Type:    config.TypeSetDataset,
				Payload: handlers.SetDatasetPayload{Name: name, Properties: props},
			})); err != nil {
				return err
			}
		}
	}

	mounts, err := newMountMigrator(ctx, s.inv, m.vps, m.src, m.dst, m.dstPool, m.datasets)
	if err != nil {
		return err
	}
	if err := mounts.umountOthers(ctx, c); err != nil {
		return err
	}

	// The first transfer runs while the VPS is still running, the second
	// one only sends what changed after it was stopped.
	first := snapshotName(c.ID(), 1)
	second := snapshotName(c.ID(), 2)

	if err := s.transfer(c, m, first, "", false); err != nil {
		return err
	}
	if m.running {
		if err := appendAll(onSrc(engine.Step{Type: config.TypeVPSStop})); err != nil {
			return err
		}
	}
	if err := s.transfer(c, m, second, first, true); err != nil {
		return err
	}

	dstIPs, err := s.migrateIPs(ctx, c, m)
	if err != nil {
		return err
	}

	if err := mounts.remountMine(ctx, c); err != nil {
		return err
	}

	if err := appendHooks(ctx, c, s.hooks.Runner, s.hooks.PreStart, m.vps, m.running, m.src, m.dst); err != nil {
		return err
	}
	if m.running {
		if err := appendAll(onDst(engine.Step{Type: config.TypeVPSStart, Urgent: true})); err != nil {
			return err
		}
	}
	if err := appendHooks(ctx, c, s.hooks.Runner, s.hooks.PostStart, m.vps, m.running, m.src, m.dst); err != nil {
		return err
	}

	if err := mounts.remountOthers(ctx, c); err != nil {
		return err
	}

	// Migration snapshots on the destination
	for _, ds := range m.datasets {
		for _, snap := range []string{first, second} {
			if err := appendAll(onDst(engine.Step{
				Type:    config.TypeDestroySnapshot,
				Urgent:  true,
				Payload: handlers.SnapshotPayload{Dataset: datasetPath(m.dstPool, ds), Snapshot: snap},
			})); err != nil {
				return err
			}
		}
	}

	// Ownership flips once the VPS runs on the destination
	patches := []engine.Patch{{
		Table: "vpses", RowID: m.vps.ID, Column: "node_id", Value: m.dst.ID, Previous: m.src.ID,
	}}
	for _, ds := range m.datasets {
		patches = append(patches, engine.Patch{
			Table: "datasets", RowID: ds.ID, Column: "pool_id", Value: m.dstPool.ID, Previous: ds.PoolID,
		})
	}
	if err := appendAll(onDst(engine.Step{Type: config.TypeNoop, Urgent: true, Patches: patches})); err != nil {
		return err
	}

	if err := s.switchNetworking(c, m, dstIPs); err != nil {
		return err
	}

	// Source datasets, children first
	for i := len(m.datasets) - 1; i >= 0; i-- {
		if err := appendAll(onSrc(engine.Step{
			Type:    config.TypeDestroyDataset,
			Payload: handlers.DatasetPayload{Name: datasetPath(m.srcPool, m.datasets[i])},
		})); err != nil {
			return err
		}
	}

	return appendAll(onSrc(engine.Step{Type: config.TypeVPSDestroy}))
}

func snapshotName(chainID string, phase int) string {
	if len(chainID) > 8 {
		chainID = chainID[:8]
	}
	return fmt.Sprintf("migration-%s-%d", chainID, phase)
}

// transfer snapshots every dataset on the source and streams it to the
// destination, incrementally when from is set.
func (s *Service) transfer(c *engine.Chain, m *migration, snap, from string, urgent bool) error {
	for _, ds := range m.datasets {
		src := datasetPath(m.srcPool, ds)
		steps := []engine.Step{
			{
				Type:    config.TypeSnapshot,
				Node:    m.src.ID,
				VPS:     m.vps.ID,
				Urgent:  urgent,
				Payload: handlers.SnapshotPayload{Dataset: src, Snapshot: snap},
			},
			{
				Type:   config.TypeTransfer,
				Node:   m.src.ID,
				VPS:    m.vps.ID,
				Urgent: urgent,
				Payload: handlers.TransferPayload{
					Dataset:      src,
					DstDataset:   datasetPath(m.dstPool, ds),
					Snapshot:     snap,
					FromSnapshot: from,
					DstAddr:      m.dst.Addr,
				},
			},
		}
		for _, step := range steps {
			if _, err := c.Append(step); err != nil {
				return err
			}
		}
	}
	return nil
}

// migrateIPs detaches or replaces addresses when the VPS leaves its
// location and returns the addresses it keeps on the destination.
func (s *Service) migrateIPs(ctx context.Context, c *engine.Chain, m *migration) ([]*stores.IPAddress, error) {
	if !m.crossed || !m.opts.HandleIPs {
		return m.ips, nil
	}

	var kept []*stores.IPAddress
	var taken []int64

	for _, ip := range m.ips {
		if _, err := c.Append(engine.Step{
			Type:    config.TypeVPSIPDel,
			Node:    m.dst.ID,
			VPS:     m.vps.ID,
			Urgent:  true,
			Payload: handlers.IPPayload{Addr: ip.Addr, Version: ip.Version},
			Patches: []engine.Patch{{
				Table: "ip_addresses", RowID: ip.ID, Column: "vps_id", Value: nil, Previous: m.vps.ID,
			}},
		}); err != nil {
			return nil, err
		}

		if !m.opts.ReplaceIPs {
			continue
		}

		free, err := s.inv.FreeIPAddresses(ctx, m.dst.Location, ip.Version, m.vps.UserID, taken)
		if err != nil {
			return nil, err
		}
		if len(free) == 0 {
			return nil, engine.NewValidationError(
				fmt.Sprintf("no free IPv%d address in location %d", ip.Version, m.dst.Location), nil).
				WithCode(engine.ErrCodeBadParams)
		}
		replacement := free[0]
		taken = append(taken, replacement.ID)

		if _, err := c.Append(engine.Step{
			Type:    config.TypeVPSIPAdd,
			Node:    m.dst.ID,
			VPS:     m.vps.ID,
			Urgent:  true,
			Payload: handlers.IPPayload{Addr: replacement.Addr, Version: replacement.Version},
			Patches: []engine.Patch{{
				Table: "ip_addresses", RowID: replacement.ID, Column: "vps_id", Value: m.vps.ID, Previous: nil,
			}},
		}); err != nil {
			return nil, err
		}
		kept = append(kept, replacement)
	}
	return kept, nil
}

// switchNetworking moves firewall accounting and shaping to the
// destination node.
func (s *Service) switchNetworking(c *engine.Chain, m *migration, dstIPs []*stores.IPAddress) error {
	var steps []engine.Step

	if m.opts.HandleIPs && len(m.ips) > 0 {
		steps = append(steps,
			engine.Step{Type: config.TypeFirewallUnregIPs, Node: m.src.ID, Payload: firewallPayload(m.ips)},
			engine.Step{Type: config.TypeShaperUnset, Node: m.src.ID, Payload: shaperPayload(m.ips)},
		)
	}
	if len(dstIPs) > 0 {
		steps = append(steps,
			engine.Step{Type: config.TypeFirewallRegIPs, Node: m.dst.ID, Payload: firewallPayload(dstIPs)},
			engine.Step{Type: config.TypeShaperSet, Node: m.dst.ID, Payload: shaperPayload(dstIPs)},
		)
	}

	for _, step := range steps {
		step.VPS = m.vps.ID
		step.Urgent = true
		if _, err := c.Append(step); err != nil {
			return err
		}
	}
	return nil
}

func firewallPayload(ips []*stores.IPAddress) handlers.IPsPayload {
	p := handlers.IPsPayload{IPAddrs: make([]handlers.IPSpec, len(ips))}
	for i, ip := range ips {
		p.IPAddrs[i] = handlers.IPSpec{Addr: ip.Addr, Version: ip.Version}
	}
	return p
}

func shaperPayload(ips []*stores.IPAddress) handlers.ShaperPayload {
	p := handlers.ShaperPayload{IPAddrs: make([]handlers.ShapedIP, len(ips))}
	for i, ip := range ips {
		p.IPAddrs[i] = handlers.ShapedIP{
			Addr:    ip.Addr,
			Version: ip.Version,
			ClassID: ip.ClassID,
			MaxTx:   ip.MaxTx,
			MaxRx:   ip.MaxRx,
		}
	}
	return p
}
