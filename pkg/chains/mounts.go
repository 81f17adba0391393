package chains

import (
	"context"
	"path"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

const nfsOpts = "vers=3"

// location tells where a mounted dataset lives.
type location struct {
	pool *stores.Pool
	node *engine.Node
}

// mountMigrator moves the mounts touched by a migration. Mine are mounts
// inside the migrated VPS, others are mounts of its datasets in other
// VPSes.
type mountMigrator struct {
	inv     Inventory
	vps     *stores.VPS
	src     *engine.Node
	dst     *engine.Node
	dstPool *stores.Pool

	subtree map[int64]*stores.Dataset
	mine    []*stores.Mount
	others  map[int64][]*stores.Mount
	owners  map[int64]*stores.VPS
}

func newMountMigrator(ctx context.Context, inv Inventory, vps *stores.VPS, src, dst *engine.Node,
	dstPool *stores.Pool, datasets []*stores.Dataset) (*mountMigrator, error) {
	m := &mountMigrator{
		inv:     inv,
		vps:     vps,
		src:     src,
		dst:     dst,
		dstPool: dstPool,
		subtree: make(map[int64]*stores.Dataset, len(datasets)),
		others:  make(map[int64][]*stores.Mount),
		owners:  make(map[int64]*stores.VPS),
	}

	ids := make([]int64, len(datasets))
	for i, ds := range datasets {
		m.subtree[ds.ID] = ds
		ids[i] = ds.ID
	}

	mine, err := inv.VPSMounts(ctx, vps.ID)
	if err != nil {
		return nil, err
	}
	m.mine = mine

	others, err := inv.DatasetMounts(ctx, ids, vps.ID)
	if err != nil {
		return nil, err
	}
	for _, mnt := range others {
		if _, ok := m.owners[mnt.VPSID]; !ok {
			owner, err := inv.GetVPS(ctx, mnt.VPSID)
			if err != nil {
				return nil, err
			}
			m.owners[mnt.VPSID] = owner
		}
		m.others[mnt.VPSID] = append(m.others[mnt.VPSID], mnt)
	}
	return m, nil
}

// datasetLocation resolves where a mounted dataset lives, before or after
// the migration.
func (m *mountMigrator) datasetLocation(ctx context.Context, id int64, migrated bool) (*stores.Dataset, location, error) {
	if ds, ok := m.subtree[id]; ok {
		if migrated {
			return ds, location{pool: m.dstPool, node: m.dst}, nil
		}
		pool, err := m.inv.GetPool(ctx, ds.PoolID)
		if err != nil {
			return nil, location{}, err
		}
		return ds, location{pool: pool, node: m.src}, nil
	}

	ds, err := m.inv.GetDataset(ctx, id)
	if err != nil {
		return nil, location{}, err
	}
	pool, err := m.inv.GetPool(ctx, ds.PoolID)
	if err != nil {
		return nil, location{}, err
	}
	node, err := m.inv.GetNode(ctx, pool.NodeID)
	if err != nil {
		return nil, location{}, err
	}
	return ds, location{pool: pool, node: node}, nil
}

// spec renders a mount as seen from a VPS running on host. Dataset mounts
// are bind mounts when the dataset is local to host and NFS otherwise.
func (m *mountMigrator) spec(ctx context.Context, mnt *stores.Mount, host int64, migrated bool) (handlers.MountSpec, error) {
	spec := handlers.MountSpec{
		Dst:    mnt.Dst,
		Source: mnt.Source,
		Type:   mnt.Type,
		Opts:   mnt.Opts,
		Mode:   mnt.Mode,
	}
	if mnt.DatasetID == nil {
		return spec, nil
	}

	ds, loc, err := m.datasetLocation(ctx, *mnt.DatasetID, migrated)
	if err != nil {
		return spec, err
	}

	source := path.Join("/", datasetPath(loc.pool, ds))
	if loc.node.ID == host {
		spec.Type = "bind"
		spec.Source = source
		if mnt.Type != "bind" {
			spec.Opts = ""
		}
	} else {
		spec.Type = "nfs"
		spec.Source = loc.node.Addr + ":" + source
		if mnt.Type != "nfs" {
			spec.Opts = nfsOpts
		}
	}
	return spec, nil
}

func mountPatches(mnt *stores.Mount, spec handlers.MountSpec) []engine.Patch {
	var patches []engine.Patch
	if spec.Type != mnt.Type {
		patches = append(patches, engine.Patch{
			Table: "mounts", RowID: mnt.ID, Column: "mount_type", Value: spec.Type, Previous: mnt.Type,
		})
	}
	if spec.Opts != mnt.Opts {
		patches = append(patches, engine.Patch{
			Table: "mounts", RowID: mnt.ID, Column: "mount_opts", Value: spec.Opts, Previous: mnt.Opts,
		})
	}
	return patches
}

// umountOthers detaches the migrated datasets from other VPSes.
func (m *mountMigrator) umountOthers(ctx context.Context, c *engine.Chain) error {
	for _, id := range sortedKeys(m.others) {
		owner := m.owners[id]
		specs := make([]handlers.MountSpec, 0, len(m.others[id]))
		for _, mnt := range m.others[id] {
			spec, err := m.spec(ctx, mnt, owner.NodeID, false)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}

		if _, err := c.Append(engine.Step{
			Type:    config.TypeVPSUmount,
			Node:    owner.NodeID,
			VPS:     owner.ID,
			Payload: handlers.MountsPayload{Mounts: specs},
		}); err != nil {
			return err
		}
	}
	return nil
}

// remountMine rewrites the mount script of the migrated VPS on the
// destination node. Changed mount types are recorded by a noop so that a
// rollback restores them.
func (m *mountMigrator) remountMine(ctx context.Context, c *engine.Chain) error {
	if len(m.mine) == 0 {
		return nil
	}

	specs := make([]handlers.MountSpec, 0, len(m.mine))
	var patches []engine.Patch
	for _, mnt := range m.mine {
		spec, err := m.spec(ctx, mnt, m.dst.ID, true)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
		patches = append(patches, mountPatches(mnt, spec)...)
	}

	if _, err := c.Append(engine.Step{
		Type:    config.TypeVPSMounts,
		Node:    m.dst.ID,
		VPS:     m.vps.ID,
		Urgent:  true,
		Payload: handlers.MountsPayload{Mounts: specs},
	}); err != nil {
		return err
	}

	if len(patches) == 0 {
		return nil
	}
	_, err := c.Append(engine.Step{
		Type:    config.TypeNoop,
		Node:    m.dst.ID,
		VPS:     m.vps.ID,
		Urgent:  true,
		Patches: patches,
	})
	return err
}

// remountOthers regenerates the mount scripts of other VPSes and mounts
// the migrated datasets again, shallowest first.
func (m *mountMigrator) remountOthers(ctx context.Context, c *engine.Chain) error {
	for _, id := range sortedKeys(m.others) {
		owner := m.owners[id]
		mounts := m.others[id]

		all, err := m.inv.VPSMounts(ctx, owner.ID)
		if err != nil {
			return err
		}
		script := make([]handlers.MountSpec, 0, len(all))
		for _, mnt := range all {
			spec, err := m.spec(ctx, mnt, owner.NodeID, true)
			if err != nil {
				return err
			}
			script = append(script, spec)
		}

		if _, err := c.Append(engine.Step{
			Type:    config.TypeVPSMounts,
			Node:    owner.NodeID,
			VPS:     owner.ID,
			Urgent:  true,
			Payload: handlers.MountsPayload{Mounts: script},
		}); err != nil {
			return err
		}

		specs := make([]handlers.MountSpec, 0, len(mounts))
		var patches []engine.Patch
		for i := len(mounts) - 1; i >= 0; i-- {
			spec, err := m.spec(ctx, mounts[i], owner.NodeID, true)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
			patches = append(patches, mountPatches(mounts[i], spec)...)
		}

		if _, err := c.Append(engine.Step{
			Type:    config.TypeVPSMount,
			Node:    owner.NodeID,
			VPS:     owner.ID,
			Urgent:  true,
			Payload: handlers.MountsPayload{Mounts: specs},
			Patches: patches,
		}); err != nil {
			return err
		}
	}
	return nil
}
