package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// CreateLocation creates a new location
func (s *SQLiteStore) CreateLocation(ctx context.Context, loc *Location) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (label, domain) VALUES (?, ?)`, loc.Label, loc.Domain)
	if err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get location ID: %w", err)
	}
	loc.ID = id
	return nil
}

// FindLocation resolves a location by numeric id or by label
func (s *SQLiteStore) FindLocation(ctx context.Context, ref string) (*Location, error) {
	query := `SELECT id, label, domain FROM locations WHERE label = ?`
	args := []interface{}{ref}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		query = `SELECT id, label, domain FROM locations WHERE id = ? OR label = ? ORDER BY id = ? DESC LIMIT 1`
		args = []interface{}{id, ref, id}
	}

	loc := &Location{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&loc.ID, &loc.Label, &loc.Domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", ref, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

const nodeColumns = `id, name, role, location_id, ip_addr, max_vps, ve_private, fstype`

func scanNode(sc scanner) (*engine.Node, error) {
	n := &engine.Node{}
	err := sc.Scan(&n.ID, &n.Name, &n.Role, &n.Location, &n.Addr, &n.MaxVPS, &n.VEPrivate, &n.FSType)
	return n, err
}

// CreateNode inserts a node row. A zero ID is assigned by the database.
func (s *SQLiteStore) CreateNode(ctx context.Context, n *engine.Node) error {
	query := `
		INSERT INTO nodes (id, name, role, location_id, ip_addr, max_vps, ve_private, fstype, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		nullID(n.ID), n.Name, n.Role, n.Location, n.Addr, n.MaxVPS, n.VEPrivate, n.FSType, now, now)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if n.ID == 0 {
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get node ID: %w", err)
		}
		n.ID = id
	}
	return nil
}

// UpdateNode overwrites the registration of an existing node
func (s *SQLiteStore) UpdateNode(ctx context.Context, n *engine.Node) error {
	query := `
		UPDATE nodes
		SET name = ?, role = ?, location_id = ?, ip_addr = ?, max_vps = ?,
		    ve_private = ?, fstype = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		n.Name, n.Role, n.Location, n.Addr, n.MaxVPS, n.VEPrivate, n.FSType, time.Now().UTC(), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node %d: %w", n.ID, engine.ErrNotFound)
	}
	return nil
}

// GetNode retrieves a node by ID
func (s *SQLiteStore) GetNode(ctx context.Context, id int64) (*engine.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// ListNodes retrieves all registered nodes ordered by ID
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*engine.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*engine.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// UpsertNodePubkey inserts or replaces a host key of a node
func (s *SQLiteStore) UpsertNodePubkey(ctx context.Context, key *NodePubkey) error {
	query := `
		INSERT INTO node_pubkeys (node_id, key_type, key)
		VALUES (?, ?, ?)
		ON CONFLICT(node_id, key_type) DO UPDATE SET key = excluded.key
	`

	if _, err := s.db.ExecContext(ctx, query, key.NodeID, key.KeyType, key.Key); err != nil {
		return fmt.Errorf("failed to upsert node pubkey: %w", err)
	}
	return nil
}

// ListNodePubkeys returns the host keys of every node
func (s *SQLiteStore) ListNodePubkeys(ctx context.Context) ([]*NodePubkey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, key_type, key FROM node_pubkeys ORDER BY node_id, key_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list node pubkeys: %w", err)
	}
	defer rows.Close()

	keys := []*NodePubkey{}
	for rows.Next() {
		k := &NodePubkey{}
		if err := rows.Scan(&k.NodeID, &k.KeyType, &k.Key); err != nil {
			return nil, fmt.Errorf("failed to scan node pubkey: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node pubkeys: %w", err)
	}

	return keys, nil
}

// CreatePool creates a storage pool
func (s *SQLiteStore) CreatePool(ctx context.Context, p *Pool) error {
	if p.Role == "" {
		p.Role = "hypervisor"
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (node_id, filesystem, role) VALUES (?, ?, ?)`, p.NodeID, p.Filesystem, p.Role)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get pool ID: %w", err)
	}
	p.ID = id
	return nil
}

// GetPool retrieves a pool by ID
func (s *SQLiteStore) GetPool(ctx context.Context, id int64) (*Pool, error) {
	p := &Pool{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, node_id, filesystem, role FROM pools WHERE id = ?`, id,
	).Scan(&p.ID, &p.NodeID, &p.Filesystem, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

// HypervisorPool returns the pool VPS datasets of a node live in
func (s *SQLiteStore) HypervisorPool(ctx context.Context, nodeID int64) (*Pool, error) {
	p := &Pool{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, node_id, filesystem, role FROM pools WHERE node_id = ? AND role = 'hypervisor' ORDER BY id LIMIT 1`,
		nodeID,
	).Scan(&p.ID, &p.NodeID, &p.Filesystem, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hypervisor pool of node %d: %w", nodeID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

// CreateVPS inserts a VPS row
func (s *SQLiteStore) CreateVPS(ctx context.Context, v *VPS) error {
	query := `
		INSERT INTO vpses (id, node_id, user_id, hostname, os_template, running, dataset_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		nullID(v.ID), v.NodeID, v.UserID, v.Hostname, v.OSTemplate, v.Running, v.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to create vps: %w", err)
	}

	if v.ID == 0 {
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get vps ID: %w", err)
		}
		v.ID = id
	}
	return nil
}

// GetVPS retrieves a VPS by ID
func (s *SQLiteStore) GetVPS(ctx context.Context, id int64) (*VPS, error) {
	v := &VPS{}
	var dataset sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, node_id, user_id, hostname, os_template, running, dataset_id FROM vpses WHERE id = ?`, id,
	).Scan(&v.ID, &v.NodeID, &v.UserID, &v.Hostname, &v.OSTemplate, &v.Running, &dataset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vps %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vps: %w", err)
	}
	v.DatasetID = nullInt64Ptr(dataset)
	return v, nil
}

// CreateDataset inserts a dataset row
func (s *SQLiteStore) CreateDataset(ctx context.Context, d *Dataset) error {
	if d.Properties == "" {
		d.Properties = "{}"
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (name, parent_id, pool_id, vps_id, properties) VALUES (?, ?, ?, ?, ?)`,
		d.Name, d.ParentID, d.PoolID, d.VPSID, d.Properties)
	if err != nil {
		return fmt.Errorf("failed to create dataset: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get dataset ID: %w", err)
	}
	d.ID = id
	return nil
}

// GetDataset retrieves a dataset by ID
func (s *SQLiteStore) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	d := &Dataset{}
	var parent, vps sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, pool_id, vps_id, properties FROM datasets WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &parent, &d.PoolID, &vps, &d.Properties)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	d.ParentID = nullInt64Ptr(parent)
	d.VPSID = nullInt64Ptr(vps)
	return d, nil
}

// DatasetSubtree returns a dataset and all its descendants, parents before
// children.
func (s *SQLiteStore) DatasetSubtree(ctx context.Context, rootID int64) ([]*Dataset, error) {
	query := `
		WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 0 FROM datasets WHERE id = ?
			UNION ALL
			SELECT d.id, t.depth + 1 FROM datasets d JOIN tree t ON d.parent_id = t.id
		)
		SELECT d.id, d.name, d.parent_id, d.pool_id, d.vps_id, d.properties
		FROM datasets d JOIN tree t ON t.id = d.id
		ORDER BY t.depth, d.id
	`

	rows, err := s.db.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset subtree: %w", err)
	}
	defer rows.Close()

	datasets := []*Dataset{}
	for rows.Next() {
		d := &Dataset{}
		var parent, vps sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Name, &parent, &d.PoolID, &vps, &d.Properties); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		d.ParentID = nullInt64Ptr(parent)
		d.VPSID = nullInt64Ptr(vps)
		datasets = append(datasets, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasets: %w", err)
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("dataset %d: %w", rootID, engine.ErrNotFound)
	}

	return datasets, nil
}

const ipColumns = `id, addr, version, location_id, vps_id, user_id, max_tx, max_rx, class_id`

func scanIP(sc scanner) (*IPAddress, error) {
	ip := &IPAddress{}
	var vps, user sql.NullInt64
	err := sc.Scan(&ip.ID, &ip.Addr, &ip.Version, &ip.LocationID, &vps, &user, &ip.MaxTx, &ip.MaxRx, &ip.ClassID)
	if err != nil {
		return nil, err
	}
	ip.VPSID = nullInt64Ptr(vps)
	ip.UserID = nullInt64Ptr(user)
	return ip, nil
}

func (s *SQLiteStore) listIPs(ctx context.Context, query string, args ...interface{}) ([]*IPAddress, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ip addresses: %w", err)
	}
	defer rows.Close()

	ips := []*IPAddress{}
	for rows.Next() {
		ip, err := scanIP(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ip address: %w", err)
		}
		ips = append(ips, ip)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ip addresses: %w", err)
	}

	return ips, nil
}

// CreateIPAddress inserts an IP address
func (s *SQLiteStore) CreateIPAddress(ctx context.Context, ip *IPAddress) error {
	query := `
		INSERT INTO ip_addresses (addr, version, location_id, vps_id, user_id, max_tx, max_rx, class_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ip.Addr, ip.Version, ip.LocationID, ip.VPSID, ip.UserID, ip.MaxTx, ip.MaxRx, ip.ClassID)
	if err != nil {
		return fmt.Errorf("failed to create ip address: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ip address ID: %w", err)
	}
	ip.ID = id
	return nil
}

// GetIPAddress retrieves an IP address by ID
func (s *SQLiteStore) GetIPAddress(ctx context.Context, id int64) (*IPAddress, error) {
	ip, err := scanIP(s.db.QueryRowContext(ctx, `SELECT `+ipColumns+` FROM ip_addresses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ip address %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ip address: %w", err)
	}
	return ip, nil
}

// VPSIPAddresses returns the addresses assigned to a VPS
func (s *SQLiteStore) VPSIPAddresses(ctx context.Context, vpsID int64) ([]*IPAddress, error) {
	return s.listIPs(ctx, `SELECT `+ipColumns+` FROM ip_addresses WHERE vps_id = ? ORDER BY version, id`, vpsID)
}

// NodeIPAddresses returns the addresses of every VPS placed on a node
func (s *SQLiteStore) NodeIPAddresses(ctx context.Context, nodeID int64) ([]*IPAddress, error) {
	query := `
		SELECT ` + ipColumns + `
		FROM ip_addresses
		WHERE vps_id IN (SELECT id FROM vpses WHERE node_id = ?)
		ORDER BY version, id
	`
	return s.listIPs(ctx, query, nodeID)
}

// FreeIPAddresses returns unassigned addresses of a location usable by
// user, skipping the excluded IDs.
func (s *SQLiteStore) FreeIPAddresses(ctx context.Context, locationID int64, version int, userID int64, exclude []int64) ([]*IPAddress, error) {
	query := `
		SELECT ` + ipColumns + `
		FROM ip_addresses
		WHERE location_id = ? AND version = ? AND vps_id IS NULL
		  AND (user_id IS NULL OR user_id = ?)
	`
	args := []interface{}{locationID, version, userID}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	// Addresses already owned by the user are preferred.
	query += ` ORDER BY user_id IS NULL, id`

	return s.listIPs(ctx, query, args...)
}

const mountColumns = `id, vps_id, dst, dataset_id, source, mount_type, mount_opts, mode`

func (s *SQLiteStore) listMounts(ctx context.Context, query string, args ...interface{}) ([]*Mount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounts: %w", err)
	}
	defer rows.Close()

	mounts := []*Mount{}
	for rows.Next() {
		m := &Mount{}
		var dataset sql.NullInt64
		if err := rows.Scan(&m.ID, &m.VPSID, &m.Dst, &dataset, &m.Source, &m.Type, &m.Opts, &m.Mode); err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		m.DatasetID = nullInt64Ptr(dataset)
		mounts = append(mounts, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mounts: %w", err)
	}

	return mounts, nil
}

// CreateMount inserts a mount
func (s *SQLiteStore) CreateMount(ctx context.Context, m *Mount) error {
	if m.Type == "" {
		m.Type = "bind"
	}
	if m.Mode == "" {
		m.Mode = "rw"
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO mounts (vps_id, dst, dataset_id, source, mount_type, mount_opts, mode) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.VPSID, m.Dst, m.DatasetID, m.Source, m.Type, m.Opts, m.Mode)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mount ID: %w", err)
	}
	m.ID = id
	return nil
}

// VPSMounts returns the mounts of a VPS, deepest destination first
func (s *SQLiteStore) VPSMounts(ctx context.Context, vpsID int64) ([]*Mount, error) {
	return s.listMounts(ctx, `SELECT `+mountColumns+` FROM mounts WHERE vps_id = ? ORDER BY dst DESC`, vpsID)
}

// DatasetMounts returns mounts of the given datasets in VPSes other than
// owner, deepest destination first.
func (s *SQLiteStore) DatasetMounts(ctx context.Context, datasetIDs []int64, owner int64) ([]*Mount, error) {
	if len(datasetIDs) == 0 {
		return []*Mount{}, nil
	}

	query := `SELECT ` + mountColumns + ` FROM mounts WHERE dataset_id IN (` +
		placeholders(len(datasetIDs)) + `) AND vps_id != ? ORDER BY vps_id, dst DESC`
	args := make([]interface{}, 0, len(datasetIDs)+1)
	for _, id := range datasetIDs {
		args = append(args, id)
	}
	args = append(args, owner)

	return s.listMounts(ctx, query, args...)
}

// UpsertConfigFile stores a config file template
func (s *SQLiteStore) UpsertConfigFile(ctx context.Context, f *ConfigFile) error {
	query := `
		INSERT INTO config_files (name, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`

	f.UpdatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, f.Name, f.Content, f.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert config file: %w", err)
	}
	return nil
}

// ListConfigFiles returns all stored config files
func (s *SQLiteStore) ListConfigFiles(ctx context.Context) ([]*ConfigFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, content, updated_at FROM config_files ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config files: %w", err)
	}
	defer rows.Close()

	files := []*ConfigFile{}
	for rows.Next() {
		f := &ConfigFile{}
		if err := rows.Scan(&f.Name, &f.Content, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config files: %w", err)
	}

	return files, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
