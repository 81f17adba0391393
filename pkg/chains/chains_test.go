package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// fakeInventory is an in-memory Inventory.
type fakeInventory struct {
	vpses    map[int64]*stores.VPS
	nodes    map[int64]*engine.Node
	pools    map[int64]*stores.Pool
	datasets []*stores.Dataset
	ips      []*stores.IPAddress
	mounts   []*stores.Mount
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, engine.ErrNotFound)
}

func (f *fakeInventory) GetVPS(_ context.Context, id int64) (*stores.VPS, error) {
	if v, ok := f.vpses[id]; ok {
		return v, nil
	}
	return nil, notFound("vps", id)
}

func (f *fakeInventory) GetNode(_ context.Context, id int64) (*engine.Node, error) {
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return nil, notFound("node", id)
}

func (f *fakeInventory) GetPool(_ context.Context, id int64) (*stores.Pool, error) {
	if p, ok := f.pools[id]; ok {
		return p, nil
	}
	return nil, notFound("pool", id)
}

func (f *fakeInventory) HypervisorPool(_ context.Context, nodeID int64) (*stores.Pool, error) {
	for _, p := range f.pools {
		if p.NodeID == nodeID && p.Role == "hypervisor" {
			return p, nil
		}
	}
	return nil, notFound("hypervisor pool of node", nodeID)
}

func (f *fakeInventory) GetDataset(_ context.Context, id int64) (*stores.Dataset, error) {
	for _, ds := range f.datasets {
		if ds.ID == id {
			return ds, nil
		}
	}
	return nil, notFound("dataset", id)
}

// DatasetSubtree assumes datasets are listed parents first.
func (f *fakeInventory) DatasetSubtree(_ context.Context, rootID int64) ([]*stores.Dataset, error) {
	in := map[int64]bool{rootID: true}
	var out []*stores.Dataset
	for _, ds := range f.datasets {
		if ds.ID == rootID || (ds.ParentID != nil && in[*ds.ParentID]) {
			in[ds.ID] = true
			out = append(out, ds)
		}
	}
	if len(out) == 0 {
		return nil, notFound("dataset", rootID)
	}
	return out, nil
}

func (f *fakeInventory) VPSMounts(_ context.Context, vpsID int64) ([]*stores.Mount, error) {
	var out []*stores.Mount
	for _, m := range f.mounts {
		if m.VPSID == vpsID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeInventory) DatasetMounts(_ context.Context, ids []int64, owner int64) ([]*stores.Mount, error) {
	var out []*stores.Mount
	for _, m := range f.mounts {
		if m.VPSID == owner || m.DatasetID == nil {
			continue
		}
		for _, id := range ids {
			if *m.DatasetID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (f *fakeInventory) VPSIPAddresses(_ context.Context, vpsID int64) ([]*stores.IPAddress, error) {
	var out []*stores.IPAddress
	for _, ip := range f.ips {
		if ip.VPSID != nil && *ip.VPSID == vpsID {
			out = append(out, ip)
		}
	}
	return out, nil
}

func (f *fakeInventory) FreeIPAddresses(_ context.Context, loc int64, version int, _ int64, exclude []int64) ([]*stores.IPAddress, error) {
	skip := map[int64]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	var out []*stores.IPAddress
	for _, ip := range f.ips {
		if ip.VPSID == nil && ip.LocationID == loc && ip.Version == version && !skip[ip.ID] {
			out = append(out, ip)
		}
	}
	return out, nil
}

func int64p(v int64) *int64 { return &v }

// newInventory describes VPS 101 on node 1 with a two dataset tree, one
// address, one own mount and a mount of its data in VPS 102.
func newInventory() *fakeInventory {
	return &fakeInventory{
		vpses: map[int64]*stores.VPS{
			101: {ID: 101, NodeID: 1, UserID: 7, Hostname: "web", OSTemplate: "debian-12", Running: true, DatasetID: int64p(10)},
			102: {ID: 102, NodeID: 1, UserID: 8, Hostname: "backup"},
		},
		nodes: map[int64]*engine.Node{
			1: {ID: 1, Name: "node1", Location: 1, Addr: "10.0.0.1"},
			2: {ID: 2, Name: "node2", Location: 2, Addr: "10.0.0.2"},
			3: {ID: 3, Name: "node3", Location: 1, Addr: "10.0.0.3"},
		},
		pools: map[int64]*stores.Pool{
			1: {ID: 1, NodeID: 1, Filesystem: "vz", Role: "hypervisor"},
			2: {ID: 2, NodeID: 2, Filesystem: "tank/vz", Role: "hypervisor"},
			3: {ID: 3, NodeID: 3, Filesystem: "vz", Role: "hypervisor"},
		},
		datasets: []*stores.Dataset{
			{ID: 10, Name: "private/101", PoolID: 1, VPSID: int64p(101)},
			{ID: 11, Name: "private/101/data", PoolID: 1, ParentID: int64p(10), Properties: `{"compression":"on"}`},
		},
		ips: []*stores.IPAddress{
			{ID: 1, Addr: "192.0.2.10", Version: 4, LocationID: 1, VPSID: int64p(101), ClassID: 1, MaxTx: 1000, MaxRx: 1000},
			{ID: 5, Addr: "198.51.100.1", Version: 4, LocationID: 2, ClassID: 5, MaxTx: 2000, MaxRx: 2000},
		},
		mounts: []*stores.Mount{
			{ID: 1, VPSID: 101, Dst: "/mnt/data", DatasetID: int64p(11), Type: "bind", Mode: "rw"},
			{ID: 2, VPSID: 102, Dst: "/srv/shared", DatasetID: int64p(11), Type: "bind", Mode: "ro"},
		},
	}
}

type testEnv struct {
	store   *engine.MemStore
	locks   *engine.LockRegistry
	service *Service
	inv     *fakeInventory
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	store := engine.NewMemStore()
	locks := engine.NewLockRegistry(store, logger)
	locks.SetPollInterval(5 * time.Millisecond)

	reg := engine.NewRegistry()
	handlers.NewSet(handlers.Options{Logger: logger}).Register(reg)
	require.NoError(t, config.Default().Bind(reg))

	inv := newInventory()
	builder := engine.NewBuilder(store, locks, reg, logger)
	return &testEnv{
		store:   store,
		locks:   locks,
		service: NewService(builder, inv, logger),
		inv:     inv,
	}
}

func (e *testEnv) chain(t *testing.T, id string) []*engine.Transaction {
	t.Helper()
	txs, err := e.store.ListChainTransactions(context.Background(), id)
	require.NoError(t, err)
	return txs
}

func types(txs []*engine.Transaction) []engine.TransactionType {
	out := make([]engine.TransactionType, len(txs))
	for i, tx := range txs {
		out[i] = tx.Type
	}
	return out
}

func decode(t *testing.T, tx *engine.Transaction, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(tx.Payload, v))
}

func lockKeys(t *testing.T, locks *engine.LockRegistry) []string {
	t.Helper()
	held, err := locks.List(context.Background())
	require.NoError(t, err)
	keys := make([]string, len(held))
	for i, l := range held {
		keys[i] = l.Resource
	}
	return keys
}

type fakeHooks struct {
	calls []string
	steps map[string][]config.HookStep
}

func (f *fakeHooks) RunHookFile(_ context.Context, path string, args config.HookArgs) ([]config.HookStep, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s running=%v dst=%v", path, args.Running, args.DstNode["name"]))
	return f.steps[path], nil
}
