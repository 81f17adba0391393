package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// Inventory is the part of the node inventory chain constructors read.
// stores.SQLiteStore implements it.
type Inventory interface {
	GetVPS(ctx context.Context, id int64) (*stores.VPS, error)
	GetNode(ctx context.Context, id int64) (*engine.Node, error)
	GetPool(ctx context.Context, id int64) (*stores.Pool, error)
	HypervisorPool(ctx context.Context, nodeID int64) (*stores.Pool, error)
	GetDataset(ctx context.Context, id int64) (*stores.Dataset, error)
	DatasetSubtree(ctx context.Context, rootID int64) ([]*stores.Dataset, error)
	VPSMounts(ctx context.Context, vpsID int64) ([]*stores.Mount, error)
	DatasetMounts(ctx context.Context, datasetIDs []int64, owner int64) ([]*stores.Mount, error)
	VPSIPAddresses(ctx context.Context, vpsID int64) ([]*stores.IPAddress, error)
	FreeIPAddresses(ctx context.Context, locationID int64, version int, userID int64, exclude []int64) ([]*stores.IPAddress, error)
}

var _ Inventory = (*stores.SQLiteStore)(nil)

// Resource kinds locked by chains.
const (
	KindVPS     = "vps"
	KindPool    = "pool"
	KindDataset = "dataset"
)

func vpsResource(id int64) engine.Resource     { return engine.Resource{Kind: KindVPS, ID: id} }
func poolResource(id int64) engine.Resource    { return engine.Resource{Kind: KindPool, ID: id} }
func datasetResource(id int64) engine.Resource { return engine.Resource{Kind: KindDataset, ID: id} }

// datasetPath is the ZFS name of a dataset inside a pool.
func datasetPath(pool *stores.Pool, ds *stores.Dataset) string {
	return pool.Filesystem + "/" + ds.Name
}

// datasetProperties decodes the locally set properties of a dataset.
func datasetProperties(ds *stores.Dataset) (map[string]string, error) {
	if ds.Properties == "" {
		return nil, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(ds.Properties), &raw); err != nil {
		return nil, fmt.Errorf("dataset %d: invalid properties: %w", ds.ID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	props := make(map[string]string, len(raw))
	for k, v := range raw {
		props[k] = fmt.Sprint(v)
	}
	return props, nil
}

func sortedKeys(m map[int64][]*stores.Mount) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
