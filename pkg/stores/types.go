package stores

import (
	"time"
)

// Location is a datacenter or network segment. IP addresses are routable
// only inside their location.
type Location struct {
	ID     int64  `json:"id"`
	Label  string `json:"label"`
	Domain string `json:"domain"`
}

// NodePubkey is a host key a node publishes for known_hosts generation
type NodePubkey struct {
	NodeID  int64  `json:"node_id"`
	KeyType string `json:"key_type"`
	Key     string `json:"key"`
}

// Pool is a storage pool on a node
type Pool struct {
	ID         int64  `json:"id"`
	NodeID     int64  `json:"node_id"`
	Filesystem string `json:"filesystem"`
	Role       string `json:"role"`
}

// VPS is a virtual private server
type VPS struct {
	ID         int64  `json:"id"`
	NodeID     int64  `json:"node_id"`
	UserID     int64  `json:"user_id"`
	Hostname   string `json:"hostname"`
	OSTemplate string `json:"os_template"`
	Running    bool   `json:"running"`
	DatasetID  *int64 `json:"dataset_id,omitempty"`
}

// Dataset is a filesystem dataset in a pool. Datasets form a tree through
// ParentID.
type Dataset struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ParentID   *int64 `json:"parent_id,omitempty"`
	PoolID     int64  `json:"pool_id"`
	VPSID      *int64 `json:"vps_id,omitempty"`
	Properties string `json:"properties"` // JSON blob
}

// IPAddress is an address assigned to a VPS or free in a location
type IPAddress struct {
	ID         int64  `json:"id"`
	Addr       string `json:"addr"`
	Version    int    `json:"version"`
	LocationID int64  `json:"location_id"`
	VPSID      *int64 `json:"vps_id,omitempty"`
	UserID     *int64 `json:"user_id,omitempty"`
	MaxTx      int64  `json:"max_tx"`
	MaxRx      int64  `json:"max_rx"`
	ClassID    int64  `json:"class_id"`
}

// Mount is a mount of a dataset or a remote path into a VPS
type Mount struct {
	ID        int64  `json:"id"`
	VPSID     int64  `json:"vps_id"`
	Dst       string `json:"dst"`
	DatasetID *int64 `json:"dataset_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Type      string `json:"type"`
	Opts      string `json:"opts"`
	Mode      string `json:"mode"`
}

// ConfigFile is a named template distributed to nodes
type ConfigFile struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry represents an administrative command received by a daemon
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}
