// Package stores provides the SQLite persistence layer of vpsfleet.
// It holds the transaction queue, chains and resource locks backing the
// engine, the fleet inventory (locations, nodes, pools, VPSes, datasets, IP
// addresses, mounts) the chain builders read, and the audit trail of
// administrative commands. The schema is managed with embedded migrations.
package stores
