// Package engine provides the transaction-chain orchestration core of vpsfleet.
//
// # Overview
//
// Every change to a stateful fleet resource (a VPS, a dataset, an IP address)
// is expressed as one or more transactions. A transaction is a single atomic
// step addressed to one node; a chain is a set of transactions committed
// together and linked by dependency edges. The engine is organised as:
//
//   - Builder / Chain: assembles steps with named anchors and commits them
//     to the Store as one unit (Fire creates a lone transaction)
//   - LockRegistry: exclusive, re-entrant resource locks held per chain
//   - Registry: static map from transaction type code to a Handler entry
//   - Executor: runs one claimed transaction and records its outcome once
//   - Dispatcher: per-node worker pool claiming ready transactions
//   - RollbackEngine: compensates completed steps of a failed chain in
//     reverse order and finalises the chain state
//
// # Ordering
//
// Within one node urgent transactions are claimed before non-urgent ones,
// higher priority before lower, and arrival order breaks ties. A transaction
// is never claimed before its dependency reached done-ok or done-warning; if
// the dependency failed, was killed or itself failed by dependency, the
// dependent row becomes dependency-failed without running.
//
// # Failure handling
//
// A failed step moves its chain to rolling_back. Queued forward steps are
// cancelled and one compensation transaction per completed step is appended,
// newest first, each depending on the previous one. A failing compensation
// moves the chain to rollback_failed. Independently, a failed transaction
// that carries a fallback enqueues that replacement chain unmodified; a
// fallback chain is never itself rolled back.
//
// # Storage
//
// Store is the single source of truth. MemStore implements it in memory and
// backs the package tests; pkg/stores provides the SQLite implementation.
package engine
