// Package daemon runs the transaction executor of one node.
//
// A Daemon wires the engine (lock registry, chain builder, executor,
// rollback and dispatcher), the handler set, the chain admission policies
// and the remote control server around one store. Run blocks until the
// context is cancelled or an administrative command asks it to exit; the
// returned code tells the supervisor what to do next:
//
//	ExitStop     100  stay down
//	ExitRestart  150  start again
//	ExitUpdate   200  update the binary, then start again
//
// Remote commands other than status are written to the audit log.
package daemon
