// Package chains builds the multi-step transaction chains of the fleet.
//
// A Service reads the node inventory, takes the locks an operation needs
// and appends one step per host operation. Steps that change the database
// carry patches, applied when the step succeeds and reverted by its
// compensation.
//
// Migrate moves a VPS between nodes. Its dataset tree is created on the
// destination pool, transferred twice (live, then after the VPS stopped)
// and destroyed on the source once the VPS runs on the destination. When
// the migration leaves the VPS's location its addresses are removed or
// replaced by free addresses of the destination location. Hook scripts may
// append steps around the start of the VPS.
package chains
