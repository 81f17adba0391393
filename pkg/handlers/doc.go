// Package handlers implements the node-side entry points transactions are
// bound to: VPS lifecycle, ZFS storage, traffic accounting, shaping,
// outage windows and fleet-wide files.
//
// Every handler exposes named entries through engine.Handler and validates
// payloads with struct tags. External programs run through a Runner so the
// command lines can be asserted in tests.
package handlers
