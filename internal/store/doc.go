// Package store provides SQLite-backed durable storage for the pipeline
// ledger and a SQLite implementation of the relational apply target.
//
// The store holds:
//   - Versions: the append-only per-record lineage
//   - Snapshots: the current committed state of each record
//   - Conflicts: the conflict log, including manual resolutions
//   - Dead letters: events that could not be applied
//   - Records: rows written by the dual-store applier
//
// # Ordering
//
// Versions carry the engine's logical sequence number and are always read
// ORDER BY seq ASC. Conflicts and dead letters are read in insertion order
// via their autoincrement seq. Wall-clock columns are never used for
// ordering.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Payloads and field values are stored as JSON TEXT. Typed values decode
// through the ir package so the integer/float distinction survives a
// round trip.
package store
