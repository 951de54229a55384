// Package repository defines the snapshot store of the hwtopo daemon.
//
// A snapshot is an exported topology fact base together with where it came
// from and when it was taken. Snapshots are content addressed: the ID is the
// keyed BLAKE3 fingerprint of the facts, so repeated discovery of an
// unchanged machine does not grow the store.
//
// # SQLite Implementation
//
// The sqlite subpackage stores snapshots in a single table with the facts
// held as a deterministic CBOR document. The schema is created on open.
//
// # Testing
//
// The sqlite store is tested against in-memory databases.
package repository
