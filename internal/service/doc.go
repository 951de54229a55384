// Package service owns the live topology of the daemon.
//
// TopologyService loads fact bases from discovery, runs editor sessions,
// exports and imports documents, and keeps content-addressed snapshots in a
// repository.SnapshotStore. Every change is published on an EventBus, which
// the daemon forwards to server-sent event clients.
//
// A fact base only replaces the live topology when its fingerprint differs
// from the last one loaded. Periodic rediscovery of an unchanged machine
// therefore keeps edits made since; restoring a snapshot always replaces.
package service
