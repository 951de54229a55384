// Package discovery implements the sources that describe a machine to the
// topology core.
//
// A source produces a topology.FactBase: a flat list of object facts linked
// by parent IDs, plus distance matrices and memory attribute values. The
// core builds and validates the tree; sources only report what they see.
//
// # Sources
//
// FileSource reads a fact file (package loader) or an exported document in
// any codec format. It is the usual source for tests and for replaying a
// topology captured on another machine.
//
// SyntheticSource expands a compact description such as
// "NUMANode:2 Package:1 L3Cache:1 Core:4 PU:2" into a symmetric tree.
//
// SysfsSource reads CPU, cache and NUMA topology from a Linux sysfs tree.
// The root is configurable so tests can point it at a synthetic directory.
//
// # Registry
//
// Registry holds the configured sources. Discover runs every enabled source
// concurrently and returns the result of the highest priority source that
// succeeded. Run repeats discovery on an interval for sources that describe
// changing hardware.
package discovery
