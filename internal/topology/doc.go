// Package topology models the hardware hierarchy of a machine and the
// locality data attached to it.
//
// A Topology is built once from a FactBase handed over by a discovery source.
// It owns every object in an arena; callers hold Handles, which pair an arena
// id with the generation of the tree they were obtained from.
//
// # Generations
//
// Each generation of the tree is an immutable state published through an
// atomic pointer. Queries load the current state, check the handle's
// generation and never lock. A committed edit session publishes a new
// generation, so every handle obtained earlier fails with ErrStaleHandle.
// Closing the topology invalidates all handles.
//
// # Editing
//
// Edit and TryEdit open an exclusive Editor. Edits apply to a private copy;
// Commit validates the containment and ordering invariants and swaps the
// copy in. A failed edit poisons the session and Commit leaves the tree
// untouched.
//
// # Depths
//
// Machine, Package, Die, caches, Core and PU form the normal levels, numbered
// from 0 in that order for the types present. Groups, memory, I/O and Misc
// objects live at fixed negative depths (DepthGroup, DepthNUMANode, ...).
//
// # Distances and memory attributes
//
// The DistanceStore and MemAttrStore attached to a topology refer to objects
// by arena id. A commit that removes objects re-indexes matrices and drops
// attribute values naming them in the same step. RemoveObject refuses
// objects still referenced unless ReleaseReferences was called in the same
// session.
//
// # Features
//
// A Features set, fixed at Build time, gates optional object types, edit
// operations and stores. Calls into a disabled feature fail with
// ErrUnsupportedFeature.
package topology
