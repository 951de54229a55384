// Package bitmap implements the index sets used to describe hardware locality.
//
// A Bitmap is an ordered set of non-negative integers with no upper bound.
// Besides finite sets it can represent "infinite" sets in which every index
// beyond some point is set; Full() is the set of all indices and is used as
// the "don't care" locality.
//
// # Value Semantics
//
// A Bitmap is never modified after construction. Every operation (Union,
// Intersection, With, Without, ...) returns a new value, so bitmaps can be
// shared between goroutines and stored in other structures without copying.
// The zero value is the empty set.
//
// # CPU Sets and Node Sets
//
// CPUSet indexes logical processors by OS index; NodeSet indexes NUMA memory
// nodes by OS index. Both are the same underlying type and combine freely.
//
// # Text Form
//
// Bitmaps print and parse in list form: "0-3,8,12-15". A trailing open range
// such as "16-" denotes an infinite set, "0-" is the full set and the empty
// string is the empty set. Bitmap implements encoding.TextMarshaler and
// encoding.TextUnmarshaler, so JSON, YAML and CBOR encoders use this form.
package bitmap
