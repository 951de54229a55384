package topology

import (
	"errors"
	"fmt"
)

// Sentinel errors for topology operations.
var (
	// ErrTypeMismatch is returned when an accessor does not apply to the
	// object's type, e.g. reading a cpuset on a PCI device.
	ErrTypeMismatch = errors.New("operation does not apply to object type")

	// ErrStaleHandle is returned when a handle refers to an older generation
	// of the tree, a removed object, or a closed topology.
	ErrStaleHandle = errors.New("stale object handle")

	ErrInvalidRestriction = errors.New("restriction would leave the topology empty")
	ErrInvalidGrouping    = errors.New("invalid grouping")

	// ErrObjectInUse is returned when removing an object still indexed by a
	// distance matrix or a memory attribute entry.
	ErrObjectInUse = errors.New("object is referenced by distances or memory attributes")

	ErrIndexOutOfRange    = errors.New("index out of range")
	ErrDimensionMismatch  = errors.New("distance matrix dimension mismatch")
	ErrMixedObjectTypes   = errors.New("distance matrix objects have mixed types")
	ErrUnsupportedFeature = errors.New("feature not supported")
	ErrRootObject         = errors.New("operation not allowed on the root object")

	// ErrEditorBusy is returned by TryEdit while another session holds the editor.
	ErrEditorBusy    = errors.New("editor session already open")
	ErrSessionClosed = errors.New("editor session already closed")
	ErrClosed        = errors.New("topology is closed")

	ErrUnknownAttribute  = errors.New("unknown memory attribute")
	ErrInvalidInitiator  = errors.New("invalid memory attribute initiator")
	ErrReadOnlyAttribute = errors.New("memory attribute is read-only")
	ErrDuplicateName     = errors.New("name already registered")
	ErrNotFound          = errors.New("not found")

	// ErrInvalidFacts is returned by Build for a fact base that does not
	// describe a well-formed tree.
	ErrInvalidFacts = errors.New("invalid fact base")

	// ErrInvariant is returned by Commit when the edited tree breaks a
	// structural invariant; the tree is left untouched.
	ErrInvariant = errors.New("topology invariant violated")
)

// TypeMismatchError names the accessor and the object type it was used on
type TypeMismatchError struct {
	Op   string
	Type ObjectType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: not applicable to %s", e.Op, e.Type)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

func mismatch(op string, t ObjectType) error {
	return &TypeMismatchError{Op: op, Type: t}
}

// IndexError reports an out of range matrix or list index
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d)", e.Index, e.Len)
}

func (e *IndexError) Unwrap() error { return ErrIndexOutOfRange }

// FactError points at the fact that made a fact base invalid
type FactError struct {
	ID     string
	Reason string
}

func (e *FactError) Error() string {
	if e.ID == "" {
		return "invalid fact base: " + e.Reason
	}
	return fmt.Sprintf("invalid fact %q: %s", e.ID, e.Reason)
}

func (e *FactError) Unwrap() error { return ErrInvalidFacts }

func factErr(id, format string, args ...any) error {
	return &FactError{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// FeatureError reports which feature was required but disabled
type FeatureError struct {
	Feature Feature
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %s not supported", e.Feature)
}

func (e *FeatureError) Unwrap() error { return ErrUnsupportedFeature }
