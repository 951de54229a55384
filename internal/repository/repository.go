package repository

import (
	"context"
	"errors"
	"time"

	"hwtopo/internal/codec"
	"hwtopo/internal/topology"
)

// ErrNotFound is returned when no snapshot matches
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one stored topology. The ID is the fingerprint of Facts, so
// saving an identical tree twice stores it once.
type Snapshot struct {
	ID         codec.Digest       `json:"id"`
	Label      string             `json:"label,omitempty"`
	Source     string             `json:"source,omitempty"`
	Generation uint64             `json:"generation"`
	Objects    int                `json:"objects"`
	CreatedAt  time.Time          `json:"created_at"`
	Facts      *topology.FactBase `json:"-"`
}

// SnapshotStore persists exported topologies
type SnapshotStore interface {
	// SaveSnapshot stores snap, computing its ID when zero. It reports
	// false when a snapshot with the same ID already existed; the stored
	// one is left untouched apart from an empty label being filled in.
	SaveSnapshot(ctx context.Context, snap *Snapshot) (bool, error)

	// GetSnapshot loads a snapshot with its facts
	GetSnapshot(ctx context.Context, id codec.Digest) (*Snapshot, error)
	// LatestSnapshot loads the most recently created snapshot
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	// ListSnapshots returns snapshot metadata, newest first, without facts.
	// A limit of zero or less lists everything.
	ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error)

	DeleteSnapshot(ctx context.Context, id codec.Digest) error
	// PruneSnapshots keeps the newest keep snapshots and returns how many
	// were deleted
	PruneSnapshots(ctx context.Context, keep int) (int, error)

	Close() error
}
