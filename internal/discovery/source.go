package discovery

import (
	"context"

	"hwtopo/internal/topology"
)

// SourceKind describes where a source takes its facts from
type SourceKind string

const (
	// SourceKindFile - facts read from a file on disk
	SourceKindFile SourceKind = "file"
	// SourceKindSynthetic - facts generated from a description
	SourceKindSynthetic SourceKind = "synthetic"
	// SourceKindSysfs - facts probed from the running kernel
	SourceKindSysfs SourceKind = "sysfs"
)

// SourceConfig holds configuration for a registered source
type SourceConfig struct {
	// Enabled determines if the source takes part in discovery
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Priority decides between sources that all succeed (higher wins)
	Priority int `yaml:"priority" json:"priority"`
}

// Source produces the raw facts a topology is built from
type Source interface {
	// Name returns the unique identifier for this source
	Name() string

	// Kind returns where the facts come from
	Kind() SourceKind

	// Discover returns a fresh fact base. It must not retain the result.
	Discover(ctx context.Context) (*topology.FactBase, error)
}

// Result is what one source produced during a registry pass
type Result struct {
	Source   string             `json:"source"`
	Kind     SourceKind         `json:"kind"`
	Priority int                `json:"priority"`
	Facts    *topology.FactBase `json:"-"`
	Err      error              `json:"-"`
}

// OK reports whether the source produced usable facts
func (r Result) OK() bool {
	return r.Err == nil && r.Facts != nil && len(r.Facts.Objects) > 0
}
