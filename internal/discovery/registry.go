package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSource is returned when no enabled source is registered
	ErrNoSource = errors.New("no enabled discovery source")
	// ErrNoFacts is returned when every enabled source failed
	ErrNoFacts = errors.New("no discovery source produced facts")
)

// maxConcurrent bounds how many sources probe at the same time
const maxConcurrent = 4

// ResultFunc is called with the winning result of a discovery pass
type ResultFunc func(ctx context.Context, res Result) error

// Registry manages the registered sources and runs discovery passes
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	configs map[string]SourceConfig
	order   []string
	logger  *slog.Logger
}

// NewRegistry creates a new source registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sources: make(map[string]Source),
		configs: make(map[string]SourceConfig),
		logger:  logger.With("component", "discovery"),
	}
}

// Register adds a source to the registry
func (r *Registry) Register(src Source, config SourceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := src.Name()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}

	r.sources[name] = src
	r.configs[name] = config
	r.order = append(r.order, name)
	r.logger.Info("registered source",
		"source", name, "kind", src.Kind(), "priority", config.Priority, "enabled", config.Enabled)

	return nil
}

// Unregister removes a source
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; !exists {
		return fmt.Errorf("source %s not found", name)
	}
	delete(r.sources, name)
	delete(r.configs, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return nil
}

// SourceInfo provides read-only information about a source
type SourceInfo struct {
	Name     string     `json:"name"`
	Kind     SourceKind `json:"kind"`
	Priority int        `json:"priority"`
	Enabled  bool       `json:"enabled"`
}

// ListSources returns the registered sources, highest priority first
func (r *Registry) ListSources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SourceInfo, 0, len(r.order))
	for _, name := range r.order {
		config := r.configs[name]
		infos = append(infos, SourceInfo{
			Name:     name,
			Kind:     r.sources[name].Kind(),
			Priority: config.Priority,
			Enabled:  config.Enabled,
		})
	}
	slices.SortStableFunc(infos, func(a, b SourceInfo) int { return b.Priority - a.Priority })
	return infos
}

// DiscoverAll runs every enabled source concurrently. Results are ordered
// by priority, highest first, then by registration order.
func (r *Registry) DiscoverAll(ctx context.Context) []Result {
	r.mu.RLock()
	type entry struct {
		src    Source
		config SourceConfig
	}
	var enabled []entry
	for _, name := range r.order {
		if config := r.configs[name]; config.Enabled {
			enabled = append(enabled, entry{r.sources[name], config})
		}
	}
	r.mu.RUnlock()

	results := make([]Result, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, e := range enabled {
		g.Go(func() error {
			results[i] = r.run(gctx, e.src, e.config)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(results, func(a, b Result) int { return b.Priority - a.Priority })
	return results
}

// Discover returns the result of the highest priority source that produced
// facts. When all fail the error joins every failure.
func (r *Registry) Discover(ctx context.Context) (Result, error) {
	results := r.DiscoverAll(ctx)
	if len(results) == 0 {
		return Result{}, ErrNoSource
	}

	errs := []error{ErrNoFacts}
	for _, res := range results {
		if res.OK() {
			return res, nil
		}
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Source, res.Err))
		} else {
			errs = append(errs, fmt.Errorf("%s: empty fact base", res.Source))
		}
	}
	return Result{}, errors.Join(errs...)
}

// DiscoverFrom runs a single named source
func (r *Registry) DiscoverFrom(ctx context.Context, name string) (Result, error) {
	r.mu.RLock()
	src, exists := r.sources[name]
	config := r.configs[name]
	r.mu.RUnlock()

	if !exists {
		return Result{}, fmt.Errorf("source %s not found", name)
	}
	if !config.Enabled {
		return Result{}, fmt.Errorf("source %s is disabled", name)
	}

	res := r.run(ctx, src, config)
	if res.Err != nil {
		return res, res.Err
	}
	if !res.OK() {
		return res, fmt.Errorf("%w: %s returned an empty fact base", ErrNoFacts, name)
	}
	return res, nil
}

// Run discovers once immediately and then on every tick of interval,
// handing each winning result to fn. Failed passes are logged and skipped.
// Run returns when ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, fn ResultFunc) error {
	if interval <= 0 {
		interval = time.Minute
	}

	pass := func() {
		res, err := r.Discover(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("discovery pass failed", "error", err)
			}
			return
		}
		if err := fn(ctx, res); err != nil {
			r.logger.Warn("discovery result rejected", "source", res.Source, "error", err)
		}
	}

	pass()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("started discovery loop", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping discovery loop")
			return ctx.Err()
		case <-ticker.C:
			pass()
		}
	}
}

func (r *Registry) run(ctx context.Context, src Source, config SourceConfig) Result {
	res := Result{Source: src.Name(), Kind: src.Kind(), Priority: config.Priority}

	start := time.Now()
	res.Facts, res.Err = src.Discover(ctx)
	if res.Err != nil {
		r.logger.Warn("source failed", "source", res.Source, "error", res.Err)
		return res
	}

	objects := 0
	if res.Facts != nil {
		objects = len(res.Facts.Objects)
	}
	r.logger.Debug("source complete",
		"source", res.Source, "objects", objects, "duration", time.Since(start))
	return res
}
