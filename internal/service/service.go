package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hwtopo/internal/codec"
	"hwtopo/internal/discovery"
	"hwtopo/internal/repository"
	"hwtopo/internal/topology"
)

var (
	// ErrNotLoaded is returned before the first fact base was loaded
	ErrNotLoaded = errors.New("no topology loaded")
	// ErrNoStore is returned by snapshot operations without a store
	ErrNoStore = errors.New("snapshot store not configured")
)

var tracer = otel.Tracer("hwtopo.service")

// Option configures a TopologyService
type Option func(*TopologyService)

// WithFeatures sets the features every topology is built with
func WithFeatures(fs topology.Features) Option {
	return func(s *TopologyService) { s.features = fs }
}

// WithSnapshots stores a snapshot after every load and edit, keeping the
// newest retain snapshots; zero retain keeps everything
func WithSnapshots(store repository.SnapshotStore, retain int) Option {
	return func(s *TopologyService) {
		s.store = store
		s.retain = retain
	}
}

// WithMetrics records service metrics
func WithMetrics(m *Metrics) Option {
	return func(s *TopologyService) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *TopologyService) { s.logger = l }
}

// TopologyService owns the live topology. A new fact base replaces it only
// when its fingerprint differs from the last one loaded, so periodic
// rediscovery of an unchanged machine keeps edits made since.
type TopologyService struct {
	// mu guards the live topology pointer. Edits and reads hold it shared
	// so a replacement never closes a topology in use.
	mu       sync.RWMutex
	topo     *topology.Topology
	source   string
	input    codec.Digest
	loadedAt time.Time

	features topology.Features
	store    repository.SnapshotStore
	retain   int
	bus      *EventBus
	metrics  *Metrics
	logger   *slog.Logger
}

// NewTopologyService creates a service publishing to bus
func NewTopologyService(bus *EventBus, opts ...Option) *TopologyService {
	s := &TopologyService{
		features: topology.AllFeatures(),
		bus:      bus,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "service")
	return s
}

// LoadResult describes the outcome of Load
type LoadResult struct {
	Source      string       `json:"source"`
	Fingerprint codec.Digest `json:"fingerprint"`
	Changed     bool         `json:"changed"`
	Generation  uint64       `json:"generation"`
	Objects     int          `json:"objects"`
}

// Status describes the live topology
type Status struct {
	Source      string         `json:"source"`
	Fingerprint codec.Digest   `json:"fingerprint"`
	LoadedAt    time.Time      `json:"loaded_at"`
	Features    []string       `json:"features"`
	Stats       topology.Stats `json:"stats"`
}

// Load builds fb and makes it the live topology unless it matches the
// fact base already loaded
func (s *TopologyService) Load(ctx context.Context, source string, fb *topology.FactBase) (LoadResult, error) {
	return s.load(ctx, source, fb, loadEvents{EventTopologyLoaded, EventLoadFailed}, false)
}

// loadEvents are the events a load publishes on success and on failure
type loadEvents struct {
	done, failed EventType
}

// load builds fb and swaps it in. Unless force is set, facts matching the
// last input are skipped.
func (s *TopologyService) load(ctx context.Context, source string, fb *topology.FactBase, evts loadEvents, force bool) (res LoadResult, err error) {
	ctx, span := tracer.Start(ctx, "TopologyService.Load",
		trace.WithAttributes(attribute.String("hwtopo.source", source)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res.Source = source
	defer func() {
		switch {
		case err != nil:
			s.metrics.load(source, "error")
			s.publishFailure(evts.failed, source, err)
		case res.Changed:
			s.metrics.load(source, "changed")
		default:
			s.metrics.load(source, "unchanged")
		}
	}()

	if fb == nil || len(fb.Objects) == 0 {
		return res, fmt.Errorf("%s: empty fact base", source)
	}
	digest, err := codec.Fingerprint(fb)
	if err != nil {
		return res, fmt.Errorf("%s: %w", source, err)
	}
	res.Fingerprint = digest

	s.mu.RLock()
	unchanged := !force && s.topo != nil && s.input == digest
	s.mu.RUnlock()
	if unchanged {
		s.logger.Debug("facts unchanged", "source", source, "fingerprint", digest)
		return res, nil
	}

	topo, err := topology.Build(ctx, fb, topology.WithFeatures(s.features), topology.WithLogger(s.logger))
	if err != nil {
		return res, fmt.Errorf("%s: %w", source, err)
	}
	stats := topo.Stats()

	s.mu.Lock()
	old := s.topo
	s.topo = topo
	s.source = source
	s.input = digest
	s.loadedAt = time.Now().UTC()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	res.Changed = true
	res.Generation = stats.Generation
	res.Objects = stats.Objects
	s.metrics.observe(stats)
	s.logger.Info("topology loaded",
		"source", source, "fingerprint", digest, "objects", stats.Objects, "depth", stats.Depth)
	s.bus.Publish(Event{Type: evts.done, Generation: stats.Generation, Payload: res})

	s.autoSnapshot(ctx, source)
	return res, nil
}

// Apply loads a discovery result. It has the signature of
// discovery.ResultFunc.
func (s *TopologyService) Apply(ctx context.Context, res discovery.Result) error {
	if res.Err != nil {
		s.publishFailure(EventDiscoveryFailed, res.Source, res.Err)
		return res.Err
	}
	_, err := s.load(ctx, res.Source, res.Facts, loadEvents{EventTopologyLoaded, EventDiscoveryFailed}, false)
	return err
}

func (s *TopologyService) publishFailure(typ EventType, source string, err error) {
	s.bus.Publish(Event{Type: typ, Payload: map[string]string{
		"source": source,
		"error":  err.Error(),
	}})
}

// View calls fn with the live topology, which stays open until fn returns
func (s *TopologyService) View(fn func(*topology.Topology) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.topo == nil {
		return ErrNotLoaded
	}
	return fn(s.topo)
}

// Status describes the live topology
func (s *TopologyService) Status() (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.topo == nil {
		return Status{}, ErrNotLoaded
	}
	var features []string
	for _, f := range s.topo.Features().List() {
		features = append(features, string(f))
	}
	return Status{
		Source:      s.source,
		Fingerprint: s.input,
		LoadedAt:    s.loadedAt,
		Features:    features,
		Stats:       s.topo.Stats(),
	}, nil
}

// Edit runs fn as one editor session on the live topology. Each session
// gets an ID that appears in the logs and the published event.
func (s *TopologyService) Edit(ctx context.Context, fn func(*topology.Editor) error) (string, error) {
	session := uuid.NewString()
	logger := s.logger.With("session", session)

	s.mu.RLock()
	topo := s.topo
	if topo == nil {
		s.mu.RUnlock()
		return session, ErrNotLoaded
	}
	start := time.Now()
	err := topo.Update(ctx, fn)
	s.metrics.edit(time.Since(start).Seconds(), err)
	stats := topo.Stats()
	source := s.source
	s.mu.RUnlock()

	if err != nil {
		logger.Warn("edit rejected", "error", err)
		return session, err
	}

	s.metrics.observe(stats)
	logger.Info("topology edited", "generation", stats.Generation, "objects", stats.Objects)
	s.bus.Publish(Event{Type: EventTopologyEdited, Generation: stats.Generation, Payload: map[string]any{
		"session": session,
		"objects": stats.Objects,
	}})

	s.autoSnapshot(ctx, source)
	return session, nil
}

// Export writes the live topology in format: a codec format or "text"
func (s *TopologyService) Export(format string, w io.Writer) (err error) {
	defer func() { s.metrics.export(format, err) }()

	var e codec.Exporter
	if format == "text" {
		e = codec.NewTextExporter(true)
	} else {
		c, err := codec.ForFormat(format)
		if err != nil {
			return err
		}
		e = c
	}
	return s.View(func(topo *topology.Topology) error {
		return codec.Export(topo, e, w)
	})
}

// Import reads a document in format and loads it
func (s *TopologyService) Import(ctx context.Context, format string, r io.Reader) (LoadResult, error) {
	c, err := codec.ForFormat(format)
	if err != nil {
		return LoadResult{}, err
	}
	fb, err := c.Parse(r)
	if err != nil {
		return LoadResult{}, err
	}
	return s.Load(ctx, "import:"+c.Format(), fb)
}

// SaveSnapshot stores the live topology. It reports whether a new snapshot
// was created rather than an identical one found.
func (s *TopologyService) SaveSnapshot(ctx context.Context, label string) (*repository.Snapshot, bool, error) {
	if s.store == nil {
		return nil, false, ErrNoStore
	}

	snap := &repository.Snapshot{Label: label}
	err := s.View(func(topo *topology.Topology) error {
		fb, err := topo.Facts()
		if err != nil {
			return err
		}
		snap.Facts = fb
		snap.Generation = topo.Generation()
		snap.Source = s.source
		return nil
	})
	if err != nil {
		s.metrics.snapshot("save", err)
		return nil, false, err
	}

	created, err := s.store.SaveSnapshot(ctx, snap)
	s.metrics.snapshot("save", err)
	if err != nil {
		return nil, false, fmt.Errorf("save snapshot: %w", err)
	}
	if !created {
		return snap, false, nil
	}

	s.logger.Info("snapshot saved", "id", snap.ID, "label", label, "objects", snap.Objects)
	s.bus.Publish(Event{Type: EventSnapshotSaved, Generation: snap.Generation, Payload: map[string]any{
		"id":     snap.ID,
		"label":  label,
		"source": snap.Source,
	}})

	if s.retain > 0 {
		pruned, err := s.store.PruneSnapshots(ctx, s.retain)
		s.metrics.snapshot("prune", err)
		if err != nil {
			s.logger.Warn("failed to prune snapshots", "error", err)
		} else if pruned > 0 {
			s.logger.Debug("pruned snapshots", "count", pruned)
		}
	}
	return snap, true, nil
}

// autoSnapshot saves after loads and edits when a store is configured.
// Failures are logged; the topology change itself already happened.
func (s *TopologyService) autoSnapshot(ctx context.Context, source string) {
	if s.store == nil {
		return
	}
	if _, _, err := s.SaveSnapshot(ctx, ""); err != nil {
		s.logger.Warn("automatic snapshot failed", "source", source, "error", err)
	}
}

// Snapshots lists stored snapshots, newest first
func (s *TopologyService) Snapshots(ctx context.Context, limit int) ([]repository.Snapshot, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	list, err := s.store.ListSnapshots(ctx, limit)
	s.metrics.snapshot("list", err)
	return list, err
}

// RestoreSnapshot makes a stored snapshot the live topology, discarding
// edits made since
func (s *TopologyService) RestoreSnapshot(ctx context.Context, id codec.Digest) (LoadResult, error) {
	if s.store == nil {
		return LoadResult{}, ErrNoStore
	}
	snap, err := s.store.GetSnapshot(ctx, id)
	s.metrics.snapshot("get", err)
	if err != nil {
		return LoadResult{}, err
	}
	return s.load(ctx, "snapshot:"+snap.ID.String()[:12], snap.Facts, loadEvents{EventSnapshotRestored, EventLoadFailed}, true)
}

// RestoreLatest restores the newest snapshot. The daemon uses it to come up
// with the last known topology before discovery finishes.
func (s *TopologyService) RestoreLatest(ctx context.Context) (LoadResult, error) {
	if s.store == nil {
		return LoadResult{}, ErrNoStore
	}
	snap, err := s.store.LatestSnapshot(ctx)
	s.metrics.snapshot("get", err)
	if err != nil {
		return LoadResult{}, err
	}
	return s.load(ctx, "snapshot:"+snap.ID.String()[:12], snap.Facts, loadEvents{EventSnapshotRestored, EventLoadFailed}, true)
}

// Close releases the live topology
func (s *TopologyService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topo == nil {
		return nil
	}
	err := s.topo.Close()
	s.topo = nil
	return err
}
