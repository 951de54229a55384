package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"hwtopo/internal/bitmap"
	"hwtopo/internal/codec"
	"hwtopo/internal/discovery"
	"hwtopo/internal/repository"
	"hwtopo/internal/service"
	"hwtopo/internal/topology"
)

// maxImportSize bounds uploaded topology documents
const maxImportSize = 16 << 20

// maxRequestSize bounds JSON request bodies
const maxRequestSize = 64 << 10

// Discoverer runs a discovery pass
type Discoverer interface {
	Discover(ctx context.Context) (discovery.Result, error)
}

// TopologyHandler handles topology API requests
type TopologyHandler struct {
	svc       *service.TopologyService
	discovery Discoverer
	logger    *slog.Logger
}

// NewTopologyHandler creates a new topology handler
func NewTopologyHandler(svc *service.TopologyService, logger *slog.Logger) *TopologyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyHandler{svc: svc, logger: logger.With("component", "http")}
}

// SetDiscoverer enables POST /api/discover
func (h *TopologyHandler) SetDiscoverer(d Discoverer) {
	h.discovery = d
}

// Register adds the API routes to mux
func (h *TopologyHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/topology", h.ExportTopology)
	mux.HandleFunc("PUT /api/topology", h.ImportTopology)
	mux.HandleFunc("GET /api/distances", h.ListDistances)
	mux.HandleFunc("POST /api/restrict", h.Restrict)
	mux.HandleFunc("POST /api/discover", h.TriggerDiscovery)
	mux.HandleFunc("GET /api/snapshots", h.ListSnapshots)
	mux.HandleFunc("POST /api/snapshots", h.SaveSnapshot)
	mux.HandleFunc("POST /api/snapshots/{id}/restore", h.RestoreSnapshot)
	mux.HandleFunc("GET /healthz", h.Health)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// GetStatus returns the live topology summary
func (h *TopologyHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status()
	if err != nil {
		h.fail(w, "Failed to get status", err)
		return
	}
	h.writeJSON(w, st, http.StatusOK)
}

var contentTypes = map[string]string{
	"json": "application/json",
	"yaml": "application/x-yaml",
	"yml":  "application/x-yaml",
	"cbor": "application/cbor",
	"text": "text/plain; charset=utf-8",
}

// ExportTopology writes the live topology in the requested format, JSON by
// default
func (h *TopologyHandler) ExportTopology(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	ct, ok := contentTypes[format]
	if !ok {
		h.writeError(w, "Unknown format", format, http.StatusBadRequest)
		return
	}

	// buffered so a failed export can still answer with an error status
	var buf bytes.Buffer
	if err := h.svc.Export(format, &buf); err != nil {
		h.fail(w, "Failed to export topology", err)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ImportTopology replaces the live topology with the uploaded document
func (h *TopologyHandler) ImportTopology(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "yaml"
	}
	res, err := h.svc.Import(r.Context(), format, http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		h.writeError(w, "Failed to import topology", err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, res, http.StatusOK)
}

// DistanceMatrix is the JSON form of one distance matrix
type DistanceMatrix struct {
	Name       string                `json:"name"`
	Kind       topology.DistanceKind `json:"kind"`
	ObjectType topology.ObjectType   `json:"object_type"`
	Objects    []string              `json:"objects"`
	Values     []uint64              `json:"values"`
}

// ListDistances returns every distance matrix of the live topology
func (h *TopologyHandler) ListDistances(w http.ResponseWriter, r *http.Request) {
	var out []DistanceMatrix
	err := h.svc.View(func(topo *topology.Topology) error {
		list, err := topo.Distances().List()
		if err != nil {
			return err
		}
		for _, m := range list {
			dm := DistanceMatrix{
				Name:       m.Name(),
				Kind:       m.Kind(),
				ObjectType: m.ObjectType(),
				Values:     m.Values(),
			}
			for _, o := range m.Objects() {
				obj, err := o.Object()
				if err != nil {
					return err
				}
				dm.Objects = append(dm.Objects, topology.ObjectID(obj.Type(), obj.LogicalIndex()))
			}
			out = append(out, dm)
		}
		return nil
	})
	if err != nil {
		h.fail(w, "Failed to list distances", err)
		return
	}
	if out == nil {
		out = []DistanceMatrix{}
	}
	h.writeJSON(w, out, http.StatusOK)
}

// RestrictRequest selects what Restrict keeps. Exactly one of CPUSet and
// NodeSet is set.
type RestrictRequest struct {
	CPUSet        string `json:"cpuset,omitempty"`
	NodeSet       string `json:"nodeset,omitempty"`
	RemoveCPULess bool   `json:"remove_cpuless,omitempty"`
	RemoveMemLess bool   `json:"remove_memless,omitempty"`
	AdaptMisc     bool   `json:"adapt_misc,omitempty"`
	AdaptIO       bool   `json:"adapt_io,omitempty"`
}

func (req RestrictRequest) flags() topology.RestrictFlags {
	var f topology.RestrictFlags
	if req.RemoveCPULess {
		f |= topology.RestrictRemoveCPULess
	}
	if req.RemoveMemLess {
		f |= topology.RestrictRemoveMemLess
	}
	if req.AdaptMisc {
		f |= topology.RestrictAdaptMisc
	}
	if req.AdaptIO {
		f |= topology.RestrictAdaptIO
	}
	return f
}

// Restrict runs one editor session restricting the live topology
func (h *TopologyHandler) Restrict(w http.ResponseWriter, r *http.Request) {
	var req RestrictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}
	if (req.CPUSet == "") == (req.NodeSet == "") {
		h.writeError(w, "Invalid request body", "exactly one of cpuset and nodeset is required", http.StatusBadRequest)
		return
	}

	raw := req.CPUSet
	if raw == "" {
		raw = req.NodeSet
	}
	set, err := bitmap.Parse(raw)
	if err != nil {
		h.writeError(w, "Invalid set", err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.svc.Edit(r.Context(), func(ed *topology.Editor) error {
		if req.CPUSet != "" {
			return ed.Restrict(set, req.flags())
		}
		return ed.RestrictNodes(set, req.flags())
	})
	if err != nil {
		h.fail(w, "Failed to restrict topology", err)
		return
	}

	st, err := h.svc.Status()
	if err != nil {
		h.fail(w, "Failed to get status", err)
		return
	}
	h.writeJSON(w, map[string]any{"session": session, "status": st}, http.StatusOK)
}

// TriggerDiscovery runs a discovery pass and loads the winning result
func (h *TopologyHandler) TriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	if h.discovery == nil {
		h.writeError(w, "Discovery not configured", "No discovery sources are registered", http.StatusServiceUnavailable)
		return
	}

	res, err := h.discovery.Discover(r.Context())
	if err != nil {
		h.writeError(w, "Discovery failed", err.Error(), http.StatusBadGateway)
		return
	}
	loaded, err := h.svc.Load(r.Context(), res.Source, res.Facts)
	if err != nil {
		h.fail(w, "Failed to load discovered facts", err)
		return
	}
	h.writeJSON(w, loaded, http.StatusOK)
}

// ListSnapshots returns stored snapshots, newest first
func (h *TopologyHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, "Invalid limit", s, http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.svc.Snapshots(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to list snapshots", err)
		return
	}
	if list == nil {
		list = []repository.Snapshot{}
	}
	h.writeJSON(w, list, http.StatusOK)
}

// SaveSnapshotRequest is the optional body of POST /api/snapshots
type SaveSnapshotRequest struct {
	Label string `json:"label"`
}

// SaveSnapshot stores the live topology
func (h *TopologyHandler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SaveSnapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
			h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
			return
		}
	}

	snap, created, err := h.svc.SaveSnapshot(r.Context(), req.Label)
	if err != nil {
		h.fail(w, "Failed to save snapshot", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, snap, status)
}

// RestoreSnapshot makes a stored snapshot the live topology
func (h *TopologyHandler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseDigest(r.PathValue("id"))
	if err != nil {
		h.writeError(w, "Invalid snapshot ID", err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.RestoreSnapshot(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to restore snapshot", err)
		return
	}
	h.writeJSON(w, res, http.StatusOK)
}

// Health reports liveness
func (h *TopologyHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// fail maps service errors to status codes
func (h *TopologyHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotLoaded), errors.Is(err, service.ErrNoStore):
		status = http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, topology.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, topology.ErrUnsupportedFeature):
		status = http.StatusForbidden
	case errors.Is(err, topology.ErrInvalidRestriction), errors.Is(err, topology.ErrInvalidFacts):
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error(msg, "error", err)
	}
	h.writeError(w, msg, err.Error(), status)
}

// Helper methods

func (h *TopologyHandler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode JSON", "error", err)
	}
}

func (h *TopologyHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}
