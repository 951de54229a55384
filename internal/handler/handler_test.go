package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwtopo/internal/codec"
	"hwtopo/internal/discovery"
	"hwtopo/internal/repository"
	"hwtopo/internal/repository/sqlite"
	"hwtopo/internal/service"
	"hwtopo/internal/topology"
)

type stubDiscoverer struct {
	res discovery.Result
	err error
}

func (d stubDiscoverer) Discover(context.Context) (discovery.Result, error) {
	return d.res, d.err
}

func syntheticFacts(t *testing.T, desc string) *topology.FactBase {
	t.Helper()
	levels, err := discovery.ParseSynthetic(desc)
	require.NoError(t, err)
	return discovery.GenerateSynthetic(levels)
}

func newTestServer(t *testing.T, opts ...service.Option) (*TopologyHandler, *service.TopologyService, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts = append([]service.Option{service.WithLogger(logger), service.WithSnapshots(store, 0)}, opts...)
	svc := service.NewTopologyService(nil, opts...)
	t.Cleanup(func() { svc.Close() })

	h := NewTopologyHandler(svc, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, svc, srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, r)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func decodeError(t *testing.T, body string) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	return e
}

func TestHealthAndNotLoaded(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, body = do(t, srv, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Failed to get status", decodeError(t, body).Error)

	resp, _ = do(t, srv, http.MethodGet, "/api/topology", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExportImport(t *testing.T) {
	_, svc, srv := newTestServer(t)
	_, err := svc.Load(t.Context(), "synthetic", syntheticFacts(t, "Package:2 Core:2 PU:2"))
	require.NoError(t, err)

	resp, body := do(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st service.Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "synthetic", st.Source)
	assert.Equal(t, 8, st.Stats.ByType[topology.TypePU])

	resp, body = do(t, srv, http.MethodGet, "/api/topology?format=text", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "Machine:0"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, _ = do(t, srv, http.MethodGet, "/api/topology?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, yamlDoc := do(t, srv, http.MethodGet, "/api/topology?format=yaml", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-yaml", resp.Header.Get("Content-Type"))

	resp, body = do(t, srv, http.MethodPut, "/api/topology?format=yaml", yamlDoc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.LoadResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "import:yaml", res.Source)
	assert.True(t, res.Changed)

	resp, _ = do(t, srv, http.MethodPut, "/api/topology?format=json", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListDistances(t *testing.T) {
	_, svc, srv := newTestServer(t)
	fb := &topology.FactBase{
		Objects: []topology.Fact{
			{ID: "m", Type: topology.TypeMachine},
			{ID: "n0", Parent: "m", Type: topology.TypeNUMANode, OSIndex: topology.OSIndex(0)},
			{ID: "n1", Parent: "m", Type: topology.TypeNUMANode, OSIndex: topology.OSIndex(1)},
			{ID: "p0", Parent: "m", Type: topology.TypePU, OSIndex: topology.OSIndex(0)},
		},
		Distances: []topology.DistanceFact{{
			Name:    "numa",
			Kind:    topology.DistanceLatency | topology.DistanceFromOS,
			Objects: []string{"n0", "n1"},
			Values:  []uint64{10, 20, 20, 10},
		}},
	}
	_, err := svc.Load(t.Context(), "file", fb)
	require.NoError(t, err)

	resp, body := do(t, srv, http.MethodGet, "/api/distances", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []DistanceMatrix
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "numa", got[0].Name)
	assert.Equal(t, topology.TypeNUMANode, got[0].ObjectType)
	assert.Equal(t, []string{"NUMANode:0", "NUMANode:1"}, got[0].Objects)
	assert.Equal(t, []uint64{10, 20, 20, 10}, got[0].Values)
}

func TestRestrict(t *testing.T) {
	_, svc, srv := newTestServer(t)
	_, err := svc.Load(t.Context(), "synthetic", syntheticFacts(t, "Package:2 Core:2 PU:2"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"no set", `{}`, http.StatusBadRequest},
		{"both sets", `{"cpuset":"0","nodeset":"0"}`, http.StatusBadRequest},
		{"bad set", `{"cpuset":"3-1"}`, http.StatusBadRequest},
		{"huge range", `{"cpuset":"0-4294967295"}`, http.StatusBadRequest},
		{"oversized body", `{"cpuset":"` + strings.Repeat("0,", 40<<10) + `0"}`, http.StatusBadRequest},
		{"disjoint", `{"cpuset":"100-101"}`, http.StatusUnprocessableEntity},
		{"ok", `{"cpuset":"0-3","remove_cpuless":true}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/api/restrict", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, body)
		})
	}

	require.NoError(t, svc.View(func(topo *topology.Topology) error {
		assert.Equal(t, "0-3", topo.CPUSet().String())
		return nil
	}))
}

func TestRestrictFeatureGated(t *testing.T) {
	_, svc, srv := newTestServer(t, service.WithFeatures(topology.NewFeatures(topology.FeatureExport)))
	_, err := svc.Load(t.Context(), "synthetic", syntheticFacts(t, "Package:1 Core:2 PU:1"))
	require.NoError(t, err)

	resp, _ := do(t, srv, http.MethodPost, "/api/restrict", `{"cpuset":"0"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTriggerDiscovery(t *testing.T) {
	h, _, srv := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/discover", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.SetDiscoverer(stubDiscoverer{err: errors.New("no sysfs")})
	resp, body := do(t, srv, http.MethodPost, "/api/discover", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "no sysfs", decodeError(t, body).Details)

	h.SetDiscoverer(stubDiscoverer{res: discovery.Result{
		Source: "synthetic",
		Facts:  syntheticFacts(t, "Package:1 Core:1 PU:2"),
	}})
	resp, body = do(t, srv, http.MethodPost, "/api/discover", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.LoadResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "synthetic", res.Source)
	assert.True(t, res.Changed)
}

func TestSnapshots(t *testing.T) {
	_, svc, srv := newTestServer(t)
	_, err := svc.Load(t.Context(), "synthetic", syntheticFacts(t, "Package:2 Core:2 PU:2"))
	require.NoError(t, err)

	// the load was snapshotted already
	resp, body := do(t, srv, http.MethodPost, "/api/snapshots", `{"label":"boot"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var boot repository.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &boot))
	assert.Equal(t, "boot", boot.Label)

	resp, _ = do(t, srv, http.MethodPost, "/api/restrict", `{"cpuset":"0-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/snapshots?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []repository.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 2)
	assert.Equal(t, boot.ID, list[1].ID)

	resp, _ = do(t, srv, http.MethodGet, "/api/snapshots?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/snapshots/"+boot.ID.String()+"/restore", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, svc.View(func(topo *topology.Topology) error {
		assert.Equal(t, "0-7", topo.CPUSet().String())
		return nil
	}))

	resp, _ = do(t, srv, http.MethodPost, "/api/snapshots/nothex/restore", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/snapshots/"+codec.Digest{9}.String()+"/restore", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
