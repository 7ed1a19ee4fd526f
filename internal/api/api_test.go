package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/allocation"
	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/directory/memdir"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/ipalloc"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
	"github.com/jbweber/homelab/ddiagent/internal/testutil"
)

type testAPI struct {
	router  chi.Router
	backend *memdir.Backend
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	members := repository.NewMemberRepository(db)
	ports := repository.NewPortRepository(db)

	patterns, err := pattern.NewBuilder("", "{tenant_name}.cloud.example.com")
	require.NoError(t, err)
	reserver, err := reservation.New(reservation.Config{
		Scope:             reservation.ScopeTenant,
		DHCPMembers:       []string{"m1"},
		DNSPrimaryMembers: []string{"m1"},
		Patterns:          patterns,
	}, reservation.NewSQLStore(members, repository.NewMemberMappingRepository(db)))
	require.NoError(t, err)

	backend, err := memdir.New()
	require.NoError(t, err)
	strategy, err := ipalloc.New(ipalloc.Config{UseHostRecords: true}, backend)
	require.NoError(t, err)

	orch := allocation.New(allocation.Deps{
		Backend:  backend,
		Reserver: reserver,
		Strategy: strategy,
		Networks: repository.NewNetworkRepository(db),
		Subnets:  repository.NewSubnetRepository(db),
		Ports:    ports,
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	r := chi.NewRouter()
	NewAPI(orch, members, ports, reg).RegisterRoutes(r)
	return &testAPI{router: r, backend: backend}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderProjectID, "p-1")
	req.Header.Set(HeaderProjectName, "tenant-x")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) provision(t *testing.T) {
	t.Helper()
	w := a.do(t, "PUT", "/api/v0/members", []Member{{ID: "m1", Name: "m1", IPv4: "192.0.2.10"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, "POST", "/api/v0/networks", NetworkRequest{ID: "net-1", Name: "web", TenantID: "p-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, "POST", "/api/v0/subnets", SubnetRequest{
		ID: "sub-1", NetworkID: "net-1", TenantID: "p-1", CIDR: "10.0.0.0/24", EnableDHCP: true,
		AllocationPools: []AllocationPool{{Start: "10.0.0.10", End: "10.0.0.20"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestPortLifecycle(t *testing.T) {
	a := setupTestAPI(t)
	a.provision(t)

	w := a.do(t, "POST", "/api/v0/ports", PortRequest{
		ID: "port-1", NetworkID: "net-1", TenantID: "p-1", MACAddress: "fa:16:3e:00:00:01",
		FixedIPs: []FixedIP{{SubnetID: "sub-1"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var port PortRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &port))
	require.Len(t, port.FixedIPs, 1)
	assert.Equal(t, "10.0.0.10", port.FixedIPs[0].IPAddress)

	recs, err := a.backend.FindObjects(context.Background(), directory.KindHostRecord, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "host-10.0.0.10.tenant-x.cloud.example.com", recs[0].Name)

	w = a.do(t, "GET", "/api/v0/ports/port-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, "DELETE", "/api/v0/ports/port-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, "GET", "/api/v0/ports/port-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// deletes are idempotent
	w = a.do(t, "DELETE", "/api/v0/ports/port-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSubnetOnUnknownNetwork(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, "POST", "/api/v0/subnets", SubnetRequest{ID: "sub-1", NetworkID: "missing", CIDR: "10.0.0.0/24"})
	assert.NotEqual(t, http.StatusCreated, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
}

func TestBadRequests(t *testing.T) {
	a := setupTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"invalid json", "POST", "/api/v0/networks", "{"},
		{"network without id", "POST", "/api/v0/networks", NetworkRequest{Name: "web"}},
		{"invalid cidr", "POST", "/api/v0/subnets", SubnetRequest{ID: "s", NetworkID: "n", CIDR: "10.0.0.0/33"}},
		{"version mismatch", "POST", "/api/v0/subnets", SubnetRequest{ID: "s", NetworkID: "n", CIDR: "10.0.0.0/24", IPVersion: 6}},
		{"pool outside subnet", "POST", "/api/v0/subnets", SubnetRequest{
			ID: "s", NetworkID: "n", CIDR: "10.0.0.0/24",
			AllocationPools: []AllocationPool{{Start: "10.0.1.1", End: "10.0.1.9"}},
		}},
		{"fixed ip without subnet", "POST", "/api/v0/ports", PortRequest{ID: "p", NetworkID: "n", FixedIPs: []FixedIP{{}}}},
		{"invalid fixed ip", "POST", "/api/v0/ports", PortRequest{ID: "p", NetworkID: "n", FixedIPs: []FixedIP{{SubnetID: "s", IPAddress: "10.0.0"}}}},
		{"path mismatch", "PUT", "/api/v0/networks/net-1", NetworkRequest{ID: "net-2"}},
		{"invalid member role", "PUT", "/api/v0/members", []Member{{ID: "m1", Name: "m1", Role: "Boss"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestMembers(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, "PUT", "/api/v0/members", []Member{
		{ID: "m1", Name: "m1", Role: "Authority"},
		{ID: "m2", Name: "m2", Status: "Off"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var members []Member
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	require.Len(t, members, 2)
	byID := map[string]Member{}
	for _, m := range members {
		byID[m.ID] = m
	}
	assert.Equal(t, "Authority", byID["m1"].Role)
	assert.Equal(t, "On", byID["m1"].Status)
	assert.Equal(t, "Regular", byID["m2"].Role)
	assert.Equal(t, "Off", byID["m2"].Status)

	w = a.do(t, "PUT", "/api/v0/members", []Member{{ID: "m2", Name: "m2"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	require.Len(t, members, 1)
	assert.Equal(t, "m2", members[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestAPI(t)
	a.provision(t)

	w := a.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ddiagent_event_duration_seconds"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest},
		{repository.ErrInvalidEntity, http.StatusBadRequest},
		{fmt.Errorf("failed to load network: %w", repository.ErrNotFound), http.StatusNotFound},
		{&directory.NotOwnedError{Kind: directory.KindZone, Ref: "zone/1", Name: "example.com"}, http.StatusConflict},
		{directory.ErrExhausted, http.StatusConflict},
		{fmt.Errorf("%w: no member", reservation.ErrConfiguration), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusFor(tt.err), tt.err.Error())
	}
}

type failingEvents struct {
	EventHandler
	err error
}

func (f failingEvents) OnNetworkDeleted(ctx context.Context, identity domain.Identity, networkID string) error {
	return f.err
}

func TestDeleteNetwork_NotOwned(t *testing.T) {
	r := chi.NewRouter()
	err := &directory.NotOwnedError{Kind: directory.KindNetworkView, Ref: "networkview/1", Name: "shared"}
	NewAPI(failingEvents{err: err}, nil, nil, prometheus.NewRegistry()).RegisterRoutes(r)

	req := httptest.NewRequest("DELETE", "/api/v0/networks/net-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "not owned")
}
