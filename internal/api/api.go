package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
)

// Headers carrying the authenticated caller of an event
const (
	HeaderUserID      = "X-User-Id"
	HeaderProjectID   = "X-Project-Id"
	HeaderProjectName = "X-Project-Name"
)

// EventHandler consumes host-plane lifecycle events
type EventHandler interface {
	OnNetworkCreated(ctx context.Context, identity domain.Identity, n domain.Network) error
	OnNetworkUpdated(ctx context.Context, identity domain.Identity, n domain.Network) error
	OnNetworkDeleted(ctx context.Context, identity domain.Identity, networkID string) error
	OnSubnetCreated(ctx context.Context, identity domain.Identity, s domain.Subnet) error
	OnSubnetUpdated(ctx context.Context, identity domain.Identity, s domain.Subnet) error
	OnSubnetDeleted(ctx context.Context, identity domain.Identity, subnetID string) error
	OnPortCreated(ctx context.Context, identity domain.Identity, p domain.Port) error
	OnPortUpdated(ctx context.Context, identity domain.Identity, p domain.Port) error
	OnPortDeleted(ctx context.Context, identity domain.Identity, portID string) error
}

// API serves lifecycle events, member sync and metrics
type API struct {
	events  EventHandler
	members repository.MemberRepository
	ports   repository.PortRepository
	metrics prometheus.Gatherer
}

// NewAPI creates a new API. A nil gatherer serves the default registry.
func NewAPI(events EventHandler, members repository.MemberRepository, ports repository.PortRepository, gatherer prometheus.Gatherer) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{events: events, members: members, ports: ports, metrics: gatherer}
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v0/networks", func(r chi.Router) {
		r.Post("/", a.createNetworkHandler)
		r.Put("/{id}", a.updateNetworkHandler)
		r.Delete("/{id}", a.deleteNetworkHandler)
	})

	r.Route("/api/v0/subnets", func(r chi.Router) {
		r.Post("/", a.createSubnetHandler)
		r.Put("/{id}", a.updateSubnetHandler)
		r.Delete("/{id}", a.deleteSubnetHandler)
	})

	r.Route("/api/v0/ports", func(r chi.Router) {
		r.Post("/", a.createPortHandler)
		r.Get("/{id}", a.getPortHandler)
		r.Put("/{id}", a.updatePortHandler)
		r.Delete("/{id}", a.deletePortHandler)
	})

	r.Route("/api/v0/members", func(r chi.Router) {
		r.Get("/", a.listMembersHandler)
		r.Put("/", a.replaceMembersHandler)
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
}

// identity reads the caller from the request headers
func identity(r *http.Request) domain.Identity {
	return domain.Identity{
		UserID:     r.Header.Get(HeaderUserID),
		TenantID:   r.Header.Get(HeaderProjectID),
		TenantName: r.Header.Get(HeaderProjectName),
	}
}
