// Package reservation resolves which directory members serve DHCP and DNS
// for a network or subnet, which network and DNS view it lives in, and pins
// that choice so every later request for the same mapping converges on it.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
)

// ErrConfiguration is returned for an invalid scope configuration or when no
// eligible member exists. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// Scope is the granularity network views are carved at
type Scope string

const (
	ScopeSingle       Scope = "single"
	ScopeAddressScope Scope = "address_scope"
	ScopeTenant       Scope = "tenant"
	ScopeNetwork      Scope = "network"
)

// ParseScope validates a configured network view scope
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeSingle, ScopeAddressScope, ScopeTenant, ScopeNetwork:
		return sc, nil
	}
	return "", fmt.Errorf("%w: unknown network view scope %q", ErrConfiguration, s)
}

const (
	DefaultNetworkView        = "default"
	DefaultDNSView            = "default"
	DefaultNetworkViewPattern = "{network_id}"

	reserveAttempts = 3
)

// Config holds the reservation settings of one configuration load
type Config struct {
	Scope              Scope
	DefaultNetworkView string
	DefaultDNSView     string
	// NetworkViewPattern names the view of a network when Scope is network
	NetworkViewPattern string
	NSGroup            string

	// Member name pools. An empty DHCP pool defers member choice to the
	// backend through directory.NextAvailableMember.
	DHCPMembers         []string
	DNSPrimaryMembers   []string
	DNSSecondaryMembers []string

	Patterns *pattern.Builder
}

// AllocationCondition is the resolved per-request context. It is built once
// per request and not modified afterwards.
type AllocationCondition struct {
	MappingID      string
	Scope          domain.MappingScope
	NetworkView    string
	DNSView        string
	NetworkMembers []domain.DirectoryMember
	DNSPrimary     []domain.DirectoryMember
	DNSSecondary   []domain.DirectoryMember
	NSGroup        string
	Patterns       *pattern.Builder
}

// Request identifies what a reservation is made for. Subnet may be nil for
// network-level events.
type Request struct {
	Identity domain.Identity
	Network  *domain.Network
	Subnet   *domain.Subnet
}

// Reserver pins members and views to mappings
type Reserver struct {
	cfg   Config
	store Store
}

// New validates cfg and returns a Reserver persisting through store
func New(cfg Config, store Store) (*Reserver, error) {
	if _, err := ParseScope(string(cfg.Scope)); err != nil {
		return nil, err
	}
	if cfg.DefaultNetworkView == "" {
		cfg.DefaultNetworkView = DefaultNetworkView
	}
	if cfg.DefaultDNSView == "" {
		cfg.DefaultDNSView = DefaultDNSView
	}
	if cfg.NetworkViewPattern == "" {
		cfg.NetworkViewPattern = DefaultNetworkViewPattern
	}
	if err := pattern.Validate(cfg.NetworkViewPattern); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.Patterns == nil {
		b, err := pattern.NewBuilder("", "")
		if err != nil {
			return nil, err
		}
		cfg.Patterns = b
	}
	return &Reserver{cfg: cfg, store: store}, nil
}

// View is where a mapping lives in the backend
type View struct {
	MappingID   string
	Scope       domain.MappingScope
	NetworkView string
	DNSView     string
}

// Patterns returns the name pattern builder of the configuration
func (r *Reserver) Patterns() *pattern.Builder {
	return r.cfg.Patterns
}

// IsDefault reports whether the view is the configured default network view
func (r *Reserver) IsDefault(v View) bool {
	return v.NetworkView == r.cfg.DefaultNetworkView
}

// ResolveView computes the mapping id and views for req without touching the
// store
func (r *Reserver) ResolveView(req Request) (View, error) {
	var v View
	switch r.cfg.Scope {
	case ScopeSingle:
		v = View{MappingID: r.cfg.DefaultNetworkView, Scope: domain.MappingScopeNetworkView, NetworkView: r.cfg.DefaultNetworkView}

	case ScopeAddressScope:
		if req.Subnet == nil || req.Subnet.AddressScopeID == "" {
			v = View{MappingID: r.cfg.DefaultNetworkView, Scope: domain.MappingScopeNetworkView, NetworkView: r.cfg.DefaultNetworkView}
			break
		}
		v = View{MappingID: req.Subnet.AddressScopeID, Scope: domain.MappingScopeNetworkView, NetworkView: req.Subnet.AddressScopeID}

	case ScopeTenant:
		if req.Identity.TenantID == "" {
			return View{}, fmt.Errorf("%w: tenant scope needs a tenant id", ErrConfiguration)
		}
		v = View{MappingID: req.Identity.TenantID, Scope: domain.MappingScopeTenantID, NetworkView: req.Identity.TenantID}

	case ScopeNetwork:
		if req.Network == nil {
			return View{}, fmt.Errorf("%w: network scope needs a network", ErrConfiguration)
		}
		name, err := pattern.Expand(r.cfg.NetworkViewPattern, pattern.Input{
			Identity: req.Identity,
			Network:  req.Network,
		})
		if err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		v = View{MappingID: req.Network.ID, Scope: domain.MappingScopeNetworkID, NetworkView: name}

	default:
		return View{}, fmt.Errorf("%w: unknown network view scope %q", ErrConfiguration, r.cfg.Scope)
	}

	v.DNSView = r.DNSViewFor(v.NetworkView)
	return v, nil
}

// DNSViewFor names the DNS view paired with a network view
func (r *Reserver) DNSViewFor(networkView string) string {
	if networkView == r.cfg.DefaultNetworkView {
		return r.cfg.DefaultDNSView
	}
	return r.cfg.DefaultDNSView + "." + networkView
}

// Reserve resolves the AllocationCondition for req, reusing the members
// pinned to its mapping or selecting and pinning new ones
func (r *Reserver) Reserve(ctx context.Context, req Request) (*AllocationCondition, error) {
	view, err := r.ResolveView(req)
	if err != nil {
		return nil, err
	}
	ctx = log.WithModule(ctx, "reservation")
	ctx = log.WithFields(ctx, logrus.Fields{"mapping_id": view.MappingID, "network_view": view.NetworkView})

	var sel selection
	for attempt := 1; ; attempt++ {
		sel, err = r.reserveOnce(ctx, view)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyReserved) || attempt >= reserveAttempts {
			return nil, err
		}
		log.G(ctx).WithField("attempt", attempt).Debug("mapping reserved concurrently, re-reading")
	}

	cond := &AllocationCondition{
		MappingID:      view.MappingID,
		Scope:          view.Scope,
		NetworkView:    view.NetworkView,
		DNSView:        view.DNSView,
		NetworkMembers: sel.dhcp,
		DNSPrimary:     sel.primary,
		DNSSecondary:   sel.secondary,
		NSGroup:        r.cfg.NSGroup,
		Patterns:       r.cfg.Patterns,
	}
	// Host records need DHCP and DNS under a common parent: when the
	// Authority serves DHCP it must also be the first DNS primary.
	if authority, ok := findRole(cond.NetworkMembers, domain.MemberRoleAuthority); ok && !containsMember(cond.DNSPrimary, authority) {
		cond.DNSPrimary = append([]domain.DirectoryMember{authority}, cond.DNSPrimary...)
	}
	return cond, nil
}

// Release drops the members pinned to the mapping of req
func (r *Reserver) Release(ctx context.Context, req Request) error {
	view, err := r.ResolveView(req)
	if err != nil {
		return err
	}
	if err := r.store.Release(ctx, view.MappingID); err != nil {
		return fmt.Errorf("failed to release mapping %s: %w", view.MappingID, err)
	}
	return nil
}

type selection struct {
	dhcp      []domain.DirectoryMember
	primary   []domain.DirectoryMember
	secondary []domain.DirectoryMember
}

var services = []domain.Service{domain.ServiceDHCP, domain.ServiceDNSPrimary, domain.ServiceDNSSecondary}

func (r *Reserver) reserveOnce(ctx context.Context, view View) (selection, error) {
	reserved := make(map[domain.Service][]domain.DirectoryMember, len(services))
	found := false
	for _, svc := range services {
		members, err := r.store.GetReserved(ctx, view.MappingID, svc)
		if err != nil {
			return selection{}, fmt.Errorf("failed to read mapping %s: %w", view.MappingID, err)
		}
		if len(members) > 0 {
			reserved[svc] = members
			found = true
		}
	}
	if found {
		for _, svc := range services {
			if len(reserved[svc]) > 0 {
				metrics.Reservations.WithLabelValues(string(svc), "reused").Inc()
			}
		}
		return r.complete(reserved), nil
	}

	chosen, err := r.selectMembers(ctx)
	if err != nil {
		return selection{}, err
	}
	if len(chosen) > 0 {
		if err := r.store.ReserveMembers(ctx, view.MappingID, view.Scope, chosen); err != nil {
			return selection{}, err
		}
		for svc := range chosen {
			metrics.Reservations.WithLabelValues(string(svc), "created").Inc()
		}
		log.G(ctx).WithField("members", describe(chosen)).Info("members reserved")
	}
	return r.complete(chosen), nil
}

// complete fills the services nothing is pinned for with their fallbacks
func (r *Reserver) complete(pinned map[domain.Service][]domain.DirectoryMember) selection {
	sel := selection{
		dhcp:      pinned[domain.ServiceDHCP],
		primary:   pinned[domain.ServiceDNSPrimary],
		secondary: pinned[domain.ServiceDNSSecondary],
	}
	if len(sel.dhcp) == 0 {
		sel.dhcp = []domain.DirectoryMember{NextAvailable()}
	}
	if len(sel.primary) == 0 {
		sel.primary = append([]domain.DirectoryMember(nil), sel.dhcp...)
	}
	return sel
}

// selectMembers picks members from the configured pools. Services with an
// empty pool are left out of the result.
func (r *Reserver) selectMembers(ctx context.Context) (map[domain.Service][]domain.DirectoryMember, error) {
	pools := map[domain.Service][]string{
		domain.ServiceDHCP:         r.cfg.DHCPMembers,
		domain.ServiceDNSPrimary:   r.cfg.DNSPrimaryMembers,
		domain.ServiceDNSSecondary: r.cfg.DNSSecondaryMembers,
	}
	if len(r.cfg.DHCPMembers)+len(r.cfg.DNSPrimaryMembers)+len(r.cfg.DNSSecondaryMembers) == 0 {
		return nil, nil
	}

	all, err := r.store.GetMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	byName := make(map[string]domain.DirectoryMember, len(all))
	for _, m := range all {
		byName[m.Name] = m
	}

	chosen := make(map[domain.Service][]domain.DirectoryMember)
	for _, svc := range services {
		pool := pools[svc]
		if len(pool) == 0 {
			continue
		}
		var candidates []domain.DirectoryMember
		for _, name := range pool {
			if m, ok := byName[name]; ok && m.IsAvailable() {
				candidates = append(candidates, m)
			}
		}

		if svc == domain.ServiceDNSSecondary {
			// every available secondary that is not already a primary
			var secondaries []domain.DirectoryMember
			for _, m := range sortByName(candidates) {
				if !containsMember(chosen[domain.ServiceDNSPrimary], m) {
					secondaries = append(secondaries, m)
				}
			}
			if len(secondaries) > 0 {
				chosen[svc] = secondaries
			}
			continue
		}

		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: no available %s member among %v", ErrConfiguration, svc, pool)
		}
		usage, err := r.store.Usage(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("failed to read member usage: %w", err)
		}
		chosen[svc] = []domain.DirectoryMember{leastUsed(candidates, usage)}
	}
	return chosen, nil
}

// NextAvailable is the placeholder member resolved by the backend when the
// object referencing it is created
func NextAvailable() domain.DirectoryMember {
	return domain.DirectoryMember{
		Name:   directory.NextAvailableMember,
		Role:   domain.MemberRoleRegular,
		Status: domain.MemberStatusOn,
	}
}

// MemberServers converts members to the references carried by directory
// objects
func MemberServers(members []domain.DirectoryMember) []directory.MemberServer {
	out := make([]directory.MemberServer, 0, len(members))
	for _, m := range members {
		out = append(out, directory.MemberServer{Name: m.Name, IPv4: m.IPv4, IPv6: m.IPv6})
	}
	return out
}

func leastUsed(candidates []domain.DirectoryMember, usage map[string]int) domain.DirectoryMember {
	sorted := sortByName(candidates)
	best := sorted[0]
	for _, m := range sorted[1:] {
		if usage[m.ID] < usage[best.ID] {
			best = m
		}
	}
	return best
}

func sortByName(members []domain.DirectoryMember) []domain.DirectoryMember {
	out := append([]domain.DirectoryMember(nil), members...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func findRole(members []domain.DirectoryMember, role domain.MemberRole) (domain.DirectoryMember, bool) {
	for _, m := range members {
		if m.Role == role {
			return m, true
		}
	}
	return domain.DirectoryMember{}, false
}

func containsMember(members []domain.DirectoryMember, m domain.DirectoryMember) bool {
	for _, o := range members {
		if o.Name == m.Name {
			return true
		}
	}
	return false
}

func describe(chosen map[domain.Service][]domain.DirectoryMember) map[string][]string {
	out := make(map[string][]string, len(chosen))
	for svc, members := range chosen {
		for _, m := range members {
			out[string(svc)] = append(out[string(svc)], m.Name)
		}
	}
	return out
}
