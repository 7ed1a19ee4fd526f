// Package allocation turns host-plane lifecycle events into directory
// backend objects. Each event is handled on its own: the orchestrator builds
// an AllocationContext, reserves members and views, and sequences zone
// provisioning and the IP allocation strategy.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ddiagent/internal/compute"
	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/ipalloc"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
	"github.com/jbweber/homelab/ddiagent/internal/zones"
)

// Deps are the collaborators of an Orchestrator. Names may be nil, in which
// case instance names are never resolved.
type Deps struct {
	Backend  directory.Backend
	Reserver *reservation.Reserver
	Strategy ipalloc.Strategy
	Names    compute.Resolver
	Networks repository.NetworkRepository
	Subnets  repository.SubnetRepository
	Ports    repository.PortRepository
	Clock    clock.Clock
	// NetworkScoped releases the view and mapping of a network when it is
	// deleted
	NetworkScoped bool
}

// Orchestrator handles host-plane lifecycle events
type Orchestrator struct {
	backend       directory.Backend
	reserver      *reservation.Reserver
	strategy      ipalloc.Strategy
	zones         *zones.Provisioner
	names         compute.Resolver
	networks      repository.NetworkRepository
	subnets       repository.SubnetRepository
	ports         repository.PortRepository
	clock         clock.Clock
	networkScoped bool
}

// New creates an orchestrator
func New(deps Deps) *Orchestrator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Orchestrator{
		backend:       deps.Backend,
		reserver:      deps.Reserver,
		strategy:      deps.Strategy,
		zones:         zones.NewProvisioner(deps.Backend),
		names:         deps.Names,
		networks:      deps.Networks,
		subnets:       deps.Subnets,
		ports:         deps.Ports,
		clock:         clk,
		networkScoped: deps.NetworkScoped,
	}
}

// track records the duration and outcome of an event
func (o *Orchestrator) track(ctx context.Context, event string, start time.Time, err error) {
	metrics.Events.WithLabelValues(event, metrics.Result(err)).Observe(o.clock.Since(start).Seconds())
	if err != nil {
		log.G(ctx).WithError(err).WithField("event", event).Error("event failed")
		return
	}
	log.G(ctx).WithField("event", event).Debug("event handled")
}

func withFields(ctx context.Context, fields logrus.Fields) context.Context {
	return log.WithFields(log.WithModule(ctx, "allocation"), fields)
}

// subnetContext loads the network of s and reserves its condition
func (o *Orchestrator) subnetContext(ctx context.Context, identity domain.Identity, s *domain.Subnet) (*AllocationContext, error) {
	network, err := o.networks.FindByID(ctx, s.NetworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load network of subnet %s: %w", s.ID, err)
	}
	actx := &AllocationContext{
		Identity: identity,
		Network:  &network,
		Subnet:   s,
		Backend:  o.backend,
	}
	cond, err := o.reserver.Reserve(ctx, actx.reservationRequest())
	if err != nil {
		return nil, err
	}
	actx.Condition = cond
	return actx, nil
}

// ensureNetworkView creates the network view of v when missing. The default
// view always exists and is never tagged.
func (o *Orchestrator) ensureNetworkView(ctx context.Context, v reservation.View, in eas.Input) error {
	if o.reserver.IsDefault(v) {
		return nil
	}
	_, created, err := directory.GetOrCreate(ctx, o.backend, directory.KindNetworkView,
		directory.Filter{"name": v.NetworkView},
		&directory.Object{Name: v.NetworkView, ExtAttrs: eas.ForNetworkView(in)})
	if err != nil {
		return err
	}
	if created {
		log.G(ctx).WithField("network_view", v.NetworkView).Info("network view created")
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}
