package allocation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
	"github.com/jbweber/homelab/ddiagent/internal/zones"
)

func rangeFilter(networkView string, pool domain.AllocationPool) directory.Filter {
	return directory.Filter{"start_addr": pool.Start, "end_addr": pool.End, "network_view": networkView}
}

func zoneNames(actx *AllocationContext) (zones.Names, error) {
	return zones.ZoneNames(actx.Condition, actx.zoneRequest())
}

// OnSubnetCreated reserves members for the subnet and creates its network
// view, network object, ranges and DNS zones
func (o *Orchestrator) OnSubnetCreated(ctx context.Context, identity domain.Identity, s domain.Subnet) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": s.NetworkID, "subnet_id": s.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "subnet.create", start, err) }()

	if _, err := o.subnets.Save(ctx, s); err != nil {
		return err
	}
	actx, err := o.subnetContext(ctx, identity, &s)
	if err != nil {
		return err
	}
	cond := actx.Condition

	view := reservation.View{MappingID: cond.MappingID, Scope: cond.Scope, NetworkView: cond.NetworkView, DNSView: cond.DNSView}
	if err := o.ensureNetworkView(ctx, view, actx.tagInput()); err != nil {
		return err
	}

	network := &directory.Object{
		Network:     s.CIDR,
		NetworkView: cond.NetworkView,
		ExtAttrs:    eas.ForNetwork(actx.tagInput()),
	}
	if s.EnableDHCP {
		network.Members = reservation.MemberServers(cond.NetworkMembers)
	}
	if _, _, err := directory.GetOrCreate(ctx, o.backend, directory.KindNetwork,
		directory.Filter{"network": s.CIDR, "network_view": cond.NetworkView}, network); err != nil {
		return err
	}

	if err := o.ensureRanges(ctx, actx, s.AllocationPools); err != nil {
		return err
	}

	names, err := o.zones.CreateDNSZones(ctx, cond, actx.zoneRequest())
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(logrus.Fields{
		"network_view": cond.NetworkView,
		"forward_zone": names.Forward,
		"reverse_zone": names.Reverse,
	}).Info("subnet provisioned")
	return nil
}

func (o *Orchestrator) ensureRanges(ctx context.Context, actx *AllocationContext, pools []domain.AllocationPool) error {
	cond := actx.Condition
	for _, pool := range pools {
		rng := &directory.Object{
			StartAddr:   pool.Start,
			EndAddr:     pool.End,
			Network:     actx.Subnet.CIDR,
			NetworkView: cond.NetworkView,
			ExtAttrs:    eas.ForRange(actx.tagInput()),
		}
		if actx.Subnet.EnableDHCP {
			rng.Members = reservation.MemberServers(cond.NetworkMembers)
		}
		if _, _, err := directory.GetOrCreate(ctx, o.backend, directory.KindRange, rangeFilter(cond.NetworkView, pool), rng); err != nil {
			return err
		}
	}
	return nil
}

// OnSubnetUpdated reconciles allocation pools and refreshes tags
func (o *Orchestrator) OnSubnetUpdated(ctx context.Context, identity domain.Identity, s domain.Subnet) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": s.NetworkID, "subnet_id": s.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "subnet.update", start, err) }()

	old, err := o.subnets.FindByID(ctx, s.ID)
	if err != nil {
		return err
	}
	if _, err := o.subnets.Save(ctx, s); err != nil {
		return err
	}
	actx, err := o.subnetContext(ctx, identity, &s)
	if err != nil {
		return err
	}

	keep := make(map[domain.AllocationPool]bool, len(s.AllocationPools))
	for _, pool := range s.AllocationPools {
		keep[pool] = true
	}
	for _, pool := range old.AllocationPools {
		if keep[pool] {
			continue
		}
		if err := directory.FindAndDelete(ctx, o.backend, directory.KindRange, rangeFilter(actx.Condition.NetworkView, pool)); err != nil {
			return err
		}
		log.G(ctx).WithField("pool", pool.Start+"-"+pool.End).Info("range removed")
	}
	if err := o.ensureRanges(ctx, actx, s.AllocationPools); err != nil {
		return err
	}
	return o.refreshSubnetTags(ctx, actx)
}

// OnSubnetDeleted removes the zones, ranges and network object of a subnet
func (o *Orchestrator) OnSubnetDeleted(ctx context.Context, identity domain.Identity, subnetID string) (err error) {
	ctx = withFields(ctx, logrus.Fields{"subnet_id": subnetID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "subnet.delete", start, err) }()

	s, err := o.subnets.FindByID(ctx, subnetID)
	if err != nil {
		if ignoreNotFound(err) == nil {
			log.G(ctx).Debug("subnet unknown, nothing to delete")
			return nil
		}
		return err
	}
	return o.teardownSubnet(ctx, identity, &s)
}

func (o *Orchestrator) teardownSubnet(ctx context.Context, identity domain.Identity, s *domain.Subnet) error {
	actx, err := o.subnetContext(ctx, identity, s)
	if err != nil {
		return err
	}
	cond := actx.Condition

	inUse, err := o.zonesInUse(ctx, identity, s, cond.DNSView)
	if err != nil {
		return err
	}
	if err := o.zones.DeleteDNSZones(ctx, cond, actx.zoneRequest(), inUse); err != nil {
		return err
	}

	for _, pool := range s.AllocationPools {
		if err := directory.FindAndDelete(ctx, o.backend, directory.KindRange, rangeFilter(cond.NetworkView, pool)); err != nil {
			return err
		}
	}
	if err := directory.FindAndDelete(ctx, o.backend, directory.KindNetwork,
		directory.Filter{"network": s.CIDR, "network_view": cond.NetworkView}); err != nil {
		return err
	}

	log.G(ctx).WithField("subnet_id", s.ID).Info("subnet removed")
	return ignoreNotFound(o.subnets.DeleteByID(ctx, s.ID))
}

// zonesInUse returns the zones other known subnets in dnsView resolve to
func (o *Orchestrator) zonesInUse(ctx context.Context, identity domain.Identity, s *domain.Subnet, dnsView string) (map[string]bool, error) {
	all, err := o.subnets.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool)
	for i := range all {
		other := &all[i]
		if other.ID == s.ID {
			continue
		}
		network, err := o.networks.FindByID(ctx, other.NetworkID)
		if err != nil {
			return nil, fmt.Errorf("failed to load network of subnet %s: %w", other.ID, err)
		}
		actx := &AllocationContext{Identity: identity, Network: &network, Subnet: other}
		if network.TenantID != identity.TenantID {
			actx.Identity = domain.Identity{TenantID: network.TenantID}
		}
		view, err := o.reserver.ResolveView(actx.reservationRequest())
		if err != nil || view.DNSView != dnsView {
			continue
		}
		actx.Condition = &reservation.AllocationCondition{DNSView: view.DNSView, Patterns: o.reserver.Patterns()}
		names, err := zoneNames(actx)
		if err != nil {
			continue
		}
		inUse[names.Forward] = true
		inUse[names.Reverse] = true
	}
	return inUse, nil
}
