package allocation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// refreshConcurrency bounds parallel tag refreshes on network update
const refreshConcurrency = 4

// OnNetworkCreated records the network and, for scopes that do not depend on
// a subnet, creates its network view
func (o *Orchestrator) OnNetworkCreated(ctx context.Context, identity domain.Identity, n domain.Network) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": n.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "network.create", start, err) }()

	if _, err := o.networks.Save(ctx, n); err != nil {
		return err
	}

	req := reservation.Request{Identity: identity, Network: &n}
	view, err := o.reserver.ResolveView(req)
	if err != nil {
		return err
	}
	return o.ensureNetworkView(ctx, view, eas.Input{Identity: identity, Network: &n})
}

// OnNetworkUpdated records the new network attributes and refreshes the tags
// of every subnet object, since name, shared and external changes alter them
func (o *Orchestrator) OnNetworkUpdated(ctx context.Context, identity domain.Identity, n domain.Network) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": n.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "network.update", start, err) }()

	if _, err := o.networks.Save(ctx, n); err != nil {
		return err
	}
	subnets, err := o.subnets.FindByNetworkID(ctx, n.ID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for i := range subnets {
		s := subnets[i]
		g.Go(func() error {
			actx, err := o.subnetContext(gctx, identity, &s)
			if err != nil {
				return err
			}
			return o.refreshSubnetTags(log.WithFields(gctx, logrus.Fields{"subnet_id": s.ID}), actx)
		})
	}
	return g.Wait()
}

// OnNetworkDeleted tears down every subnet of the network still known, then
// under network scope removes the network's views and releases its mapping
func (o *Orchestrator) OnNetworkDeleted(ctx context.Context, identity domain.Identity, networkID string) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": networkID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "network.delete", start, err) }()

	n, err := o.networks.FindByID(ctx, networkID)
	if err != nil {
		if ignoreNotFound(err) == nil {
			log.G(ctx).Debug("network unknown, nothing to delete")
			return nil
		}
		return err
	}

	subnets, err := o.subnets.FindByNetworkID(ctx, networkID)
	if err != nil {
		return err
	}
	for i := range subnets {
		if err := o.teardownSubnet(ctx, identity, &subnets[i]); err != nil {
			return err
		}
	}

	if o.networkScoped {
		req := reservation.Request{Identity: identity, Network: &n}
		view, err := o.reserver.ResolveView(req)
		if err != nil {
			return err
		}
		if !o.reserver.IsDefault(view) {
			if err := directory.FindAndDelete(ctx, o.backend, directory.KindDNSView, directory.Filter{"name": view.DNSView}); err != nil {
				return err
			}
			if err := directory.FindAndDelete(ctx, o.backend, directory.KindNetworkView, directory.Filter{"name": view.NetworkView}); err != nil {
				return err
			}
		}
		if err := o.reserver.Release(ctx, req); err != nil {
			return err
		}
		log.G(ctx).WithField("network_view", view.NetworkView).Info("network view released")
	}

	return ignoreNotFound(o.networks.DeleteByID(ctx, networkID))
}

// refreshSubnetTags rewrites the tags of the network, range and zone objects
// of a subnet
func (o *Orchestrator) refreshSubnetTags(ctx context.Context, actx *AllocationContext) error {
	cond := actx.Condition
	in := actx.tagInput()

	network, err := o.backend.GetObject(ctx, directory.KindNetwork, directory.Filter{
		"network": actx.Subnet.CIDR, "network_view": cond.NetworkView,
	})
	if err != nil {
		return fmt.Errorf("failed to find network %s: %w", actx.Subnet.CIDR, err)
	}
	if _, err := directory.UpdateExtAttrs(ctx, o.backend, network, eas.For(eas.KindNetwork, in)); err != nil {
		return err
	}

	for _, pool := range actx.Subnet.AllocationPools {
		rng, err := o.backend.GetObject(ctx, directory.KindRange, rangeFilter(cond.NetworkView, pool))
		if err != nil {
			return fmt.Errorf("failed to find range %s-%s: %w", pool.Start, pool.End, err)
		}
		if _, err := directory.UpdateExtAttrs(ctx, o.backend, rng, eas.For(eas.KindRange, in)); err != nil {
			return err
		}
	}

	names, err := zoneNames(actx)
	if err != nil {
		return err
	}
	for _, name := range []string{names.Forward, names.Reverse} {
		zone, err := o.backend.GetObject(ctx, directory.KindZone, directory.Filter{"fqdn": name, "view": cond.DNSView})
		if err != nil {
			return fmt.Errorf("failed to find zone %s: %w", name, err)
		}
		if _, err := directory.UpdateExtAttrs(ctx, o.backend, zone, eas.For(eas.KindZone, in)); err != nil {
			return err
		}
	}
	return nil
}
