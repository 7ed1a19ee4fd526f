package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/ipalloc"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
)

// portContexts builds one AllocationContext per subnet a port touches
type portContexts struct {
	o        *Orchestrator
	identity domain.Identity
	port     *domain.Port
	instance string
	bySubnet map[string]*AllocationContext
}

func (o *Orchestrator) newPortContexts(ctx context.Context, identity domain.Identity, p *domain.Port) *portContexts {
	return &portContexts{
		o:        o,
		identity: identity,
		port:     p,
		instance: o.instanceName(ctx, p),
		bySubnet: make(map[string]*AllocationContext),
	}
}

func (pc *portContexts) get(ctx context.Context, subnetID string) (*AllocationContext, error) {
	if actx, ok := pc.bySubnet[subnetID]; ok {
		return actx, nil
	}
	s, err := pc.o.subnets.FindByID(ctx, subnetID)
	if err != nil {
		return nil, err
	}
	actx, err := pc.o.subnetContext(ctx, pc.identity, &s)
	if err != nil {
		return nil, err
	}
	actx.Port = pc.port
	actx.InstanceName = pc.instance
	pc.bySubnet[subnetID] = actx
	return actx, nil
}

// instanceName resolves the display name of the instance behind a compute
// port. Lookup failures only cost the name.
func (o *Orchestrator) instanceName(ctx context.Context, p *domain.Port) string {
	if o.names == nil || !p.IsCompute() || p.DeviceID == "" {
		return ""
	}
	name, err := o.names.InstanceName(ctx, p.DeviceID)
	if err != nil {
		log.G(ctx).WithError(err).WithField("instance_id", p.DeviceID).Warn("failed to resolve instance name")
		return ""
	}
	return name
}

// host builds the final name side of ip for the context's port
func host(actx *AllocationContext, ip string) (ipalloc.Host, error) {
	cond := actx.Condition
	in := actx.patternInput()
	name, err := cond.Patterns.HostnameOrDefault(in, ip)
	if err != nil {
		return ipalloc.Host{}, fmt.Errorf("failed to build hostname for %s: %w", ip, err)
	}
	zone, err := cond.Patterns.Zone(in)
	if err != nil {
		return ipalloc.Host{}, fmt.Errorf("failed to build zone name: %w", err)
	}
	return ipalloc.Host{
		Name: name,
		Zone: zone,
		MAC:  actx.Port.MACAddress,
		DHCP: actx.Subnet.EnableDHCP && actx.Port.MACAddress != "",
		Tags: actx.ipTags(),
	}, nil
}

// placeholder names an address allocated before it is known. BindNames
// replaces it with the final name.
func placeholder(actx *AllocationContext) (ipalloc.Host, error) {
	zone, err := actx.Condition.Patterns.Zone(actx.patternInput())
	if err != nil {
		return ipalloc.Host{}, fmt.Errorf("failed to build zone name: %w", err)
	}
	return ipalloc.Host{
		Name: "port-" + actx.Port.ID,
		Zone: zone,
		MAC:  actx.Port.MACAddress,
		DHCP: actx.Subnet.EnableDHCP && actx.Port.MACAddress != "",
		Tags: actx.ipTags(),
	}, nil
}

// allocate reserves the address of fip, from the subnet pools when fip does
// not name one, and binds its final name
func (o *Orchestrator) allocate(ctx context.Context, actx *AllocationContext, fip domain.FixedIP) (string, error) {
	cond := actx.Condition

	var ip string
	if fip.IPAddress != "" {
		h, err := host(actx, fip.IPAddress)
		if err != nil {
			return "", err
		}
		if ip, err = o.strategy.AllocateExact(ctx, cond, h, fip.IPAddress); err != nil {
			return "", err
		}
	} else {
		h, err := placeholder(actx)
		if err != nil {
			return "", err
		}
		if len(actx.Subnet.AllocationPools) == 0 {
			return "", fmt.Errorf("subnet %s has no allocation pools", actx.Subnet.ID)
		}
		for _, pool := range actx.Subnet.AllocationPools {
			ip, err = o.strategy.AllocateFromRange(ctx, cond, h, pool.Start, pool.End)
			if err == nil || !errors.Is(err, directory.ErrExhausted) {
				break
			}
		}
		if err != nil {
			return "", err
		}
	}

	h, err := host(actx, ip)
	if err != nil {
		return ip, err
	}
	if err := o.strategy.BindNames(ctx, cond, ip, h); err != nil {
		return ip, err
	}
	log.G(ctx).WithFields(logrus.Fields{"ip": ip, "fqdn": h.FQDN()}).Info("address allocated")
	return ip, nil
}

// release unbinds and deallocates ip
func (o *Orchestrator) release(ctx context.Context, actx *AllocationContext, ip string) error {
	h, err := host(actx, ip)
	if err != nil {
		return err
	}
	if err := o.strategy.UnbindNames(ctx, actx.Condition, ip, h); err != nil {
		return err
	}
	if err := o.strategy.Deallocate(ctx, actx.Condition, ip, h.Tags); err != nil {
		return err
	}
	log.G(ctx).WithField("ip", ip).Info("address released")
	return nil
}

// OnPortCreated allocates and names every address of the port. A create
// delivered again for a known port reconciles against the addresses it
// already holds.
func (o *Orchestrator) OnPortCreated(ctx context.Context, identity domain.Identity, p domain.Port) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": p.NetworkID, "port_id": p.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "port.create", start, err) }()

	old, err := o.ports.FindByID(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return o.createPort(ctx, identity, p)
	}
	if err != nil {
		return err
	}
	log.G(ctx).Info("port already known, reconciling")
	return o.updatePort(ctx, identity, old, p)
}

func (o *Orchestrator) createPort(ctx context.Context, identity domain.Identity, p domain.Port) error {
	p.FixedIPs = append([]domain.FixedIP(nil), p.FixedIPs...)
	if _, err := o.ports.Save(ctx, p); err != nil {
		return err
	}

	contexts := o.newPortContexts(ctx, identity, &p)
	for i, fip := range p.FixedIPs {
		actx, err := contexts.get(ctx, fip.SubnetID)
		if err != nil {
			return err
		}
		ip, err := o.allocate(ctx, actx, fip)
		if ip != "" && ip != fip.IPAddress {
			p.FixedIPs[i].IPAddress = ip
			if _, serr := o.ports.Save(ctx, p); serr != nil {
				return errors.Join(err, serr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// OnPortUpdated releases addresses the port lost, allocates the ones it
// gained and renames the ones it kept when their name changed
func (o *Orchestrator) OnPortUpdated(ctx context.Context, identity domain.Identity, p domain.Port) (err error) {
	ctx = withFields(ctx, logrus.Fields{"network_id": p.NetworkID, "port_id": p.ID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "port.update", start, err) }()

	old, err := o.ports.FindByID(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		log.G(ctx).Debug("port unknown, creating")
		return o.createPort(ctx, identity, p)
	}
	if err != nil {
		return err
	}
	return o.updatePort(ctx, identity, old, p)
}

func (o *Orchestrator) updatePort(ctx context.Context, identity domain.Identity, old, p domain.Port) error {
	p.FixedIPs = resolveRequested(old.FixedIPs, p.FixedIPs)
	oldIPs := make(map[string]domain.FixedIP, len(old.FixedIPs))
	for _, fip := range old.FixedIPs {
		if fip.IPAddress != "" {
			oldIPs[fip.IPAddress] = fip
		}
	}
	newIPs := make(map[string]bool, len(p.FixedIPs))
	for _, fip := range p.FixedIPs {
		if fip.IPAddress != "" {
			newIPs[fip.IPAddress] = true
		}
	}

	oldContexts := o.newPortContexts(ctx, identity, &old)
	newContexts := o.newPortContexts(ctx, identity, &p)

	for _, fip := range old.FixedIPs {
		if fip.IPAddress == "" || newIPs[fip.IPAddress] {
			continue
		}
		actx, err := oldContexts.get(ctx, fip.SubnetID)
		if err != nil {
			return err
		}
		if err := o.release(ctx, actx, fip.IPAddress); err != nil {
			return err
		}
	}

	if _, err := o.ports.Save(ctx, p); err != nil {
		return err
	}

	for i, fip := range p.FixedIPs {
		actx, err := newContexts.get(ctx, fip.SubnetID)
		if err != nil {
			return err
		}

		if _, kept := oldIPs[fip.IPAddress]; kept && fip.IPAddress != "" {
			if err := o.rebind(ctx, oldContexts, actx, fip); err != nil {
				return err
			}
			continue
		}

		ip, err := o.allocate(ctx, actx, fip)
		if ip != "" && ip != fip.IPAddress {
			p.FixedIPs[i].IPAddress = ip
			if _, serr := o.ports.Save(ctx, p); serr != nil {
				return errors.Join(err, serr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// rebind moves a kept address to its new name, or refreshes it in place
func (o *Orchestrator) rebind(ctx context.Context, oldContexts *portContexts, actx *AllocationContext, fip domain.FixedIP) error {
	oldCtx, err := oldContexts.get(ctx, fip.SubnetID)
	if err != nil {
		return err
	}
	before, err := host(oldCtx, fip.IPAddress)
	if err != nil {
		return err
	}
	after, err := host(actx, fip.IPAddress)
	if err != nil {
		return err
	}
	if before.FQDN() != after.FQDN() {
		if err := o.strategy.UnbindNames(ctx, actx.Condition, fip.IPAddress, before); err != nil {
			return err
		}
		log.G(ctx).WithFields(logrus.Fields{"ip": fip.IPAddress, "from": before.FQDN(), "to": after.FQDN()}).Info("renaming address")
	}
	return o.strategy.BindNames(ctx, actx.Condition, fip.IPAddress, after)
}

// resolveRequested fills entries that ask for any address of a subnet with
// an address the port already holds there, when one is not otherwise listed
func resolveRequested(old, requested []domain.FixedIP) []domain.FixedIP {
	out := append([]domain.FixedIP(nil), requested...)
	listed := make(map[string]bool)
	for _, fip := range out {
		if fip.IPAddress != "" {
			listed[fip.IPAddress] = true
		}
	}
	for i := range out {
		if out[i].IPAddress != "" {
			continue
		}
		for _, o := range old {
			if o.SubnetID == out[i].SubnetID && o.IPAddress != "" && !listed[o.IPAddress] {
				out[i].IPAddress = o.IPAddress
				listed[o.IPAddress] = true
				break
			}
		}
	}
	return out
}

// OnPortDeleted unbinds and releases every address of the port
func (o *Orchestrator) OnPortDeleted(ctx context.Context, identity domain.Identity, portID string) (err error) {
	ctx = withFields(ctx, logrus.Fields{"port_id": portID})
	start := o.clock.Now()
	defer func() { o.track(ctx, "port.delete", start, err) }()

	p, err := o.ports.FindByID(ctx, portID)
	if err != nil {
		if ignoreNotFound(err) == nil {
			log.G(ctx).Debug("port unknown, nothing to delete")
			return nil
		}
		return err
	}

	contexts := o.newPortContexts(ctx, identity, &p)
	for _, fip := range p.FixedIPs {
		if fip.IPAddress == "" {
			continue
		}
		actx, err := contexts.get(ctx, fip.SubnetID)
		if errors.Is(err, repository.ErrNotFound) {
			log.G(ctx).WithField("subnet_id", fip.SubnetID).Warn("subnet of address unknown, skipping")
			continue
		}
		if err != nil {
			return err
		}
		if err := o.release(ctx, actx, fip.IPAddress); err != nil {
			return err
		}
	}
	return ignoreNotFound(o.ports.DeleteByID(ctx, portID))
}
