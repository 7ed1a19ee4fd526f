package allocation

import (
	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
	"github.com/jbweber/homelab/ddiagent/internal/zones"
)

// AllocationContext is everything one request works with. It is built by the
// orchestrator per event and not shared between requests.
type AllocationContext struct {
	Identity     domain.Identity
	Network      *domain.Network
	Subnet       *domain.Subnet
	Port         *domain.Port
	InstanceName string

	Condition *reservation.AllocationCondition
	Backend   directory.Backend
}

func (c *AllocationContext) tagInput() eas.Input {
	return eas.Input{
		Identity:     c.Identity,
		Network:      c.Network,
		Subnet:       c.Subnet,
		Port:         c.Port,
		InstanceName: c.InstanceName,
	}
}

func (c *AllocationContext) patternInput() pattern.Input {
	return pattern.Input{
		Identity:     c.Identity,
		Network:      c.Network,
		Subnet:       c.Subnet,
		Port:         c.Port,
		InstanceName: c.InstanceName,
	}
}

func (c *AllocationContext) reservationRequest() reservation.Request {
	return reservation.Request{Identity: c.Identity, Network: c.Network, Subnet: c.Subnet}
}

func (c *AllocationContext) zoneRequest() zones.Request {
	return zones.Request{Identity: c.Identity, Network: c.Network, Subnet: c.Subnet}
}

// ipTags are the tags of address objects for the port of the context
func (c *AllocationContext) ipTags() eas.Set {
	kind := eas.KindIP
	if c.Port != nil && c.Port.IsFloatingIP() {
		kind = eas.KindFloatingIP
	}
	return eas.For(kind, c.tagInput())
}
