// Package zones provisions the forward and reverse DNS zones of a subnet.
package zones

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// Zone formats of zone_auth objects
const (
	FormatForward = "FORWARD"
	FormatIPv4    = "IPV4"
	FormatIPv6    = "IPV6"
)

// Request carries what zone names and tags are derived from
type Request struct {
	Identity domain.Identity
	Network  *domain.Network
	Subnet   *domain.Subnet
}

func (r Request) patternInput() pattern.Input {
	return pattern.Input{Identity: r.Identity, Network: r.Network, Subnet: r.Subnet}
}

func (r Request) tagInput() eas.Input {
	return eas.Input{Identity: r.Identity, Network: r.Network, Subnet: r.Subnet}
}

// Names are the zones of one subnet
type Names struct {
	Forward string
	Reverse string
}

// Provisioner creates and removes zones in the directory backend
type Provisioner struct {
	backend directory.Backend
}

// NewProvisioner creates a provisioner over b
func NewProvisioner(b directory.Backend) *Provisioner {
	return &Provisioner{backend: b}
}

// ZoneNames computes the forward and reverse zone of a subnet
func ZoneNames(cond *reservation.AllocationCondition, req Request) (Names, error) {
	if req.Subnet == nil {
		return Names{}, fmt.Errorf("zone names need a subnet")
	}
	forward, err := cond.Patterns.Zone(req.patternInput())
	if err != nil {
		return Names{}, fmt.Errorf("failed to build forward zone name: %w", err)
	}
	reverse, err := ReverseZone(req.Subnet.CIDR)
	if err != nil {
		return Names{}, err
	}
	return Names{Forward: forward, Reverse: reverse}, nil
}

// CreateDNSZones ensures the DNS view and both zones of the subnet exist.
// Every step is create-if-absent, so a failed call is repaired by calling it
// again.
func (p *Provisioner) CreateDNSZones(ctx context.Context, cond *reservation.AllocationCondition, req Request) (Names, error) {
	ctx = log.WithModule(ctx, "zones")

	names, err := ZoneNames(cond, req)
	if err != nil {
		return Names{}, err
	}

	_, created, err := directory.GetOrCreate(ctx, p.backend, directory.KindDNSView,
		directory.Filter{"name": cond.DNSView},
		&directory.Object{
			Name:        cond.DNSView,
			NetworkView: cond.NetworkView,
			ExtAttrs:    eas.For(eas.KindNetworkView, req.tagInput()),
		})
	if err != nil {
		log.G(ctx).WithError(err).WithField("dns_view", cond.DNSView).Error("failed to ensure dns view")
		return Names{}, err
	}
	if created {
		log.G(ctx).WithField("dns_view", cond.DNSView).Info("dns view created")
	}

	format := FormatIPv4
	if req.Subnet.IPVersion == 6 {
		format = FormatIPv6
	}
	for _, z := range []struct{ name, format string }{
		{names.Forward, FormatForward},
		{names.Reverse, format},
	} {
		payload := &directory.Object{
			Name:       z.name,
			View:       cond.DNSView,
			ZoneFormat: z.format,
			ExtAttrs:   eas.For(eas.KindZone, req.tagInput()),
		}
		if z.format != FormatForward {
			payload.Prefix = req.Subnet.CIDR
		}
		if cond.NSGroup != "" {
			payload.NSGroup = cond.NSGroup
		} else {
			payload.GridPrimary = reservation.MemberServers(cond.DNSPrimary)
			payload.GridSecondaries = reservation.MemberServers(cond.DNSSecondary)
		}

		_, created, err := directory.GetOrCreate(ctx, p.backend, directory.KindZone,
			directory.Filter{"fqdn": z.name, "view": cond.DNSView}, payload)
		if err != nil {
			log.G(ctx).WithError(err).WithField("zone", z.name).Error("failed to create zone")
			return Names{}, err
		}
		if created {
			log.G(ctx).WithField("zone", z.name).WithField("view", cond.DNSView).Info("zone created")
		}
	}
	return names, nil
}

// DeleteDNSZones removes the zones of the subnet that are not in inUse by
// another subnet of the same view. Zones not owned by the agent are refused.
func (p *Provisioner) DeleteDNSZones(ctx context.Context, cond *reservation.AllocationCondition, req Request, inUse map[string]bool) error {
	ctx = log.WithModule(ctx, "zones")

	names, err := ZoneNames(cond, req)
	if err != nil {
		return err
	}
	for _, name := range []string{names.Forward, names.Reverse} {
		if inUse[name] {
			log.G(ctx).WithField("zone", name).Debug("zone still in use, keeping")
			continue
		}
		if err := directory.FindAndDelete(ctx, p.backend, directory.KindZone, directory.Filter{"fqdn": name, "view": cond.DNSView}); err != nil {
			return err
		}
	}
	return nil
}

// ReverseZone names the reverse zone holding cidr. IPv4 prefixes are rounded
// down to an octet boundary, IPv6 prefixes to a nibble boundary.
func ReverseZone(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid subnet cidr %q: %w", cidr, err)
	}
	addr := prefix.Masked().Addr()

	if addr.Is4() {
		octets := prefix.Bits() / 8
		if octets == 0 {
			return "in-addr.arpa", nil
		}
		b := addr.As4()
		labels := make([]string, 0, octets+1)
		for i := octets - 1; i >= 0; i-- {
			labels = append(labels, strconv.Itoa(int(b[i])))
		}
		return strings.Join(append(labels, "in-addr.arpa"), "."), nil
	}

	nibbles := prefix.Bits() / 4
	if nibbles == 0 {
		return "ip6.arpa", nil
	}
	b := addr.As16()
	labels := make([]string, 0, nibbles+1)
	for i := nibbles - 1; i >= 0; i-- {
		v := b[i/2]
		if i%2 == 0 {
			v >>= 4
		}
		labels = append(labels, strconv.FormatInt(int64(v&0x0f), 16))
	}
	return strings.Join(append(labels, "ip6.arpa"), "."), nil
}
