package ipalloc

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// FixedAddressStrategy reserves each address with a fixed address object and
// manages the configured name records next to it
type FixedAddressStrategy struct {
	backend  directory.Backend
	attempts int
	bind     []directory.Kind
	unbind   []directory.Kind
	delete   []directory.Kind
}

// Name implements Strategy
func (s *FixedAddressStrategy) Name() string {
	return "fixed_address"
}

func fixedKind(ip string) directory.Kind {
	if is6(ip) {
		return directory.KindIPv6FixedAddress
	}
	return directory.KindFixedAddress
}

// AllocateFromRange creates a fixed address for the first free address in
// first-last. Names are left to BindNames.
func (s *FixedAddressStrategy) AllocateFromRange(ctx context.Context, cond *reservation.AllocationCondition, host Host, firstIP, lastIP string) (ip string, err error) {
	defer func() { observe(s.Name(), "allocate_from_range", err) }()
	return s.create(ctx, cond, host, fixedKind(firstIP), directory.NextAvailableIP(firstIP, lastIP, cond.NetworkView))
}

// AllocateExact creates a fixed address for ip
func (s *FixedAddressStrategy) AllocateExact(ctx context.Context, cond *reservation.AllocationCondition, host Host, ip string) (allocated string, err error) {
	defer func() { observe(s.Name(), "allocate_exact", err) }()
	return s.create(ctx, cond, host, fixedKind(ip), ip)
}

func (s *FixedAddressStrategy) create(ctx context.Context, cond *reservation.AllocationCondition, host Host, kind directory.Kind, addr string) (string, error) {
	ctx = log.WithModule(ctx, "ipalloc")
	obj, err := s.backend.CreateObject(ctx, kind, &directory.Object{
		IPAddr:      addr,
		MAC:         host.MAC,
		NetworkView: cond.NetworkView,
		ExtAttrs:    host.Tags,
	})
	if directory.IsConflict(err) {
		// a retried request finds its own reservation already in place
		if held, ok, rerr := s.adopt(ctx, cond, host, addr); rerr != nil {
			return "", rerr
		} else if ok {
			log.G(ctx).WithField("ip", held).Info("fixed address already reserved for host")
			return held, nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s for %s: %w", kind, addr, err)
	}
	log.G(ctx).WithField("ip", obj.IPAddr).Debug("fixed address allocated")
	return obj.IPAddr, nil
}

// adopt re-reads the fixed address of addr after a conflict and reports
// whether it belongs to host, by port id or by MAC
func (s *FixedAddressStrategy) adopt(ctx context.Context, cond *reservation.AllocationCondition, host Host, addr string) (string, bool, error) {
	if _, _, _, sentinel := directory.ParseNextAvailableIP(addr); sentinel {
		return "", false, nil
	}
	fixed, err := s.fixedAddress(ctx, cond, addr)
	if err != nil {
		return "", false, fmt.Errorf("failed to find fixed address %s: %w", addr, err)
	}
	if fixed == nil {
		return "", false, nil
	}
	port := host.Tags[eas.PortID]
	samePort := port != "" && fixed.ExtAttrs[eas.PortID] == port
	sameMAC := host.MAC != "" && strings.EqualFold(fixed.MAC, host.MAC)
	if !samePort && !sameMAC {
		return "", false, nil
	}
	return fixed.IPAddr, true, nil
}

func (s *FixedAddressStrategy) fixedAddress(ctx context.Context, cond *reservation.AllocationCondition, ip string) (*directory.Object, error) {
	return s.backend.GetObject(ctx, fixedKind(ip), directory.Filter{"ipaddr": ip, "network_view": cond.NetworkView})
}

// Deallocate removes the configured name records of ip, then its fixed
// address
func (s *FixedAddressStrategy) Deallocate(ctx context.Context, cond *reservation.AllocationCondition, ip string, claim eas.Set) (err error) {
	defer func() { observe(s.Name(), "deallocate", err) }()
	ctx = log.WithModule(ctx, "ipalloc")

	for _, kind := range s.delete {
		if !recordFits(kind, ip) {
			continue
		}
		if err := directory.FindAndDeleteBy(ctx, s.backend, kind, directory.Filter{"ipaddr": ip, "view": cond.DNSView}, claim); err != nil {
			return err
		}
	}

	fixed, err := s.fixedAddress(ctx, cond, ip)
	if err != nil {
		return fmt.Errorf("failed to find fixed address %s: %w", ip, err)
	}
	if fixed == nil {
		log.G(ctx).WithField("ip", ip).Debug("no fixed address to deallocate")
		return nil
	}
	return directory.DeleteOwnedBy(ctx, s.backend, fixed, claim)
}

// BindNames creates the configured name records for ip. Floating IPs also
// get their tags refreshed, since their association changes without any new
// allocation.
func (s *FixedAddressStrategy) BindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) (err error) {
	defer func() { observe(s.Name(), "bind_names", err) }()
	ctx = log.WithModule(ctx, "ipalloc")

	if host.IsFloating() {
		if err := s.refreshTags(ctx, cond, ip, host.Tags); err != nil {
			return err
		}
	}

	fqdn := host.FQDN()
	for _, kind := range s.bind {
		if !recordFits(kind, ip) {
			continue
		}
		payload, filter := nameRecord(kind, cond.DNSView, fqdn, ip)
		payload.ExtAttrs = host.Tags
		if _, _, err := directory.GetOrCreate(ctx, s.backend, kind, filter, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *FixedAddressStrategy) refreshTags(ctx context.Context, cond *reservation.AllocationCondition, ip string, tags eas.Set) error {
	fixed, err := s.fixedAddress(ctx, cond, ip)
	if err != nil {
		return fmt.Errorf("failed to find fixed address %s: %w", ip, err)
	}
	if _, err := directory.UpdateExtAttrs(ctx, s.backend, fixed, tags); err != nil {
		return err
	}

	for _, kind := range []directory.Kind{directory.KindARecord, directory.KindAAAARecord, directory.KindPTRRecord} {
		if !recordFits(kind, ip) {
			continue
		}
		records, err := s.backend.FindObjects(ctx, kind, directory.Filter{"ipaddr": ip, "view": cond.DNSView})
		if err != nil {
			return fmt.Errorf("failed to find %s for %s: %w", kind, ip, err)
		}
		for _, rec := range records {
			if _, err := directory.UpdateExtAttrs(ctx, s.backend, rec, tags); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnbindNames removes the configured unbind record kinds for ip and host
func (s *FixedAddressStrategy) UnbindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) (err error) {
	defer func() { observe(s.Name(), "unbind_names", err) }()
	ctx = log.WithModule(ctx, "ipalloc")

	fqdn := host.FQDN()
	for _, kind := range s.unbind {
		if !recordFits(kind, ip) {
			continue
		}
		_, filter := nameRecord(kind, cond.DNSView, fqdn, ip)
		if err := directory.FindAndDeleteBy(ctx, s.backend, kind, filter, host.Tags); err != nil {
			return err
		}
	}
	return nil
}

// recordFits skips A records for IPv6 addresses and AAAA records for IPv4
func recordFits(kind directory.Kind, ip string) bool {
	switch kind {
	case directory.KindARecord:
		return !is6(ip)
	case directory.KindAAAARecord:
		return is6(ip)
	}
	return true
}

func nameRecord(kind directory.Kind, view, fqdn, ip string) (*directory.Object, directory.Filter) {
	if kind == directory.KindPTRRecord {
		return &directory.Object{PtrDName: fqdn, IPAddr: ip, View: view},
			directory.Filter{"ptrdname": fqdn, "ipaddr": ip, "view": view}
	}
	return &directory.Object{Name: fqdn, IPAddr: ip, View: view},
		directory.Filter{"name": fqdn, "ipaddr": ip, "view": view}
}
