package ipalloc

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// HostRecordStrategy keeps one host record per hostname. Auxiliary names
// live inside the record.
type HostRecordStrategy struct {
	backend  directory.Backend
	attempts int
}

// Name implements Strategy
func (s *HostRecordStrategy) Name() string {
	return "host_record"
}

func (s *HostRecordStrategy) byName(ctx context.Context, view, fqdn string) (*directory.Object, error) {
	return s.backend.GetObject(ctx, directory.KindHostRecord, directory.Filter{"name": fqdn, "view": view})
}

func (s *HostRecordStrategy) byIP(ctx context.Context, view, ip string) (*directory.Object, error) {
	return s.backend.GetObject(ctx, directory.KindHostRecord, directory.Filter{"ipaddr": ip, "view": view})
}

// AllocateFromRange adds an address from first-last to the record of host,
// creating the record if needed. It returns the address added.
func (s *HostRecordStrategy) AllocateFromRange(ctx context.Context, cond *reservation.AllocationCondition, host Host, firstIP, lastIP string) (ip string, err error) {
	defer func() { observe(s.Name(), "allocate_from_range", err) }()
	return s.allocate(ctx, cond, host, directory.NextAvailableIP(firstIP, lastIP, cond.NetworkView))
}

// AllocateExact adds ip to the record of host, creating the record if needed
func (s *HostRecordStrategy) AllocateExact(ctx context.Context, cond *reservation.AllocationCondition, host Host, ip string) (allocated string, err error) {
	defer func() { observe(s.Name(), "allocate_exact", err) }()
	return s.allocate(ctx, cond, host, ip)
}

func (s *HostRecordStrategy) allocate(ctx context.Context, cond *reservation.AllocationCondition, host Host, addr string) (string, error) {
	ctx = log.WithModule(ctx, "ipalloc")
	fqdn := host.FQDN()

	var ip string
	err := directory.Reconcile(ctx, s.attempts, func(ctx context.Context) error {
		existing, err := s.byName(ctx, cond.DNSView, fqdn)
		if err != nil {
			return err
		}

		if held, ok := heldAddr(existing, addr, host.MAC); ok {
			ip = held
			return nil
		}

		var rec *directory.Object
		if existing != nil {
			// multi-homed host, the new address goes onto the same record
			payload := existing.Copy()
			payload.Addrs = append(payload.Addrs, directory.HostAddr{Addr: addr, MAC: host.MAC, ConfigureForDHCP: host.DHCP})
			rec, err = s.backend.UpdateObject(ctx, directory.KindHostRecord, existing.Ref, payload)
		} else {
			rec, err = s.backend.CreateObject(ctx, directory.KindHostRecord, &directory.Object{
				Name:     fqdn,
				View:     cond.DNSView,
				Addrs:    []directory.HostAddr{{Addr: addr, MAC: host.MAC, ConfigureForDHCP: host.DHCP}},
				ExtAttrs: host.Tags,
			})
		}
		if err != nil {
			return err
		}
		ip = rec.Addrs[len(rec.Addrs)-1].Addr
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate address for %s: %w", fqdn, err)
	}
	log.G(ctx).WithField("fqdn", fqdn).WithField("ip", ip).Debug("address allocated")
	return ip, nil
}

// Deallocate removes ip from its host record, deleting the record when ip is
// its only address
func (s *HostRecordStrategy) Deallocate(ctx context.Context, cond *reservation.AllocationCondition, ip string, claim eas.Set) (err error) {
	defer func() { observe(s.Name(), "deallocate", err) }()
	ctx = log.WithModule(ctx, "ipalloc")

	return directory.Reconcile(ctx, s.attempts, func(ctx context.Context) error {
		rec, err := s.byIP(ctx, cond.DNSView, ip)
		if err != nil {
			return err
		}
		if rec == nil {
			log.G(ctx).WithField("ip", ip).Debug("no host record to deallocate")
			return nil
		}
		rest := withoutAddr(rec, ip)
		if len(rest.Addrs) == 0 {
			return directory.DeleteOwnedBy(ctx, s.backend, rec, claim)
		}
		if err := directory.CheckOwnedBy(rec, claim); err != nil {
			return err
		}
		_, err = s.backend.UpdateObject(ctx, directory.KindHostRecord, rec.Ref, rest)
		return err
	})
}

// BindNames makes the record of host the only one holding ip. A record left
// on ip under another name is merged into it.
func (s *HostRecordStrategy) BindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) (err error) {
	defer func() { observe(s.Name(), "bind_names", err) }()
	ctx = log.WithModule(ctx, "ipalloc")
	fqdn := host.FQDN()

	return directory.Reconcile(ctx, s.attempts, func(ctx context.Context) error {
		named, err := s.byName(ctx, cond.DNSView, fqdn)
		if err != nil {
			return err
		}
		holder, err := s.byIP(ctx, cond.DNSView, ip)
		if err != nil {
			return err
		}

		if named != nil && holder != nil && named.Ref == holder.Ref {
			_, err := directory.UpdateExtAttrs(ctx, s.backend, named, named.ExtAttrs.Merge(host.Tags))
			return err
		}

		mac := host.MAC
		if holder != nil {
			// the backend refuses two host records on one address, so the
			// stale record gives the address up first
			if a, ok := addrOf(holder, ip); ok && a.MAC != "" {
				mac = a.MAC
			}
			log.G(ctx).WithField("stale", holder.Name).WithField("fqdn", fqdn).WithField("ip", ip).Info("merging host record")
			if len(holder.Addrs) > 1 {
				if err := directory.CheckOwnedBy(holder, host.Tags); err != nil {
					return err
				}
				if _, err := s.backend.UpdateObject(ctx, directory.KindHostRecord, holder.Ref, withoutAddr(holder, ip)); err != nil {
					return err
				}
			} else if err := directory.DeleteOwnedBy(ctx, s.backend, holder, host.Tags); err != nil {
				return err
			}
		}

		addr := directory.HostAddr{Addr: ip, MAC: mac, ConfigureForDHCP: host.DHCP}
		if named != nil {
			payload := named.Copy()
			payload.Addrs = append(payload.Addrs, addr)
			_, err = s.backend.UpdateObject(ctx, directory.KindHostRecord, named.Ref, payload)
			return err
		}
		_, err = s.backend.CreateObject(ctx, directory.KindHostRecord, &directory.Object{
			Name:     fqdn,
			View:     cond.DNSView,
			Addrs:    []directory.HostAddr{addr},
			ExtAttrs: host.Tags,
		})
		return err
	})
}

// UnbindNames does nothing: names go away with the record or the address
func (s *HostRecordStrategy) UnbindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) error {
	observe(s.Name(), "unbind_names", nil)
	return nil
}

func addrOf(rec *directory.Object, ip string) (directory.HostAddr, bool) {
	for _, a := range rec.Addrs {
		if directory.SameIP(a.Addr, ip) {
			return a, true
		}
	}
	return directory.HostAddr{}, false
}

// heldAddr returns the address of rec that satisfies addr, so allocating
// again hands back what the record already holds. A next-available request is
// satisfied by an address inside its range carrying mac.
func heldAddr(rec *directory.Object, addr, mac string) (string, bool) {
	if rec == nil {
		return "", false
	}
	first, last, _, ok := directory.ParseNextAvailableIP(addr)
	if !ok {
		if a, found := addrOf(rec, addr); found {
			return a.Addr, true
		}
		return "", false
	}
	if mac == "" {
		return "", false
	}
	start, err1 := netip.ParseAddr(first)
	end, err2 := netip.ParseAddr(last)
	if err1 != nil || err2 != nil {
		return "", false
	}
	for _, a := range rec.Addrs {
		ip, err := netip.ParseAddr(a.Addr)
		if err != nil || !strings.EqualFold(a.MAC, mac) {
			continue
		}
		if ip.Compare(start) >= 0 && ip.Compare(end) <= 0 {
			return a.Addr, true
		}
	}
	return "", false
}

func withoutAddr(rec *directory.Object, ip string) *directory.Object {
	payload := rec.Copy()
	payload.Addrs = payload.Addrs[:0]
	for _, a := range rec.Addrs {
		if directory.SameIP(a.Addr, ip) {
			continue
		}
		payload.Addrs = append(payload.Addrs, a)
	}
	return payload
}
