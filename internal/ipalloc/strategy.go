// Package ipalloc allocates addresses and binds names in the directory
// backend. Two strategies exist: one host record per hostname with the
// addresses nested under it, or one fixed address per IP with separately
// managed A/AAAA/PTR records.
package ipalloc

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// Host describes the name side of an allocation
type Host struct {
	// Name is the host part, Zone the forward zone it is placed in
	Name string
	Zone string
	MAC  string
	// DHCP marks addresses as served by DHCP
	DHCP bool
	// Tags are set on every object created for the host. Deletes made on
	// behalf of the host may reclaim objects carrying the same port id.
	Tags eas.Set
}

// FQDN returns the fully qualified name of the host
func (h Host) FQDN() string {
	if h.Zone == "" {
		return h.Name
	}
	return pattern.FQDN(h.Name, h.Zone)
}

// IsFloating reports whether the host is tagged as a floating IP
func (h Host) IsFloating() bool {
	return h.Tags[eas.IPType] == eas.IPTypeFloating
}

// Strategy allocates, releases and names addresses for one subnet's requests
type Strategy interface {
	// Name identifies the strategy in logs and metrics
	Name() string
	AllocateFromRange(ctx context.Context, cond *reservation.AllocationCondition, host Host, firstIP, lastIP string) (string, error)
	AllocateExact(ctx context.Context, cond *reservation.AllocationCondition, host Host, ip string) (string, error)
	Deallocate(ctx context.Context, cond *reservation.AllocationCondition, ip string, claim eas.Set) error
	BindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) error
	UnbindNames(ctx context.Context, cond *reservation.AllocationCondition, ip string, host Host) error
}

// Config selects and tunes the strategy
type Config struct {
	UseHostRecords bool
	// Record kinds created by BindNames, removed by UnbindNames and removed
	// before the fixed address on Deallocate. Only used by the fixed address
	// strategy.
	BindRecords   []directory.Kind
	UnbindRecords []directory.Kind
	DeleteRecords []directory.Kind
	// Attempts bounds the reconcile loop around every read-then-write
	Attempts int
}

// Validate checks that the record lists only name record kinds
func (c Config) Validate() error {
	for _, list := range [][]directory.Kind{c.BindRecords, c.UnbindRecords, c.DeleteRecords} {
		for _, k := range list {
			if !k.IsNameRecord() {
				return fmt.Errorf("%w: %q is not a name record type", reservation.ErrConfiguration, k)
			}
		}
	}
	return nil
}

// New builds the strategy cfg selects. It is meant to be called once per
// configuration load so allocate and deallocate never use different
// strategies for the same address.
func New(cfg Config, b directory.Backend) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = directory.DefaultAttempts
	}
	if cfg.UseHostRecords {
		return &HostRecordStrategy{backend: b, attempts: cfg.Attempts}, nil
	}
	return &FixedAddressStrategy{
		backend:  b,
		attempts: cfg.Attempts,
		bind:     cfg.BindRecords,
		unbind:   cfg.UnbindRecords,
		delete:   cfg.DeleteRecords,
	}, nil
}

func observe(strategy, op string, err error) {
	metrics.Allocations.WithLabelValues(strategy, op, metrics.Result(err)).Inc()
}

func is6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is6() && !addr.Is4In6()
}
