// Package memdir is an in-process directory backend backed by go-memdb. It
// enforces the uniqueness rules of a real DDI appliance and resolves the
// next-available sentinels, which makes it suitable for development mode and
// for exercising allocation logic in tests.
package memdir

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
)

const (
	tableObjects = "objects"
	indexID      = "id"
	indexKind    = "kind"

	// DefaultView is the network and DNS view present on a fresh backend
	DefaultView = "default"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableObjects: {
			Name: tableObjects,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Ref"},
				},
				indexKind: {
					Name:    indexKind,
					Indexer: &memdb.StringFieldIndex{Field: "Kind"},
				},
			},
		},
	},
}

// Backend implements directory.Backend in memory
type Backend struct {
	db            *memdb.MemDB
	seq           atomic.Uint64
	defaultMember directory.MemberServer
	calls         map[string]*atomic.Int64
}

// Option configures a Backend
type Option func(*Backend)

// WithDefaultMember sets the member substituted for NextAvailableMember
func WithDefaultMember(m directory.MemberServer) Option {
	return func(b *Backend) {
		b.defaultMember = m
	}
}

// New creates a backend holding the default network and DNS views
func New(opts ...Option) (*Backend, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	b := &Backend{
		db:            db,
		defaultMember: directory.MemberServer{Name: "infoblox.localdomain"},
		calls: map[string]*atomic.Int64{
			"get": {}, "create": {}, "update": {}, "delete": {},
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx := context.Background()
	if _, err := b.CreateObject(ctx, directory.KindNetworkView, &directory.Object{Name: DefaultView}); err != nil {
		return nil, err
	}
	if _, err := b.CreateObject(ctx, directory.KindDNSView, &directory.Object{Name: DefaultView, NetworkView: DefaultView}); err != nil {
		return nil, err
	}
	b.ResetCalls()
	return b, nil
}

// Calls returns how many times op ("get", "create", "update", "delete") was
// invoked since the last reset
func (b *Backend) Calls(op string) int64 {
	if c, ok := b.calls[op]; ok {
		return c.Load()
	}
	return 0
}

// ResetCalls zeroes the call counters
func (b *Backend) ResetCalls() {
	for _, c := range b.calls {
		c.Store(0)
	}
}

func (b *Backend) nextRef(kind directory.Kind, name string) string {
	return fmt.Sprintf("%s/%08d:%s", kind, b.seq.Add(1), name)
}

// GetObject returns the first object of kind matching filter, or nil
func (b *Backend) GetObject(ctx context.Context, kind directory.Kind, filter directory.Filter) (*directory.Object, error) {
	b.calls["get"].Add(1)
	objs, err := b.find(b.db.Txn(false), kind, filter)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0].Copy(), nil
}

// FindObjects returns every object of kind matching filter
func (b *Backend) FindObjects(ctx context.Context, kind directory.Kind, filter directory.Filter) ([]*directory.Object, error) {
	b.calls["get"].Add(1)
	objs, err := b.find(b.db.Txn(false), kind, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*directory.Object, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Copy())
	}
	return out, nil
}

func (b *Backend) find(txn *memdb.Txn, kind directory.Kind, filter directory.Filter) ([]*directory.Object, error) {
	it, err := txn.Get(tableObjects, indexKind, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	var out []*directory.Object
	for raw := it.Next(); raw != nil; raw = it.Next() {
		obj := raw.(*directory.Object)
		if filter.Matches(obj) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// CreateObject validates, resolves sentinels and stores payload
func (b *Backend) CreateObject(ctx context.Context, kind directory.Kind, payload *directory.Object) (*directory.Object, error) {
	b.calls["create"].Add(1)
	txn := b.db.Txn(true)
	defer txn.Abort()

	obj := payload.Copy()
	obj.Kind = kind
	obj.Ref = ""
	if err := b.prepare(txn, obj); err != nil {
		return nil, err
	}
	obj.Ref = b.nextRef(kind, obj.Name)
	if err := txn.Insert(tableObjects, obj); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", kind, err)
	}
	txn.Commit()
	return obj.Copy(), nil
}

// UpdateObject replaces the object at ref with payload
func (b *Backend) UpdateObject(ctx context.Context, kind directory.Kind, ref string, payload *directory.Object) (*directory.Object, error) {
	b.calls["update"].Add(1)
	txn := b.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableObjects, indexID, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, directory.ErrNotFound)
	}
	current := raw.(*directory.Object)

	obj := payload.Copy()
	obj.Kind = current.Kind
	obj.Ref = current.Ref
	if err := b.prepare(txn, obj); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableObjects, obj); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", ref, err)
	}
	txn.Commit()
	return obj.Copy(), nil
}

// DeleteObject removes the object at ref
func (b *Backend) DeleteObject(ctx context.Context, kind directory.Kind, ref string) error {
	b.calls["delete"].Add(1)
	txn := b.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableObjects, indexID, ref)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if raw == nil {
		return fmt.Errorf("%s %s: %w", kind, ref, directory.ErrNotFound)
	}
	if err := txn.Delete(tableObjects, raw); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	txn.Commit()
	return nil
}

// prepare resolves sentinels in obj and checks the uniqueness rules for its
// kind against everything else in the table
func (b *Backend) prepare(txn *memdb.Txn, obj *directory.Object) error {
	b.resolveMembers(obj.Members)
	b.resolveMembers(obj.GridPrimary)

	switch obj.Kind {
	case directory.KindNetworkView, directory.KindDNSView:
		return b.unique(txn, obj, directory.Filter{"name": obj.Name})

	case directory.KindZone:
		if err := b.requireView(txn, obj.View); err != nil {
			return err
		}
		return b.unique(txn, obj, directory.Filter{"fqdn": obj.Name, "view": obj.View})

	case directory.KindNetwork:
		if err := b.requireNetworkView(txn, obj.NetworkView); err != nil {
			return err
		}
		return b.unique(txn, obj, directory.Filter{"network": obj.Network, "network_view": obj.NetworkView})

	case directory.KindRange:
		if err := b.requireNetworkView(txn, obj.NetworkView); err != nil {
			return err
		}
		return b.unique(txn, obj, directory.Filter{
			"start_addr": obj.StartAddr, "end_addr": obj.EndAddr, "network_view": obj.NetworkView,
		})

	case directory.KindHostRecord:
		if err := b.requireView(txn, obj.View); err != nil {
			return err
		}
		if err := b.unique(txn, obj, directory.Filter{"name": obj.Name, "view": obj.View}); err != nil {
			return err
		}
		netView, err := b.networkViewOf(txn, obj)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(obj.Addrs))
		for i := range obj.Addrs {
			addr, err := b.resolveAddr(txn, obj, netView, obj.Addrs[i].Addr)
			if err != nil {
				return err
			}
			if seen[addr] {
				return fmt.Errorf("address %s listed twice on host record %q: %w", addr, obj.Name, directory.ErrConflict)
			}
			seen[addr] = true
			obj.Addrs[i].Addr = addr
		}
		return nil

	case directory.KindFixedAddress, directory.KindIPv6FixedAddress:
		if obj.NetworkView == "" {
			obj.NetworkView = DefaultView
		}
		if err := b.requireNetworkView(txn, obj.NetworkView); err != nil {
			return err
		}
		addr, err := b.resolveAddr(txn, obj, obj.NetworkView, obj.IPAddr)
		if err != nil {
			return err
		}
		obj.IPAddr = addr
		return nil

	case directory.KindARecord, directory.KindAAAARecord, directory.KindPTRRecord:
		if err := b.requireView(txn, obj.View); err != nil {
			return err
		}
		f := directory.Filter{"name": obj.Name, "ipaddr": obj.IPAddr, "view": obj.View}
		if obj.Kind == directory.KindPTRRecord {
			f = directory.Filter{"ptrdname": obj.PtrDName, "ipaddr": obj.IPAddr, "view": obj.View}
		}
		return b.unique(txn, obj, f)
	}
	return nil
}

func (b *Backend) resolveMembers(members []directory.MemberServer) {
	for i := range members {
		if members[i].Name == directory.NextAvailableMember {
			members[i] = b.defaultMember
		}
	}
}

func (b *Backend) unique(txn *memdb.Txn, obj *directory.Object, filter directory.Filter) error {
	existing, err := b.find(txn, obj.Kind, filter)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Ref != obj.Ref {
			return fmt.Errorf("%s %q already exists: %w", obj.Kind, obj.Name, directory.ErrConflict)
		}
	}
	return nil
}

func (b *Backend) requireView(txn *memdb.Txn, view string) error {
	views, err := b.find(txn, directory.KindDNSView, directory.Filter{"name": view})
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return fmt.Errorf("dns view %q: %w", view, directory.ErrNotFound)
	}
	return nil
}

func (b *Backend) requireNetworkView(txn *memdb.Txn, netView string) error {
	views, err := b.find(txn, directory.KindNetworkView, directory.Filter{"name": netView})
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return fmt.Errorf("network view %q: %w", netView, directory.ErrNotFound)
	}
	return nil
}

// networkViewOf returns the network view a host record's DNS view belongs to
func (b *Backend) networkViewOf(txn *memdb.Txn, obj *directory.Object) (string, error) {
	views, err := b.find(txn, directory.KindDNSView, directory.Filter{"name": obj.View})
	if err != nil {
		return "", err
	}
	if len(views) == 0 || views[0].NetworkView == "" {
		return DefaultView, nil
	}
	return views[0].NetworkView, nil
}

// claimed returns every address held by host records and fixed addresses in
// netView, except those held by self
func (b *Backend) claimed(txn *memdb.Txn, netView string, self string) (map[netip.Addr]bool, error) {
	used := make(map[netip.Addr]bool)

	hosts, err := b.find(txn, directory.KindHostRecord, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.Ref == self {
			continue
		}
		hv, err := b.networkViewOf(txn, h)
		if err != nil {
			return nil, err
		}
		if hv != netView {
			continue
		}
		for _, a := range h.Addrs {
			if ip, err := netip.ParseAddr(a.Addr); err == nil {
				used[ip] = true
			}
		}
	}

	for _, kind := range []directory.Kind{directory.KindFixedAddress, directory.KindIPv6FixedAddress} {
		fixed, err := b.find(txn, kind, directory.Filter{"network_view": netView})
		if err != nil {
			return nil, err
		}
		for _, f := range fixed {
			if f.Ref == self {
				continue
			}
			if ip, err := netip.ParseAddr(f.IPAddr); err == nil {
				used[ip] = true
			}
		}
	}
	return used, nil
}

// resolveAddr turns a next-available sentinel into a free address, and
// rejects a plain address already claimed by another object
func (b *Backend) resolveAddr(txn *memdb.Txn, obj *directory.Object, netView, addr string) (string, error) {
	used, err := b.claimed(txn, netView, obj.Ref)
	if err != nil {
		return "", err
	}

	first, last, sentinelView, ok := directory.ParseNextAvailableIP(addr)
	if !ok {
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			return "", fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if used[ip] {
			return "", fmt.Errorf("address %s already allocated in %s: %w", addr, netView, directory.ErrConflict)
		}
		return ip.String(), nil
	}
	if sentinelView != "" && sentinelView != netView {
		netView = sentinelView
		if used, err = b.claimed(txn, netView, obj.Ref); err != nil {
			return "", err
		}
	}

	start, err := netip.ParseAddr(first)
	if err != nil {
		return "", fmt.Errorf("invalid range start %q: %w", first, err)
	}
	end, err := netip.ParseAddr(last)
	if err != nil {
		return "", fmt.Errorf("invalid range end %q: %w", last, err)
	}
	// addresses already placed on this object count as used too
	for _, a := range obj.Addrs {
		if ip, err := netip.ParseAddr(a.Addr); err == nil {
			used[ip] = true
		}
	}
	for ip := start; ip.IsValid() && ip.Compare(end) <= 0; ip = ip.Next() {
		if !used[ip] {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("range %s-%s: %w", first, last, directory.ErrExhausted)
}
