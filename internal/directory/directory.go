// Package directory models the subset of the DDI directory backend this agent
// talks to: typed objects, a get/create/update/delete capability over them,
// and the ownership and conflict rules layered on top.
package directory

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/eas"
)

// Kind is a directory object type
type Kind string

const (
	KindNetworkView      Kind = "networkview"
	KindDNSView          Kind = "view"
	KindZone             Kind = "zone_auth"
	KindNetwork          Kind = "network"
	KindRange            Kind = "range"
	KindHostRecord       Kind = "record:host"
	KindFixedAddress     Kind = "fixedaddress"
	KindIPv6FixedAddress Kind = "ipv6fixedaddress"
	KindARecord          Kind = "record:a"
	KindAAAARecord       Kind = "record:aaaa"
	KindPTRRecord        Kind = "record:ptr"
)

// ParseKind validates a configured record kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNetworkView, KindDNSView, KindZone, KindNetwork, KindRange, KindHostRecord,
		KindFixedAddress, KindIPv6FixedAddress, KindARecord, KindAAAARecord, KindPTRRecord:
		return k, nil
	}
	return "", fmt.Errorf("unknown directory object kind %q", s)
}

// IsNameRecord reports whether k is an auxiliary name record kind
func (k Kind) IsNameRecord() bool {
	return k == KindARecord || k == KindAAAARecord || k == KindPTRRecord
}

// Sentinels resolved by the backend when an object is created
const (
	// NextAvailableMember asks the backend to pick a serving member
	NextAvailableMember = "func:nextavailablemember"

	nextAvailableIPPrefix = "func:nextavailableip:"
)

// NextAvailableIP builds the address sentinel asking the backend for the first
// free address between first and last in netView
func NextAvailableIP(first, last, netView string) string {
	return fmt.Sprintf("%s%s-%s,%s", nextAvailableIPPrefix, first, last, netView)
}

// ParseNextAvailableIP splits a NextAvailableIP sentinel. ok is false when
// addr is a plain address.
func ParseNextAvailableIP(addr string) (first, last, netView string, ok bool) {
	if !strings.HasPrefix(addr, nextAvailableIPPrefix) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(addr, nextAvailableIPPrefix)
	rng, netView, found := strings.Cut(rest, ",")
	if !found {
		return "", "", "", false
	}
	first, last, found = strings.Cut(rng, "-")
	if !found {
		return "", "", "", false
	}
	return first, last, netView, true
}

// MemberServer references a serving member from a network, range or zone
type MemberServer struct {
	Name string `json:"name"`
	IPv4 string `json:"ipv4addr,omitempty"`
	IPv6 string `json:"ipv6addr,omitempty"`
}

// HostAddr is one address on a host record
type HostAddr struct {
	Addr             string `json:"addr"`
	MAC              string `json:"mac,omitempty"`
	ConfigureForDHCP bool   `json:"configure_for_dhcp,omitempty"`
}

// Object is a directory object. Only the fields relevant to Kind are set.
type Object struct {
	Ref  string `json:"_ref,omitempty"`
	Kind Kind   `json:"-"`

	// Name is the view name, zone fqdn, or record name depending on Kind
	Name        string `json:"name,omitempty"`
	View        string `json:"view,omitempty"`
	NetworkView string `json:"network_view,omitempty"`

	// Network is the CIDR of a network, range or fixed address
	Network   string `json:"network,omitempty"`
	StartAddr string `json:"start_addr,omitempty"`
	EndAddr   string `json:"end_addr,omitempty"`

	Addrs []HostAddr `json:"addrs,omitempty"`

	// IPAddr is the address of a fixed address or name record
	IPAddr   string `json:"ipaddr,omitempty"`
	MAC      string `json:"mac,omitempty"`
	PtrDName string `json:"ptrdname,omitempty"`

	ZoneFormat      string         `json:"zone_format,omitempty"`
	Prefix          string         `json:"prefix,omitempty"`
	NSGroup         string         `json:"ns_group,omitempty"`
	GridPrimary     []MemberServer `json:"grid_primary,omitempty"`
	GridSecondaries []MemberServer `json:"grid_secondaries,omitempty"`
	Members         []MemberServer `json:"members,omitempty"`

	ExtAttrs eas.Set `json:"extattrs,omitempty"`
}

// Copy returns a deep copy of o
func (o *Object) Copy() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.Addrs = append([]HostAddr(nil), o.Addrs...)
	c.GridPrimary = append([]MemberServer(nil), o.GridPrimary...)
	c.GridSecondaries = append([]MemberServer(nil), o.GridSecondaries...)
	c.Members = append([]MemberServer(nil), o.Members...)
	if o.ExtAttrs != nil {
		c.ExtAttrs = o.ExtAttrs.Clone()
	}
	return &c
}

// HasAddr reports whether a host record carries addr
func (o *Object) HasAddr(addr string) bool {
	for _, a := range o.Addrs {
		if SameIP(a.Addr, addr) {
			return true
		}
	}
	return false
}

// Addresses returns every address carried by the object
func (o *Object) Addresses() []string {
	if len(o.Addrs) > 0 {
		out := make([]string, 0, len(o.Addrs))
		for _, a := range o.Addrs {
			out = append(out, a.Addr)
		}
		return out
	}
	if o.IPAddr != "" {
		return []string{o.IPAddr}
	}
	return nil
}

// Field returns the values of a searchable field, used to evaluate a Filter
func (o *Object) Field(name string) []string {
	switch name {
	case "name", "fqdn":
		return []string{o.Name}
	case "view":
		return []string{o.View}
	case "network_view":
		return []string{o.NetworkView}
	case "network":
		return []string{o.Network}
	case "start_addr":
		return []string{o.StartAddr}
	case "end_addr":
		return []string{o.EndAddr}
	case "ipaddr", "ipv4addr", "ipv6addr":
		return o.Addresses()
	case "mac":
		if o.MAC != "" {
			return []string{o.MAC}
		}
		var macs []string
		for _, a := range o.Addrs {
			macs = append(macs, a.MAC)
		}
		return macs
	case "ptrdname":
		return []string{o.PtrDName}
	}
	if strings.HasPrefix(name, "*") {
		return []string{o.ExtAttrs[strings.TrimPrefix(name, "*")]}
	}
	return nil
}

// Filter selects objects by field value. Keys prefixed with '*' match
// extensible attributes.
type Filter map[string]string

// Matches reports whether o satisfies every condition of f
func (f Filter) Matches(o *Object) bool {
	for field, want := range f {
		found := false
		for _, v := range o.Field(field) {
			if v == want || (isAddrField(field) && SameIP(v, want)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func isAddrField(field string) bool {
	return field == "ipaddr" || field == "ipv4addr" || field == "ipv6addr"
}

// SameIP compares two addresses regardless of their textual form
func SameIP(a, b string) bool {
	ia, ib := net.ParseIP(a), net.ParseIP(b)
	if ia == nil || ib == nil {
		return a == b
	}
	return ia.Equal(ib)
}

// Backend is the directory backend capability. GetObject returns nil and no
// error when nothing matches. CreateObject returns an error wrapping
// ErrConflict when the object would violate a uniqueness constraint.
type Backend interface {
	GetObject(ctx context.Context, kind Kind, filter Filter) (*Object, error)
	FindObjects(ctx context.Context, kind Kind, filter Filter) ([]*Object, error)
	CreateObject(ctx context.Context, kind Kind, payload *Object) (*Object, error)
	UpdateObject(ctx context.Context, kind Kind, ref string, payload *Object) (*Object, error)
	DeleteObject(ctx context.Context, kind Kind, ref string) error
}
