package wapi

import (
	"net"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
)

type extAttrValue struct {
	Value string `json:"value"`
}

type wireHostAddr struct {
	IPv4Addr         string `json:"ipv4addr,omitempty"`
	IPv6Addr         string `json:"ipv6addr,omitempty"`
	MAC              string `json:"mac,omitempty"`
	DUID             string `json:"duid,omitempty"`
	ConfigureForDHCP bool   `json:"configure_for_dhcp,omitempty"`
}

// wireObject is the JSON shape the appliance speaks
type wireObject struct {
	Ref             string                   `json:"_ref,omitempty"`
	Name            string                   `json:"name,omitempty"`
	FQDN            string                   `json:"fqdn,omitempty"`
	View            string                   `json:"view,omitempty"`
	NetworkView     string                   `json:"network_view,omitempty"`
	Network         string                   `json:"network,omitempty"`
	StartAddr       string                   `json:"start_addr,omitempty"`
	EndAddr         string                   `json:"end_addr,omitempty"`
	IPv4Addrs       []wireHostAddr           `json:"ipv4addrs,omitempty"`
	IPv6Addrs       []wireHostAddr           `json:"ipv6addrs,omitempty"`
	IPv4Addr        string                   `json:"ipv4addr,omitempty"`
	IPv6Addr        string                   `json:"ipv6addr,omitempty"`
	MAC             string                   `json:"mac,omitempty"`
	DUID            string                   `json:"duid,omitempty"`
	PtrDName        string                   `json:"ptrdname,omitempty"`
	ZoneFormat      string                   `json:"zone_format,omitempty"`
	Prefix          string                   `json:"prefix,omitempty"`
	NSGroup         string                   `json:"ns_group,omitempty"`
	GridPrimary     []directory.MemberServer `json:"grid_primary,omitempty"`
	GridSecondaries []directory.MemberServer `json:"grid_secondaries,omitempty"`
	Members         []directory.MemberServer `json:"members,omitempty"`
	ExtAttrs        map[string]extAttrValue  `json:"extattrs,omitempty"`
}

func isV6(addr string) bool {
	if strings.Contains(addr, "func:") {
		return strings.Contains(addr, ":") && strings.Count(addr, ":") > 2
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}

func isV6CIDR(cidr string) bool {
	ip, _, err := net.ParseCIDR(cidr)
	return err == nil && ip.To4() == nil
}

// wireKind maps a directory kind onto the appliance object type, which splits
// some kinds by address family
func wireKind(kind directory.Kind, obj *directory.Object) string {
	if obj == nil {
		return string(kind)
	}
	switch kind {
	case directory.KindNetwork:
		if isV6CIDR(obj.Network) {
			return "ipv6network"
		}
	case directory.KindRange:
		if isV6(obj.StartAddr) {
			return "ipv6range"
		}
	}
	return string(kind)
}

func encode(kind directory.Kind, obj *directory.Object) *wireObject {
	w := &wireObject{
		View:            obj.View,
		NetworkView:     obj.NetworkView,
		Network:         obj.Network,
		StartAddr:       obj.StartAddr,
		EndAddr:         obj.EndAddr,
		PtrDName:        obj.PtrDName,
		ZoneFormat:      obj.ZoneFormat,
		Prefix:          obj.Prefix,
		NSGroup:         obj.NSGroup,
		GridPrimary:     obj.GridPrimary,
		GridSecondaries: obj.GridSecondaries,
		Members:         obj.Members,
	}
	if kind == directory.KindZone {
		w.FQDN = obj.Name
	} else {
		w.Name = obj.Name
	}

	for _, a := range obj.Addrs {
		if isV6(a.Addr) {
			w.IPv6Addrs = append(w.IPv6Addrs, wireHostAddr{IPv6Addr: a.Addr, DUID: a.MAC})
		} else {
			w.IPv4Addrs = append(w.IPv4Addrs, wireHostAddr{IPv4Addr: a.Addr, MAC: a.MAC, ConfigureForDHCP: a.ConfigureForDHCP})
		}
	}

	if obj.IPAddr != "" {
		if isV6(obj.IPAddr) {
			w.IPv6Addr = obj.IPAddr
		} else {
			w.IPv4Addr = obj.IPAddr
		}
	}
	if kind == directory.KindIPv6FixedAddress {
		w.DUID = obj.MAC
	} else {
		w.MAC = obj.MAC
	}

	if len(obj.ExtAttrs) > 0 {
		w.ExtAttrs = make(map[string]extAttrValue, len(obj.ExtAttrs))
		for k, v := range obj.ExtAttrs {
			w.ExtAttrs[k] = extAttrValue{Value: v}
		}
	}
	return w
}

func decode(kind directory.Kind, w *wireObject) *directory.Object {
	obj := &directory.Object{
		Ref:             w.Ref,
		Kind:            kind,
		Name:            w.Name,
		View:            w.View,
		NetworkView:     w.NetworkView,
		Network:         w.Network,
		StartAddr:       w.StartAddr,
		EndAddr:         w.EndAddr,
		MAC:             w.MAC,
		PtrDName:        w.PtrDName,
		ZoneFormat:      w.ZoneFormat,
		Prefix:          w.Prefix,
		NSGroup:         w.NSGroup,
		GridPrimary:     w.GridPrimary,
		GridSecondaries: w.GridSecondaries,
		Members:         w.Members,
	}
	if kind == directory.KindZone {
		obj.Name = w.FQDN
	}
	if w.DUID != "" && obj.MAC == "" {
		obj.MAC = w.DUID
	}
	for _, a := range w.IPv4Addrs {
		obj.Addrs = append(obj.Addrs, directory.HostAddr{Addr: a.IPv4Addr, MAC: a.MAC, ConfigureForDHCP: a.ConfigureForDHCP})
	}
	for _, a := range w.IPv6Addrs {
		obj.Addrs = append(obj.Addrs, directory.HostAddr{Addr: a.IPv6Addr, MAC: a.DUID})
	}
	obj.IPAddr = w.IPv4Addr
	if obj.IPAddr == "" {
		obj.IPAddr = w.IPv6Addr
	}
	if len(w.ExtAttrs) > 0 {
		obj.ExtAttrs = make(eas.Set, len(w.ExtAttrs))
		for k, v := range w.ExtAttrs {
			obj.ExtAttrs[k] = v.Value
		}
	}
	return obj
}

// returnFields lists the fields requested on reads, per kind
func returnFields(kind directory.Kind) string {
	fields := []string{"extattrs"}
	switch kind {
	case directory.KindNetworkView:
		fields = append(fields, "name")
	case directory.KindDNSView:
		fields = append(fields, "name", "network_view")
	case directory.KindZone:
		fields = append(fields, "fqdn", "view", "zone_format", "prefix", "ns_group", "grid_primary", "grid_secondaries")
	case directory.KindNetwork:
		fields = append(fields, "network", "network_view", "members")
	case directory.KindRange:
		fields = append(fields, "start_addr", "end_addr", "network_view")
	case directory.KindHostRecord:
		fields = append(fields, "name", "view", "ipv4addrs", "ipv6addrs")
	case directory.KindFixedAddress:
		fields = append(fields, "ipv4addr", "mac", "network_view")
	case directory.KindIPv6FixedAddress:
		fields = append(fields, "ipv6addr", "duid", "network_view")
	case directory.KindARecord:
		fields = append(fields, "name", "view", "ipv4addr")
	case directory.KindAAAARecord:
		fields = append(fields, "name", "view", "ipv6addr")
	case directory.KindPTRRecord:
		fields = append(fields, "ptrdname", "view", "ipv4addr", "ipv6addr")
	}
	return strings.Join(fields, ",")
}
