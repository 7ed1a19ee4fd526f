// Package eas builds the extensible attribute sets attached to every object
// created in the directory backend. The sets identify which host-plane entity
// an object belongs to and carry the "Cloud API Owned" flag that gates deletes.
package eas

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// Attribute names understood by the directory backend
const (
	CloudAPIOwned   = "Cloud API Owned"
	CMPType         = "CMP Type"
	TenantID        = "Tenant ID"
	TenantName      = "Tenant Name"
	Account         = "Account"
	NetworkID       = "Network ID"
	NetworkName     = "Network Name"
	NetworkEncap    = "Network Encap"
	SegmentationID  = "Segmentation ID"
	PhysicalNetwork = "Physical Network Name"
	SubnetID        = "Subnet ID"
	SubnetName      = "Subnet Name"
	IsExternal      = "Is External"
	IsShared        = "Is Shared"
	PortID          = "Port ID"
	PortDeviceID    = "Port Attached Device - Device ID"
	PortDeviceOwner = "Port Attached Device - Device Owner"
	VMID            = "VM ID"
	VMName          = "VM Name"
	IPType          = "IP Type"
)

// CMPTypeValue marks objects created by this agent
const CMPTypeValue = "ddiagent"

const (
	IPTypeFixed    = "Fixed"
	IPTypeFloating = "Floating"
)

// Kind is the object kind a tag set is built for
type Kind string

const (
	KindNetworkView Kind = "network_view"
	KindNetwork     Kind = "network"
	KindRange       Kind = "range"
	KindZone        Kind = "zone"
	KindIP          Kind = "ip"
	KindFloatingIP  Kind = "floating_ip"
)

// Set maps attribute names to values
type Set map[string]string

// Owned reports the "Cloud API Owned" flag. present is false when the set
// does not carry the attribute at all.
func (s Set) Owned() (owned bool, present bool) {
	v, ok := s[CloudAPIOwned]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, true
	}
	return b, true
}

// Clone returns a copy of s
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s overlaid with other
func (s Set) Merge(other Set) Set {
	out := s.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets carry the same attributes
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Keys returns the attribute names in sorted order
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Set) put(name, value string) {
	if value != "" {
		s[name] = value
	}
}

// Input is everything the builders may draw identifiers from. Nil entities
// and empty strings are skipped.
type Input struct {
	Identity     domain.Identity
	Network      *domain.Network
	Subnet       *domain.Subnet
	Port         *domain.Port
	InstanceName string
}

// IsOwned applies the ownership rule to a network: objects are owned unless
// the network is external or shared.
func IsOwned(network *domain.Network) bool {
	if network == nil {
		return true
	}
	return !(network.External || network.Shared)
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func base(in Input) Set {
	s := Set{
		CMPType:       CMPTypeValue,
		CloudAPIOwned: formatBool(IsOwned(in.Network)),
	}
	s.put(TenantID, in.Identity.TenantID)
	s.put(TenantName, in.Identity.TenantName)
	s.put(Account, in.Identity.UserID)
	return s
}

// ForNetworkView tags a network view
func ForNetworkView(in Input) Set {
	s := Set{
		CMPType:       CMPTypeValue,
		CloudAPIOwned: formatBool(IsOwned(in.Network)),
	}
	s.put(TenantID, in.Identity.TenantID)
	return s
}

// ForNetwork tags a network (CIDR) object
func ForNetwork(in Input) Set {
	s := base(in)
	if n := in.Network; n != nil {
		s.put(NetworkID, n.ID)
		s.put(NetworkName, n.Name)
		s.put(NetworkEncap, n.NetworkType)
		s.put(SegmentationID, n.SegmentationID)
		s.put(PhysicalNetwork, n.PhysicalNetwork)
		s[IsExternal] = formatBool(n.External)
		s[IsShared] = formatBool(n.Shared)
	}
	if sn := in.Subnet; sn != nil {
		s.put(SubnetID, sn.ID)
		s.put(SubnetName, sn.Name)
	}
	return s
}

// ForRange tags an allocation range
func ForRange(in Input) Set {
	s := base(in)
	if n := in.Network; n != nil {
		s.put(NetworkID, n.ID)
		s.put(NetworkName, n.Name)
	}
	if sn := in.Subnet; sn != nil {
		s.put(SubnetID, sn.ID)
		s.put(SubnetName, sn.Name)
	}
	return s
}

// ForZone tags a DNS zone. Zones only carry tenant and account.
func ForZone(in Input) Set {
	return base(in)
}

// ForIP tags a host record, fixed address or name record bound to a port
func ForIP(in Input) Set {
	s := base(in)
	s[IPType] = IPTypeFixed
	if p := in.Port; p != nil {
		s.put(PortID, p.ID)
		s.put(PortDeviceID, p.DeviceID)
		s.put(PortDeviceOwner, p.DeviceOwner)
		if p.IsCompute() {
			s.put(VMID, p.DeviceID)
			s.put(VMName, in.InstanceName)
		}
	}
	if n := in.Network; n != nil {
		s.put(NetworkID, n.ID)
	}
	if sn := in.Subnet; sn != nil {
		s.put(SubnetID, sn.ID)
	}
	return s
}

// ForFloatingIP tags the address backing a floating IP
func ForFloatingIP(in Input) Set {
	s := ForIP(in)
	s[IPType] = IPTypeFloating
	return s
}

// For dispatches to the builder for kind. Unknown kinds get the base set.
func For(kind Kind, in Input) Set {
	switch kind {
	case KindNetworkView:
		return ForNetworkView(in)
	case KindNetwork:
		return ForNetwork(in)
	case KindRange:
		return ForRange(in)
	case KindZone:
		return ForZone(in)
	case KindIP:
		return ForIP(in)
	case KindFloatingIP:
		return ForFloatingIP(in)
	default:
		return base(in)
	}
}
