package api

import (
	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// NetworkRequest is a host-plane network as delivered in events
type NetworkRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TenantID        string `json:"tenant_id"`
	Shared          bool   `json:"shared"`
	External        bool   `json:"router:external"`
	NetworkType     string `json:"provider:network_type,omitempty"`
	PhysicalNetwork string `json:"provider:physical_network,omitempty"`
	SegmentationID  string `json:"provider:segmentation_id,omitempty"`
}

func (n NetworkRequest) toDomain() domain.Network {
	return domain.Network{
		ID:              n.ID,
		Name:            n.Name,
		TenantID:        n.TenantID,
		Shared:          n.Shared,
		External:        n.External,
		NetworkType:     n.NetworkType,
		PhysicalNetwork: n.PhysicalNetwork,
		SegmentationID:  n.SegmentationID,
	}
}

// AllocationPool is an inclusive address range
type AllocationPool struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SubnetRequest is a host-plane subnet as delivered in events
type SubnetRequest struct {
	ID              string           `json:"id"`
	NetworkID       string           `json:"network_id"`
	Name            string           `json:"name"`
	TenantID        string           `json:"tenant_id"`
	CIDR            string           `json:"cidr"`
	IPVersion       int              `json:"ip_version"`
	GatewayIP       string           `json:"gateway_ip,omitempty"`
	EnableDHCP      bool             `json:"enable_dhcp"`
	AddressScopeID  string           `json:"address_scope_id,omitempty"`
	AllocationPools []AllocationPool `json:"allocation_pools"`
}

func (s SubnetRequest) toDomain() domain.Subnet {
	out := domain.Subnet{
		ID:             s.ID,
		NetworkID:      s.NetworkID,
		Name:           s.Name,
		TenantID:       s.TenantID,
		CIDR:           s.CIDR,
		IPVersion:      s.IPVersion,
		GatewayIP:      s.GatewayIP,
		EnableDHCP:     s.EnableDHCP,
		AddressScopeID: s.AddressScopeID,
	}
	for _, p := range s.AllocationPools {
		out.AllocationPools = append(out.AllocationPools, domain.AllocationPool{Start: p.Start, End: p.End})
	}
	return out
}

// FixedIP is an address on a port. An empty ip_address asks for any free
// address of the subnet.
type FixedIP struct {
	SubnetID  string `json:"subnet_id"`
	IPAddress string `json:"ip_address,omitempty"`
}

// PortRequest is a host-plane port as delivered in events
type PortRequest struct {
	ID          string    `json:"id"`
	NetworkID   string    `json:"network_id"`
	Name        string    `json:"name,omitempty"`
	TenantID    string    `json:"tenant_id"`
	MACAddress  string    `json:"mac_address"`
	DeviceID    string    `json:"device_id,omitempty"`
	DeviceOwner string    `json:"device_owner,omitempty"`
	FixedIPs    []FixedIP `json:"fixed_ips"`
}

func (p PortRequest) toDomain() domain.Port {
	out := domain.Port{
		ID:          p.ID,
		NetworkID:   p.NetworkID,
		Name:        p.Name,
		TenantID:    p.TenantID,
		MACAddress:  p.MACAddress,
		DeviceID:    p.DeviceID,
		DeviceOwner: p.DeviceOwner,
	}
	for _, ip := range p.FixedIPs {
		out.FixedIPs = append(out.FixedIPs, domain.FixedIP{SubnetID: ip.SubnetID, IPAddress: ip.IPAddress})
	}
	return out
}

func portResponse(p domain.Port) PortRequest {
	out := PortRequest{
		ID:          p.ID,
		NetworkID:   p.NetworkID,
		Name:        p.Name,
		TenantID:    p.TenantID,
		MACAddress:  p.MACAddress,
		DeviceID:    p.DeviceID,
		DeviceOwner: p.DeviceOwner,
		FixedIPs:    []FixedIP{},
	}
	for _, ip := range p.FixedIPs {
		out.FixedIPs = append(out.FixedIPs, FixedIP{SubnetID: ip.SubnetID, IPAddress: ip.IPAddress})
	}
	return out
}

// Member is a serving member as synchronized from the directory backend
type Member struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IPv4   string `json:"ipv4,omitempty"`
	IPv6   string `json:"ipv6,omitempty"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

func (m Member) toDomain() domain.DirectoryMember {
	return domain.DirectoryMember{
		ID:     m.ID,
		Name:   m.Name,
		IPv4:   m.IPv4,
		IPv6:   m.IPv6,
		Role:   domain.MemberRole(m.Role),
		Status: domain.MemberStatus(m.Status),
	}
}

func memberResponse(m domain.DirectoryMember) Member {
	return Member{
		ID:     m.ID,
		Name:   m.Name,
		IPv4:   m.IPv4,
		IPv6:   m.IPv6,
		Role:   string(m.Role),
		Status: string(m.Status),
	}
}
