package domain

import "strings"

// Identity is the authenticated caller delivered with every host-plane event
type Identity struct {
	UserID     string // User issuing the request
	TenantID   string // Tenant (project) owning the request
	TenantName string // Tenant display name, optional
}

// Network represents a host control plane network
type Network struct {
	ID              string // Host-plane network UUID
	Name            string // Network name
	TenantID        string // Owning tenant
	Shared          bool   // Visible to all tenants
	External        bool   // router:external
	NetworkType     string // Segment type (vlan, vxlan, flat...)
	PhysicalNetwork string // Provider physical network, optional
	SegmentationID  string // VLAN/VNI, optional
}

// AllocationPool is an inclusive range of addresses handed out inside a subnet
type AllocationPool struct {
	Start string // First address of the pool
	End   string // Last address of the pool
}

// Subnet represents a host control plane subnet
type Subnet struct {
	ID              string           // Host-plane subnet UUID
	NetworkID       string           // Parent network
	Name            string           // Subnet name
	TenantID        string           // Owning tenant
	CIDR            string           // Subnet in CIDR notation (e.g., "10.0.0.0/24")
	IPVersion       int              // 4 or 6
	GatewayIP       string           // Gateway address, optional
	EnableDHCP      bool             // DHCP served for this subnet
	AddressScopeID  string           // Address scope of the subnet pool, optional
	AllocationPools []AllocationPool // Pools the subnet allocates from
}

// FixedIP is a (subnet, address) pair on a port. IPAddress is empty when the
// host plane asks for any free address from the subnet.
type FixedIP struct {
	SubnetID  string
	IPAddress string
}

// Port represents a host control plane port
type Port struct {
	ID          string    // Host-plane port UUID
	NetworkID   string    // Parent network
	Name        string    // Port name, optional
	TenantID    string    // Owning tenant
	MACAddress  string    // Port MAC address
	DeviceID    string    // Attached device (instance, router, floating IP)
	DeviceOwner string    // Device owner (compute:nova, network:floatingip...)
	FixedIPs    []FixedIP // Addresses on the port
}

// Device owners that change how a port is tagged and named
const (
	DeviceOwnerFloatingIP      = "network:floatingip"
	DeviceOwnerRouterInterface = "network:router_interface"
	DeviceOwnerRouterGateway   = "network:router_gateway"
	DeviceOwnerDHCP            = "network:dhcp"
	DeviceOwnerComputePrefix   = "compute:"
)

// IsFloatingIP reports whether the port backs a floating IP
func (p Port) IsFloatingIP() bool {
	return p.DeviceOwner == DeviceOwnerFloatingIP
}

// IsCompute reports whether the port is attached to a compute instance
func (p Port) IsCompute() bool {
	return strings.HasPrefix(p.DeviceOwner, DeviceOwnerComputePrefix)
}

// MemberRole is the role a member plays in the directory backend grid
type MemberRole string

const (
	MemberRoleAuthority       MemberRole = "Authority"
	MemberRoleServingPlatform MemberRole = "ServingPlatform"
	MemberRoleRegular         MemberRole = "Regular"
)

// MemberStatus is the operational status of a member
type MemberStatus string

const (
	MemberStatusOn  MemberStatus = "On"
	MemberStatusOff MemberStatus = "Off"
)

// DirectoryMember is a DHCP/DNS serving appliance in the directory backend
type DirectoryMember struct {
	ID     string       // Backend member identifier
	Name   string       // Member host name
	IPv4   string       // IPv4 address, optional
	IPv6   string       // IPv6 address, optional
	Role   MemberRole   // Authority, ServingPlatform or Regular
	Status MemberStatus // On or Off
}

// IsAvailable reports whether the member can be selected for new mappings
func (m DirectoryMember) IsAvailable() bool {
	return m.Status == MemberStatusOn
}

// MappingScope identifies what a member mapping is keyed on
type MappingScope string

const (
	MappingScopeTenantID    MappingScope = "TenantId"
	MappingScopeNetworkName MappingScope = "NetworkName"
	MappingScopeNetworkID   MappingScope = "NetworkId"
	MappingScopeNetworkView MappingScope = "NetworkView"
)

// MappingRelation identifies the role a member plays for a mapping
type MappingRelation string

const (
	MappingRelationConfigPlatform       MappingRelation = "ConfigPlatform"
	MappingRelationAuthority            MappingRelation = "Authority"
	MappingRelationAuthorityDistributed MappingRelation = "AuthorityDistributed"
)

// RelationForRole derives the mapping relation from a member role
func RelationForRole(role MemberRole) MappingRelation {
	switch role {
	case MemberRoleAuthority:
		return MappingRelationAuthority
	case MemberRoleServingPlatform:
		return MappingRelationConfigPlatform
	default:
		return MappingRelationAuthorityDistributed
	}
}

// Service is the directory service a member is reserved for
type Service string

const (
	ServiceDHCP         Service = "DHCP"
	ServiceDNSPrimary   Service = "DNS"
	ServiceDNSSecondary Service = "DNS_SECONDARY"
)

// MemberMapping pins a member to a mapping id for a service. Position orders
// members within the same (mapping, service) pair; position 0 is the primary.
type MemberMapping struct {
	ID        int64           // Unique identifier
	MappingID string          // Key the mapping is stored under (tenant id, view name...)
	Service   Service         // DHCP, DNS or DNS_SECONDARY
	Position  int             // Order within the service
	MemberID  string          // Foreign key to DirectoryMember
	Scope     MappingScope    // What MappingID was derived from
	Relation  MappingRelation // Member role for this mapping
}
