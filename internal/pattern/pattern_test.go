package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

func testInput() Input {
	return Input{
		Identity: domain.Identity{UserID: "u1", TenantID: "t-123", TenantName: "tenant-x"},
		Network:  &domain.Network{ID: "net-1", Name: "Private Net"},
		Subnet:   &domain.Subnet{ID: "sub-1", Name: "sub_a"},
		Port:     &domain.Port{ID: "port-1", DeviceID: "vm-1", DeviceOwner: "compute:az1"},
	}
}

func TestNewBuilder_Defaults(t *testing.T) {
	b, err := NewBuilder("", "")
	require.NoError(t, err)

	zone, err := b.Zone(testInput())
	require.NoError(t, err)
	assert.Equal(t, "t-123.cloud.global.com", zone)
}

func TestNewBuilder_RejectsUnknownVariable(t *testing.T) {
	_, err := NewBuilder("host-{mac}", "")
	assert.ErrorIs(t, err, ErrUnknownVariable)

	_, err = NewBuilder("", "{ip_address}.example.com")
	assert.Error(t, err)

	_, err = NewBuilder("host-{ip_address", "")
	assert.Error(t, err)
}

func TestHostnameAndZone(t *testing.T) {
	b, err := NewBuilder("host-{ip_address}", "{tenant_name}.cloud.example.com")
	require.NoError(t, err)

	zone, err := b.Zone(testInput())
	require.NoError(t, err)
	assert.Equal(t, "tenant-x.cloud.example.com", zone)

	host, err := b.Hostname(testInput(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "host-10.0.0.5", host)

	assert.Equal(t, "host-10.0.0.5.tenant-x.cloud.example.com", FQDN(host, zone+"."))
}

func TestHostname_Variables(t *testing.T) {
	cases := []struct {
		pattern string
		ip      string
		want    string
	}{
		{"{ip_address_octet3}-{ip_address_octet4}", "192.168.7.9", "7-9"},
		{"{network_name}-{port_id}", "10.0.0.1", "private-net-port-1"},
		{"{subnet_name}", "10.0.0.1", "sub-a"},
		{"{instance_id}", "10.0.0.1", "vm-1"},
		{"host-{ip_address}", "2001:db8::5", "host-2001-db8--5"},
	}

	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			b, err := NewBuilder(tc.pattern, "")
			require.NoError(t, err)
			got, err := b.Hostname(testInput(), tc.ip)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHostname_MissingValue(t *testing.T) {
	b, err := NewBuilder("{instance_name}", "")
	require.NoError(t, err)

	_, err = b.Hostname(testInput(), "10.0.0.5")
	assert.ErrorIs(t, err, ErrMissingValue)

	in := testInput()
	in.InstanceName = "Web Server 1"
	got, err := b.Hostname(in, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "web-server-1", got)
}

func TestExpand(t *testing.T) {
	in := Input{
		Identity: domain.Identity{TenantID: "t1"},
		Network:  &domain.Network{ID: "net-1", Name: "Private Net"},
	}

	got, err := Expand("{network_name}-{tenant_id}", in)
	require.NoError(t, err)
	assert.Equal(t, "private-net-t1", got)

	_, err = Expand("{bogus}", in)
	assert.ErrorIs(t, err, ErrUnknownVariable)

	_, err = Expand("{subnet_id}", in)
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestHostnameOrDefault(t *testing.T) {
	b, err := NewBuilder("{instance_name}", "")
	require.NoError(t, err)

	in := testInput()
	name, err := b.HostnameOrDefault(in, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "host-10.0.0.5", name)

	in.InstanceName = "Web 01"
	name, err = b.HostnameOrDefault(in, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "web-01", name)
}
