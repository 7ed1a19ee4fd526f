package ipalloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/directory/memdir"
	"github.com/jbweber/homelab/ddiagent/internal/eas"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

func newFixedAddressStrategy(t *testing.T, cfg Config) (*FixedAddressStrategy, *memdir.Backend) {
	t.Helper()
	b, err := memdir.New()
	require.NoError(t, err)
	s, err := New(cfg, b)
	require.NoError(t, err)
	return s.(*FixedAddressStrategy), b
}

func objects(t *testing.T, b directory.Backend, kind directory.Kind) []*directory.Object {
	t.Helper()
	objs, err := b.FindObjects(context.Background(), kind, nil)
	require.NoError(t, err)
	return objs
}

func TestNew_SelectsStrategy(t *testing.T) {
	b, err := memdir.New()
	require.NoError(t, err)

	s, err := New(Config{UseHostRecords: true}, b)
	require.NoError(t, err)
	assert.Equal(t, "host_record", s.Name())

	s, err = New(Config{}, b)
	require.NoError(t, err)
	assert.Equal(t, "fixed_address", s.Name())

	_, err = New(Config{BindRecords: []directory.Kind{directory.KindZone}}, b)
	assert.ErrorIs(t, err, reservation.ErrConfiguration)
}

func TestFixedAddress_AllocateCreatesNoNames(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{BindRecords: []directory.Kind{directory.KindARecord}})
	host := Host{Name: "vm1", Zone: "example.com", MAC: "fa:16:3e:00:00:01", Tags: ownedTags("port-1")}

	ip, err := s.AllocateFromRange(ctx, testCondition(), host, "10.0.0.10", "10.0.0.20")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", ip)

	ip, err = s.AllocateExact(ctx, testCondition(), host, "10.0.0.30")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.30", ip)

	fixed := objects(t, b, directory.KindFixedAddress)
	require.Len(t, fixed, 2)
	assert.Equal(t, "fa:16:3e:00:00:01", fixed[0].MAC)
	assert.Empty(t, objects(t, b, directory.KindARecord))
}

func TestFixedAddress_IPv6(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{BindRecords: []directory.Kind{directory.KindARecord, directory.KindAAAARecord}})
	host := Host{Name: "vm1", Zone: "example.com"}

	ip, err := s.AllocateExact(ctx, testCondition(), host, "2001:db8::5")
	require.NoError(t, err)
	require.NoError(t, s.BindNames(ctx, testCondition(), ip, host))

	assert.Len(t, objects(t, b, directory.KindIPv6FixedAddress), 1)
	assert.Empty(t, objects(t, b, directory.KindARecord))
	assert.Len(t, objects(t, b, directory.KindAAAARecord), 1)
}

func TestFixedAddress_BindAndUnbindConfiguredRecords(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{
		BindRecords:   []directory.Kind{directory.KindARecord, directory.KindPTRRecord},
		UnbindRecords: []directory.Kind{directory.KindARecord},
	})
	host := Host{Name: "vm1", Zone: "example.com", Tags: ownedTags("port-1")}

	_, err := s.AllocateExact(ctx, testCondition(), host, "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, s.BindNames(ctx, testCondition(), "10.0.0.5", host))

	a := objects(t, b, directory.KindARecord)
	require.Len(t, a, 1)
	assert.Equal(t, "vm1.example.com", a[0].Name)
	ptr := objects(t, b, directory.KindPTRRecord)
	require.Len(t, ptr, 1)
	assert.Equal(t, "vm1.example.com", ptr[0].PtrDName)

	// binding again creates nothing
	b.ResetCalls()
	require.NoError(t, s.BindNames(ctx, testCondition(), "10.0.0.5", host))
	assert.Zero(t, b.Calls("create"))

	require.NoError(t, s.UnbindNames(ctx, testCondition(), "10.0.0.5", host))
	assert.Empty(t, objects(t, b, directory.KindARecord))
	assert.Len(t, objects(t, b, directory.KindPTRRecord), 1)
}

func TestFixedAddress_NoConfiguredRecordsIsNoop(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{})
	host := Host{Name: "vm1", Zone: "example.com"}

	_, err := s.AllocateExact(ctx, testCondition(), host, "10.0.0.5")
	require.NoError(t, err)
	b.ResetCalls()

	require.NoError(t, s.BindNames(ctx, testCondition(), "10.0.0.5", host))
	require.NoError(t, s.UnbindNames(ctx, testCondition(), "10.0.0.5", host))
	assert.Zero(t, b.Calls("create"))
	assert.Zero(t, b.Calls("delete"))
}

func TestFixedAddress_DeallocateDeletesAssociatedRecords(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{
		BindRecords:   []directory.Kind{directory.KindARecord, directory.KindPTRRecord},
		DeleteRecords: []directory.Kind{directory.KindARecord, directory.KindPTRRecord},
	})
	host := Host{Name: "vm1", Zone: "example.com", Tags: ownedTags("port-1")}

	_, err := s.AllocateExact(ctx, testCondition(), host, "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, s.BindNames(ctx, testCondition(), "10.0.0.5", host))

	require.NoError(t, s.Deallocate(ctx, testCondition(), "10.0.0.5", host.Tags))
	assert.Empty(t, objects(t, b, directory.KindARecord))
	assert.Empty(t, objects(t, b, directory.KindPTRRecord))
	assert.Empty(t, objects(t, b, directory.KindFixedAddress))

	// nothing left to release
	require.NoError(t, s.Deallocate(ctx, testCondition(), "10.0.0.5", host.Tags))
}

func TestFixedAddress_AllocateExactTwiceAdoptsOwnAddress(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{})
	host := Host{Name: "vm1", Zone: "example.com", MAC: "fa:16:3e:00:00:01", Tags: ownedTags("port-1")}

	for i := 0; i < 2; i++ {
		ip, err := s.AllocateExact(ctx, testCondition(), host, "10.0.0.5")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", ip)
	}
	assert.Len(t, objects(t, b, directory.KindFixedAddress), 1)

	// same MAC under a new port id, e.g. a port recreated by the host plane
	moved := Host{Name: "vm1", Zone: "example.com", MAC: "FA:16:3E:00:00:01", Tags: ownedTags("port-2")}
	ip, err := s.AllocateExact(ctx, testCondition(), moved, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)

	require.NoError(t, s.Deallocate(ctx, testCondition(), "10.0.0.5", host.Tags))
	assert.Empty(t, objects(t, b, directory.KindFixedAddress))
}

func TestFixedAddress_AllocateExactConflictWithOtherPort(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{})

	_, err := s.AllocateExact(ctx, testCondition(), Host{MAC: "fa:16:3e:00:00:01", Tags: ownedTags("port-1")}, "10.0.0.5")
	require.NoError(t, err)

	_, err = s.AllocateExact(ctx, testCondition(), Host{MAC: "fa:16:3e:00:00:02", Tags: ownedTags("port-2")}, "10.0.0.5")
	assert.ErrorIs(t, err, directory.ErrConflict)
	assert.Len(t, objects(t, b, directory.KindFixedAddress), 1)
}

func TestFixedAddress_DeallocateRefusesForeignAddress(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{})

	_, err := b.CreateObject(ctx, directory.KindFixedAddress, &directory.Object{
		IPAddr:      "10.0.0.5",
		NetworkView: "default",
		ExtAttrs:    eas.Set{eas.CloudAPIOwned: "False"},
	})
	require.NoError(t, err)

	err = s.Deallocate(ctx, testCondition(), "10.0.0.5", ownedTags("port-1"))
	assert.ErrorIs(t, err, directory.ErrNotOwned)
	assert.Len(t, objects(t, b, directory.KindFixedAddress), 1)
}

func TestFixedAddress_FloatingBindRefreshesTags(t *testing.T) {
	ctx := context.Background()
	s, b := newFixedAddressStrategy(t, Config{BindRecords: []directory.Kind{directory.KindARecord}})

	before := Host{Name: "fip", Zone: "example.com", Tags: eas.Set{eas.IPType: eas.IPTypeFloating, eas.PortID: "port-1"}}
	_, err := s.AllocateExact(ctx, testCondition(), before, "203.0.113.5")
	require.NoError(t, err)
	require.NoError(t, s.BindNames(ctx, testCondition(), "203.0.113.5", before))

	after := before
	after.Tags = before.Tags.Merge(eas.Set{eas.VMID: "vm-9"})
	require.NoError(t, s.BindNames(ctx, testCondition(), "203.0.113.5", after))

	fixed := objects(t, b, directory.KindFixedAddress)
	require.Len(t, fixed, 1)
	assert.Equal(t, "vm-9", fixed[0].ExtAttrs[eas.VMID])

	a := objects(t, b, directory.KindARecord)
	require.Len(t, a, 1)
	assert.Equal(t, "vm-9", a[0].ExtAttrs[eas.VMID])
}
