package reservation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
	"github.com/jbweber/homelab/ddiagent/internal/testutil"
)

func member(id string, role domain.MemberRole, status domain.MemberStatus) domain.DirectoryMember {
	return domain.DirectoryMember{ID: id, Name: id, IPv4: "192.0.2.1", Role: role, Status: status}
}

func setupStore(t *testing.T, name string, members ...domain.DirectoryMember) *reservation.SQLStore {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	t.Cleanup(cleanup)

	memberRepo := repository.NewMemberRepository(db)
	for _, m := range members {
		_, err := memberRepo.Save(context.Background(), m)
		require.NoError(t, err)
	}
	return reservation.NewSQLStore(memberRepo, repository.NewMemberMappingRepository(db))
}

func tenantRequest(tenant string) reservation.Request {
	return reservation.Request{
		Identity: domain.Identity{TenantID: tenant},
		Network:  &domain.Network{ID: "net-" + tenant, TenantID: tenant},
		Subnet:   &domain.Subnet{ID: "sub-" + tenant, CIDR: "10.0.0.0/24", IPVersion: 4},
	}
}

func names(members []domain.DirectoryMember) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

func TestParseScope(t *testing.T) {
	for _, s := range []string{"single", "address_scope", "tenant", "network"} {
		scope, err := reservation.ParseScope(s)
		require.NoError(t, err)
		assert.Equal(t, reservation.Scope(s), scope)
	}
	_, err := reservation.ParseScope("galaxy")
	assert.ErrorIs(t, err, reservation.ErrConfiguration)

	_, err = reservation.New(reservation.Config{Scope: "galaxy"}, nil)
	assert.ErrorIs(t, err, reservation.ErrConfiguration)
}

func TestResolveView(t *testing.T) {
	req := reservation.Request{
		Identity: domain.Identity{TenantID: "t1"},
		Network:  &domain.Network{ID: "net-1", Name: "web"},
		Subnet:   &domain.Subnet{ID: "sub-1", AddressScopeID: "as-1"},
	}

	tests := []struct {
		name     string
		cfg      reservation.Config
		expected reservation.View
	}{
		{
			name:     "single",
			cfg:      reservation.Config{Scope: reservation.ScopeSingle},
			expected: reservation.View{MappingID: "default", Scope: domain.MappingScopeNetworkView, NetworkView: "default", DNSView: "default"},
		},
		{
			name:     "single with custom views",
			cfg:      reservation.Config{Scope: reservation.ScopeSingle, DefaultNetworkView: "cloud", DefaultDNSView: "internal"},
			expected: reservation.View{MappingID: "cloud", Scope: domain.MappingScopeNetworkView, NetworkView: "cloud", DNSView: "internal"},
		},
		{
			name:     "address scope",
			cfg:      reservation.Config{Scope: reservation.ScopeAddressScope},
			expected: reservation.View{MappingID: "as-1", Scope: domain.MappingScopeNetworkView, NetworkView: "as-1", DNSView: "default.as-1"},
		},
		{
			name:     "tenant",
			cfg:      reservation.Config{Scope: reservation.ScopeTenant},
			expected: reservation.View{MappingID: "t1", Scope: domain.MappingScopeTenantID, NetworkView: "t1", DNSView: "default.t1"},
		},
		{
			name:     "network with pattern",
			cfg:      reservation.Config{Scope: reservation.ScopeNetwork, NetworkViewPattern: "{network_name}-{tenant_id}"},
			expected: reservation.View{MappingID: "net-1", Scope: domain.MappingScopeNetworkID, NetworkView: "web-t1", DNSView: "default.web-t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := reservation.New(tt.cfg, nil)
			require.NoError(t, err)

			view, err := r.ResolveView(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, view)
		})
	}
}

func TestResolveView_AddressScopeWithoutScopeFallsBack(t *testing.T) {
	r, err := reservation.New(reservation.Config{Scope: reservation.ScopeAddressScope}, nil)
	require.NoError(t, err)

	view, err := r.ResolveView(reservation.Request{Subnet: &domain.Subnet{ID: "sub-1"}})
	require.NoError(t, err)
	assert.Equal(t, "default", view.NetworkView)
	assert.True(t, r.IsDefault(view))
}

func TestResolveView_TenantScopeNeedsTenant(t *testing.T) {
	r, err := reservation.New(reservation.Config{Scope: reservation.ScopeTenant}, nil)
	require.NoError(t, err)

	_, err = r.ResolveView(reservation.Request{})
	assert.ErrorIs(t, err, reservation.ErrConfiguration)
}

func TestReserve_PinsAndReuses(t *testing.T) {
	store := setupStore(t, "TestReserve_PinsAndReuses",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOn),
		member("m2", domain.MemberRoleRegular, domain.MemberStatusOn))

	r, err := reservation.New(reservation.Config{
		Scope:             reservation.ScopeTenant,
		DHCPMembers:       []string{"m2", "m1"},
		DNSPrimaryMembers: []string{"m1", "m2"},
	}, store)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := r.Reserve(ctx, tenantRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, names(first.NetworkMembers))
	assert.Equal(t, []string{"m1"}, names(first.DNSPrimary))
	assert.Equal(t, "a", first.NetworkView)
	assert.Equal(t, "default.a", first.DNSView)

	// a second tenant lands on the less used member
	other, err := r.Reserve(ctx, tenantRequest("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, names(other.NetworkMembers))

	again, err := r.Reserve(ctx, tenantRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestReserve_NoPoolsUsesNextAvailableMember(t *testing.T) {
	store := setupStore(t, "TestReserve_NoPoolsUsesNextAvailableMember")
	r, err := reservation.New(reservation.Config{Scope: reservation.ScopeSingle, NSGroup: "cloud-ns"}, store)
	require.NoError(t, err)

	cond, err := r.Reserve(context.Background(), tenantRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{directory.NextAvailableMember}, names(cond.NetworkMembers))
	assert.Equal(t, []string{directory.NextAvailableMember}, names(cond.DNSPrimary))
	assert.Empty(t, cond.DNSSecondary)
	assert.Equal(t, "cloud-ns", cond.NSGroup)
	assert.NotNil(t, cond.Patterns)
}

func TestReserve_NoEligibleMember(t *testing.T) {
	store := setupStore(t, "TestReserve_NoEligibleMember",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOff))
	r, err := reservation.New(reservation.Config{
		Scope:       reservation.ScopeTenant,
		DHCPMembers: []string{"m1", "unknown"},
	}, store)
	require.NoError(t, err)

	_, err = r.Reserve(context.Background(), tenantRequest("a"))
	assert.ErrorIs(t, err, reservation.ErrConfiguration)
}

func TestReserve_AuthorityPrependedToDNSPrimary(t *testing.T) {
	store := setupStore(t, "TestReserve_AuthorityPrependedToDNSPrimary",
		member("gm", domain.MemberRoleAuthority, domain.MemberStatusOn),
		member("m2", domain.MemberRoleRegular, domain.MemberStatusOn))
	r, err := reservation.New(reservation.Config{
		Scope:             reservation.ScopeTenant,
		DHCPMembers:       []string{"gm"},
		DNSPrimaryMembers: []string{"m2"},
	}, store)
	require.NoError(t, err)

	cond, err := r.Reserve(context.Background(), tenantRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"gm"}, names(cond.NetworkMembers))
	assert.Equal(t, []string{"gm", "m2"}, names(cond.DNSPrimary))
}

func TestReserve_SecondariesExcludePrimary(t *testing.T) {
	store := setupStore(t, "TestReserve_SecondariesExcludePrimary",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOn),
		member("m2", domain.MemberRoleRegular, domain.MemberStatusOn),
		member("m3", domain.MemberRoleRegular, domain.MemberStatusOff))
	r, err := reservation.New(reservation.Config{
		Scope:               reservation.ScopeTenant,
		DHCPMembers:         []string{"m1"},
		DNSPrimaryMembers:   []string{"m1"},
		DNSSecondaryMembers: []string{"m1", "m2", "m3"},
	}, store)
	require.NoError(t, err)

	cond, err := r.Reserve(context.Background(), tenantRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, names(cond.DNSSecondary))
}

func TestRelease(t *testing.T) {
	store := setupStore(t, "TestRelease",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOn))
	r, err := reservation.New(reservation.Config{Scope: reservation.ScopeTenant, DHCPMembers: []string{"m1"}}, store)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Reserve(ctx, tenantRequest("a"))
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, tenantRequest("a")))

	reserved, err := store.GetReserved(ctx, "a", domain.ServiceDHCP)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

// interleavingStore runs beforeReserve once, right before the first
// reservation is written, to play a concurrent request that persisted first
type interleavingStore struct {
	reservation.Store
	beforeReserve func()
}

func (s *interleavingStore) ReserveMembers(ctx context.Context, mappingID string, scope domain.MappingScope, members map[domain.Service][]domain.DirectoryMember) error {
	if hook := s.beforeReserve; hook != nil {
		s.beforeReserve = nil
		hook()
	}
	return s.Store.ReserveMembers(ctx, mappingID, scope, members)
}

func TestReserve_InterleavedCallsConverge(t *testing.T) {
	base := setupStore(t, "TestReserve_InterleavedCallsConverge",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOn),
		member("m2", domain.MemberRoleRegular, domain.MemberStatusOn))
	store := &interleavingStore{Store: base}

	r, err := reservation.New(reservation.Config{
		Scope:       reservation.ScopeTenant,
		DHCPMembers: []string{"m1", "m2"},
	}, store)
	require.NoError(t, err)
	ctx := context.Background()

	var second *reservation.AllocationCondition
	store.beforeReserve = func() {
		var err error
		second, err = r.Reserve(ctx, tenantRequest("x"))
		require.NoError(t, err)
	}

	first, err := r.Reserve(ctx, tenantRequest("x"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, second, first)

	reserved, err := base.GetReserved(ctx, "x", domain.ServiceDHCP)
	require.NoError(t, err)
	assert.Len(t, reserved, 1)
}

func TestReserve_AdoptsConcurrentWinner(t *testing.T) {
	base := setupStore(t, "TestReserve_AdoptsConcurrentWinner",
		member("m1", domain.MemberRoleRegular, domain.MemberStatusOn),
		member("m2", domain.MemberRoleRegular, domain.MemberStatusOn))
	store := &interleavingStore{Store: base}
	ctx := context.Background()

	// another worker pinned m2 between our read and our write
	m2 := member("m2", domain.MemberRoleRegular, domain.MemberStatusOn)
	store.beforeReserve = func() {
		err := base.ReserveMembers(ctx, "x", domain.MappingScopeTenantID, map[domain.Service][]domain.DirectoryMember{
			domain.ServiceDHCP: {m2},
		})
		require.NoError(t, err)
	}

	r, err := reservation.New(reservation.Config{
		Scope:       reservation.ScopeTenant,
		DHCPMembers: []string{"m1", "m2"},
	}, store)
	require.NoError(t, err)

	cond, err := r.Reserve(ctx, tenantRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, names(cond.NetworkMembers))
}
