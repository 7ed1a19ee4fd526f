package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/testutil"
)

func seedMembers(t *testing.T, repo MemberRepository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := repo.Save(context.Background(), testMember(id, id+".example.com"))
		require.NoError(t, err)
	}
}

func mapping(mappingID string, service domain.Service, position int, memberID string) domain.MemberMapping {
	return domain.MemberMapping{
		MappingID: mappingID,
		Service:   service,
		Position:  position,
		MemberID:  memberID,
		Scope:     domain.MappingScopeTenantID,
		Relation:  domain.MappingRelationAuthorityDistributed,
	}
}

func TestMemberMappingRepository_ReserveAndFind(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestMemberMappingRepository_ReserveAndFind")
	defer cleanup()

	ctx := context.Background()
	seedMembers(t, NewMemberRepository(db), "m-1", "m-2")
	repo := NewMemberMappingRepository(db)

	err := repo.Reserve(ctx, []domain.MemberMapping{
		mapping("tenant-x", domain.ServiceDNSPrimary, 1, "m-2"),
		mapping("tenant-x", domain.ServiceDNSPrimary, 0, "m-1"),
		mapping("tenant-x", domain.ServiceDHCP, 0, "m-1"),
	})
	require.NoError(t, err)

	dns, err := repo.FindByMappingID(ctx, "tenant-x", domain.ServiceDNSPrimary)
	require.NoError(t, err)
	require.Len(t, dns, 2)
	assert.Equal(t, "m-1", dns[0].MemberID)
	assert.Equal(t, "m-2", dns[1].MemberID)
	assert.NotZero(t, dns[0].ID)

	none, err := repo.FindByMappingID(ctx, "tenant-y", domain.ServiceDHCP)
	require.NoError(t, err)
	assert.Empty(t, none)

	usage, err := repo.UsageByMember(ctx, domain.ServiceDNSPrimary)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m-1": 1, "m-2": 1}, usage)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemberMappingRepository_ReserveDuplicateIsAtomic(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestMemberMappingRepository_ReserveDuplicateIsAtomic")
	defer cleanup()

	ctx := context.Background()
	seedMembers(t, NewMemberRepository(db), "m-1", "m-2")
	repo := NewMemberMappingRepository(db)

	require.NoError(t, repo.Reserve(ctx, []domain.MemberMapping{mapping("tenant-x", domain.ServiceDHCP, 0, "m-1")}))

	// The second DNS row must not survive when the DHCP slot collides
	err := repo.Reserve(ctx, []domain.MemberMapping{
		mapping("tenant-x", domain.ServiceDNSPrimary, 0, "m-2"),
		mapping("tenant-x", domain.ServiceDHCP, 0, "m-2"),
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	dns, err := repo.FindByMappingID(ctx, "tenant-x", domain.ServiceDNSPrimary)
	require.NoError(t, err)
	assert.Empty(t, dns)
}

func TestMemberMappingRepository_Validation(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestMemberMappingRepository_Validation")
	defer cleanup()

	repo := NewMemberMappingRepository(db)
	err := repo.Reserve(context.Background(), []domain.MemberMapping{{MappingID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestMemberMappingRepository_DeleteByMappingID(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestMemberMappingRepository_DeleteByMappingID")
	defer cleanup()

	ctx := context.Background()
	members := NewMemberRepository(db)
	seedMembers(t, members, "m-1")
	repo := NewMemberMappingRepository(db)

	require.NoError(t, repo.Reserve(ctx, []domain.MemberMapping{
		mapping("a", domain.ServiceDHCP, 0, "m-1"),
		mapping("b", domain.ServiceDHCP, 0, "m-1"),
	}))

	// A mapped member cannot be deleted out from under its mappings
	assert.Error(t, members.DeleteByID(ctx, "m-1"))

	require.NoError(t, repo.DeleteByMappingID(ctx, "a"))
	require.NoError(t, repo.DeleteByMappingID(ctx, "never-reserved"))

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].MappingID)
}
