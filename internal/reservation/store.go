package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
)

// ErrAlreadyReserved is returned by a Store when another writer pinned the
// mapping first
var ErrAlreadyReserved = errors.New("mapping already reserved")

// Store is the member/mapping persistence the reservation reads and writes
type Store interface {
	GetMembers(ctx context.Context) ([]domain.DirectoryMember, error)
	GetReserved(ctx context.Context, mappingID string, service domain.Service) ([]domain.DirectoryMember, error)
	// ReserveMembers pins members per service atomically, returning
	// ErrAlreadyReserved if any of them is already pinned
	ReserveMembers(ctx context.Context, mappingID string, scope domain.MappingScope, members map[domain.Service][]domain.DirectoryMember) error
	Usage(ctx context.Context, service domain.Service) (map[string]int, error)
	Release(ctx context.Context, mappingID string) error
}

// SQLStore implements Store over the SQLite repositories
type SQLStore struct {
	members  repository.MemberRepository
	mappings repository.MemberMappingRepository
}

// NewSQLStore creates a store over the member and mapping repositories
func NewSQLStore(members repository.MemberRepository, mappings repository.MemberMappingRepository) *SQLStore {
	return &SQLStore{members: members, mappings: mappings}
}

// GetMembers returns every known member
func (s *SQLStore) GetMembers(ctx context.Context) ([]domain.DirectoryMember, error) {
	return s.members.FindAll(ctx)
}

// GetReserved returns the members pinned to mappingID for service, in
// position order
func (s *SQLStore) GetReserved(ctx context.Context, mappingID string, service domain.Service) ([]domain.DirectoryMember, error) {
	mappings, err := s.mappings.FindByMappingID(ctx, mappingID, service)
	if err != nil {
		return nil, err
	}
	members := make([]domain.DirectoryMember, 0, len(mappings))
	for _, m := range mappings {
		member, err := s.members.FindByID(ctx, m.MemberID)
		if err != nil {
			return nil, fmt.Errorf("failed to load member %s: %w", m.MemberID, err)
		}
		members = append(members, member)
	}
	return members, nil
}

// ReserveMembers pins members to mappingID
func (s *SQLStore) ReserveMembers(ctx context.Context, mappingID string, scope domain.MappingScope, members map[domain.Service][]domain.DirectoryMember) error {
	var rows []domain.MemberMapping
	for _, svc := range services {
		for pos, m := range members[svc] {
			rows = append(rows, domain.MemberMapping{
				MappingID: mappingID,
				Service:   svc,
				Position:  pos,
				MemberID:  m.ID,
				Scope:     scope,
				Relation:  domain.RelationForRole(m.Role),
			})
		}
	}
	if err := s.mappings.Reserve(ctx, rows); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("%s: %w", mappingID, ErrAlreadyReserved)
		}
		return err
	}
	return nil
}

// Usage counts mappings per member id for service
func (s *SQLStore) Usage(ctx context.Context, service domain.Service) (map[string]int, error) {
	return s.mappings.UsageByMember(ctx, service)
}

// Release removes every pin of mappingID
func (s *SQLStore) Release(ctx context.Context, mappingID string) error {
	return s.mappings.DeleteByMappingID(ctx, mappingID)
}
