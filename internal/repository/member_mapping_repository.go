package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// MemberMappingRepository defines operations on reserved member mappings
type MemberMappingRepository interface {
	// FindByMappingID returns the members reserved for mappingID and service
	// ordered by position.
	FindByMappingID(ctx context.Context, mappingID string, service domain.Service) ([]domain.MemberMapping, error)
	// Reserve stores all mappings atomically. It returns ErrDuplicate when any
	// (mapping, service, position) slot is already taken.
	Reserve(ctx context.Context, mappings []domain.MemberMapping) error
	DeleteByMappingID(ctx context.Context, mappingID string) error
	// UsageByMember counts mappings per member id
	UsageByMember(ctx context.Context, service domain.Service) (map[string]int, error)
	FindAll(ctx context.Context) ([]domain.MemberMapping, error)
}

type memberMappingRepositoryImpl struct {
	db    *sql.DB
	stmts *PreparedStatementCache
}

// NewMemberMappingRepository creates a new member mapping repository
func NewMemberMappingRepository(db *sql.DB) MemberMappingRepository {
	return &memberMappingRepositoryImpl{
		db:    db,
		stmts: NewPreparedStatementCache(db),
	}
}

const (
	mappingColumns = "id, mapping_id, service, position, member_id, scope, relation"

	findMappingsQuery = "SELECT " + mappingColumns + " FROM member_mappings WHERE mapping_id = ? AND service = ? ORDER BY position"
	usageQuery        = "SELECT member_id, COUNT(*) FROM member_mappings WHERE service = ? GROUP BY member_id"
)

func scanMapping(row rowScanner) (domain.MemberMapping, error) {
	var m domain.MemberMapping
	var service, scope, relation string
	if err := row.Scan(&m.ID, &m.MappingID, &service, &m.Position, &m.MemberID, &scope, &relation); err != nil {
		return domain.MemberMapping{}, err
	}
	m.Service = domain.Service(service)
	m.Scope = domain.MappingScope(scope)
	m.Relation = domain.MappingRelation(relation)
	return m, nil
}

func (r *memberMappingRepositoryImpl) queryMappings(rows *sql.Rows) ([]domain.MemberMapping, error) {
	defer rows.Close()

	var mappings []domain.MemberMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member mappings: %w", err)
	}
	return mappings, nil
}

// FindByMappingID finds reserved members for a mapping and service
func (r *memberMappingRepositoryImpl) FindByMappingID(ctx context.Context, mappingID string, service domain.Service) ([]domain.MemberMapping, error) {
	stmt, err := r.stmts.Get(ctx, findMappingsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare member mapping query: %w", err)
	}
	rows, err := stmt.QueryContext(ctx, mappingID, string(service))
	if err != nil {
		return nil, fmt.Errorf("failed to find member mappings: %w", err)
	}
	return r.queryMappings(rows)
}

// FindAll finds every member mapping
func (r *memberMappingRepositoryImpl) FindAll(ctx context.Context) ([]domain.MemberMapping, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+mappingColumns+" FROM member_mappings ORDER BY mapping_id, service, position")
	if err != nil {
		return nil, fmt.Errorf("failed to find member mappings: %w", err)
	}
	return r.queryMappings(rows)
}

// Reserve inserts the mappings in one transaction
func (r *memberMappingRepositoryImpl) Reserve(ctx context.Context, mappings []domain.MemberMapping) error {
	for _, m := range mappings {
		if m.MappingID == "" || m.MemberID == "" || m.Service == "" {
			return fmt.Errorf("mapping id, member id and service are required: %w", ErrInvalidEntity)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range mappings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO member_mappings (mapping_id, service, position, member_id, scope, relation)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.MappingID, string(m.Service), m.Position, m.MemberID, string(m.Scope), string(m.Relation))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("mapping %s/%s/%d: %w", m.MappingID, m.Service, m.Position, ErrDuplicate)
			}
			return fmt.Errorf("failed to reserve member mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// DeleteByMappingID releases every service reserved under mappingID
func (r *memberMappingRepositoryImpl) DeleteByMappingID(ctx context.Context, mappingID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM member_mappings WHERE mapping_id = ?", mappingID); err != nil {
		return fmt.Errorf("failed to delete member mappings: %w", err)
	}
	return nil
}

// UsageByMember counts how many mappings each member serves
func (r *memberMappingRepositoryImpl) UsageByMember(ctx context.Context, service domain.Service) (map[string]int, error) {
	stmt, err := r.stmts.Get(ctx, usageQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare usage query: %w", err)
	}
	rows, err := stmt.QueryContext(ctx, string(service))
	if err != nil {
		return nil, fmt.Errorf("failed to count member usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan member usage: %w", err)
		}
		usage[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member usage: %w", err)
	}
	return usage, nil
}
