package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// MemberRepository defines domain-specific operations for directory members
type MemberRepository interface {
	Repository[domain.DirectoryMember, string]
	FindByName(ctx context.Context, name string) (domain.DirectoryMember, error)
	// ReplaceAll makes the stored members exactly members. Members still
	// referenced by a mapping are kept and marked Off instead of removed.
	ReplaceAll(ctx context.Context, members []domain.DirectoryMember) error
}

// memberRepositoryImpl implements MemberRepository
type memberRepositoryImpl struct {
	db *sql.DB
}

// NewMemberRepository creates a new member repository
func NewMemberRepository(db *sql.DB) MemberRepository {
	return &memberRepositoryImpl{
		db: db,
	}
}

const memberColumns = "id, name, ipv4, ipv6, role, status"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (domain.DirectoryMember, error) {
	var m domain.DirectoryMember
	var role, status string
	if err := row.Scan(&m.ID, &m.Name, &m.IPv4, &m.IPv6, &role, &status); err != nil {
		return domain.DirectoryMember{}, err
	}
	m.Role = domain.MemberRole(role)
	m.Status = domain.MemberStatus(status)
	return m, nil
}

func validateMember(m domain.DirectoryMember) error {
	if m.ID == "" {
		return fmt.Errorf("member id is required: %w", ErrInvalidEntity)
	}
	if m.Name == "" {
		return fmt.Errorf("member name is required: %w", ErrInvalidEntity)
	}
	switch m.Role {
	case domain.MemberRoleAuthority, domain.MemberRoleServingPlatform, domain.MemberRoleRegular:
	default:
		return fmt.Errorf("member role %q is invalid: %w", m.Role, ErrInvalidEntity)
	}
	switch m.Status {
	case domain.MemberStatusOn, domain.MemberStatusOff:
	default:
		return fmt.Errorf("member status %q is invalid: %w", m.Status, ErrInvalidEntity)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMember(ctx context.Context, db execer, m domain.DirectoryMember) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO members (id, name, ipv4, ipv6, role, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, ipv4 = excluded.ipv4, ipv6 = excluded.ipv6,
			role = excluded.role, status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
		m.ID, m.Name, m.IPv4, m.IPv6, string(m.Role), string(m.Status))
	if isUniqueViolation(err) {
		return fmt.Errorf("member with name '%s' already exists: %w", m.Name, ErrDuplicate)
	}
	return err
}

// Save creates or updates a member
func (r *memberRepositoryImpl) Save(ctx context.Context, m domain.DirectoryMember) (domain.DirectoryMember, error) {
	if err := validateMember(m); err != nil {
		return domain.DirectoryMember{}, err
	}
	if err := upsertMember(ctx, r.db, m); err != nil {
		return domain.DirectoryMember{}, fmt.Errorf("failed to save member: %w", err)
	}
	return m, nil
}

// FindByID finds a member by ID
func (r *memberRepositoryImpl) FindByID(ctx context.Context, id string) (domain.DirectoryMember, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DirectoryMember{}, fmt.Errorf("member with ID %s: %w", id, ErrNotFound)
		}
		return domain.DirectoryMember{}, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// FindByName finds a member by name
func (r *memberRepositoryImpl) FindByName(ctx context.Context, name string) (domain.DirectoryMember, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM members WHERE name = ?", name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DirectoryMember{}, fmt.Errorf("member with name '%s': %w", name, ErrNotFound)
		}
		return domain.DirectoryMember{}, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// FindAll finds all members ordered by name
func (r *memberRepositoryImpl) FindAll(ctx context.Context) ([]domain.DirectoryMember, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+memberColumns+" FROM members ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to find members: %w", err)
	}
	defer rows.Close()

	var members []domain.DirectoryMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

// DeleteByID deletes a member by ID
func (r *memberRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM members WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("member with ID %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a member exists by ID
func (r *memberRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check member existence: %w", err)
	}
	return count > 0, nil
}

// ReplaceAll synchronizes the member table with members in one transaction
func (r *memberRepositoryImpl) ReplaceAll(ctx context.Context, members []domain.DirectoryMember) error {
	for _, m := range members {
		if err := validateMember(m); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin member sync: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keep := make(map[string]bool, len(members))
	for _, m := range members {
		keep[m.ID] = true
		if err := upsertMember(ctx, tx, m); err != nil {
			return fmt.Errorf("failed to save member %s: %w", m.Name, err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id, EXISTS (SELECT 1 FROM member_mappings mm WHERE mm.member_id = m.id)
		FROM members m`)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	type stale struct {
		id     string
		mapped bool
	}
	var stales []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.mapped); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan member: %w", err)
		}
		if !keep[s.id] {
			stales = append(stales, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating members: %w", err)
	}

	for _, s := range stales {
		query := "DELETE FROM members WHERE id = ?"
		if s.mapped {
			query = "UPDATE members SET status = 'Off', updated_at = CURRENT_TIMESTAMP WHERE id = ?"
		}
		if _, err := tx.ExecContext(ctx, query, s.id); err != nil {
			return fmt.Errorf("failed to retire member %s: %w", s.id, err)
		}
	}

	return tx.Commit()
}
