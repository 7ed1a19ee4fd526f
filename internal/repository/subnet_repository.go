package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// SubnetRepository stores the last seen snapshot of host-plane subnets
type SubnetRepository interface {
	Repository[domain.Subnet, string]
	FindByNetworkID(ctx context.Context, networkID string) ([]domain.Subnet, error)
}

type subnetRepositoryImpl struct {
	db *sql.DB
}

// NewSubnetRepository creates a new subnet repository
func NewSubnetRepository(db *sql.DB) SubnetRepository {
	return &subnetRepositoryImpl{db: db}
}

const subnetColumns = "id, network_id, name, tenant_id, cidr, ip_version, gateway_ip, enable_dhcp, address_scope_id, allocation_pools"

func scanSubnet(row rowScanner) (domain.Subnet, error) {
	var s domain.Subnet
	var pools string
	err := row.Scan(&s.ID, &s.NetworkID, &s.Name, &s.TenantID, &s.CIDR, &s.IPVersion,
		&s.GatewayIP, &s.EnableDHCP, &s.AddressScopeID, &pools)
	if err != nil {
		return domain.Subnet{}, err
	}
	if err := json.Unmarshal([]byte(pools), &s.AllocationPools); err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to decode allocation pools: %w", err)
	}
	return s, nil
}

// Save creates or replaces a subnet snapshot. The parent network must exist.
func (r *subnetRepositoryImpl) Save(ctx context.Context, s domain.Subnet) (domain.Subnet, error) {
	if s.ID == "" || s.NetworkID == "" {
		return domain.Subnet{}, fmt.Errorf("subnet id and network id are required: %w", ErrInvalidEntity)
	}
	if s.CIDR == "" {
		return domain.Subnet{}, fmt.Errorf("subnet cidr is required: %w", ErrInvalidEntity)
	}

	pools := s.AllocationPools
	if pools == nil {
		pools = []domain.AllocationPool{}
	}
	encoded, err := json.Marshal(pools)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to encode allocation pools: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subnets (id, network_id, name, tenant_id, cidr, ip_version, gateway_ip, enable_dhcp, address_scope_id, allocation_pools)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			network_id = excluded.network_id, name = excluded.name, tenant_id = excluded.tenant_id,
			cidr = excluded.cidr, ip_version = excluded.ip_version, gateway_ip = excluded.gateway_ip,
			enable_dhcp = excluded.enable_dhcp, address_scope_id = excluded.address_scope_id,
			allocation_pools = excluded.allocation_pools, updated_at = CURRENT_TIMESTAMP`,
		s.ID, s.NetworkID, s.Name, s.TenantID, s.CIDR, s.IPVersion, s.GatewayIP, s.EnableDHCP,
		s.AddressScopeID, string(encoded))
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to save subnet: %w", err)
	}
	return s, nil
}

// FindByID finds a subnet by ID
func (r *subnetRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Subnet, error) {
	s, err := scanSubnet(r.db.QueryRowContext(ctx, "SELECT "+subnetColumns+" FROM subnets WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subnet{}, fmt.Errorf("subnet with ID %s: %w", id, ErrNotFound)
		}
		return domain.Subnet{}, fmt.Errorf("failed to find subnet: %w", err)
	}
	return s, nil
}

// FindByNetworkID finds the subnets of a network
func (r *subnetRepositoryImpl) FindByNetworkID(ctx context.Context, networkID string) ([]domain.Subnet, error) {
	return r.query(ctx, "SELECT "+subnetColumns+" FROM subnets WHERE network_id = ? ORDER BY cidr", networkID)
}

// FindAll finds all subnets
func (r *subnetRepositoryImpl) FindAll(ctx context.Context) ([]domain.Subnet, error) {
	return r.query(ctx, "SELECT "+subnetColumns+" FROM subnets ORDER BY network_id, cidr")
}

func (r *subnetRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Subnet, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find subnets: %w", err)
	}
	defer rows.Close()

	var subnets []domain.Subnet
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		subnets = append(subnets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subnets: %w", err)
	}
	return subnets, nil
}

// DeleteByID deletes a subnet by ID
func (r *subnetRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM subnets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete subnet: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("subnet with ID %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a subnet exists by ID
func (r *subnetRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subnets WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check subnet existence: %w", err)
	}
	return count > 0, nil
}
