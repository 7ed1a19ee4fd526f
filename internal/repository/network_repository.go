package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// NetworkRepository stores the last seen snapshot of host-plane networks
type NetworkRepository interface {
	Repository[domain.Network, string]
	FindByName(ctx context.Context, name string) ([]domain.Network, error)
}

// networkRepositoryImpl implements NetworkRepository
type networkRepositoryImpl struct {
	db *sql.DB
}

// NewNetworkRepository creates a new network repository
func NewNetworkRepository(db *sql.DB) NetworkRepository {
	return &networkRepositoryImpl{
		db: db,
	}
}

const networkColumns = "id, name, tenant_id, shared, external, network_type, physical_network, segmentation_id"

func scanNetwork(row rowScanner) (domain.Network, error) {
	var n domain.Network
	err := row.Scan(&n.ID, &n.Name, &n.TenantID, &n.Shared, &n.External,
		&n.NetworkType, &n.PhysicalNetwork, &n.SegmentationID)
	return n, err
}

// Save creates or replaces a network snapshot
func (r *networkRepositoryImpl) Save(ctx context.Context, n domain.Network) (domain.Network, error) {
	if n.ID == "" {
		return domain.Network{}, fmt.Errorf("network id is required: %w", ErrInvalidEntity)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO networks (id, name, tenant_id, shared, external, network_type, physical_network, segmentation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, tenant_id = excluded.tenant_id,
			shared = excluded.shared, external = excluded.external,
			network_type = excluded.network_type, physical_network = excluded.physical_network,
			segmentation_id = excluded.segmentation_id, updated_at = CURRENT_TIMESTAMP`,
		n.ID, n.Name, n.TenantID, n.Shared, n.External, n.NetworkType, n.PhysicalNetwork, n.SegmentationID)
	if err != nil {
		return domain.Network{}, fmt.Errorf("failed to save network: %w", err)
	}
	return n, nil
}

// FindByID finds a network by ID
func (r *networkRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Network, error) {
	n, err := scanNetwork(r.db.QueryRowContext(ctx, "SELECT "+networkColumns+" FROM networks WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Network{}, fmt.Errorf("network with ID %s: %w", id, ErrNotFound)
		}
		return domain.Network{}, fmt.Errorf("failed to find network: %w", err)
	}
	return n, nil
}

// FindByName finds networks by name. Names are not unique on the host plane.
func (r *networkRepositoryImpl) FindByName(ctx context.Context, name string) ([]domain.Network, error) {
	return r.query(ctx, "SELECT "+networkColumns+" FROM networks WHERE name = ? ORDER BY id", name)
}

// FindAll finds all networks
func (r *networkRepositoryImpl) FindAll(ctx context.Context) ([]domain.Network, error) {
	return r.query(ctx, "SELECT "+networkColumns+" FROM networks ORDER BY name, id")
}

func (r *networkRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Network, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find networks: %w", err)
	}
	defer rows.Close()

	var networks []domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		networks = append(networks, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating networks: %w", err)
	}
	return networks, nil
}

// DeleteByID deletes a network and, through the foreign keys, its subnets
// and ports
func (r *networkRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM networks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("network with ID %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a network exists by ID
func (r *networkRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM networks WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check network existence: %w", err)
	}
	return count > 0, nil
}
