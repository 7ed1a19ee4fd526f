package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

// PortRepository stores the last seen snapshot of host-plane ports
type PortRepository interface {
	Repository[domain.Port, string]
	FindByNetworkID(ctx context.Context, networkID string) ([]domain.Port, error)
	FindByDeviceID(ctx context.Context, deviceID string) ([]domain.Port, error)
}

type portRepositoryImpl struct {
	db *sql.DB
}

// NewPortRepository creates a new port repository
func NewPortRepository(db *sql.DB) PortRepository {
	return &portRepositoryImpl{db: db}
}

const portColumns = "id, network_id, name, tenant_id, mac_address, device_id, device_owner, fixed_ips"

func scanPort(row rowScanner) (domain.Port, error) {
	var p domain.Port
	var fixedIPs string
	err := row.Scan(&p.ID, &p.NetworkID, &p.Name, &p.TenantID, &p.MACAddress,
		&p.DeviceID, &p.DeviceOwner, &fixedIPs)
	if err != nil {
		return domain.Port{}, err
	}
	if err := json.Unmarshal([]byte(fixedIPs), &p.FixedIPs); err != nil {
		return domain.Port{}, fmt.Errorf("failed to decode fixed ips: %w", err)
	}
	return p, nil
}

// Save creates or replaces a port snapshot. The parent network must exist.
func (r *portRepositoryImpl) Save(ctx context.Context, p domain.Port) (domain.Port, error) {
	if p.ID == "" || p.NetworkID == "" {
		return domain.Port{}, fmt.Errorf("port id and network id are required: %w", ErrInvalidEntity)
	}

	fixedIPs := p.FixedIPs
	if fixedIPs == nil {
		fixedIPs = []domain.FixedIP{}
	}
	encoded, err := json.Marshal(fixedIPs)
	if err != nil {
		return domain.Port{}, fmt.Errorf("failed to encode fixed ips: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ports (id, network_id, name, tenant_id, mac_address, device_id, device_owner, fixed_ips)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			network_id = excluded.network_id, name = excluded.name, tenant_id = excluded.tenant_id,
			mac_address = excluded.mac_address, device_id = excluded.device_id,
			device_owner = excluded.device_owner, fixed_ips = excluded.fixed_ips,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.NetworkID, p.Name, p.TenantID, p.MACAddress, p.DeviceID, p.DeviceOwner, string(encoded))
	if err != nil {
		return domain.Port{}, fmt.Errorf("failed to save port: %w", err)
	}
	return p, nil
}

// FindByID finds a port by ID
func (r *portRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Port, error) {
	p, err := scanPort(r.db.QueryRowContext(ctx, "SELECT "+portColumns+" FROM ports WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Port{}, fmt.Errorf("port with ID %s: %w", id, ErrNotFound)
		}
		return domain.Port{}, fmt.Errorf("failed to find port: %w", err)
	}
	return p, nil
}

// FindByNetworkID finds the ports on a network
func (r *portRepositoryImpl) FindByNetworkID(ctx context.Context, networkID string) ([]domain.Port, error) {
	return r.query(ctx, "SELECT "+portColumns+" FROM ports WHERE network_id = ? ORDER BY id", networkID)
}

// FindByDeviceID finds the ports attached to a device
func (r *portRepositoryImpl) FindByDeviceID(ctx context.Context, deviceID string) ([]domain.Port, error) {
	return r.query(ctx, "SELECT "+portColumns+" FROM ports WHERE device_id = ? ORDER BY id", deviceID)
}

// FindAll finds all ports
func (r *portRepositoryImpl) FindAll(ctx context.Context) ([]domain.Port, error) {
	return r.query(ctx, "SELECT "+portColumns+" FROM ports ORDER BY network_id, id")
}

func (r *portRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Port, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find ports: %w", err)
	}
	defer rows.Close()

	var ports []domain.Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		ports = append(ports, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ports: %w", err)
	}
	return ports, nil
}

// DeleteByID deletes a port by ID
func (r *portRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM ports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete port: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("port with ID %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a port exists by ID
func (r *portRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ports WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check port existence: %w", err)
	}
	return count > 0, nil
}
