package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns all initial migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_member_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE members (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						ipv4 TEXT NOT NULL DEFAULT '',
						ipv6 TEXT NOT NULL DEFAULT '',
						role TEXT NOT NULL,
						status TEXT NOT NULL,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					// position 0 is the primary; the unique key makes a racing
					// reservation for the same mapping fail instead of doubling up
					`CREATE TABLE member_mappings (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						mapping_id TEXT NOT NULL,
						service TEXT NOT NULL,
						position INTEGER NOT NULL,
						member_id TEXT NOT NULL,
						scope TEXT NOT NULL,
						relation TEXT NOT NULL,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						UNIQUE (mapping_id, service, position),
						FOREIGN KEY (member_id) REFERENCES members(id) ON DELETE RESTRICT
					)`,
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`DROP TABLE IF EXISTS member_mappings`,
					`DROP TABLE IF EXISTS members`,
				})
			},
		},
		{
			Version: 2,
			Name:    "create_host_plane_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE networks (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						tenant_id TEXT NOT NULL DEFAULT '',
						shared INTEGER NOT NULL DEFAULT 0,
						external INTEGER NOT NULL DEFAULT 0,
						network_type TEXT NOT NULL DEFAULT '',
						physical_network TEXT NOT NULL DEFAULT '',
						segmentation_id TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE subnets (
						id TEXT PRIMARY KEY,
						network_id TEXT NOT NULL,
						name TEXT NOT NULL DEFAULT '',
						tenant_id TEXT NOT NULL DEFAULT '',
						cidr TEXT NOT NULL,
						ip_version INTEGER NOT NULL,
						gateway_ip TEXT NOT NULL DEFAULT '',
						enable_dhcp INTEGER NOT NULL DEFAULT 1,
						address_scope_id TEXT NOT NULL DEFAULT '',
						allocation_pools TEXT NOT NULL DEFAULT '[]',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE ports (
						id TEXT PRIMARY KEY,
						network_id TEXT NOT NULL,
						name TEXT NOT NULL DEFAULT '',
						tenant_id TEXT NOT NULL DEFAULT '',
						mac_address TEXT NOT NULL DEFAULT '',
						device_id TEXT NOT NULL DEFAULT '',
						device_owner TEXT NOT NULL DEFAULT '',
						fixed_ips TEXT NOT NULL DEFAULT '[]',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
					)`,
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`DROP TABLE IF EXISTS ports`,
					`DROP TABLE IF EXISTS subnets`,
					`DROP TABLE IF EXISTS networks`,
				})
			},
		},
	}
}
