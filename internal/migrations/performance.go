package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"CREATE INDEX IF NOT EXISTS idx_member_mappings_mapping ON member_mappings(mapping_id, service)",
					"CREATE INDEX IF NOT EXISTS idx_member_mappings_member ON member_mappings(member_id)",
					"CREATE INDEX IF NOT EXISTS idx_subnets_network_id ON subnets(network_id)",
					"CREATE INDEX IF NOT EXISTS idx_ports_network_id ON ports(network_id)",
				})
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					"DROP INDEX IF EXISTS idx_member_mappings_mapping",
					"DROP INDEX IF EXISTS idx_member_mappings_member",
					"DROP INDEX IF EXISTS idx_subnets_network_id",
					"DROP INDEX IF EXISTS idx_ports_network_id",
				})
			},
		},
	}
}
