package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

func TestNewConfig(t *testing.T) {
	config := NewConfig()

	if config == nil {
		t.Fatal("Expected non-nil config")
	}

	if config.DBPath != "~/ddiagent/data/ddiagent.db" {
		t.Errorf("Expected DBPath '~/ddiagent/data/ddiagent.db', got '%s'", config.DBPath)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("Expected ListenAddr ':8080', got '%s'", config.ListenAddr)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestConfig_expandPath_WithTilde(t *testing.T) {
	config := NewConfig()

	path := "~/test/path"
	expanded := config.expandPath(path)

	if strings.HasPrefix(expanded, "~/") {
		t.Errorf("Expected path to be expanded, got '%s'", expanded)
	}

	if !strings.HasSuffix(expanded, "test/path") {
		t.Errorf("Expected expanded path to end with 'test/path', got '%s'", expanded)
	}
}

func TestConfig_expandPath_WithoutTilde(t *testing.T) {
	config := NewConfig()

	for _, path := range []string{"/absolute/path", "relative/path"} {
		if expanded := config.expandPath(path); expanded != path {
			t.Errorf("Expected path to remain unchanged, got '%s'", expanded)
		}
	}
}

func TestConfig_InitializeDatabase_Success(t *testing.T) {
	config := NewConfig()
	config.DBPath = filepath.Join(t.TempDir(), "nested", "path", "test.db")

	db, err := config.InitializeDatabase(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(config.DBPath)); os.IsNotExist(err) {
		t.Errorf("Expected directory to be created: %s", filepath.Dir(config.DBPath))
	}

	var fkEnabled bool
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if !fkEnabled {
		t.Error("Expected foreign keys to be enabled")
	}

	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Errorf("Failed to check busy timeout: %v", err)
	}
	if busy != 5000 {
		t.Errorf("Expected busy_timeout 5000, got %d", busy)
	}

	var tableName string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='member_mappings'").Scan(&tableName)
	if err != nil {
		t.Errorf("Expected member_mappings table to exist: %v", err)
	}
}

func TestConfig_InitializeDatabase_PragmasOnEveryConnection(t *testing.T) {
	config := NewConfig()
	config.DBPath = filepath.Join(t.TempDir(), "pool.db")

	ctx := context.Background()
	db, err := config.InitializeDatabase(ctx)
	require.NoError(t, err)
	defer db.Close()

	// hold the connections at the same time so the pool has to open new ones
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		conns[i], err = db.Conn(ctx)
		require.NoError(t, err)
		defer conns[i].Close()
	}

	for i, conn := range conns {
		var fk, busy int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
		assert.Equal(t, 1, fk, "connection %d", i)
		assert.Equal(t, 5000, busy, "connection %d", i)
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN("/var/lib/ddiagent/ddiagent.db")
	assert.True(t, strings.HasPrefix(dsn, "/var/lib/ddiagent/ddiagent.db?"))
	assert.Contains(t, dsn, "_pragma=foreign_keys%281%29")
	assert.Contains(t, dsn, "_pragma=busy_timeout%285000%29")
}

func TestRollbackMigrations(t *testing.T) {
	config := NewConfig()
	config.DBPath = filepath.Join(t.TempDir(), "rollback.db")

	ctx := context.Background()
	db, err := config.InitializeDatabase(ctx)
	require.NoError(t, err)
	defer db.Close()

	version, err := RollbackMigrations(ctx, db, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='ports'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// rolling back past the first migration leaves an empty schema
	version, err = RollbackMigrations(ctx, db, 5)
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, RunMigrations(ctx, db))
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='ports'").Scan(&name))
}

func TestConfig_InitializeDatabase_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	config := NewConfig()
	config.DBPath = filepath.Join(blocker, "sub", "ddiagent.db")

	db, err := config.InitializeDatabase(context.Background())
	if err == nil {
		db.Close()
		t.Fatal("Expected error for invalid path")
	}

	if !strings.Contains(err.Error(), "failed to create database directory") {
		t.Errorf("Expected directory creation error, got: %v", err)
	}
}

func TestRunMigrations_DatabaseError(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.Close()

	if err := RunMigrations(context.Background(), db); err == nil {
		t.Fatal("Expected error running migrations on closed database")
	}
}

func TestLoad_Defaults(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), c)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DDIAGENT_NETWORK_VIEW_SCOPE", "tenant")
	t.Setenv("DDIAGENT_DHCP_MEMBERS", "m1, m2")
	t.Setenv("DDIAGENT_BIND_DNS_RECORDS_TO_FIXED_ADDRESS", "record:a,record:ptr")
	t.Setenv("DDIAGENT_COMPUTE_CACHE_TTL", "90s")
	t.Setenv("DDIAGENT_USE_HOST_RECORDS_FOR_IP_ALLOCATION", "false")

	v, err := NewViper("")
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "tenant", c.Scope)
	assert.Equal(t, []string{"m1", "m2"}, c.DHCPMembers)
	assert.Equal(t, 90*time.Second, c.Compute.CacheTTL)
	assert.False(t, c.UseHostRecords)

	alloc, err := c.Allocation()
	require.NoError(t, err)
	assert.Equal(t, []directory.Kind{directory.KindARecord, directory.KindPTRRecord}, alloc.BindRecords)
}

func TestLoad_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ddiagent.yaml")
	content := `
backend: wapi
wapi:
  url: https://gm.example.com
  username: admin
network_view_scope: network
network_view_pattern: "{network_name}"
default_domain_name_pattern: "{tenant_name}.cloud.example.com"
dns_primary_members:
  - gm.example.com
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))

	v, err := NewViper(file)
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, BackendWAPI, c.Backend)
	assert.Equal(t, "https://gm.example.com", c.WAPI.URL)
	assert.Equal(t, "v2.7", c.WAPI.Version)
	assert.True(t, c.NetworkScoped())
	assert.Equal(t, []string{"gm.example.com"}, c.DNSPrimaryMembers)

	rc, err := c.Reservation()
	require.NoError(t, err)
	assert.Equal(t, reservation.ScopeNetwork, rc.Scope)
	assert.Equal(t, "{network_name}", rc.NetworkViewPattern)
	require.NotNil(t, rc.Patterns)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown scope", func(c *Config) { c.Scope = "galaxy" }},
		{"unknown backend", func(c *Config) { c.Backend = "ldap" }},
		{"wapi without url", func(c *Config) { c.Backend = BackendWAPI }},
		{"unknown record type", func(c *Config) { c.BindRecords = []string{"record:mx"} }},
		{"not a name record", func(c *Config) { c.DeleteRecords = []string{"network"} }},
		{"unknown pattern variable", func(c *Config) { c.HostPattern = "{rack}" }},
		{"no attempts", func(c *Config) { c.ReconcileAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.modify(c)
			assert.ErrorIs(t, c.Validate(), reservation.ErrConfiguration)
		})
	}
}
