package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/ipalloc"
	"github.com/jbweber/homelab/ddiagent/internal/migrations"
	"github.com/jbweber/homelab/ddiagent/internal/pattern"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// DDIAGENT_WAPI_URL for wapi.url
const EnvPrefix = "DDIAGENT"

// Backends
const (
	BackendMemory = "memory"
	BackendWAPI   = "wapi"
)

// Keys read from viper
const (
	KeyDBPath              = "db_path"
	KeyListenAddr          = "listen_addr"
	KeyLogLevel            = "log_level"
	KeyBackend             = "backend"
	KeyWAPIURL             = "wapi.url"
	KeyWAPIVersion         = "wapi.version"
	KeyWAPIUsername        = "wapi.username"
	KeyWAPIPassword        = "wapi.password"
	KeyWAPITimeout         = "wapi.timeout"
	KeyScope               = "network_view_scope"
	KeyDefaultNetworkView  = "default_network_view"
	KeyDefaultDNSView      = "default_dns_view"
	KeyNetworkViewPattern  = "network_view_pattern"
	KeyHostPattern         = "default_host_name_pattern"
	KeyDomainPattern       = "default_domain_name_pattern"
	KeyNSGroup             = "default_ns_group"
	KeyUseHostRecords      = "use_host_records_for_ip_allocation"
	KeyBindRecords         = "bind_dns_records_to_fixed_address"
	KeyUnbindRecords       = "unbind_dns_records_from_fixed_address"
	KeyDeleteRecords       = "delete_dns_records_associated_with_fixed_address"
	KeyDHCPMembers         = "dhcp_members"
	KeyDNSPrimaryMembers   = "dns_primary_members"
	KeyDNSSecondaryMembers = "dns_secondary_members"
	KeyComputeURL          = "compute.url"
	KeyComputeToken        = "compute.token"
	KeyComputeTimeout      = "compute.timeout"
	KeyComputeCacheTTL     = "compute.cache_ttl"
	KeyReconcileAttempts   = "reconcile_attempts"
)

// WAPI holds the directory appliance connection settings
type WAPI struct {
	URL      string
	Version  string
	Username string
	Password string
	Timeout  time.Duration
}

// Compute holds the instance name lookup settings. An empty URL disables
// the lookup.
type Compute struct {
	URL      string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Config holds all configuration for the ddiagent service
type Config struct {
	DBPath     string
	ListenAddr string
	LogLevel   string
	Backend    string
	WAPI       WAPI

	Scope              string
	DefaultNetworkView string
	DefaultDNSView     string
	NetworkViewPattern string
	HostPattern        string
	DomainPattern      string
	NSGroup            string

	UseHostRecords bool
	BindRecords    []string
	UnbindRecords  []string
	DeleteRecords  []string

	DHCPMembers         []string
	DNSPrimaryMembers   []string
	DNSSecondaryMembers []string

	Compute           Compute
	ReconcileAttempts int
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:             "~/ddiagent/data/ddiagent.db",
		ListenAddr:         ":8080",
		LogLevel:           "info",
		Backend:            BackendMemory,
		WAPI:               WAPI{Version: "v2.7", Timeout: 60 * time.Second},
		Scope:              string(reservation.ScopeSingle),
		DefaultNetworkView: reservation.DefaultNetworkView,
		DefaultDNSView:     reservation.DefaultDNSView,
		NetworkViewPattern: reservation.DefaultNetworkViewPattern,
		HostPattern:        pattern.DefaultHostPattern,
		DomainPattern:      pattern.DefaultDomainPattern,
		UseHostRecords:     true,
		Compute:            Compute{Timeout: 10 * time.Second, CacheTTL: 5 * time.Minute},
		ReconcileAttempts:  directory.DefaultAttempts,
	}
}

// SetDefaults registers the defaults of NewConfig with v
func SetDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault(KeyDBPath, d.DBPath)
	v.SetDefault(KeyListenAddr, d.ListenAddr)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyBackend, d.Backend)
	v.SetDefault(KeyWAPIVersion, d.WAPI.Version)
	v.SetDefault(KeyWAPITimeout, d.WAPI.Timeout)
	v.SetDefault(KeyScope, d.Scope)
	v.SetDefault(KeyDefaultNetworkView, d.DefaultNetworkView)
	v.SetDefault(KeyDefaultDNSView, d.DefaultDNSView)
	v.SetDefault(KeyNetworkViewPattern, d.NetworkViewPattern)
	v.SetDefault(KeyHostPattern, d.HostPattern)
	v.SetDefault(KeyDomainPattern, d.DomainPattern)
	v.SetDefault(KeyUseHostRecords, d.UseHostRecords)
	v.SetDefault(KeyComputeTimeout, d.Compute.Timeout)
	v.SetDefault(KeyComputeCacheTTL, d.Compute.CacheTTL)
	v.SetDefault(KeyReconcileAttempts, d.ReconcileAttempts)
}

// NewViper returns a viper instance with defaults registered and environment
// variables bound. When file is not empty it is read as well.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	return v, nil
}

// Load builds a Config from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		DBPath:     v.GetString(KeyDBPath),
		ListenAddr: v.GetString(KeyListenAddr),
		LogLevel:   v.GetString(KeyLogLevel),
		Backend:    v.GetString(KeyBackend),
		WAPI: WAPI{
			URL:      v.GetString(KeyWAPIURL),
			Version:  v.GetString(KeyWAPIVersion),
			Username: v.GetString(KeyWAPIUsername),
			Password: v.GetString(KeyWAPIPassword),
			Timeout:  v.GetDuration(KeyWAPITimeout),
		},
		Scope:               v.GetString(KeyScope),
		DefaultNetworkView:  v.GetString(KeyDefaultNetworkView),
		DefaultDNSView:      v.GetString(KeyDefaultDNSView),
		NetworkViewPattern:  v.GetString(KeyNetworkViewPattern),
		HostPattern:         v.GetString(KeyHostPattern),
		DomainPattern:       v.GetString(KeyDomainPattern),
		NSGroup:             v.GetString(KeyNSGroup),
		UseHostRecords:      v.GetBool(KeyUseHostRecords),
		BindRecords:         list(v, KeyBindRecords),
		UnbindRecords:       list(v, KeyUnbindRecords),
		DeleteRecords:       list(v, KeyDeleteRecords),
		DHCPMembers:         list(v, KeyDHCPMembers),
		DNSPrimaryMembers:   list(v, KeyDNSPrimaryMembers),
		DNSSecondaryMembers: list(v, KeyDNSSecondaryMembers),
		Compute: Compute{
			URL:      v.GetString(KeyComputeURL),
			Token:    v.GetString(KeyComputeToken),
			Timeout:  v.GetDuration(KeyComputeTimeout),
			CacheTTL: v.GetDuration(KeyComputeCacheTTL),
		},
		ReconcileAttempts: v.GetInt(KeyReconcileAttempts),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the agent cannot run with. Scope and record type
// problems are configuration errors.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendWAPI:
		if c.WAPI.URL == "" {
			return fmt.Errorf("%w: %s is required for the wapi backend", reservation.ErrConfiguration, KeyWAPIURL)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", reservation.ErrConfiguration, c.Backend)
	}
	if _, err := reservation.ParseScope(c.Scope); err != nil {
		return err
	}
	if _, err := c.Allocation(); err != nil {
		return err
	}
	if _, err := c.Patterns(); err != nil {
		return err
	}
	if c.ReconcileAttempts < 1 {
		return fmt.Errorf("%w: %s must be at least 1", reservation.ErrConfiguration, KeyReconcileAttempts)
	}
	return nil
}

// Patterns builds the host and domain name pattern builder
func (c *Config) Patterns() (*pattern.Builder, error) {
	b, err := pattern.NewBuilder(c.HostPattern, c.DomainPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reservation.ErrConfiguration, err)
	}
	return b, nil
}

// Reservation returns the member and view reservation settings
func (c *Config) Reservation() (reservation.Config, error) {
	patterns, err := c.Patterns()
	if err != nil {
		return reservation.Config{}, err
	}
	return reservation.Config{
		Scope:               reservation.Scope(c.Scope),
		DefaultNetworkView:  c.DefaultNetworkView,
		DefaultDNSView:      c.DefaultDNSView,
		NetworkViewPattern:  c.NetworkViewPattern,
		NSGroup:             c.NSGroup,
		DHCPMembers:         c.DHCPMembers,
		DNSPrimaryMembers:   c.DNSPrimaryMembers,
		DNSSecondaryMembers: c.DNSSecondaryMembers,
		Patterns:            patterns,
	}, nil
}

// Allocation returns the IP allocation strategy settings
func (c *Config) Allocation() (ipalloc.Config, error) {
	cfg := ipalloc.Config{UseHostRecords: c.UseHostRecords, Attempts: c.ReconcileAttempts}
	var err error
	if cfg.BindRecords, err = parseKinds(KeyBindRecords, c.BindRecords); err != nil {
		return ipalloc.Config{}, err
	}
	if cfg.UnbindRecords, err = parseKinds(KeyUnbindRecords, c.UnbindRecords); err != nil {
		return ipalloc.Config{}, err
	}
	if cfg.DeleteRecords, err = parseKinds(KeyDeleteRecords, c.DeleteRecords); err != nil {
		return ipalloc.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ipalloc.Config{}, err
	}
	return cfg, nil
}

// NetworkScoped reports whether views are created per network
func (c *Config) NetworkScoped() bool {
	return reservation.Scope(c.Scope) == reservation.ScopeNetwork
}

// list reads a string list. Environment variables carry lists comma
// separated.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseKinds(key string, values []string) ([]directory.Kind, error) {
	kinds := make([]directory.Kind, 0, len(values))
	for _, v := range values {
		k, err := directory.ParseKind(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", reservation.ErrConfiguration, key, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// InitializeDatabase opens the database and brings its schema up to date
func (c *Config) InitializeDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := c.OpenDatabase(ctx)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// OpenDatabase creates and configures the database connection without
// touching the schema
func (c *Config) OpenDatabase(ctx context.Context) (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	// Ensure database directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	return db, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

// RunMigrations applies every schema migration
func RunMigrations(ctx context.Context, db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	migrator.AddMigrations(migrations.All())
	return migrator.RunMigrations(ctx)
}

// RollbackMigrations reverts the most recent steps migrations and returns the
// resulting schema version
func RollbackMigrations(ctx context.Context, db *sql.DB, steps int) (int64, error) {
	migrator := migrations.NewMigrator(db)
	migrator.AddMigrations(migrations.All())
	for i := 0; i < steps; i++ {
		if err := migrator.Rollback(ctx); err != nil {
			return 0, err
		}
	}
	return migrator.GetCurrentVersion(ctx)
}
