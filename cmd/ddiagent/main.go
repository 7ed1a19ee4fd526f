//go:build !test

// Code coverage for main is ignored; the wiring is exercised by the api tests.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/ddiagent/internal/allocation"
	"github.com/jbweber/homelab/ddiagent/internal/api"
	"github.com/jbweber/homelab/ddiagent/internal/cache"
	"github.com/jbweber/homelab/ddiagent/internal/compute"
	"github.com/jbweber/homelab/ddiagent/internal/config"
	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/directory/memdir"
	"github.com/jbweber/homelab/ddiagent/internal/directory/wapi"
	"github.com/jbweber/homelab/ddiagent/internal/ipalloc"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/metrics"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "ddiagent",
		Short:         "Mirror host-plane network events into a DDI directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the configuration file")

	load := func() (*config.Config, error) {
		v, err := config.NewViper(configFile)
		if err != nil {
			return nil, err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return nil, err
		}
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		logrus.SetLevel(level)
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the event API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(log.WithModule(cmd.Context(), "ddiagent"), cfg)
		},
	})

	var down int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if down > 0 {
				return rollback(cmd.Context(), cfg, down)
			}
			db, err := cfg.InitializeDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			log.G(cmd.Context()).WithField("db_path", cfg.DBPath).Info("database is up to date")
			return nil
		},
	}
	migrate.Flags().IntVar(&down, "down", 0, "revert this many of the most recent migrations instead of upgrading")
	root.AddCommand(migrate)

	return root
}

func rollback(ctx context.Context, cfg *config.Config, steps int) error {
	db, err := cfg.OpenDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := config.RollbackMigrations(ctx, db, steps)
	if err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.G(ctx).WithFields(logrus.Fields{"db_path": cfg.DBPath, "version": version}).Info("rolled back migrations")
	return nil
}

func newBackend(cfg *config.Config) (directory.Backend, error) {
	switch cfg.Backend {
	case config.BackendWAPI:
		return wapi.NewClient(wapi.Config{
			URL:      cfg.WAPI.URL,
			Version:  cfg.WAPI.Version,
			Username: cfg.WAPI.Username,
			Password: cfg.WAPI.Password,
			Timeout:  cfg.WAPI.Timeout,
		})
	default:
		return memdir.New()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, err := cfg.InitializeDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.Backend, err)
	}

	members := repository.NewMemberRepository(db)
	ports := repository.NewPortRepository(db)

	resCfg, err := cfg.Reservation()
	if err != nil {
		return err
	}
	reserver, err := reservation.New(resCfg, reservation.NewSQLStore(members, repository.NewMemberMappingRepository(db)))
	if err != nil {
		return err
	}

	allocCfg, err := cfg.Allocation()
	if err != nil {
		return err
	}
	strategy, err := ipalloc.New(allocCfg, backend)
	if err != nil {
		return err
	}

	var names compute.Resolver
	if cfg.Compute.URL != "" {
		names = compute.NewCachedResolver(
			compute.NewHTTPResolver(cfg.Compute.URL, cfg.Compute.Token, cfg.Compute.Timeout),
			cache.NewTTL[string, string](cfg.Compute.CacheTTL),
		)
	}

	orch := allocation.New(allocation.Deps{
		Backend:       backend,
		Reserver:      reserver,
		Strategy:      strategy,
		Names:         names,
		Networks:      repository.NewNetworkRepository(db),
		Subnets:       repository.NewSubnetRepository(db),
		Ports:         ports,
		NetworkScoped: cfg.NetworkScoped(),
	})

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	api.NewAPI(orch, members, ports, prometheus.DefaultGatherer).RegisterRoutes(r)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintln(w, "ddiagent is running"); err != nil {
			log.G(r.Context()).WithError(err).Warn("failed to write response")
		}
	})

	log.G(ctx).WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"backend":     cfg.Backend,
		"scope":       cfg.Scope,
	}).Info("starting ddiagent")
	return http.ListenAndServe(cfg.ListenAddr, r)
}
