// Package main is finedu-remote, the reference implementation of the remote
// learning service the sync client talks to. It keeps the authoritative
// avatar per learner in PostgreSQL and acknowledges completions idempotently.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/finedu/finedu-sync/config"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/postgres"
	httpserver "github.com/finedu/finedu-sync/internal/interface/http"
	"github.com/finedu/finedu-sync/internal/interface/http/handlers"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// config key -> persistent flag
var flagBindings = map[string]string{
	"server.addr":    "addr",
	"database.url":   "database-url",
	"logging.level":  "log-level",
	"logging.format": "log-format",
}

type cli struct {
	configFile string

	cfg *config.Config
	log *logger.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "finedu-remote",
		Short:         "Reference remote service for FinEdu sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(
				config.WithFile(c.configFile),
				config.WithFlags(cmd.Flags(), flagBindings),
			)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = newLogger(cfg)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default ./finedu.yaml if present)")
	pf.String("addr", "", "listen address")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "json or console")

	root.AddCommand(c.serveCmd(), c.migrateCmd(), c.hashTokenCmd())
	return root
}

func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stderr
	opts.Level = logger.ParseLevel(cfg.Logging.Level)
	opts.Development = strings.EqualFold(cfg.Logging.Format, "console")
	opts.AddCaller = cfg.Logging.AddCaller
	return logger.New(opts).With(
		logger.String("app", "finedu-remote"),
		logger.String("env", string(cfg.App.Environment)),
	)
}

func postgresConfig(cfg *config.Config) postgres.Config {
	pc := postgres.DefaultConfig(cfg.Database.URL)
	pc.MaxConns = cfg.Database.MaxConns
	pc.MinConns = cfg.Database.MinConns
	pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pc.QueryTimeout = cfg.Database.QueryTimeout
	return pc
}

func serverConfig(cfg *config.Config) httpserver.Config {
	sc := httpserver.DefaultConfig()
	sc.Addr = cfg.Server.Addr
	sc.ReadTimeout = cfg.Server.ReadTimeout
	sc.WriteTimeout = cfg.Server.WriteTimeout
	return sc
}

func progressionRules(cfg *config.Config) progression.Rules {
	p := cfg.Progression
	return progression.Rules{
		LevelXPBase:       p.LevelXPBase,
		LevelXPMultiplier: p.LevelXPMultiplier,
		MaxHealth:         p.MaxHealth,
		HealthPerTask:     p.HealthPerTask,
		HealthLossPerDay:  p.HealthLossPerDay,
	}
}

func (c *cli) connect(ctx context.Context) (*postgres.Connection, error) {
	if c.cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (--database-url or FINEDU_DATABASE_URL)")
	}
	conn, err := postgres.NewConnection(ctx, postgresConfig(c.cfg))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVE
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the completion, avatar and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func (c *cli) serve(ctx context.Context, migrate bool) error {
	cfg, log := c.cfg, c.log

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if migrate {
		n, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", logger.Int("count", n))
	}

	auth, err := handlers.NewTokenAuth(cfg.Server.TokenHash)
	if err != nil {
		return err
	}
	if !auth.Enabled() {
		log.Warn("server.token_hash is empty; /api accepts unauthenticated requests")
	}

	health := handlers.NewCompositeHealthChecker("v1")
	health.AddCheck("database", handlers.NewDatabaseCheck(conn))

	srv := httpserver.NewServer(serverConfig(cfg), httpserver.Dependencies{
		Store:  postgres.NewAvatarRepository(conn, progressionRules(cfg)),
		Auth:   auth,
		Health: health,
		Logger: log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, cfg.App.ShutdownTimeout) })
	g.Go(func() error {
		reportPool(gctx, conn, log, time.Minute)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown completed")
	return nil
}

// reportPool logs pool usage until ctx is done.
func reportPool(ctx context.Context, conn *postgres.Connection, log *logger.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := conn.Stats()
			log.Debug("database pool",
				logger.Int("total", int(s.TotalConns)),
				logger.Int("idle", int(s.IdleConns)),
				logger.Int("acquired", int(s.AcquiredConns)))
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATE
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
					n, err := m.Migrate(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
					return m.Rollback(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator) error {
					migs, err := m.Status(ctx)
					if err != nil {
						return err
					}
					renderMigrations(cmd, migs)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) withMigrator(ctx context.Context, fn func(context.Context, *postgres.Migrator) error) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, postgres.NewMigrator(conn))
}

func renderMigrations(cmd *cobra.Command, migs []postgres.Migration) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
	for _, m := range migs {
		applied := "pending"
		if m.IsApplied {
			applied = m.AppliedAt.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{m.Version, m.Name, applied})
	}
	tw.Render()
}

// ══════════════════════════════════════════════════════════════════════════════
// HASH-TOKEN
// ══════════════════════════════════════════════════════════════════════════════

func (c *cli) hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to configure as server.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handlers.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
