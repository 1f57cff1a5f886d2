// Package main is the finedu client: a daemon that keeps the learner's
// progress in sync with the remote service, plus commands to inspect and
// operate on the offline queue, progress and cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finedu/finedu-sync/config"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// config key -> persistent flag
var flagBindings = map[string]string{
	"app.user_id":            "user",
	"remote.base_url":        "remote",
	"remote.token":           "token",
	"storage.backend":        "backend",
	"storage.data_dir":       "data-dir",
	"logging.level":          "log-level",
	"logging.format":         "log-format",
	"connectivity.save_data": "save-data",
}

// cli carries state shared by every subcommand.
type cli struct {
	configFile string
	output     string

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
		Use:           "finedu",
		Short:         "Offline-first progress sync for the FinEdu learning platform",
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
			if cfg.File != "" {
				c.log.Debug("configuration loaded", logger.String("file", cfg.File))
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default ./finedu.yaml if present)")
	pf.StringVarP(&c.output, "output", "o", "table", "output format: table, json or yaml")
	pf.String("user", "", "learner id sent to the remote")
	pf.String("remote", "", "remote service base URL")
	pf.String("token", "", "bearer token for the remote")
	pf.String("backend", "", "storage backend: sqlite, file, redis or memory")
	pf.String("data-dir", "", "directory for local storage")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "json or console")
	pf.Bool("save-data", false, "treat the connection as metered")

	root.AddCommand(
		c.runCmd(),
		c.queueCmd(),
		c.drainCmd(),
		c.progressCmd(),
		c.cacheCmd(),
		c.configCmd(),
	)
	return root
}

// withApp opens the client for a one-shot command.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *App) error) error {
	app, err := openApp(ctx, c.cfg, c.log, appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}
