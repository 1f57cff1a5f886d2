package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/finedu/finedu-sync/config"
	"github.com/finedu/finedu-sync/internal/application/eventhandler"
	"github.com/finedu/finedu-sync/internal/infrastructure/scheduler"
	"github.com/finedu/finedu-sync/internal/infrastructure/scheduler/jobs"
	"github.com/finedu/finedu-sync/pkg/logger"
)

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		Long: `Samples connectivity, drains the offline queue whenever the remote
becomes reachable, and runs the cache sweep and health decay jobs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDaemon(cmd.Context())
		},
	}
}

func (c *cli) runDaemon(ctx context.Context) error {
	cfg, log := c.cfg, c.log
	log.Info("starting finedu sync daemon",
		logger.UserID(cfg.App.UserID),
		logger.String("remote", cfg.Remote.BaseURL),
		logger.String("backend", cfg.Storage.Backend),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 1. WIRING
	// ─────────────────────────────────────────────────────────────────────────
	app, err := openApp(ctx, cfg, log, appOptions{async: true})
	if err != nil {
		return err
	}
	defer app.Close()
	userID := cfg.App.UserID

	// ─────────────────────────────────────────────────────────────────────────
	// 2. DRAIN ON RECONNECT
	// Subscribed before the monitor starts so the first online sample counts.
	// ─────────────────────────────────────────────────────────────────────────
	var restored *eventhandler.OnConnectivityRestoredHandler
	if app.Flags.IsEnabled(config.FeatureAutoDrain, userID) {
		restored = eventhandler.NewOnConnectivityRestoredHandler(app.Syncer, eventhandler.ConnectivityRestoredConfig{
			DeferOnLimitedData: cfg.Sync.DeferOnLimitedData,
			Settle:             cfg.Sync.Settle,
		}, log)
		if err := restored.Subscribe(app.Bus); err != nil {
			return fmt.Errorf("subscribe drain trigger: %w", err)
		}
	} else {
		log.Info("automatic drain disabled; use `finedu drain`")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = newScheduler(app)
		if err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. RUN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Monitor.Run(gctx) })
	if restored != nil {
		g.Go(func() error { return restored.Run(gctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	log.Info("daemon is running", logger.Duration("probe_interval", cfg.Connectivity.Interval))
	<-gctx.Done()
	log.Info("shutting down", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err = <-done:
	case <-time.After(cfg.App.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", cfg.App.ShutdownTimeout)
	}
	if err != nil {
		return err
	}

	if restored != nil {
		if summary, runs := restored.LastSummary(); runs > 0 {
			log.Info("last drain",
				logger.Int("runs", runs),
				logger.Int("succeeded", len(summary.SucceededIDs)),
				logger.Int("remaining", summary.Remaining))
		}
	}
	log.Info("shutdown completed")
	return nil
}

func newScheduler(app *App) (*scheduler.Scheduler, error) {
	cfg := app.Config
	sched := scheduler.New(scheduler.Config{
		Timezone:   cfg.Location(),
		Tick:       cfg.Scheduler.Tick,
		RunOnStart: cfg.Scheduler.RunOnStart,
	}, app.Log)

	sweepEvery, err := scheduler.ParseSchedule(cfg.Scheduler.CacheSweep)
	if err != nil {
		return nil, fmt.Errorf("scheduler.cache_sweep: %w", err)
	}
	if err := sched.Register(jobs.NewCacheSweepJob(app.Cache, app.Log), sweepEvery); err != nil {
		return nil, err
	}

	if app.Flags.IsEnabled(config.FeatureHealthDecay, cfg.App.UserID) {
		decayEvery, err := scheduler.ParseSchedule(cfg.Scheduler.HealthDecay)
		if err != nil {
			return nil, fmt.Errorf("scheduler.health_decay: %w", err)
		}
		job := jobs.NewHealthDecayJob(app.Progress, app.Engine, app.RecordActivity, app.Bus, app.Log)
		if err := sched.Register(job, decayEvery); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
