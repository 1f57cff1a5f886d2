package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/finedu/finedu-sync/config"
	"github.com/finedu/finedu-sync/internal/application/command"
	"github.com/finedu/finedu-sync/internal/application/query"
	"github.com/finedu/finedu-sync/internal/application/syncer"
	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/infrastructure/connectivity"
	"github.com/finedu/finedu-sync/internal/infrastructure/external/remote"
	"github.com/finedu/finedu-sync/internal/infrastructure/messaging"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/cache"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/kvstore"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/local"
	"github.com/finedu/finedu-sync/internal/infrastructure/service"
	"github.com/finedu/finedu-sync/pkg/logger"
	"github.com/finedu/finedu-sync/pkg/timeutil"
)

// App holds every wired component of the client. Commands open one, use the
// parts they need and close it.
type App struct {
	Config *config.Config
	Flags  *config.FeatureFlags
	Log    *logger.Logger

	Bus      *messaging.InMemoryEventBus
	Store    kvstore.Store
	Queue    *local.Queue
	Progress *local.ProgressRepository
	State    *local.SyncState
	Cache    *cache.Store

	Client  *remote.Client
	Gateway *service.RemoteGateway
	Monitor *connectivity.Monitor

	Rules    progression.Rules
	Engine   *progression.Engine
	Syncer   *syncer.Engine
	Notifier *service.Notifier

	RecordActivity *command.RecordActivityHandler
	SyncProgress   *command.SyncProgressHandler
	GetProgress    *query.GetProgressHandler
	QueueStatus    *query.GetQueueStatusHandler

	closers []func()
}

type appOptions struct {
	// async runs bus handlers on the worker pool; one-shot commands keep
	// them inline so notices are logged before exit.
	async bool
}

func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stderr
	opts.Level = logger.ParseLevel(cfg.Logging.Level)
	opts.Development = strings.EqualFold(cfg.Logging.Format, "console")
	opts.AddCaller = cfg.Logging.AddCaller
	return logger.New(opts).With(
		logger.String("app", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}

// openApp wires the client. The caller must Close the result.
func openApp(ctx context.Context, cfg *config.Config, log *logger.Logger, opts appOptions) (_ *App, err error) {
	a := &App{
		Config: cfg,
		Flags:  config.NewFeatureFlags(cfg.Features),
		Log:    log,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	userID := cfg.App.UserID

	// ─────────────────────────────────────────────────────────────────────────
	// 1. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.AsyncMode = opts.async
	a.Bus = messaging.NewInMemoryEventBus(busCfg, log)
	a.closers = append(a.closers, func() { _ = a.Bus.Close() })

	if a.Flags.IsEnabled(config.FeatureNotifications, userID) {
		a.Notifier = service.NewNotifier(log, 0)
		if err := a.Notifier.Subscribe(a.Bus); err != nil {
			return nil, fmt.Errorf("subscribe notifier: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOCAL STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Storage.Backend != kvstore.BackendMemory && cfg.Storage.Backend != kvstore.BackendRedis {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	a.Store, err = kvstore.Open(ctx, kvOptions(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.Store.Close(); err != nil {
			log.Warn("close storage", logger.Err(err))
		}
	})

	a.Queue, err = local.NewQueue(ctx, a.Store,
		local.QueueConfig{Key: local.KeyOfflineData, MaxSize: cfg.Sync.MaxQueueSize},
		log, local.WithQueueEvents(a.Bus))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.closers = append(a.closers, a.Queue.Close)

	a.Rules = progressionRules(cfg)
	a.Progress = local.NewProgressRepository(a.Store, a.Rules, log)
	a.State = local.NewSyncState(a.Store)

	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	cacheCfg.NoBackgroundRefresh = !a.Flags.IsEnabled(config.FeatureBackgroundRefresh, userID)
	a.Cache = cache.New(a.Store, cacheCfg, log)
	a.closers = append(a.closers, a.Cache.Close)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REMOTE AND CONNECTIVITY
	// ─────────────────────────────────────────────────────────────────────────
	a.Client = remote.NewClient(remoteClientConfig(cfg), log)
	a.Gateway = service.NewRemoteGateway(a.Client, a.Rules)

	probe := connectivity.NewProbeSource(connectivity.ProbeConfig{
		URL:      cfg.ProbeURL(),
		Timeout:  cfg.Connectivity.SampleTimeout,
		SaveData: cfg.Connectivity.SaveData,
	})
	a.Monitor = connectivity.NewMonitor(probe, connectivity.Config{
		Interval:      cfg.Connectivity.Interval,
		SampleTimeout: cfg.Connectivity.SampleTimeout,
	}, a.Bus, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. DOMAIN AND SYNC
	// ─────────────────────────────────────────────────────────────────────────
	a.Engine = progression.NewEngine(a.Rules, timeutil.NewCalendar(cfg.Location()))

	a.Syncer = syncer.NewEngine(a.Queue, a.Monitor,
		syncer.Config{MaxRetries: cfg.Sync.MaxRetries, CallTimeout: cfg.Sync.CallTimeout},
		log,
		syncer.WithProgress(a.Progress, a.Rules),
		syncer.WithSyncState(a.State),
		syncer.WithEvents(a.Bus),
	)
	a.Syncer.RegisterDefaults(a.Gateway)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. COMMANDS AND QUERIES
	// ─────────────────────────────────────────────────────────────────────────
	var pusher command.Pusher
	if a.Flags.IsEnabled(config.FeatureDirectPush, userID) {
		pusher = a.Gateway
	}
	a.RecordActivity = command.NewRecordActivityHandler(
		a.Progress, a.Engine, a.Queue, a.Monitor, pusher, a.Bus,
		command.RecordActivityHandlerConfig{PushTimeout: cfg.Sync.PushTimeout}, log)

	a.SyncProgress = command.NewSyncProgressHandler(
		a.Syncer, a.Gateway, a.State, a.Progress, a.Rules, a.Bus,
		command.SyncProgressHandlerConfig{MinSyncInterval: cfg.Sync.MinSyncInterval}, log)

	a.GetProgress = query.NewGetProgressHandler(a.Progress, a.Rules, a.State)
	a.QueueStatus = query.NewGetQueueStatusHandler(a.Queue, cfg.Sync.MaxQueueSize, a.State)

	return a, nil
}

// Close releases components in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func kvOptions(cfg *config.Config) kvstore.Options {
	r := kvstore.DefaultRedisConfig()
	r.Host = cfg.Redis.Host
	r.Port = cfg.Redis.Port
	r.Password = cfg.Redis.Password
	r.DB = cfg.Redis.DB
	r.Namespace = cfg.Redis.Namespace
	r.PoolSize = cfg.Redis.PoolSize
	r.DialTimeout = cfg.Redis.DialTimeout
	r.ReadTimeout = cfg.Redis.ReadTimeout
	r.WriteTimeout = cfg.Redis.WriteTimeout

	return kvstore.Options{
		Backend:      cfg.Storage.Backend,
		DataDir:      cfg.Storage.DataDir,
		PollInterval: cfg.Storage.PollInterval,
		Redis:        r,
	}
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

func cacheConfig(cfg *config.Config) (cache.Config, error) {
	strategy, err := cache.ParseStrategy(cfg.Cache.Strategy)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		DefaultMaxAge:  cfg.Cache.DefaultMaxAge,
		StaleRatio:     cfg.Cache.StaleRatio,
		Strategy:       strategy,
		RefreshTimeout: cfg.Cache.RefreshTimeout,
	}, nil
}

func remoteClientConfig(cfg *config.Config) remote.ClientConfig {
	rc := remote.DefaultClientConfig(cfg.Remote.BaseURL)
	rc.Token = cfg.Remote.Token
	rc.UserID = cfg.App.UserID
	rc.CallTimeout = cfg.Remote.CallTimeout
	rc.Attempts = cfg.Remote.Attempts
	rc.RateLimiter.RequestsPerSecond = cfg.Remote.RequestsPerSecond
	rc.RateLimiter.BurstSize = cfg.Remote.Burst
	rc.RateLimiter.WaitTimeout = cfg.Remote.RateLimitWait
	rc.Debug = cfg.Remote.Debug
	return rc
}
