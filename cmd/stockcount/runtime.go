package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hylla/stockcount/internal/adapters/catalog/httpcatalog"
	"github.com/hylla/stockcount/internal/adapters/metrics"
	"github.com/hylla/stockcount/internal/adapters/server/common"
	"github.com/hylla/stockcount/internal/adapters/storage/redisstore"
	"github.com/hylla/stockcount/internal/adapters/storage/sqlite"
	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/config"
	"github.com/hylla/stockcount/internal/platform"
)

// finalizeLockTTL bounds how long a crashed process can hold a finalize lock.
const finalizeLockTTL = 30 * time.Second

// rootOptions holds persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool

	stdout io.Writer
	stderr io.Writer
}

// runtimeEnv is the resolved configuration for one command run.
type runtimeEnv struct {
	layout platform.Layout
	cfg    config.Config
	logger *runtimeLogger
}

// defaultRootOptions seeds flag defaults from the environment.
func defaultRootOptions(stdout, stderr io.Writer) *rootOptions {
	appName, devMode := platform.EnvDefaults(os.Getenv, version == "dev")
	return &rootOptions{
		appName: appName,
		devMode: devMode,
		stdout:  stdout,
		stderr:  stderr,
	}
}

// resolveLayout resolves config and data paths from flags, environment, and OS defaults.
func (o *rootOptions) resolveLayout() (platform.Layout, error) {
	return platform.Detect(platform.Request{
		AppName:    o.appName,
		DevMode:    o.devMode,
		ConfigFlag: o.configPath,
		DBFlag:     o.dbPath,
	})
}

// loadRuntime resolves paths, loads config, and builds the runtime logger.
func loadRuntime(o *rootOptions, command string) (*runtimeEnv, error) {
	layout, err := o.resolveLayout()
	if err != nil {
		return nil, err
	}
	env := &runtimeEnv{layout: layout}

	cfg, err := config.Load(layout.ConfigPath, config.Default(layout.DBPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", layout.ConfigPath, err)
	}
	if layout.DBOverridden() {
		cfg.Database.Path = layout.DBPath
	}
	env.cfg = cfg

	logger, err := newRuntimeLogger(o.stderr, layout.AppName, layout.DevMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	env.logger = logger

	logger.Info("startup configuration resolved", "app", layout.AppName, "dev_mode", layout.DevMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", layout.ConfigPath, "config_source", layout.ConfigSource, "data_dir", layout.DataDir, "db_path", cfg.Database.Path, "db_source", layout.DBSource)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}
	return env, nil
}

// Close releases the runtime logger.
func (e *runtimeEnv) Close() error {
	if e == nil {
		return nil
	}
	return e.logger.Close()
}

// runtimeStack is the wired service graph for one process.
type runtimeStack struct {
	repo     *sqlite.Repository
	rdb      *redis.Client
	recorder *metrics.Recorder
	service  *app.Service
	adapter  *common.AppServiceAdapter
	logger   *runtimeLogger
}

// openStack opens stores and collaborators and builds the application service.
func openStack(ctx context.Context, env *runtimeEnv) (*runtimeStack, error) {
	cfg := env.cfg
	logger := env.logger

	ttl, err := cfg.ReservationTTL()
	if err != nil {
		return nil, err
	}
	lockWait, err := cfg.LockWait()
	if err != nil {
		return nil, err
	}
	historyLoc, err := cfg.HistoryLocation()
	if err != nil {
		return nil, err
	}

	dbLayout := env.layout
	dbLayout.DBPath = cfg.Database.Path
	if err := dbLayout.EnsureDBDir(); err != nil {
		return nil, err
	}
	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	stack := &runtimeStack{
		repo:     repo,
		recorder: metrics.NewRecorder(),
		logger:   logger,
	}
	logger.Info("sqlite repository ready", "db_path", cfg.Database.Path, "migrations", "ensured")

	stores := app.Stores{
		Catalog:      repo,
		Reservations: repo,
		Log:          repo,
		Pending:      repo,
		Products:     repo,
	}
	var locker app.Locker

	if cfg.Reservation.Backend == config.BackendRedis {
		logger.Info("connecting redis reservation backend", "address", cfg.Redis.Address, "db", cfg.Redis.DB)
		rdb, err := redisstore.Connect(ctx, redisstore.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			_ = stack.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stack.rdb = rdb
		stores.Reservations = redisstore.NewReservationStore(rdb, cfg.Redis.Prefix)
		locker = redisstore.NewLocker(rdb, cfg.Redis.Prefix, finalizeLockTTL, lockWait)
	}

	if strings.TrimSpace(cfg.Catalog.URL) != "" {
		timeout, err := cfg.CatalogTimeout()
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		client, err := httpcatalog.New(httpcatalog.Options{URL: cfg.Catalog.URL, Timeout: timeout})
		if err != nil {
			_ = stack.Close()
			return nil, fmt.Errorf("configure catalog client: %w", err)
		}
		stores.Catalog = client
		logger.Info("remote catalog configured", "url", cfg.Catalog.URL, "timeout", timeout, "cache", cfg.Catalog.Cache)
	}

	stack.service = app.NewService(stores, nil, nil, app.ServiceConfig{
		ReservationTTL:  ttl,
		CatalogCache:    cfg.Catalog.Cache,
		HistoryLocation: historyLoc,
		Logger:          logger.ServiceLogger(),
		Metrics:         stack.recorder,
		Locker:          locker,
	})
	stack.adapter = common.NewAppServiceAdapter(stack.service)
	logger.Debug("application service initialized", "reservation_ttl", ttl, "backend", cfg.Reservation.Backend, "history_tz", historyLoc)
	return stack, nil
}

// Ready pings every backing store.
func (s *runtimeStack) Ready(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases every opened store.
func (s *runtimeStack) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}
