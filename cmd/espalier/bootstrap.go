package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/metrics"
	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/adapters/sqlite"
	"github.com/aretw0/espalier/pkg/adapters/wasm"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
)

// defaultSQLitePath is used when store.kind is sqlite and store.path is empty.
var defaultSQLitePath = filepath.Join(".espalier", "espalier.db")

// app is everything a command needs, wired from the config.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	host    *espalier.Host
	modules *wasm.ModuleCache
	metrics *metrics.Metrics
	closers []func() error
}

// newLoggerTo builds the configured logger. Logs never go to Stdout,
// which belongs to command output and the MCP stdio transport.
func newLoggerTo(w io.Writer, cfg config.Config) *slog.Logger {
	level, _ := cfg.Level()
	if cfg.LogFormat == "json" {
		return logging.NewJSONTo(w, level)
	}
	return logging.NewTo(w, level)
}

// newApp compiles the modules, opens the store and builds the host.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLoggerTo(os.Stderr, cfg)}
	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.logger.Debug("espalier ready", "modules", a.modules.Modules(), "store", cfg.Store.Kind)
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.modules, err = wasm.NewModuleCache(ctx,
		wasm.WithMemoryLimitPages(cfg.MemoryLimitPages),
		wasm.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return a.modules.Close(context.Background()) })
	if err := a.modules.LoadDirectory(ctx, cfg.ModulesDir); err != nil {
		return fmt.Errorf("load modules from %s: %w", cfg.ModulesDir, err)
	}

	store, locker, err := a.openStore()
	if err != nil {
		return err
	}

	hooks := []domain.LifecycleHooks{requestLogHooks(a.logger)}
	if cfg.Metrics {
		a.metrics = metrics.New()
		hooks = append(hooks, a.metrics.Hooks())
	}

	opts := []espalier.Option{
		espalier.WithStore(store),
		espalier.WithLogger(a.logger),
		espalier.WithLifecycleHooks(domain.ChainHooks(hooks...)),
		espalier.WithLockTTL(cfg.Lock.TTL),
	}
	if locker != nil {
		opts = append(opts, espalier.WithLocker(locker))
	}
	a.host, err = espalier.New(a.modules, opts...)
	return err
}

func (a *app) openStore() (ports.ProcessStore, ports.DistributedLocker, error) {
	cfg := a.cfg
	var (
		store  ports.ProcessStore
		client *redis.Store
	)
	redisOpts := func() []redis.Option {
		opts := []redis.Option{redis.WithTTL(cfg.Store.Redis.TTL)}
		if cfg.Store.Redis.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Store.Redis.Prefix))
		}
		return opts
	}

	switch cfg.Store.Kind {
	case config.StoreMemory:
		store = memory.NewStore()
	case config.StoreFile:
		store = file.New(cfg.Store.Path)
	case config.StoreSQLite:
		path := cfg.Store.Path
		if path == "" {
			path = defaultSQLitePath
		}
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		store = s
	case config.StoreRedis:
		client = redis.New(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB, redisOpts()...)
		a.closers = append(a.closers, client.Close)
		store = client
	default:
		return nil, nil, fmt.Errorf("%w: unknown store kind %q", config.ErrInvalid, cfg.Store.Kind)
	}

	key, fallback, err := cfg.EncryptionKeys()
	if err != nil {
		return nil, nil, err
	}
	if key != nil {
		store = middleware.Chain(store, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    key,
			FallbackKeys: fallback,
		}))
	}

	if !cfg.Lock.Redis {
		return store, nil, nil
	}
	if client == nil {
		client = redis.New(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		a.closers = append(a.closers, client.Close)
	}
	prefix := cfg.Store.Redis.Prefix
	if prefix == "" {
		prefix = redis.DefaultPrefix
	}
	return store, redis.NewLocker(client.Client(), prefix), nil
}

// Close releases the store and the module cache in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// requestLogHooks logs the end of every request and every sandbox fault.
func requestLogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRequestEnd: func(_ context.Context, e *domain.RequestEvent) {
			attrs := []any{
				"kind", e.Kind,
				"module", e.Module,
				"process_id", e.ProcessID,
				"outcome", e.Outcome,
				"duration", e.Duration,
				"operations", len(e.Operations),
			}
			if e.Err != nil {
				logger.Warn("request failed", append(attrs, "error", e.Err)...)
				return
			}
			logger.Info("request", attrs...)
		},
		OnSandboxFault: func(_ context.Context, e *domain.RequestEvent) {
			logger.Error("sandbox fault", "module", e.Module, "process_id", e.ProcessID, "error", e.Err)
		},
	}
}
