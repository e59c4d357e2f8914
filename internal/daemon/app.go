package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/switchyard/internal/audit"
	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/kv"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/pricing"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/proxy"
	"github.com/allaspectsdev/switchyard/internal/router"
	"github.com/allaspectsdev/switchyard/internal/store"
	"github.com/allaspectsdev/switchyard/internal/tokenizer"
	"github.com/allaspectsdev/switchyard/internal/tracing"
	"github.com/allaspectsdev/switchyard/internal/vault"
	"github.com/allaspectsdev/switchyard/internal/version"
)

// DatabaseFilename is the SQLite file under the data directory.
const DatabaseFilename = "switchyard.db"

// shutdownTimeout bounds graceful shutdown of the listeners.
const shutdownTimeout = 30 * time.Second

// App is a fully wired gateway: the request log, the health store, the
// provider registry, the failover loop, and the two HTTP listeners.
type App struct {
	cfg    atomic.Pointer[config.Config]
	logger zerolog.Logger

	store      *store.Store
	memory     *kv.Memory
	health     *health.Store
	registry   *provider.Registry
	prices     *pricing.Static
	keys       *vault.Vault
	transport  http.RoundTripper
	dispatcher *audit.Dispatcher
	postgres   *audit.PostgresSink
	telemetry  *metrics.Provider
	collector  *metrics.Collector
	gateway    *gateway.Gateway
	server     *proxy.Server
	admin      *metrics.AdminServer

	stopTracing func(context.Context) error
}

// New builds every component from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{
		logger:    logger,
		keys:      vault.New(),
		transport: proxy.NewTransport(),
		collector: metrics.NewCollector(),
	}
	a.cfg.Store(cfg)
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.stopTracing, err = tracing.Init(ctx, cfg.Tracing, version.Version); err != nil {
		return nil, err
	}
	if a.telemetry, err = metrics.InitProvider(ctx, "switchyard", version.Version); err != nil {
		return nil, fmt.Errorf("initialising metrics: %w", err)
	}

	dbPath := filepath.Join(cfg.Server.DataDir, DatabaseFilename)
	if a.store, err = store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	logger.Info().Str("db_path", dbPath).Msg("store opened")

	backing, err := a.openKV(cfg)
	if err != nil {
		return nil, err
	}

	recorder, err := a.openAudit(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.health = health.NewStore(backing, logger,
		health.WithConfigSource(func() health.Config { return health.FromConfig(a.config().Health) }),
		health.WithRecorder(recorder),
		health.WithTransitionHook(a.onTransition),
	)

	a.registry = provider.NewRegistry(cfg)
	a.registerExecutors(cfg)

	if a.prices, err = pricing.NewStatic(pricing.FromConfig(cfg.Pricing), logger); err != nil {
		return nil, err
	}

	rt := router.New(a.health, logger,
		router.WithPricing(a.prices),
		router.WithAliases(a.registry.Aliases),
	)
	a.gateway = gateway.New(a.registry, rt, a.health, logger,
		gateway.WithPricing(a.prices),
		gateway.WithTokenCounter(tokenizer.New()),
		gateway.WithMaxTries(func() int { return a.config().Routing.MaxTries }),
		gateway.WithDefaultMode(func() string { return a.config().Routing.DefaultMode }),
		gateway.WithMetrics(a.telemetry.Metrics),
		gateway.WithCollector(a.collector),
	)

	handler := proxy.NewHandler(a.gateway, a.registry, logger,
		proxy.WithStore(a.store),
		proxy.WithTokenCounter(tokenizer.New()),
		proxy.WithMaxBodySize(cfg.Server.MaxBodySize),
	)
	a.server = proxy.NewServer(handler, proxy.ServerOptions{
		Addr:         net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.Port)),
		ReadTimeout:  seconds(cfg.Server.ReadTimeout),
		WriteTimeout: seconds(cfg.Server.WriteTimeout),
		IdleTimeout:  seconds(cfg.Server.IdleTimeout),
		Tracing:      cfg.Tracing.Enabled,
		Metrics:      a.telemetry.Metrics,
		AuthToken:    cfg.Server.AuthToken,
	})

	if cfg.Admin.Enabled {
		a.admin = metrics.NewAdminServer(net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Admin.Port)), metrics.AdminDeps{
			Collector:      a.collector,
			Store:          a.store,
			Health:         a.health,
			Pool:           a.registry,
			MetricsHandler: a.telemetry.Handler,
			AllowedOrigins: cfg.Admin.AllowedOrigins,
			Logger:         logger,
		})
	}

	logger.Info().
		Int("providers", len(cfg.Providers)).
		Int("models", len(a.registry.Models())).
		Int("price_cards", len(cfg.Pricing)).
		Str("kv", cfg.KV.Backend).
		Bool("audit", cfg.Audit.Enabled).
		Msg("gateway initialised")
	return a, nil
}

func (a *App) config() *config.Config {
	return a.cfg.Load()
}

func (a *App) openKV(cfg *config.Config) (kv.Store, error) {
	if cfg.KV.Backend == "sqlite" {
		return store.NewKVAdapter(a.store, time.Now), nil
	}
	mem, err := kv.NewMemory(cfg.KV.MaxEntries, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating kv store: %w", err)
	}
	a.memory = mem
	return mem, nil
}

func (a *App) openAudit(ctx context.Context, cfg *config.Config) (audit.Recorder, error) {
	if !cfg.Audit.Enabled {
		return audit.Discard, nil
	}
	var sink audit.Sink
	switch cfg.Audit.Driver {
	case "postgres":
		pg, err := audit.NewPostgresSink(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		a.postgres = pg
		sink = pg
	default:
		sink = store.NewBreakerSink(a.store)
	}
	a.dispatcher = audit.NewDispatcher(a.logger, cfg.Audit.MaxConcurrent, sink)
	a.logger.Info().Str("sink", sink.Name()).Msg("breaker audit enabled")
	return a.dispatcher, nil
}

// registerExecutors installs an HTTP executor for every enabled provider.
// Registering again replaces the executor, picking up new settings.
func (a *App) registerExecutors(cfg *config.Config) {
	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		a.registry.Register(id, proxy.NewHTTPExecutor(id, p, a.keys, a.transport))
	}
}

func (a *App) onTransition(tr health.Transition) {
	a.telemetry.Metrics.RecordBreakerTransition(context.Background(), tr.Provider, tr.Model, string(tr.To), tr.Reason)
}

// Reload applies a new configuration to the parts built once at startup.
// Health tunables, try budget, and default mode are read per request.
func (a *App) Reload(cfg *config.Config) {
	a.cfg.Store(cfg)
	a.registry.Reload(cfg)
	a.registerExecutors(cfg)
	a.prices.Replace(pricing.FromConfig(cfg.Pricing))
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))
	a.logger.Info().
		Int("models", len(a.registry.Models())).
		Int("price_cards", len(cfg.Pricing)).
		Msg("configuration applied")
}

// Handler returns the gateway's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Router()
}

// Run starts the listeners and background jobs and blocks until ctx is
// cancelled or a listener fails, then shuts the listeners down.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Int("port", cfg.Server.Port).Bool("tls", cfg.Server.TLSEnabled).Msg("gateway listening")
		if cfg.Server.TLSEnabled {
			return a.server.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		}
		return a.server.Start()
	})
	if a.admin != nil {
		g.Go(func() error {
			a.logger.Info().Int("port", cfg.Admin.Port).Msg("admin API listening")
			if err := a.admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.runPruner(gctx)
		return nil
	})
	if a.memory != nil {
		g.Go(func() error {
			<-a.memory.StartPurger(gctx, seconds(cfg.KV.PurgeIntervalSecs))
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info().Msg("shutting down listeners")
		var errs []error
		if a.admin != nil {
			errs = append(errs, a.admin.Shutdown(shutdownCtx))
		}
		errs = append(errs, a.server.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runPruner deletes old request-log and expired kv rows until ctx ends.
func (a *App) runPruner(ctx context.Context) {
	interval := time.Duration(a.config().Metrics.PruneIntervalMins) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune(ctx)
		}
	}
}

func (a *App) prune(ctx context.Context) {
	days := a.config().Metrics.RetentionDays
	n, err := a.store.Prune(ctx, days)
	if err != nil {
		a.logger.Error().Err(err).Msg("pruning failed")
		return
	}
	if n > 0 {
		a.logger.Info().Int64("rows", n).Int("retention_days", days).Msg("pruned old data")
	}
}

// Close releases everything New opened. It is safe on a partially built
// App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close(ctx))
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.stopTracing != nil {
		errs = append(errs, a.stopTracing(ctx))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
