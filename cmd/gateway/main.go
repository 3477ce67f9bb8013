// Command gateway launches the market data and order reconciliation gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/sng-aditya/AvanceAI-sub000/internal/app/brokerclient"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/marketstate"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/orders"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/scheduler"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/bus/eventbus"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/config"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/lookup"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/memory"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/migrations"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/postgres"
	httpserver "github.com/sng-aditya/AvanceAI-sub000/internal/infra/server/http"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/telemetry"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const (
	defaultConfigPath          = "config/app.yaml"
	migrateLoggerPrefix        = "gateway-migrate "
	shutdownTimeout            = 30 * time.Second
	apiServerShutdownTimeout   = 5 * time.Second
	feedShutdownTimeout        = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	dataBusShutdownTimeout     = 2 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	apiServerReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := observability.NewZapLogger(observability.ZapConfig{
		Level:       appCfg.Logging.Level,
		Environment: string(appCfg.Environment),
	})
	if err != nil {
		log.Fatalf("initialise logger: %v", err)
	}
	logger := zapLogger.Named("gateway")
	observability.SetLogger(logger)
	defer func() { _ = zapLogger.Sync() }()

	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("broker_credentials", appCfg.Broker.HasCredentials()),
		observability.F("database", appCfg.Database.DSN != ""))

	telemetry.SetEnvironment(string(appCfg.Environment))
	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryConfig(appCfg))
	if err != nil {
		logger.Error("initialise telemetry", observability.Err(err))
		os.Exit(1)
	}

	store, closeStore, err := openOrderStore(ctx, appCfg.Database, logger)
	if err != nil {
		logger.Error("initialise order store", observability.Err(err))
		os.Exit(1)
	}

	var instruments *lookup.Table
	var symbols marketstate.SymbolResolver
	var resolver orders.InstrumentResolver
	if appCfg.Lookup.Path != "" {
		instruments, err = lookup.Load(appCfg.Lookup.Path, logger.Named("lookup"))
		if err != nil {
			logger.Error("load instrument master", observability.Err(err))
			os.Exit(1)
		}
		symbols, resolver = instruments, instruments
	} else {
		logger.Warn("instrument master not configured; symbols resolve to instrument keys only")
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
	}, logger.Named("eventbus"))

	state := marketstate.New(marketstate.WithLogger(logger.Named("marketstate")))
	sched := scheduler.New(scheduler.Config{
		Intervals: schedulerIntervals(appCfg.Scheduler),
		Logger:    logger.Named("scheduler"),
	})

	credentials := dhan.Credentials{ClientID: appCfg.Broker.ClientID, AccessToken: appCfg.Broker.AccessToken}
	rest := dhan.NewClient(dhan.RESTOptions{
		BaseURL:     appCfg.Broker.BaseURL,
		Credentials: credentials,
		HTTPTimeout: appCfg.Broker.HTTPTimeout,
		Logger:      logger.Named("dhan.rest"),
	})
	feed := dhan.NewFeed(dhan.FeedOptions{
		URL:            appCfg.Broker.FeedURL,
		Credentials:    credentials,
		ReconnectDelay: appCfg.Feed.ReconnectDelay,
		MaxReconnects:  appCfg.Feed.MaxReconnects,
		PingInterval:   appCfg.Feed.PingInterval,
		ReadLimit:      appCfg.Feed.ReadLimit,
		RequestCodes:   requestCodes(appCfg.Feed.RequestCodes),
		Defaults:       feedSubscriptions(appCfg.Feed),
		Sink:           state,
		Publisher:      bus,
		Logger:         logger.Named("dhan.feed"),
	})

	broker := brokerclient.New(brokerclient.Config{
		OptionChainTTL:         appCfg.Cache.OptionChainTTL,
		ExpiryTTL:              appCfg.Cache.ExpiryTTL,
		OptionChainMinInterval: appCfg.Cache.OptionChainMinInterval,
		StaleFactor:            appCfg.Cache.StaleFactor,
		SnapshotKeys:           appCfg.Feed.Keys(),
		Symbols:                symbols,
		Logger:                 logger.Named("brokerclient"),
	}, rest, feed, state, sched)

	orderService := orders.NewService(orders.Config{
		SyncCooldown:   appCfg.Orders.SyncCooldown,
		ResyncInterval: appCfg.Orders.ResyncInterval,
		Logger:         logger.Named("orders"),
	}, store, broker, resolver)

	var lifecycle conc.WaitGroup

	sweepers := append(broker.Sweepers(), orderService.Sweeper())
	lifecycle.Go(func() {
		marketstate.RunMaintenance(ctx, appCfg.Cache.SweepInterval, logger.Named("maintenance"), sweepers...)
	})
	if err := watchFeedState(ctx, &lifecycle, bus, logger.Named("feed.state")); err != nil {
		logger.Warn("feed state watcher not started", observability.Err(err))
	}

	if appCfg.Feed.AutoConnect {
		if err := feed.Connect(ctx); err != nil {
			logger.Warn("feed auto connect skipped", observability.Err(err))
		}
	}

	deps := httpserver.Deps{
		Environment: appCfg.Environment,
		Market:      broker,
		Orders:      orderService,
		Feed:        feed,
		Logger:      logger.Named("http"),
	}
	if instruments != nil {
		deps.Lookup = instruments
	}
	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: apiServerReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", observability.Err(err))
			cancel()
		}
	})
	logger.Info("api server listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		serverWait: appCfg.APIServer.ShutdownTimeout,
		feed:       feed,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		scheduler:  sched,
		dataBus:    bus,
		closeStore: closeStore,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed",
		observability.Duration("elapsed", time.Since(shutdownStart)),
		observability.F("clean", shutdownErr == nil))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	return telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	}
}

// openOrderStore selects Postgres when a DSN is configured and the in-memory
// store otherwise. The returned close func is never nil.
func openOrderStore(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (orderstore.Store, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("database dsn not configured; orders are kept in memory")
		return memory.NewOrderStore(), func() {}, nil
	}
	if cfg.RunMigrations {
		migrateLogger := log.New(os.Stdout, migrateLoggerPrefix, log.LstdFlags)
		if err := migrations.Apply(ctx, cfg.DSN, "", migrateLogger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := persistence.Open(ctx, cfg.DSN, persistence.PoolConfig{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	postgres.ObservePoolMetrics(pool, "orders")
	store := postgres.New(pool)
	return store.Orders(), store.Close, nil
}

func schedulerIntervals(cfg config.SchedulerConfig) map[scheduler.Category]time.Duration {
	intervals := scheduler.DefaultIntervals()
	for name, interval := range cfg.Intervals {
		intervals[scheduler.Category(name)] = interval
	}
	return intervals
}

func requestCodes(cfg config.RequestCodesConfig) dhan.RequestCodes {
	return dhan.RequestCodes{
		Ticker:     cfg.Ticker,
		Quote:      cfg.Quote,
		Full:       cfg.Full,
		Disconnect: cfg.Disconnect,
	}
}

func feedSubscriptions(cfg config.FeedConfig) []dhan.Subscription {
	subs := make([]dhan.Subscription, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		key, err := schema.ParseInstrumentKey(inst.Key)
		if err != nil {
			continue
		}
		subs = append(subs, dhan.Subscription{Key: key, Mode: feedMode(inst.Mode)})
	}
	return subs
}

func feedMode(mode string) dhan.FeedMode {
	switch mode {
	case "quote":
		return dhan.FeedModeQuote
	case "full":
		return dhan.FeedModeFull
	default:
		return dhan.FeedModeTicker
	}
}

// watchFeedState logs feed lifecycle transitions from the bus, escalating
// terminal failures.
func watchFeedState(ctx context.Context, lifecycle *conc.WaitGroup, bus eventbus.Bus, logger observability.Logger) error {
	id, events, err := bus.Subscribe(ctx, schema.EventTypeFeedState)
	if err != nil {
		return err
	}
	lifecycle.Go(func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				logFeedState(logger, evt)
			}
		}
	})
	return nil
}

func logFeedState(logger observability.Logger, evt schema.Event) {
	payload, ok := evt.Payload.(schema.FeedStatePayload)
	if !ok {
		return
	}
	fields := []observability.Field{
		observability.F("state", string(payload.State)),
		observability.F("attempt", payload.Attempt),
		observability.F("reason", payload.Reason),
	}
	if payload.Terminal {
		logger.Error("feed reconnect attempts exhausted", fields...)
		return
	}
	logger.Info("feed state changed", fields...)
}

type closer interface{ Close() }

type gracefulShutdownConfig struct {
	server     *http.Server
	serverWait time.Duration
	feed       interface{ Disconnect(context.Context) error }
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	scheduler  closer
	dataBus    closer
	closeStore func()
	telemetry  *telemetry.Provider
}

// performGracefulShutdown runs every step even when earlier ones fail and
// returns the failures joined.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}
	closeWithin := func(c closer) func(context.Context) error {
		return func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				c.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		}
	}

	if cfg.server != nil {
		wait := cfg.serverWait
		if wait <= 0 {
			wait = apiServerShutdownTimeout
		}
		shutdownStep("stopping api server", wait, cfg.server.Shutdown)
	}
	if cfg.feed != nil {
		shutdownStep("disconnecting feed", feedShutdownTimeout, cfg.feed.Disconnect)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.scheduler != nil {
		shutdownStep("closing request scheduler", dataBusShutdownTimeout, closeWithin(cfg.scheduler))
	}
	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, closeWithin(cfg.dataBus))
	}
	if cfg.closeStore != nil {
		cfg.closeStore()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
	return observability.AggregateErrors(logger, "shutdown", failures)
}
