package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whoiscaerus/signalrelay/internal/auth"
	"github.com/whoiscaerus/signalrelay/internal/crypto"
	"github.com/whoiscaerus/signalrelay/internal/feed"
	"github.com/whoiscaerus/signalrelay/internal/server"
	"github.com/whoiscaerus/signalrelay/internal/server/handler"
	"github.com/whoiscaerus/signalrelay/internal/service"
)

// shutdownGrace is how long in-flight HTTP requests get to finish after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// relayServices holds the service layer shared by the operating modes.
type relayServices struct {
	keys     *crypto.KeyManager
	auth     *auth.Authenticator
	devices  *service.DeviceService
	signals  *service.SignalService
	exchange *service.ExchangeService
	commands *service.CommandService
}

// buildServices constructs the crypto, auth, and service layer from wired
// dependencies. The broker feed is passed in because its lifecycle differs
// per mode: serve reads cached ticks only, monitor and full also run the
// websocket pump.
func (a *App) buildServices(deps *Dependencies, priceFeed *feed.BrokerFeed) *relayServices {
	keys := crypto.NewKeyManager(
		[]byte(a.cfg.Keys.MasterSecret),
		deps.DeviceKeyStore,
		deps.LockManager,
		a.cfg.Keys.Lifetime.Duration,
		a.logger,
	)
	authenticator := auth.New(
		deps.DeviceStore,
		deps.NonceStore,
		a.cfg.Auth.Window.Duration,
		a.cfg.Auth.Skew.Duration,
		a.logger,
	)

	pollEvery := time.Duration(a.cfg.Auth.PollIntervalSec) * time.Second

	return &relayServices{
		keys:    keys,
		auth:    authenticator,
		devices: service.NewDeviceService(deps.DeviceStore, keys, deps.EventBus, a.logger),
		signals: service.NewSignalService(deps.SignalStore, keys, deps.EventBus, a.logger),
		exchange: service.NewExchangeService(
			deps.SignalStore, deps.ExecutionStore, deps.PositionStore,
			keys, deps.EventBus, deps.Notifier, pollEvery, a.logger,
		),
		commands: service.NewCommandService(
			deps.CommandStore, deps.PositionStore, deps.ExecutionStore,
			priceFeed, deps.LockManager, deps.EventBus, deps.Notifier, a.logger,
		),
	}
}

// newPriceFeed constructs the broker feed over the shared price cache.
func (a *App) newPriceFeed(deps *Dependencies) *feed.BrokerFeed {
	breaker := feed.NewCircuitBreaker(5, 2, 30*time.Second)
	return feed.NewBrokerFeed(
		a.cfg.Broker.WsURL,
		a.cfg.Broker.Instruments,
		deps.PriceCache,
		breaker,
		a.logger,
	)
}

// ServeMode runs the HTTP API only. Quotes are read from the shared price
// cache, so a monitor-mode process (or a full-mode one) must be running
// elsewhere for manual closes to price against live ticks.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps, a.newPriceFeed(deps))
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs the broker feed and the position monitor without the HTTP
// API. Use it to split breach watching from request serving across processes.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	priceFeed := a.newPriceFeed(deps)
	g.Go(func() error {
		return priceFeed.Run(ctx)
	})

	a.startMonitor(ctx, g, deps, priceFeed)

	return g.Wait()
}

// FullMode runs everything in one process: broker feed, position monitor,
// HTTP API, and the ledger archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	priceFeed := a.newPriceFeed(deps)
	g.Go(func() error {
		return priceFeed.Run(ctx)
	})

	a.startMonitor(ctx, g, deps, priceFeed)

	svcs := a.buildServices(deps, priceFeed)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// startMonitor launches the position monitor loop.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies, priceFeed *feed.BrokerFeed) {
	mon := service.NewMonitor(
		deps.PositionStore,
		deps.CommandStore,
		priceFeed,
		deps.LockManager,
		deps.EventBus,
		deps.Notifier,
		service.MonitorConfig{
			Interval:       a.cfg.Monitor.Interval.Duration,
			CommandTimeout: a.cfg.Monitor.CommandTimeout.Duration,
			SweepInterval:  a.cfg.Monitor.SweepInterval.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		return mon.Run(ctx)
	})
}

// startArchiver launches the ledger archiver when enabled in configuration.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}
	arch := service.NewLedgerArchiver(
		deps.ExecutionStore,
		deps.PositionStore,
		deps.BlobWriter,
		service.ArchiverConfig{
			Interval:  a.cfg.Archive.Interval.Duration,
			Retention: a.cfg.Archive.Retention.Duration,
			Batch:     a.cfg.Archive.BatchSize,
		},
		a.logger,
	)
	g.Go(func() error {
		return arch.Run(ctx)
	})
}

// pingFunc adapts a bare health function to the handler.Pinger interface.
type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// startHTTPServer builds the route table and runs the server until the
// context is cancelled, then drains in-flight requests.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *relayServices) {
	pingers := map[string]handler.Pinger{
		"postgres": deps.PG,
		"redis":    deps.Redis,
	}
	if deps.S3 != nil {
		pingers["s3"] = pingFunc(deps.S3.Health)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(pingers, a.logger),
		Client: handler.NewClientHandler(svcs.exchange, svcs.commands, a.logger),
		Admin:  handler.NewAdminHandler(svcs.devices, svcs.signals, svcs.commands, deps.PositionStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		OperatorToken: a.cfg.Auth.OperatorToken,
		RateLimit:     a.cfg.Auth.RateLimit,
		RateWindow:    a.cfg.Auth.RateWindow.Duration,
	}, handlers, svcs.auth, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
