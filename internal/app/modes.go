package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/babylonmarkets/exchange/internal/feed"
	"github.com/babylonmarkets/exchange/internal/notify"
	"github.com/babylonmarkets/exchange/internal/pipeline"
	"github.com/babylonmarkets/exchange/internal/server"
	"github.com/babylonmarkets/exchange/internal/server/handler"
	"github.com/babylonmarkets/exchange/internal/server/ws"
	"github.com/babylonmarkets/exchange/internal/service"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// services bundles the engine's service layer.
type services struct {
	ledger *service.LedgerService
	market *service.MarketService
	perp   *service.PerpService
	price  *service.PriceService
	query  *service.QueryService
}

// buildServices wires the service layer from the shared dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	eng := a.cfg.Engine
	pointsPerTrade := decimal.NewFromFloat(eng.PointsPerTrade)

	ledger := service.NewLedgerService(deps.AccountStore, deps.LockManager, deps.SignalBus, deps.Metrics, a.logger)

	market := service.NewMarketService(
		deps.MarketStore, deps.PositionStore, deps.TradeStore,
		ledger, deps.LockManager, deps.SignalBus, deps.Metrics, a.logger,
		service.MarketServiceConfig{
			PointsPerTrade: pointsPerTrade,
			LockWait:       eng.LockWait.Duration,
		},
	)

	perp := service.NewPerpService(
		deps.PerpStore, deps.TradeStore, deps.PriceCache,
		ledger, deps.LockManager, deps.SignalBus, deps.Metrics, a.logger,
		service.PerpServiceConfig{
			MaxLeverage:            decimal.NewFromFloat(eng.MaxLeverage),
			MaintenanceMarginRatio: decimal.NewFromFloat(eng.MaintenanceMarginRatio),
			PointsPerTrade:         pointsPerTrade,
			LockWait:               eng.LockWait.Duration,
		},
	)

	price := service.NewPriceService(deps.PriceCache, perp, deps.SignalBus, deps.Metrics, a.logger)

	query := service.NewQueryService(
		deps.AccountStore, deps.TransactionStore, deps.MarketStore,
		deps.PositionStore, deps.PerpStore, deps.TradeStore, deps.PriceCache,
		a.logger,
	)

	return &services{
		ledger: ledger,
		market: market,
		perp:   perp,
		price:  price,
		query:  query,
	}
}

// ServerMode runs the HTTP API, WebSocket hub, price feed, funding loop, and
// notification watcher.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// ArchiveMode runs only the ledger archiver.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the server and the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, a.buildServices(deps))
	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return err
		}
	}
	return g.Wait()
}

// startServer registers the HTTP server and its companion goroutines on g.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Market:   handler.NewMarketHandler(svcs.market, a.logger),
		Position: handler.NewPositionHandler(svcs.market, svcs.query, a.logger),
		Perp:     handler.NewPerpHandler(svcs.perp, a.logger),
		Account:  handler.NewAccountHandler(svcs.ledger, svcs.query, a.logger),
		Trade:    handler.NewTradeHandler(svcs.query, a.logger),
		Price:    handler.NewPriceHandler(svcs.price, a.logger),
		Hub:      hub,
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, deps.Registry, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.runFundingLoop(ctx, svcs.perp)
	})

	if a.cfg.Feed.Enabled && a.cfg.Feed.WsURL != "" {
		feeder := feed.NewFeeder(
			a.cfg.Feed.WsURL,
			a.cfg.Feed.Instruments,
			a.cfg.Feed.ReconnectDelay.Duration,
			svcs.price,
			a.logger,
		)
		g.Go(func() error {
			defer feeder.Close()
			return feeder.Run(ctx)
		})
	}
}

// startArchiver registers the ledger archiver loop on g. An initial pass
// runs immediately so a restart never waits a full interval to catch up.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.BlobWriter == nil {
		return fmt.Errorf("app: archive mode requires s3 blob storage (archive.enabled with s3 credentials)")
	}

	archiver := pipeline.NewArchiver(
		deps.TransactionStore,
		deps.BlobWriter,
		a.cfg.Archive.RetentionDays,
		a.cfg.Archive.BatchSize,
		deps.Metrics,
		a.logger,
	)

	g.Go(func() error {
		if err := archiver.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("initial archive run failed", slog.String("error", err.Error()))
		}
		return archiver.RunLoop(ctx, a.cfg.Archive.Interval.Duration)
	})
	return nil
}

// runFundingLoop settles funding on every interval until ctx is cancelled.
func (a *App) runFundingLoop(ctx context.Context, perp *service.PerpService) error {
	interval := a.cfg.Engine.FundingInterval.Duration
	if interval <= 0 {
		a.logger.Info("funding loop disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	rate := decimal.NewFromFloat(a.cfg.Engine.FundingRate)
	a.logger.Info("funding loop started",
		slog.Duration("interval", interval),
		slog.String("rate", rate.String()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := perp.SettleFunding(ctx, rate); err != nil && ctx.Err() == nil {
				a.logger.Error("funding settlement failed", slog.String("error", err.Error()))
			}
		}
	}
}
