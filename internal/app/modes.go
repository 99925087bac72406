package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otclabs/premarket/internal/server"
	"github.com/otclabs/premarket/internal/server/handler"
	"github.com/otclabs/premarket/internal/server/ws"
	"github.com/otclabs/premarket/internal/service"
)

// shutdownTimeout bounds graceful HTTP shutdown once the run context is
// cancelled.
const shutdownTimeout = 10 * time.Second

// services bundles the domain services and HTTP handlers built on top of the
// wired dependencies.
type services struct {
	markets *service.MarketService
	orders  *service.OrderService
	h       server.Handlers
}

// buildServices constructs the event sink, domain services, and HTTP handlers
// shared by all operating modes.
func (a *App) buildServices(deps *Dependencies) *services {
	sink := service.NewEventSink(deps.EventBus, deps.AuditStore, deps.Notifier, a.logger)

	markets := service.NewMarketService(
		a.cfg.Venue.OperatorAddress(),
		a.cfg.Venue.CustodyAddress(),
		deps.MarketStore,
		deps.OrderStore,
		deps.MarketCache,
		deps.LockManager,
		deps.Currency,
		deps.Tokens,
		sink,
		a.logger,
	)
	orders := service.NewOrderService(
		a.cfg.Venue.CustodyAddress(),
		a.cfg.Venue.PlatformAddress(),
		deps.MarketStore,
		deps.OrderStore,
		deps.MarketCache,
		deps.LockManager,
		deps.RateLimiter,
		deps.Currency,
		deps.Tokens,
		sink,
		a.logger,
	)

	return &services{
		markets: markets,
		orders:  orders,
		h: server.Handlers{
			Health:  handler.NewHealthHandler(a.logger),
			Markets: handler.NewMarketHandler(markets, a.logger),
			Orders:  handler.NewOrderHandler(orders, a.logger),
			Audit:   handler.NewAuditHandler(deps.AuditStore, a.logger),
		},
	}
}

// serve runs the HTTP API (and, when an event bus is available, the WebSocket
// hub) until the context is cancelled.
func (a *App) serve(ctx context.Context, deps *Dependencies, svcs *services) error {
	var hub *ws.Hub
	if deps.EventBus != nil {
		hub = ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		Limiter:       deps.RateLimiter,
		LimiterRate:   a.cfg.Server.RateLimitPerSecond,
		LimiterWindow: time.Second,
	}, svcs.h, hub, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// ServerMode runs the HTTP API against existing infrastructure.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in server mode")
	return a.serve(ctx, deps, a.buildServices(deps))
}

// FullMode runs the HTTP API plus the periodic cold-storage archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in full mode")
	svcs := a.buildServices(deps)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve(ctx, deps, svcs) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	} else {
		a.logger.WarnContext(ctx, "archiver not configured, skipping archive loop")
	}

	return g.Wait()
}

// DevMode runs the HTTP API against the in-memory backends wired for dev.
// There is no event bus, so the WebSocket feed is unavailable.
func (a *App) DevMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in dev mode with in-memory backends")
	return a.serve(ctx, deps, a.buildServices(deps))
}

// archiveLoop periodically exports terminal orders and old audit entries past
// the retention window to cold storage.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	logger := a.logger.With(slog.String("component", "archive_loop"))
	logger.InfoContext(ctx, "starting archive loop",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("archive loop stopped")
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

			orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
			if err != nil {
				logger.ErrorContext(ctx, "order archive failed", slog.String("error", err.Error()))
			}
			entries, err := deps.Archiver.ArchiveAuditLog(ctx, cutoff)
			if err != nil {
				logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
			}

			logger.InfoContext(ctx, "archive cycle complete",
				slog.Time("cutoff", cutoff),
				slog.Int64("orders", orders),
				slog.Int64("audit_entries", entries),
			)
		}
	}
}
