// Package server wires the exchange's HTTP API: REST endpoints for trading
// and queries, a WebSocket stream of engine events, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/server/handler"
	"github.com/babylonmarkets/exchange/internal/server/middleware"
	"github.com/babylonmarkets/exchange/internal/server/ws"
)

// Config holds the HTTP server's runtime parameters.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey, when non-empty, requires every request to carry it as a
	// Bearer token or X-API-Key header.
	APIKey string
	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the endpoint handlers the server routes to.
type Handlers struct {
	Health   *handler.HealthHandler
	Market   *handler.MarketHandler
	Position *handler.PositionHandler
	Perp     *handler.PerpHandler
	Account  *handler.AccountHandler
	Trade    *handler.TradeHandler
	Price    *handler.PriceHandler
	Hub      *ws.Hub
}

// Server is the exchange's HTTP front end.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the route table and middleware chain. The limiter and
// gatherer may be nil, which disables rate limiting and the /metrics
// endpoint respectively.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	// Prediction markets.
	mux.HandleFunc("GET /api/markets", h.Market.ListMarkets)
	mux.HandleFunc("POST /api/markets", h.Market.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", h.Market.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", h.Market.Quote)
	mux.HandleFunc("POST /api/markets/{id}/buy", h.Market.Buy)
	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Market.Resolve)
	mux.HandleFunc("POST /api/positions/{id}/sell", h.Position.Sell)

	// Perpetuals.
	mux.HandleFunc("POST /api/perps", h.Perp.Open)
	mux.HandleFunc("POST /api/perps/{id}/close", h.Perp.Close)

	// Accounts and queries.
	mux.HandleFunc("GET /api/users/{id}/balance", h.Account.GetBalance)
	mux.HandleFunc("POST /api/users/{id}/deposit", h.Account.Deposit)
	mux.HandleFunc("POST /api/users/{id}/withdraw", h.Account.Withdraw)
	mux.HandleFunc("GET /api/users/{id}/transactions", h.Account.GetTransactions)
	mux.HandleFunc("GET /api/users/{id}/positions", h.Position.GetPositions)
	mux.HandleFunc("GET /api/users/{id}/trades", h.Trade.GetTradeHistory)
	mux.HandleFunc("GET /api/leaderboard", h.Trade.GetLeaderboard)

	// Price feed.
	mux.HandleFunc("POST /api/prices", h.Price.ApplyUpdates)
	mux.HandleFunc("GET /api/prices/{ticker}", h.Price.GetPrice)

	// WebSocket event stream.
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Middleware is applied outside-in: CORS first so preflights never hit
	// auth, then logging, rate limiting, and auth around the route table.
	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKey)(root)
	if limiter != nil && cfg.RateLimit > 0 {
		root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving HTTP requests. It blocks until the server stops and
// returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", slog.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// finish up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
