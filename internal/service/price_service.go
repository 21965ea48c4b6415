package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
)

// PriceService is the single ingress for mark-price updates. Every tick flows
// through ApplyUpdates, which caches the new price, marks open perpetual
// positions to it, and runs the liquidation sweep, so the rest of the engine
// only ever sees prices that have already been applied consistently.
type PriceService struct {
	prices  domain.PriceCache
	perps   *PerpService
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPriceService creates a PriceService.
func NewPriceService(prices domain.PriceCache, perps *PerpService, bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger) *PriceService {
	return &PriceService{
		prices:  prices,
		perps:   perps,
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// ApplyUpdates applies a batch of price ticks. Non-positive prices are
// skipped, not rejected: a bad tick from one source must not stall the batch.
// Each applied instrument gets exactly one mark-to-market pass.
func (s *PriceService) ApplyUpdates(ctx context.Context, updates []domain.PriceUpdate) ([]domain.AppliedUpdate, error) {
	start := time.Now()
	defer func() {
		s.metrics.PriceBatchDuration.Observe(time.Since(start).Seconds())
	}()

	results := make([]domain.AppliedUpdate, 0, len(updates))
	for _, u := range updates {
		results = append(results, s.applyOne(ctx, u))
	}
	return results, nil
}

func (s *PriceService) applyOne(ctx context.Context, u domain.PriceUpdate) domain.AppliedUpdate {
	now := time.Now().UTC()
	res := domain.AppliedUpdate{
		InstrumentID: u.InstrumentID,
		Price:        u.NewPrice,
		AppliedAt:    now,
	}

	if u.InstrumentID == "" {
		res.SkipReason = "missing instrument id"
		s.metrics.PriceUpdatesSkipped.Inc()
		return res
	}
	if u.NewPrice.Sign() <= 0 {
		res.SkipReason = "non-positive price"
		s.metrics.PriceUpdatesSkipped.Inc()
		s.logger.WarnContext(ctx, "price_service: skipped non-positive tick",
			slog.String("instrument_id", u.InstrumentID),
			slog.String("price", u.NewPrice.String()),
			slog.String("source", u.Source),
		)
		return res
	}

	if err := s.prices.SetPrice(ctx, u.InstrumentID, u.NewPrice, now); err != nil {
		res.SkipReason = fmt.Sprintf("cache write: %v", err)
		s.metrics.PriceUpdatesSkipped.Inc()
		s.logger.ErrorContext(ctx, "price_service: cache write failed",
			slog.String("instrument_id", u.InstrumentID),
			slog.String("error", err.Error()),
		)
		return res
	}

	liquidated, err := s.perps.UpdatePositions(ctx, u.InstrumentID, u.NewPrice)
	if err != nil {
		// Price is already cached; mark-to-market catches up on the next tick.
		s.logger.ErrorContext(ctx, "price_service: mark-to-market failed",
			slog.String("instrument_id", u.InstrumentID),
			slog.String("error", err.Error()),
		)
	}

	res.Applied = true
	res.Liquidations = len(liquidated)
	s.publishTick(ctx, u, len(liquidated), now)
	return res
}

// GetPrice returns the latest cached mark price for an instrument.
func (s *PriceService) GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error) {
	return s.prices.GetPrice(ctx, instrumentID)
}

func (s *PriceService) publishTick(ctx context.Context, u domain.PriceUpdate, liquidations int, at time.Time) {
	payload, _ := json.Marshal(map[string]any{
		"event":         "price_updated",
		"instrument_id": u.InstrumentID,
		"price":         u.NewPrice,
		"source":        u.Source,
		"liquidations":  liquidations,
		"applied_at":    at,
	})
	if err := s.bus.Publish(ctx, "prices", payload); err != nil {
		s.logger.WarnContext(ctx, "price_service: publish tick failed",
			slog.String("instrument_id", u.InstrumentID),
			slog.String("error", err.Error()),
		)
	}
}
