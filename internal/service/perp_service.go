package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/perp"
)

// PerpService runs the leveraged perpetuals engine: opening and closing
// positions, mark-to-market, the liquidation sweep, and funding settlement.
type PerpService struct {
	perps   domain.PerpStore
	trades  domain.TradeStore
	prices  domain.PriceCache
	ledger  *LedgerService
	locks   domain.LockManager
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger

	maxLeverage    decimal.Decimal
	maintRatio     decimal.Decimal
	pointsPerTrade decimal.Decimal
	lockWait       time.Duration
}

// PerpServiceConfig tunes the engine.
type PerpServiceConfig struct {
	// MaxLeverage is the highest accepted leverage multiplier.
	MaxLeverage decimal.Decimal
	// MaintenanceMarginRatio sets the liquidation threshold as a fraction of
	// notional.
	MaintenanceMarginRatio decimal.Decimal
	// PointsPerTrade is the activity-points award per executed trade.
	PointsPerTrade decimal.Decimal
	// LockWait bounds how long an operation waits on a contended lock.
	LockWait time.Duration
}

// NewPerpService creates a PerpService.
func NewPerpService(
	perps domain.PerpStore,
	trades domain.TradeStore,
	prices domain.PriceCache,
	ledger *LedgerService,
	locks domain.LockManager,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg PerpServiceConfig,
) *PerpService {
	return &PerpService{
		perps:          perps,
		trades:         trades,
		prices:         prices,
		ledger:         ledger,
		locks:          locks,
		bus:            bus,
		metrics:        m,
		logger:         logger,
		maxLeverage:    cfg.MaxLeverage,
		maintRatio:     cfg.MaintenanceMarginRatio,
		pointsPerTrade: cfg.PointsPerTrade,
		lockWait:       cfg.LockWait,
	}
}

var one = decimal.NewFromInt(1)

// Open opens a leveraged position on ticker at the current mark price. Margin
// (notional / leverage) is debited from the user's balance up front; the
// liquidation price is fixed from the entry.
func (s *PerpService) Open(ctx context.Context, userID, ticker string, side domain.PerpSide, size, leverage decimal.Decimal) (domain.PerpPosition, error) {
	if size.Sign() <= 0 {
		return domain.PerpPosition{}, domain.ErrInvalidAmount
	}
	if !side.Valid() {
		return domain.PerpPosition{}, domain.ErrInvalidAmount
	}
	if leverage.LessThan(one) || leverage.GreaterThan(s.maxLeverage) {
		return domain.PerpPosition{}, domain.ErrInvalidLeverage
	}

	entryPrice, _, err := s.prices.GetPrice(ctx, ticker)
	if err != nil {
		return domain.PerpPosition{}, fmt.Errorf("perp_service: price for %s: %w", ticker, err)
	}
	if entryPrice.Sign() <= 0 {
		return domain.PerpPosition{}, fmt.Errorf("perp_service: no tradeable price for %s: %w", ticker, domain.ErrNotFound)
	}

	notional := size.Mul(entryPrice)
	margin := notional.Div(leverage)

	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(userID), s.lockWait)
	if err != nil {
		return domain.PerpPosition{}, s.busy(err)
	}
	defer unlockBalance()

	now := time.Now().UTC()
	pos := domain.PerpPosition{
		ID:               uuid.New().String(),
		UserID:           userID,
		Ticker:           ticker,
		Side:             side,
		Size:             size,
		EntryPrice:       entryPrice,
		Leverage:         leverage,
		Margin:           margin,
		CurrentPrice:     entryPrice,
		LiquidationPrice: perp.LiquidationPrice(entryPrice, leverage, s.maintRatio, side),
		Status:           domain.PerpStatusOpen,
		OpenedAt:         now,
	}

	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       margin.Neg(),
		Type:        domain.TxPerpMargin,
		Description: fmt.Sprintf("margin for %s %s x%s", side, ticker, leverage.StringFixed(0)),
	}); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return domain.PerpPosition{}, domain.ErrInsufficientMargin
		}
		return domain.PerpPosition{}, err
	}

	if err := s.perps.Create(ctx, pos); err != nil {
		s.refund(ctx, userID, margin, "perp open rollback: "+ticker)
		return domain.PerpPosition{}, fmt.Errorf("perp_service: create position: %w", err)
	}

	s.recordTrade(ctx, domain.Trade{
		ID:     uuid.New().String(),
		UserID: userID,
		Kind:   domain.TradePerpOpen,
		Ticker: ticker,
		Side:   string(side),
		Shares: size,
		Price:  entryPrice,
		Amount: margin,
	})
	s.awardTradePoints(ctx, userID)
	s.metrics.TradesTotal.WithLabelValues(string(domain.TradePerpOpen)).Inc()
	s.publish(ctx, "trades", map[string]any{
		"event":       "perp_opened",
		"position_id": pos.ID,
		"user_id":     userID,
		"ticker":      ticker,
		"side":        side,
		"size":        size,
		"entry_price": entryPrice,
		"leverage":    leverage,
	})

	return pos, nil
}

// Close settles an open position at the current mark price. The terminal
// transition goes through the store's compare-and-swap so a concurrent
// liquidation cannot settle the same position twice.
//
// Lock order: balance, then position.
func (s *PerpService) Close(ctx context.Context, userID, positionID string) (domain.PerpPosition, error) {
	pos, err := s.perps.GetByID(ctx, positionID)
	if err != nil {
		return domain.PerpPosition{}, domain.ErrPositionNotFound
	}
	if pos.UserID != userID {
		return domain.PerpPosition{}, domain.ErrPositionNotFound
	}

	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(userID), s.lockWait)
	if err != nil {
		return domain.PerpPosition{}, s.busy(err)
	}
	defer unlockBalance()

	unlockPos, err := acquireLock(ctx, s.locks, perpLockKey(positionID), s.lockWait)
	if err != nil {
		return domain.PerpPosition{}, s.busy(err)
	}
	defer unlockPos()

	// Reload under the locks; a liquidation may have landed while we waited.
	pos, err = s.perps.GetByID(ctx, positionID)
	if err != nil {
		return domain.PerpPosition{}, domain.ErrPositionNotFound
	}
	if pos.Status != domain.PerpStatusOpen {
		return domain.PerpPosition{}, domain.ErrPositionAlreadyClosed
	}

	exitPrice, _, err := s.prices.GetPrice(ctx, pos.Ticker)
	if err != nil || exitPrice.Sign() <= 0 {
		// No fresh mark; settle at the last known mark instead of refusing
		// the close.
		exitPrice = pos.CurrentPrice
	}

	// Settle the ledger before the terminal transition: a ledger failure
	// leaves the position open and retryable, never terminal-but-unpaid.
	credit, realized := perp.CloseSettlement(pos, exitPrice)
	settled := credit.Sign() > 0 || realized.Sign() != 0
	if settled {
		if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
			UserID:      pos.UserID,
			Delta:       credit,
			Type:        domain.TxPerpSettle,
			Description: fmt.Sprintf("close %s %s at %s", pos.Side, pos.Ticker, exitPrice.StringFixed(2)),
			PnLDelta:    realized,
		}); err != nil {
			return domain.PerpPosition{}, err
		}
	}

	now := time.Now().UTC()
	if err := s.perps.CloseCAS(ctx, pos.ID, domain.PerpStatusClosed, exitPrice, now); err != nil {
		if settled {
			s.reverse(ctx, pos.UserID, credit, realized, domain.TxPerpSettle,
				fmt.Sprintf("close reversal %s %s", pos.Side, pos.Ticker))
		}
		return domain.PerpPosition{}, err
	}

	pos.Status = domain.PerpStatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = &exitPrice
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnL = decimal.Zero

	s.recordTrade(ctx, domain.Trade{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        domain.TradePerpClose,
		Ticker:      pos.Ticker,
		Side:        string(pos.Side),
		Shares:      pos.Size,
		Price:       exitPrice,
		Amount:      credit,
		RealizedPnL: realized,
	})
	s.awardTradePoints(ctx, userID)
	s.metrics.TradesTotal.WithLabelValues(string(domain.TradePerpClose)).Inc()
	s.publish(ctx, "trades", map[string]any{
		"event":        "perp_closed",
		"position_id":  pos.ID,
		"user_id":      userID,
		"ticker":       pos.Ticker,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
	})

	return pos, nil
}

// UpdatePositions marks every open position on ticker to markPrice and
// liquidates those whose equity has fallen to or below maintenance margin.
// It returns the positions liquidated by this tick.
func (s *PerpService) UpdatePositions(ctx context.Context, ticker string, markPrice decimal.Decimal) ([]domain.PerpPosition, error) {
	open, err := s.perps.ListOpenByTicker(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("perp_service: list open %s: %w", ticker, err)
	}

	var liquidated []domain.PerpPosition
	for _, pos := range open {
		upnl := perp.UnrealizedPnL(pos, markPrice)
		if err := s.perps.UpdateMark(ctx, pos.ID, markPrice, upnl); err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPositionAlreadyClosed) {
				continue
			}
			s.logger.WarnContext(ctx, "perp_service: mark update failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !perp.ShouldLiquidate(pos, markPrice, s.maintRatio) {
			continue
		}
		closed, err := s.liquidate(ctx, pos, markPrice)
		if err != nil {
			if errors.Is(err, domain.ErrPositionAlreadyClosed) {
				continue // user close won the race
			}
			s.logger.ErrorContext(ctx, "perp_service: liquidation failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		liquidated = append(liquidated, closed)
	}
	return liquidated, nil
}

// liquidate force-closes a position at the mark price. Whatever equity
// remains above zero is returned to the user; the capped-loss rule means the
// user can never owe more than the posted margin.
func (s *PerpService) liquidate(ctx context.Context, pos domain.PerpPosition, markPrice decimal.Decimal) (domain.PerpPosition, error) {
	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(pos.UserID), s.lockWait)
	if err != nil {
		return domain.PerpPosition{}, s.busy(err)
	}
	defer unlockBalance()

	unlockPos, err := acquireLock(ctx, s.locks, perpLockKey(pos.ID), s.lockWait)
	if err != nil {
		return domain.PerpPosition{}, s.busy(err)
	}
	defer unlockPos()

	// As in Close, cash moves first so a ledger failure leaves the position
	// open for the next sweep instead of liquidated-but-unsettled.
	credit, realized := perp.CloseSettlement(pos, markPrice)
	settled := credit.Sign() > 0 || realized.Sign() != 0
	if settled {
		if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
			UserID:      pos.UserID,
			Delta:       credit,
			Type:        domain.TxLiquidation,
			Description: fmt.Sprintf("liquidated %s %s at %s", pos.Side, pos.Ticker, markPrice.StringFixed(2)),
			PnLDelta:    realized,
		}); err != nil {
			return domain.PerpPosition{}, err
		}
	}

	now := time.Now().UTC()
	if err := s.perps.CloseCAS(ctx, pos.ID, domain.PerpStatusLiquidated, markPrice, now); err != nil {
		if settled {
			s.reverse(ctx, pos.UserID, credit, realized, domain.TxLiquidation,
				fmt.Sprintf("liquidation reversal %s %s", pos.Side, pos.Ticker))
		}
		return domain.PerpPosition{}, err
	}

	pos.Status = domain.PerpStatusLiquidated
	pos.ClosedAt = &now
	pos.ExitPrice = &markPrice
	pos.CurrentPrice = markPrice
	pos.UnrealizedPnL = decimal.Zero

	s.recordTrade(ctx, domain.Trade{
		ID:          uuid.New().String(),
		UserID:      pos.UserID,
		Kind:        domain.TradeLiquidate,
		Ticker:      pos.Ticker,
		Side:        string(pos.Side),
		Shares:      pos.Size,
		Price:       markPrice,
		Amount:      credit,
		RealizedPnL: realized,
	})
	s.metrics.LiquidationsTotal.Inc()
	s.publish(ctx, "liquidations", map[string]any{
		"event":       "perp_liquidated",
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"ticker":      pos.Ticker,
		"mark_price":  markPrice,
	})
	s.logger.InfoContext(ctx, "perp_service: position liquidated",
		slog.String("position_id", pos.ID),
		slog.String("ticker", pos.Ticker),
		slog.String("mark_price", markPrice.String()),
	)
	return pos, nil
}

// SettleFunding charges one funding interval against every open position on
// every tracked instrument. Longs pay (and shorts receive) when the rate is
// positive. Instruments with no known mark price are skipped and retried next
// interval.
func (s *PerpService) SettleFunding(ctx context.Context, fundingRate decimal.Decimal) error {
	tickers, err := s.perps.ListOpenTickers(ctx)
	if err != nil {
		return fmt.Errorf("perp_service: list open tickers: %w", err)
	}

	for _, ticker := range tickers {
		markPrice, _, err := s.prices.GetPrice(ctx, ticker)
		if err != nil || markPrice.Sign() <= 0 {
			s.logger.WarnContext(ctx, "perp_service: funding skipped, no mark price",
				slog.String("ticker", ticker),
			)
			continue
		}
		if err := s.settleFundingFor(ctx, ticker, markPrice, fundingRate); err != nil {
			s.logger.ErrorContext(ctx, "perp_service: funding settlement failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *PerpService) settleFundingFor(ctx context.Context, ticker string, markPrice, fundingRate decimal.Decimal) error {
	open, err := s.perps.ListOpenByTicker(ctx, ticker)
	if err != nil {
		return err
	}

	for _, pos := range open {
		payment := perp.FundingPayment(pos, markPrice, fundingRate)
		if payment.IsZero() {
			continue
		}
		// Cash moves first, then the accrual is recorded. A ledger failure
		// skips the position with nothing accrued; it is charged again next
		// interval.
		if err := s.settle(ctx, pos.UserID, payment.Neg(), payment.Neg(), domain.TxFunding,
			fmt.Sprintf("funding %s %s", pos.Side, ticker)); err != nil {
			s.logger.WarnContext(ctx, "perp_service: funding ledger write failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.perps.AddFunding(ctx, pos.ID, payment); err != nil {
			// The position went terminal between the charge and the accrual;
			// hand the cash back so paid and recorded funding stay equal.
			if rbErr := s.settle(ctx, pos.UserID, payment, payment, domain.TxFunding,
				fmt.Sprintf("funding reversal %s %s", pos.Side, ticker)); rbErr != nil {
				s.fault(ctx, "funding reversal failed", rbErr)
			}
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPositionAlreadyClosed) {
				continue
			}
			return err
		}
	}
	s.metrics.FundingSettlements.Inc()
	return nil
}

// settle applies a signed ledger credit under the user's balance lock.
func (s *PerpService) settle(ctx context.Context, userID string, delta, pnl decimal.Decimal, txType domain.TransactionType, description string) error {
	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(userID), s.lockWait)
	if err != nil {
		return s.busy(err)
	}
	defer unlockBalance()

	_, err = s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       delta,
		Type:        txType,
		Description: description,
		PnLDelta:    pnl,
	})
	return err
}

func (s *PerpService) refund(ctx context.Context, userID string, amount decimal.Decimal, description string) {
	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       amount,
		Type:        domain.TxPerpMargin,
		Description: description,
	}); err != nil {
		s.fault(ctx, "margin refund failed for "+userID, err)
	}
}

// reverse backs out a settlement whose terminal transition did not land. The
// caller holds the user's balance lock.
func (s *PerpService) reverse(ctx context.Context, userID string, delta, pnl decimal.Decimal, txType domain.TransactionType, description string) {
	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       delta.Neg(),
		Type:        txType,
		Description: description,
		PnLDelta:    pnl.Neg(),
	}); err != nil {
		s.fault(ctx, "settlement reversal failed", err)
	}
}

// fault records an invariant violation and raises it on the engine_fault
// channel so the hub and notifier see it.
func (s *PerpService) fault(ctx context.Context, msg string, err error) {
	s.metrics.LedgerFaultsTotal.Inc()
	s.logger.ErrorContext(ctx, "perp_service: "+msg,
		slog.String("error", err.Error()),
	)
	s.publish(ctx, "engine_fault", map[string]any{
		"event":  "engine_fault",
		"source": "perp_service",
		"detail": msg,
		"error":  err.Error(),
	})
}

func (s *PerpService) recordTrade(ctx context.Context, t domain.Trade) {
	t.CreatedAt = time.Now().UTC()
	if err := s.trades.Insert(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "perp_service: trade record failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PerpService) awardTradePoints(ctx context.Context, userID string) {
	if err := s.ledger.AwardPoints(ctx, userID, s.pointsPerTrade, domain.TxPoints, "trade activity"); err != nil {
		s.logger.WarnContext(ctx, "perp_service: points award failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PerpService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "perp_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PerpService) busy(err error) error {
	if errors.Is(err, domain.ErrEngineBusy) {
		s.metrics.EngineBusyTotal.Inc()
	}
	return err
}
